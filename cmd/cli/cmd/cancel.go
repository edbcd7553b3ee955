package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [run_id]",
	Short: "Cancel a collection run",
	Long: `Cancel a collection run. Pending tasks are dropped, running tasks are
signalled to stop, and the unconsumed part of the budget reservation is
refunded. Cancelling an already-finished run is a no-op.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))
		resp, err := client.CancelRun(args[0])
		if err != nil {
			cmd.Printf("Failed to cancel run: %v\n", err)
			return
		}
		cmd.Printf("Run %s is now %s\n", resp.RunID, colorizeStatus(resp.Status))
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
