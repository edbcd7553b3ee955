package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Inspect and top up the collection budget",
}

var budgetShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current budget position",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))
		resp, err := client.GetBudget()
		if err != nil {
			cmd.Printf("Failed to fetch budget: %v\n", err)
			return
		}
		cmd.Printf("%sBalance:%s   %d credits\n", colorDim, colorReset, resp.Balance)
		cmd.Printf("%sReserved:%s  %d credits\n", colorDim, colorReset, resp.Reserved)
		cmd.Printf("%sAvailable:%s %d credits\n", colorDim, colorReset, resp.Available)
	},
}

var (
	topupAmount int64
	topupNote   string
)

var budgetTopupCmd = &cobra.Command{
	Use:   "topup",
	Short: "Credit the budget balance",
	Run: func(cmd *cobra.Command, args []string) {
		if topupAmount <= 0 {
			cmd.Println("--amount must be a positive number of credits")
			return
		}
		client := NewRunClient(viper.GetString("url"))
		resp, err := client.TopUpBudget(topupAmount, topupNote)
		if err != nil {
			cmd.Printf("Failed to top up budget: %v\n", err)
			return
		}
		cmd.Printf("%s✓%s Added %d credits, %d now available\n", colorGreen, colorReset, topupAmount, resp.Available)
	},
}

var ledgerLimit int

var budgetLedgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show recent budget movements",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))
		entries, err := client.GetLedger(ledgerLimit)
		if err != nil {
			cmd.Printf("Failed to fetch ledger: %v\n", err)
			return
		}
		if len(entries) == 0 {
			cmd.Println("No ledger entries")
			return
		}
		for _, e := range entries {
			line := e.CreatedAt.Local().Format("2006-01-02 15:04:05")
			cmd.Printf("%s%s%s  %-8s %+d", colorDim, line, colorReset, e.Type, e.Amount)
			if e.RunID != "" {
				cmd.Printf("  %srun %s%s", colorDim, e.RunID, colorReset)
			}
			if e.Note != "" {
				cmd.Printf("  %s", e.Note)
			}
			cmd.Println()
		}
	},
}

func init() {
	budgetTopupCmd.Flags().Int64Var(&topupAmount, "amount", 0, "Credits to add (required)")
	budgetTopupCmd.Flags().StringVar(&topupNote, "note", "", "Note recorded in the ledger")
	budgetLedgerCmd.Flags().IntVar(&ledgerLimit, "limit", 20, "Maximum entries to show")

	budgetCmd.AddCommand(budgetShowCmd)
	budgetCmd.AddCommand(budgetTopupCmd)
	budgetCmd.AddCommand(budgetLedgerCmd)
	rootCmd.AddCommand(budgetCmd)
}
