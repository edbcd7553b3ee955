package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"harvestplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchCmd = &cobra.Command{
	Use:   "watch [run_id]",
	Short: "Follow a collection run live",
	Long: `Stream run and task state transitions as they happen, until the run
reaches a terminal state or the stream is interrupted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runID := args[0]
		url := fmt.Sprintf("%s/api/v1/runs/%s/events", viper.GetString("url"), runID)

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
		if err != nil {
			cmd.Printf("Failed to create request: %v\n", err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		// No timeout: the stream stays open for the life of the run.
		client := &http.Client{}
		resp, err := client.Do(req)
		if err != nil {
			cmd.Printf("Failed to connect: %v\n", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			cmd.Printf("Request failed with status code: %d\n", resp.StatusCode)
			return
		}

		cmd.Printf("Watching run %s (Ctrl-C to stop)\n", runID)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var ev api.RunEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			printEvent(cmd, ev)

			if ev.Type == "run" && isTerminal(ev.Status) {
				return
			}
		}
	},
}

func printEvent(cmd *cobra.Command, ev api.RunEvent) {
	stamp := ev.At.Local().Format(time.TimeOnly)
	switch ev.Type {
	case "task":
		line := fmt.Sprintf("%s  %s task %-14s %s", stamp, statusIcon(ev.Status), ev.Provider, ev.Status)
		if ev.Records > 0 {
			line += fmt.Sprintf(" (%d records)", ev.Records)
		}
		cmd.Println(line)
	case "run":
		cmd.Printf("%s  %s run %s\n", stamp, statusIcon(ev.Status), colorizeStatus(ev.Status))
	}
}

func isTerminal(status string) bool {
	return status == "completed" || status == "failed" || status == "cancelled"
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
