package cmd

import (
	"fmt"
	"time"

	"harvestplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Get status of a collection run",
	Long:  `Retrieve the aggregate state of a collection run and every provider task in it: per-task tier, record count, consumed cost and rate-limiter wait time.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := NewRunClient(viper.GetString("url"))
		run, err := client.GetRun(args[0])
		if err != nil {
			cmd.Printf("Failed to fetch run: %v\n", err)
			return
		}
		printRun(cmd, run)
	},
}

func printRun(cmd *cobra.Command, run *api.RunStatusResponse) {
	icon := statusIcon(run.Status)
	cmd.Printf("%s %sCollection Run%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, run.ID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(run.Status))
	cmd.Printf("%sMode:%s        %s\n", colorDim, colorReset, run.Mode)
	cmd.Printf("%sTier:%s        %s\n", colorDim, colorReset, run.Tier)
	cmd.Printf("%sRecords:%s     %d\n", colorDim, colorReset, run.TotalRecords)

	cmd.Printf("%sEstimated:%s   %d credits\n", colorDim, colorReset, run.EstimatedCost)
	if run.SettledCost != nil {
		cmd.Printf("%sSettled:%s     %d credits\n", colorDim, colorReset, *run.SettledCost)
	} else {
		cmd.Printf("%sSettled:%s     -\n", colorDim, colorReset)
	}

	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(run.StartedAt))
	if run.StartedAt != nil && run.CompletedAt != nil {
		duration := run.CompletedAt.Sub(*run.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(run.CompletedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(run.CompletedAt))
	}

	if len(run.Tasks) == 0 {
		return
	}
	cmd.Println()
	cmd.Printf("%sTasks%s\n", colorBold, colorReset)
	for _, task := range run.Tasks {
		tier := task.Tier
		if task.RequestedTier != "" {
			tier = fmt.Sprintf("%s (requested %s)", task.Tier, task.RequestedTier)
		}
		cmd.Printf("  %s %-14s %-24s %6d records %5d credits", statusIcon(task.Status), task.Provider, tier, task.Records, task.Cost)
		if task.RateWaitMs > 0 {
			cmd.Printf("  %swaited %s%s", colorDim, formatDuration(time.Duration(task.RateWaitMs)*time.Millisecond), colorReset)
		}
		cmd.Println()
		if task.Error != nil {
			cmd.Printf("      %s%s%s\n", colorRed, *task.Error, colorReset)
		}
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "completed":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "cancelled":
		return colorYellow + "⊘" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "completed":
		return icon + " " + colorGreen + status + colorReset
	case "failed":
		return icon + " " + colorRed + status + colorReset
	case "running", "cancelled":
		return icon + " " + colorYellow + status + colorReset
	case "pending":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
