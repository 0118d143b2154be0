package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"settleplane/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a settlement job",
	Long:  `Retrieve detailed status for a settlement job, including its current state (queued, active, completed, failed, cancelled), stage, progress and terminal result.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID := args[0]

		client, ok := clientFromConfig(cmd)
		if !ok {
			return
		}

		job, err := client.GetStatus(jobID)
		if err != nil {
			printClientError(cmd, err)
			return
		}

		printStatus(cmd, job)
	},
}

func printStatus(cmd *cobra.Command, job *api.JobStatusResponse) {
	icon := stateIcon(job.State)
	cmd.Printf("%s %sSettlement Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s        %s\n", colorDim, colorReset, job.ID)
	cmd.Printf("%sKind:%s      %s\n", colorDim, colorReset, job.Kind)
	cmd.Printf("%sToken:%s     %s\n", colorDim, colorReset, job.TokenID)
	cmd.Printf("%sState:%s     %s\n", colorDim, colorReset, colorizeState(job.State))

	if job.Stage != "" {
		cmd.Printf("%sStage:%s     %s\n", colorDim, colorReset, job.Stage)
	}
	cmd.Printf("%sProgress:%s  %s %d%%\n", colorDim, colorReset, progressBar(job.ProgressPercent), job.ProgressPercent)
	cmd.Printf("%sAttempts:%s  %d\n", colorDim, colorReset, job.Attempts)

	if job.ErrorMessage != nil {
		kind := ""
		if job.ErrorKind != nil {
			kind = " [" + *job.ErrorKind + "]"
		}
		cmd.Printf("%sError:%s     %s%s%s%s\n", colorDim, colorReset, colorRed, *job.ErrorMessage, kind, colorReset)
	}

	cmd.Printf("%sCreated:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(&job.CreatedAt))
	if job.UpdatedAt != nil {
		cmd.Printf("%sUpdated:%s   %s\n", colorDim, colorReset, formatTimeWithRelative(job.UpdatedAt))
	}

	if len(job.Result) > 0 {
		printResult(cmd, job.Result)
	}
}

func printResult(cmd *cobra.Command, raw json.RawMessage) {
	var result struct {
		TransferredUnits int      `json:"transferred_units"`
		BurnedUnits      int      `json:"burned_units"`
		SkippedHolders   []string `json:"skipped_holders"`
		Warning          string   `json:"warning"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return
	}

	cmd.Println("──────────────────────────────")
	cmd.Printf("%sTransferred:%s %d units\n", colorDim, colorReset, result.TransferredUnits)
	if result.BurnedUnits > 0 {
		cmd.Printf("%sBurned:%s      %d units\n", colorDim, colorReset, result.BurnedUnits)
	}
	if len(result.SkippedHolders) > 0 {
		cmd.Printf("%sSkipped:%s     %s\n", colorDim, colorReset, strings.Join(result.SkippedHolders, ", "))
	}
	if result.Warning != "" {
		cmd.Printf("%sWarning:%s     %s%s%s\n", colorDim, colorReset, colorYellow, result.Warning, colorReset)
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

func stateIcon(state string) string {
	switch state {
	case "completed":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "active":
		return colorYellow + "⏳" + colorReset
	case "queued":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeState(state string) string {
	icon := stateIcon(state)
	switch state {
	case "completed":
		return icon + " " + colorGreen + state + colorReset
	case "failed":
		return icon + " " + colorRed + state + colorReset
	case "active":
		return icon + " " + colorYellow + state + colorReset
	case "queued":
		return icon + " " + colorCyan + state + colorReset
	default:
		return state
	}
}

func progressBar(percent int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent / 10
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", 10-filled) + "]"
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil || t.IsZero() {
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

func init() {
	rootCmd.AddCommand(statusCmd)
}
