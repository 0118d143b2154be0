package cmd

import (
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup-stalled",
	Short: "Reclaim settlement jobs abandoned by crashed workers",
	Long: `Sweep active jobs whose lease expired long ago.

Jobs that had not yet issued any ledger mutation are requeued; jobs
interrupted mid-mutation are failed, because re-running them could
transfer or burn units twice.`,
	Run: func(cmd *cobra.Command, args []string) {
		client, ok := clientFromConfig(cmd)
		if !ok {
			return
		}

		result, err := client.CleanupStalled()
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("Requeued: %d\n", len(result.Requeued))
		for _, id := range result.Requeued {
			cmd.Printf("  %s↻%s %s\n", colorYellow, colorReset, id)
		}
		cmd.Printf("Failed: %d\n", len(result.Failed))
		for _, id := range result.Failed {
			cmd.Printf("  %s✗%s %s\n", colorRed, colorReset, id)
		}
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
