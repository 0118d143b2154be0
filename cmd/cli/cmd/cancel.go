package cmd

import (
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a queued settlement job",
	Long: `Cancel a settlement job that is still queued.

Jobs a worker has already claimed cannot be cancelled: their ledger
operations are irreversible, so they run to a terminal state instead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jobID := args[0]

		client, ok := clientFromConfig(cmd)
		if !ok {
			return
		}

		result, err := client.CancelJob(jobID)
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("✓ Job cancelled: %s\n", result.JobID)
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
