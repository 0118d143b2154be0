package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"settleplane/pkg/api"
)

var repayCmd = &cobra.Command{
	Use:   "repay",
	Short: "Start a repayment settlement",
	Long: `Start a repayment settlement for a collateral token.

The engine enumerates every current holder, unfreezes their accounts,
transfers all outstanding units back to the pawnshop and burns them.
The command returns immediately with a job id; use 'settlectl status'
to follow progress.

Example:
  settlectl repay --token-id 0.0.5005 --pawnshop 0.0.9001 --reference loan-4711`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		token, _ := flags.GetString("token-id")
		pawnshop, _ := flags.GetString("pawnshop")
		reference, _ := flags.GetString("reference")

		client, ok := clientFromConfig(cmd)
		if !ok {
			return
		}

		if token == "" {
			cmd.Println("Error: --token-id is required")
			return
		}
		if pawnshop == "" {
			cmd.Println("Error: --pawnshop is required")
			return
		}

		result, err := client.SubmitRepayment(api.RepaymentRequest{
			TokenID:           token,
			PawnshopAccountID: pawnshop,
			ReferenceID:       reference,
		})
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("✓ Repayment settlement accepted!\nJob ID: %s\n", result.JobID)
	},
}

// clientFromConfig builds a SettleClient from viper config, printing a
// hint and returning ok=false when credentials are missing.
func clientFromConfig(cmd *cobra.Command) (*SettleClient, bool) {
	url := viper.GetString("url")
	token := viper.GetString("token")
	caller := viper.GetString("caller")

	if token == "" {
		cmd.Println("API key not found. Please set it using the --token flag or the SETTLEPLANE_TOKEN environment variable")
		return nil, false
	}
	if caller == "" {
		cmd.Println("Caller identity not found. Please set it using the --caller flag or the SETTLEPLANE_CALLER environment variable")
		return nil, false
	}

	return NewSettleClient(url, token, caller), true
}

func printClientError(cmd *cobra.Command, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
	} else {
		cmd.Printf("Error: %v\n", err)
	}
}

func init() {
	flags := repayCmd.Flags()
	flags.String("token-id", "", "Collateral token id (required)")
	flags.StringP("pawnshop", "p", "", "Pawnshop account receiving the units (required)")
	flags.StringP("reference", "r", "", "External loan reference (optional)")

	rootCmd.AddCommand(repayCmd)
}
