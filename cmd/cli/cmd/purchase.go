package cmd

import (
	"github.com/spf13/cobra"

	"settleplane/pkg/api"
)

var purchaseCmd = &cobra.Command{
	Use:   "purchase",
	Short: "Start a token purchase settlement",
	Long: `Start a purchase settlement moving collateral units from the treasury
to a buyer account.

The engine associates the buyer with the token, transfers the requested
units in ledger-sized batches and freezes the buyer's holding.

Example:
  settlectl purchase --token-id 0.0.5005 --buyer 0.0.7007 --units 10 --value 15000`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		token, _ := flags.GetString("token-id")
		buyer, _ := flags.GetString("buyer")
		units, _ := flags.GetInt("units")
		value, _ := flags.GetInt64("value")

		client, ok := clientFromConfig(cmd)
		if !ok {
			return
		}

		if token == "" {
			cmd.Println("Error: --token-id is required")
			return
		}
		if buyer == "" {
			cmd.Println("Error: --buyer is required")
			return
		}
		if units < api.UnitCountMin || units > api.UnitCountMax {
			cmd.Printf("Error: --units must be between %d and %d\n", api.UnitCountMin, api.UnitCountMax)
			return
		}
		if value <= 0 {
			cmd.Println("Error: --value must be positive")
			return
		}

		result, err := client.SubmitPurchase(api.PurchaseRequest{
			TokenID:        token,
			BuyerAccountID: buyer,
			UnitCount:      units,
			TotalValue:     value,
		})
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("✓ Purchase settlement accepted!\nJob ID: %s\n", result.JobID)
	},
}

func init() {
	flags := purchaseCmd.Flags()
	flags.String("token-id", "", "Collateral token id (required)")
	flags.StringP("buyer", "b", "", "Buyer account receiving the units (required)")
	flags.IntP("units", "u", 0, "Number of units to purchase (1-100)")
	flags.Int64("value", 0, "Total purchase value in the smallest currency unit")

	rootCmd.AddCommand(purchaseCmd)
}
