package cmd

import (
	"github.com/spf13/cobra"
)

var holdersCmd = &cobra.Command{
	Use:   "holders [token_id]",
	Short: "List current holders of a collateral token",
	Long: `Enumerate the accounts currently holding units of a collateral token,
with the serial numbers each one owns. The holder set is read live from
the ledger.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tokenID := args[0]

		client, ok := clientFromConfig(cmd)
		if !ok {
			return
		}

		resp, err := client.GetHolders(tokenID)
		if err != nil {
			printClientError(cmd, err)
			return
		}

		cmd.Printf("%sHolders of %s%s\n", colorBold, resp.TokenID, colorReset)
		cmd.Println("──────────────────────────────")
		for _, holder := range resp.Holders {
			cmd.Printf("%s%-14s%s %3d units  serials %v\n", colorCyan, holder.AccountID, colorReset, holder.Units, holder.Serials)
		}
		cmd.Println("──────────────────────────────")
		cmd.Printf("%sTotal:%s %d units across %d holders\n", colorDim, colorReset, resp.TotalUnits, len(resp.Holders))
	},
}

func init() {
	rootCmd.AddCommand(holdersCmd)
}
