package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "settlectl",
	Short: "Settlectl is a command line tool for interacting with the settleplane engine",
	Long: `settlectl is the command-line interface for the settleplane settlement
orchestration engine.

Settleplane executes multi-step settlements of jewelry-backed collateral
tokens against a distributed ledger: repayments that return all
outstanding units to the pawnshop and burn them, and purchases that
move units from the treasury to a buyer.

Common workflows:

  Start a repayment settlement:
    settlectl repay --token-id 0.0.5005 --pawnshop 0.0.9001

  Start a token purchase:
    settlectl purchase --token-id 0.0.5005 --buyer 0.0.7007 --units 10 --value 15000

  Check settlement status:
    settlectl status <job-id>

  Inspect current token holders:
    settlectl holders 0.0.5005

  Cancel a queued settlement:
    settlectl cancel <job-id>

  Reclaim jobs from crashed workers:
    settlectl cleanup-stalled

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    SETTLEPLANE_API_URL    API endpoint (default: http://localhost:6161)
    SETTLEPLANE_TOKEN      API key for authentication
    SETTLEPLANE_CALLER     Caller identity that scopes job ownership`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".settlectl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".settlectl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "SETTLEPLANE_VARNAME"
	viper.SetEnvPrefix("SETTLEPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.settlectl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "Settleplane Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "API key for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().String("caller", "", "Caller identity that scopes job ownership")
	viper.BindPFlag("caller", rootCmd.PersistentFlags().Lookup("caller"))
}
