// Package main is the entry point for the settleplane CLI.
// The CLI is the operator terminal tool for interacting with the settleplane API.
package main

import (
	"os"

	"settleplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
