// Package cmd wires the CLI entry points.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "groundskeeper",
	Short: "Grounded chat service with per-agent document stores",
	Long: `Groundskeeper serves grounded conversations over HTTP: agents answer
from their own document stores, responses stream as SSE, and citations are
extracted from grounding metadata after each exchange.

Run "groundskeeper serve" to start the API server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
