// Package cmd wires the certassist command line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "certassist",
	Short: "Chat session persistence service for the certassist study assistant",
	Long: `certassist runs the persistence backend for certification study
conversations: durable chat sessions and message history over PostgreSQL,
with per-account isolation and an optional bridge to an external AI
provider.

Run 'certassist serve' to start the HTTP API.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
