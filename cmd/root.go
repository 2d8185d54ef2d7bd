// Package cmd provides the flowboard CLI commands.
//
// Commands:
//   - serve: dashboard HTTP server (SSE event stream, uploads, flow canvas)
//   - version: build information
//
// Signal handling and graceful shutdown are implemented for serve via
// context cancellation.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flowboard",
	Short: "flowboard - live dashboard for a document ingestion pipeline",
	Long: `Flowboard sits between an upstream ingestion API and the browser,
reconciling pipeline events and upload progress into a single state
snapshot that it streams to dashboard clients over SSE.

Run 'flowboard serve' to start the dashboard server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Serving is the only mode of operation, so bare invocation serves.
		return runServe(cmd, args)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
