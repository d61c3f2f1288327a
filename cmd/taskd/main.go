package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opsforge/taskd/logger"
)

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "taskd - in-memory task scheduling and execution service",
	Long: `taskd - priority-based task scheduling and execution over HTTP.

taskd accepts task submissions, orders them by priority, executes them on
a bounded worker pool, and exposes task lifecycle observation with
long-polling, cancellation, and per-client rate limiting.

Examples:
  taskd serve              # Start the HTTP service
  taskd version            # Show version information`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
