// Package cmd provides the answerdesk CLI commands.
//
// Commands:
//   - serve: HTTP API server
//   - worker: background persistence worker
//   - migrate: run database migrations and exit
//   - version: print build information
//
// Signal handling and graceful shutdown are implemented for the
// long-running commands via context cancellation.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/answerdesk/answerdesk/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "answerdesk",
	Short: "AnswerDesk - multi-tenant support chat backend",
	Long: `AnswerDesk answers customer questions from each tenant's own
knowledge base, with per-tenant rate limits, daily cost budgets, and
response caching.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"path to config file (optional, env vars override)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
