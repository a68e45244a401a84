package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/answerdesk/answerdesk/db"
	"github.com/answerdesk/answerdesk/internal/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations and exit",
	Long: `Applies any pending schema migrations. The serve and worker commands
also run migrations on startup; this command exists for deploy pipelines
that migrate before rolling the fleet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	logger := log.New(log.Config{
		Level: level,
		JSON:  cfg.Log.JSON,
	})

	if err := db.Migrate(cfg.Postgres.URLString(), logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}
