package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/answerdesk/answerdesk/internal/app"
	"github.com/answerdesk/answerdesk/internal/tasks"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background persistence worker",
	Long: `The worker drains the persistence queue: it writes chat turns to
PostgreSQL and updates the daily spend counters. Run at least one worker
alongside the API server, or nothing gets persisted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.SetupWorker(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing worker: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			a.Logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	srv := tasks.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Worker.Concurrency)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypePersistTurn,
		tasks.NewPersistTurnHandler(a.Conversations, a.Budget, a.Logger))

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	a.Logger.Info("worker ready",
		"concurrency", cfg.Worker.Concurrency,
		"version", Version,
	)

	<-ctx.Done()
	a.Logger.Info("shutting down worker")
	srv.Shutdown()
	return nil
}
