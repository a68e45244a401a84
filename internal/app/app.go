// Package app wires the application together.
//
// App is the container holding every long-lived component: the database
// pool, the Redis client, the Genkit instance, the stores, and the HTTP
// server. Setup builds it in dependency order; Close releases everything
// in reverse.
package app

import (
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/answerdesk/answerdesk/internal/api"
	"github.com/answerdesk/answerdesk/internal/budget"
	"github.com/answerdesk/answerdesk/internal/cache"
	"github.com/answerdesk/answerdesk/internal/chat"
	"github.com/answerdesk/answerdesk/internal/config"
	"github.com/answerdesk/answerdesk/internal/conversation"
	"github.com/answerdesk/answerdesk/internal/knowledge"
	"github.com/answerdesk/answerdesk/internal/log"
	"github.com/answerdesk/answerdesk/internal/tasks"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

// App is the application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder

	DBPool *pgxpool.Pool
	Redis  *redis.Client

	Tenants       *tenant.Store
	Knowledge     *knowledge.Store
	Conversations *conversation.Store
	Budget        *budget.Throttle
	Cache         *cache.Cache

	Tasks  *tasks.Client
	Chat   *chat.Service
	Server *api.Server

	otelCleanup func()
}

// Close releases all resources in reverse initialization order.
func (a *App) Close() error {
	a.logger().Info("shutting down")

	if a.Tasks != nil {
		if err := a.Tasks.Close(); err != nil {
			a.logger().Warn("closing task client", "error", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger().Warn("closing redis client", "error", err)
		}
	}
	if a.DBPool != nil {
		a.DBPool.Close()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}

	return nil
}

func (a *App) logger() log.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return log.NewNop()
}
