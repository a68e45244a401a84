package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/core/tracing"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/answerdesk/answerdesk/db"
	httpapi "github.com/answerdesk/answerdesk/internal/api"
	"github.com/answerdesk/answerdesk/internal/budget"
	"github.com/answerdesk/answerdesk/internal/cache"
	"github.com/answerdesk/answerdesk/internal/chat"
	"github.com/answerdesk/answerdesk/internal/config"
	"github.com/answerdesk/answerdesk/internal/conversation"
	"github.com/answerdesk/answerdesk/internal/knowledge"
	"github.com/answerdesk/answerdesk/internal/llm"
	"github.com/answerdesk/answerdesk/internal/log"
	"github.com/answerdesk/answerdesk/internal/prompt"
	"github.com/answerdesk/answerdesk/internal/tasks"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

// Setup creates and initializes the application. On failure everything
// already initialized is released before the error is returned.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	logger := newLogger(cfg)

	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, err := provideDBPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := a.Redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q",
			cfg.AI.EmbedderModel, cfg.AI.Provider)
	}
	a.Embedder = embedder

	a.Tenants = tenant.NewStore(tenant.NewPostgresQuerier(pool), logger)
	a.Knowledge = knowledge.NewStore(knowledge.NewPostgresQuerier(pool), embedder, cfg.AI.EmbedderModel, logger)
	a.Conversations = conversation.NewStore(conversation.NewPostgresQuerier(pool), pool, logger)
	a.Budget = budget.NewThrottle(budget.NewPostgresQuerier(pool), a.Redis, logger)
	a.Cache = cache.New(a.Redis, cfg.Chat.CacheTTL, logger)

	a.Tasks = tasks.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Worker.MaxRetry, logger)

	completer := llm.NewClient(g, llm.ClientConfig{
		Model:           cfg.AI.Model,
		Temperature:     cfg.AI.Temperature,
		MaxOutputTokens: cfg.AI.MaxOutputTokens,
		Timeout:         cfg.AI.RequestTimeout,
	}, logger)

	a.Chat = chat.NewService(
		a.Cache, cache.ChatKey,
		a.Knowledge,
		prompt.NewBuilder(""),
		completer,
		a.Tasks,
		chat.Config{TopK: cfg.Chat.TopK},
		logger,
	)

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Logger:              logger,
		Tenants:             a.Tenants,
		Chat:                a.Chat,
		Budget:              a.Budget,
		Cache:               a.Cache,
		Limiter:             a.Redis,
		Pool:                pool,
		RateLimitWindow:     cfg.Chat.RateLimitWindow,
		WidgetRatePerWindow: cfg.Chat.WidgetRateLimitPerWindow,
		InternalSecret:      cfg.Server.InternalSecret,
		TrustProxy:          cfg.Server.TrustProxy,
	})
	if err != nil {
		return nil, fmt.Errorf("building http server: %w", err)
	}
	a.Server = server

	return a, nil
}

// newLogger builds the process logger. The level string was already
// validated by config.Load, so a parse failure here falls back to info.
func newLogger(cfg *config.Config) log.Logger {
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return log.New(log.Config{
		Level:     level,
		JSON:      cfg.Log.JSON,
		AddSource: cfg.Log.AddSource,
	})
}

// SetupWorker initializes only what the background worker needs: the
// database pool, the Redis client, and the stores behind turn persistence.
// No model provider is initialized.
func SetupWorker(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	logger := newLogger(cfg)

	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := provideDBPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := a.Redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	a.Conversations = conversation.NewStore(conversation.NewPostgresQuerier(pool), pool, logger)
	a.Budget = budget.NewThrottle(budget.NewPostgresQuerier(pool), a.Redis, logger)

	return a, nil
}

// provideOtelShutdown exports traces over OTLP HTTP when enabled. The
// returned function flushes and shuts the exporter down.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	if !cfg.Otel.Enabled {
		return func() {}
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Otel.Endpoint)}
	if cfg.Otel.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		logger.Warn("creating trace exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("trace export enabled", "endpoint", cfg.Otel.Endpoint)

	shutdown := tracing.TracerProvider().Shutdown

	//nolint:contextcheck // Independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and creates the PostgreSQL connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config, logger log.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Postgres.URLString(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideGenkit initializes Genkit with the configured AI provider plugin.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.AI.Provider {
	case "ollama":
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.AI.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery)
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.AI.Model,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.AI.OllamaHost, cfg.AI.EmbedderModel, nil)
		logger.Info("initialized genkit with ollama provider",
			"model", cfg.AI.Model, "host", cfg.AI.OllamaHost)

	case "googleai":
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with googleai provider")
		}
		logger.Info("initialized genkit with googleai provider", "model", cfg.AI.Model)

	default: // "openai"
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized genkit with openai provider", "model", cfg.AI.Model)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the provider plugin.
// Each provider registers embedders differently:
//   - openai: auto-registered in Init(), looked up by model name
//   - ollama: registered in provideGenkit, keyed by server address
//   - googleai: GoogleAIEmbedder(g, modelName)
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.AI.Provider {
	case "ollama":
		return ollama.Embedder(g, cfg.AI.OllamaHost)
	case "googleai":
		return googlegenai.GoogleAIEmbedder(g, cfg.AI.EmbedderModel)
	default: // "openai"
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.AI.EmbedderModel))
	}
}
