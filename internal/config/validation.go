package config

import (
	"fmt"
	"log/slog"
	"strings"
)

var validProviders = map[string]bool{
	"openai":   true,
	"googleai": true,
	"ollama":   true,
}

// Validate checks the configuration for values that would only fail later
// at an inconvenient time.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("ai.provider %q unknown (want openai, googleai, or ollama)", c.AI.Provider)
	}
	if c.AI.Model == "" {
		return fmt.Errorf("ai.model is required")
	}
	if c.AI.EmbedderModel == "" {
		return fmt.Errorf("ai.embedder_model is required")
	}
	if c.AI.EmbeddingDim <= 0 {
		return fmt.Errorf("ai.embedding_dim must be positive, got %d", c.AI.EmbeddingDim)
	}
	if c.AI.MaxOutputTokens <= 0 {
		return fmt.Errorf("ai.max_output_tokens must be positive, got %d", c.AI.MaxOutputTokens)
	}
	if c.AI.RequestTimeout <= 0 {
		return fmt.Errorf("ai.request_timeout must be positive, got %s", c.AI.RequestTimeout)
	}

	if c.Chat.TopK <= 0 {
		return fmt.Errorf("chat.top_k must be positive, got %d", c.Chat.TopK)
	}
	if c.Chat.CacheTTL <= 0 {
		return fmt.Errorf("chat.cache_ttl must be positive, got %s", c.Chat.CacheTTL)
	}
	if c.Chat.RateLimitWindow <= 0 {
		return fmt.Errorf("chat.rate_limit_window must be positive, got %s", c.Chat.RateLimitWindow)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got %d", c.Worker.Concurrency)
	}

	return nil
}

// SlogLevel parses the configured level string into a slog.Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q unknown", c.Level)
	}
}
