// Package config loads and validates application configuration.
//
// Configuration is read from an optional YAML file and overridden by
// environment variables. Secrets never appear in logs: the JSON
// representation masks them.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	AI       AIConfig       `mapstructure:"ai"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Otel     OtelConfig     `mapstructure:"otel"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// TrustProxy enables X-Forwarded-For / X-Real-IP parsing for client
	// identification. Only enable behind a trusted reverse proxy.
	TrustProxy bool `mapstructure:"trust_proxy"`

	// InternalSecret guards the internal maintenance endpoints
	// (cache invalidation). Requests must present it in X-Internal-Secret.
	InternalSecret string `mapstructure:"internal_secret"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	JSON      bool   `mapstructure:"json"`
	AddSource bool   `mapstructure:"add_source"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`

	// URL, when set, takes precedence over the individual fields.
	URL string `mapstructure:"url"`

	MaxConns int32 `mapstructure:"max_conns"`
}

// RedisConfig holds Redis connection settings. Redis backs the response
// cache, the daily spend counters, the tenant rate-limit windows, and the
// persistence queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AIConfig holds model provider settings.
type AIConfig struct {
	// Provider selects the model backend: openai, googleai, or ollama.
	Provider string `mapstructure:"provider"`

	// Model is the chat completion model name, e.g. gpt-4o-mini.
	Model string `mapstructure:"model"`

	// EmbedderModel produces query and chunk embeddings. Retrieval only
	// matches embeddings stored under the same model name.
	EmbedderModel string `mapstructure:"embedder_model"`

	// EmbeddingDim is the dimensionality of stored vectors.
	EmbeddingDim int `mapstructure:"embedding_dim"`

	// OllamaHost is the Ollama server address, used when Provider is ollama.
	OllamaHost string `mapstructure:"ollama_host"`

	Temperature     float64       `mapstructure:"temperature"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// ChatConfig holds chat pipeline settings.
type ChatConfig struct {
	// TopK is the number of knowledge chunks retrieved per query.
	TopK int `mapstructure:"top_k"`

	// CacheTTL bounds how long a cached answer may be served.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// RateLimitWindow is the fixed window for per-tenant rate limiting.
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`

	// WidgetRateLimitPerWindow caps public widget-config reads per window.
	WidgetRateLimitPerWindow int `mapstructure:"widget_rate_limit_per_window"`
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	MaxRetry    int `mapstructure:"max_retry"`
}

// OtelConfig holds OpenTelemetry trace export settings.
type OtelConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

// Load reads configuration from the given file path (optional) and the
// environment. Environment variables use the ANSWERDESK_ prefix with
// underscores, e.g. ANSWERDESK_POSTGRES_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ANSWERDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVariables(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.add_source", false)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "answerdesk")
	v.SetDefault("postgres.database", "answerdesk")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.embedder_model", "text-embedding-3-small")
	v.SetDefault("ai.embedding_dim", 1536)
	v.SetDefault("ai.ollama_host", "http://localhost:11434")
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.max_output_tokens", 500)
	v.SetDefault("ai.request_timeout", 30*time.Second)

	v.SetDefault("chat.top_k", 3)
	v.SetDefault("chat.cache_ttl", 24*time.Hour)
	v.SetDefault("chat.rate_limit_window", time.Minute)
	v.SetDefault("chat.widget_rate_limit_per_window", 20)

	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.max_retry", 5)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4318")
	v.SetDefault("otel.insecure", true)
}

// bindEnvVariables binds each known key explicitly so AutomaticEnv works
// for nested keys even when no config file declares them.
func bindEnvVariables(v *viper.Viper) {
	keys := []string{
		"server.host", "server.port", "server.trust_proxy", "server.internal_secret",
		"log.level", "log.json", "log.add_source",
		"postgres.host", "postgres.port", "postgres.user", "postgres.password",
		"postgres.database", "postgres.ssl_mode", "postgres.url", "postgres.max_conns",
		"redis.addr", "redis.password", "redis.db",
		"ai.provider", "ai.model", "ai.embedder_model", "ai.embedding_dim",
		"ai.ollama_host", "ai.temperature", "ai.max_output_tokens", "ai.request_timeout",
		"chat.top_k", "chat.cache_ttl", "chat.rate_limit_window",
		"chat.widget_rate_limit_per_window",
		"worker.concurrency", "worker.max_retry",
		"otel.enabled", "otel.endpoint", "otel.insecure",
	}
	for _, key := range keys {
		mustBind(v, key)
	}
}

func mustBind(v *viper.Viper, key string) {
	if err := v.BindEnv(key); err != nil {
		panic(fmt.Sprintf("bind env %s: %v", key, err))
	}
}

// ListenAddr returns the host:port address the HTTP server binds to.
func (c ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectionString returns a pgx-compatible connection string.
func (c PostgresConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URLString returns a postgres:// URL, as required by the migration runner.
func (c PostgresConfig) URLString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// maskSecret replaces all but a short prefix of a secret with asterisks.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-2)
}

// MarshalJSON masks secrets so a Config can be logged safely.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(c)
	masked.Server.InternalSecret = maskSecret(c.Server.InternalSecret)
	masked.Postgres.Password = maskSecret(c.Postgres.Password)
	masked.Postgres.URL = maskSecret(c.Postgres.URL)
	masked.Redis.Password = maskSecret(c.Redis.Password)
	return json.Marshal(masked)
}
