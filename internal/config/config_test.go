package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.AI.Provider != "openai" {
		t.Errorf("AI.Provider = %q, want openai", cfg.AI.Provider)
	}
	if cfg.AI.EmbedderModel != "text-embedding-3-small" {
		t.Errorf("AI.EmbedderModel = %q", cfg.AI.EmbedderModel)
	}
	if cfg.Chat.TopK != 3 {
		t.Errorf("Chat.TopK = %d, want 3", cfg.Chat.TopK)
	}
	if cfg.Chat.CacheTTL != 24*time.Hour {
		t.Errorf("Chat.CacheTTL = %s, want 24h", cfg.Chat.CacheTTL)
	}
	if cfg.AI.RequestTimeout != 30*time.Second {
		t.Errorf("AI.RequestTimeout = %s, want 30s", cfg.AI.RequestTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
ai:
  model: gpt-4o
chat:
  top_k: 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.AI.Model != "gpt-4o" {
		t.Errorf("AI.Model = %q, want gpt-4o", cfg.AI.Model)
	}
	if cfg.Chat.TopK != 5 {
		t.Errorf("Chat.TopK = %d, want 5", cfg.Chat.TopK)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ANSWERDESK_SERVER_PORT", "3000")
	t.Setenv("ANSWERDESK_AI_PROVIDER", "ollama")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.AI.Provider != "ollama" {
		t.Errorf("AI.Provider = %q, want ollama", cfg.AI.Provider)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad provider", func(c *Config) { c.AI.Provider = "acme" }},
		{"zero top_k", func(c *Config) { c.Chat.TopK = 0 }},
		{"empty model", func(c *Config) { c.AI.Model = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"negative timeout", func(c *Config) { c.AI.RequestTimeout = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestConnectionString(t *testing.T) {
	pg := PostgresConfig{
		Host: "db", Port: 5433, User: "u", Password: "p",
		Database: "d", SSLMode: "require",
	}
	got := pg.ConnectionString()
	want := "host=db port=5433 user=u password=p dbname=d sslmode=require"
	if got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}

	pg.URL = "postgres://u:p@elsewhere/d"
	if pg.ConnectionString() != pg.URL {
		t.Errorf("ConnectionString() should return URL when set")
	}
}

func TestURLString(t *testing.T) {
	pg := PostgresConfig{
		Host: "db", Port: 5432, User: "u", Password: "p",
		Database: "d", SSLMode: "disable",
	}
	want := "postgres://u:p@db:5432/d?sslmode=disable"
	if got := pg.URLString(); got != want {
		t.Errorf("URLString() = %q, want %q", got, want)
	}
}

func TestMarshalJSONMasksSecrets(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	cfg.Postgres.Password = "supersecret"
	cfg.Redis.Password = "alsosecret"
	cfg.Server.InternalSecret = "internal-token"

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	out := string(data)
	for _, secret := range []string{"supersecret", "alsosecret", "internal-token"} {
		if strings.Contains(out, secret) {
			t.Errorf("marshaled config leaks secret %q", secret)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret(""); got != "" {
		t.Errorf("maskSecret(empty) = %q", got)
	}
	if got := maskSecret("ab"); got != "****" {
		t.Errorf("maskSecret(short) = %q", got)
	}
	if got := maskSecret("abcdefgh"); got != "ab******" {
		t.Errorf("maskSecret(long) = %q", got)
	}
}
