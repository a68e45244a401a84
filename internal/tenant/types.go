// Package tenant resolves API credentials to tenant identities and serves
// per-tenant settings. Every downstream read and write is scoped by the
// tenant ID resolved here.
package tenant

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is a customer account. All persisted data is partitioned by its ID.
type Tenant struct {
	ID   uuid.UUID
	Name string

	// RateLimitPerWindow caps chat requests per rate-limit window.
	RateLimitPerWindow int

	// DailyCostLimitNanoUSD is the per-day LLM spend ceiling in nano-USD
	// (1 USD = 1e9 nano-USD).
	DailyCostLimitNanoUSD int64

	// AllowedOrigins restricts which web origins may use the embeddable
	// widget. Empty means no restriction.
	AllowedOrigins []string

	Active    bool
	CreatedAt time.Time
}

// WidgetConfig is the public appearance configuration served to the
// embeddable chat widget. It contains no secrets.
type WidgetConfig struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Title    string    `json:"title"`
	Color    string    `json:"color"`
	Greeting string    `json:"greeting"`
}

// APIKey is a stored credential. Only a SHA-256 hash of the key material is
// persisted; the prefix survives for operator identification.
type APIKey struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	KeyPrefix  string
	Active     bool
	LastUsedAt time.Time
	CreatedAt  time.Time
}
