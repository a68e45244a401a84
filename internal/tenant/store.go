package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/answerdesk/answerdesk/internal/log"
)

// keyPrefix is the fixed prefix of issued API keys. Requests whose
// credential does not carry it are rejected without touching the database.
const keyPrefix = "ad_live_"

// AuthRow is the join of an API key and its owning tenant.
type AuthRow struct {
	KeyID     uuid.UUID
	KeyActive bool
	Tenant    Tenant
}

// Querier defines the database operations the store needs. Implemented by
// PostgresQuerier in production and by mocks in tests.
type Querier interface {
	// TenantByKeyHash looks up an API key by its SHA-256 hash and returns
	// the key row joined with its tenant.
	TenantByKeyHash(ctx context.Context, keyHash string) (AuthRow, error)

	// TouchAPIKey records that the key was just used.
	TouchAPIKey(ctx context.Context, keyID uuid.UUID, at time.Time) error

	// TenantByID fetches a tenant by primary key.
	TenantByID(ctx context.Context, id uuid.UUID) (Tenant, error)

	// WidgetConfigByTenant fetches the widget appearance settings.
	WidgetConfigByTenant(ctx context.Context, id uuid.UUID) (WidgetConfig, error)
}

// Store authenticates API keys and serves tenant settings.
type Store struct {
	querier Querier
	logger  log.Logger
	now     func() time.Time
}

// NewStore creates a tenant store.
func NewStore(querier Querier, logger log.Logger) *Store {
	return &Store{
		querier: querier,
		logger:  logger.With("component", "tenant"),
		now:     time.Now,
	}
}

// Authenticate resolves a raw API key to its tenant.
//
// Every failure mode (malformed key, unknown key, revoked key, disabled
// tenant) returns ErrInvalidCredentials so the response leaks nothing about
// which stage rejected the credential.
func (s *Store) Authenticate(ctx context.Context, rawKey string) (*Tenant, error) {
	if !strings.HasPrefix(rawKey, keyPrefix) || len(rawKey) <= len(keyPrefix) {
		return nil, ErrInvalidCredentials
	}

	row, err := s.querier.TenantByKeyHash(ctx, HashKey(rawKey))
	if err != nil {
		if isNoRows(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("look up API key: %w", err)
	}

	if !row.KeyActive || !row.Tenant.Active {
		return nil, ErrInvalidCredentials
	}

	// Best effort; an audit timestamp is not worth failing the request.
	if err := s.querier.TouchAPIKey(ctx, row.KeyID, s.now()); err != nil {
		s.logger.Warn("touch api key", "error", err, "key_id", row.KeyID)
	}

	t := row.Tenant
	return &t, nil
}

// Get fetches a tenant by ID. Returns ErrNotFound for unknown IDs.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	t, err := s.querier.TenantByID(ctx, id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// WidgetConfig fetches the public widget settings for a tenant.
// Returns ErrNotFound for unknown or disabled tenants.
func (s *Store) WidgetConfig(ctx context.Context, id uuid.UUID) (*WidgetConfig, error) {
	cfg, err := s.querier.WidgetConfigByTenant(ctx, id)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get widget config: %w", err)
	}
	return &cfg, nil
}

// OriginAllowed reports whether a widget request from the given origin host
// may be served for this tenant. An empty allow-list admits every origin.
func (t *Tenant) OriginAllowed(host string) bool {
	if len(t.AllowedOrigins) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range t.AllowedOrigins {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == "" {
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// HashKey returns the hex SHA-256 digest of a raw API key. Only this digest
// is ever stored or compared.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
