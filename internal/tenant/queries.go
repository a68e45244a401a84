package tenant

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQuerier implements Querier against PostgreSQL.
type PostgresQuerier struct {
	pool *pgxpool.Pool
}

// NewPostgresQuerier creates a Querier backed by the given pool.
func NewPostgresQuerier(pool *pgxpool.Pool) *PostgresQuerier {
	return &PostgresQuerier{pool: pool}
}

func (q *PostgresQuerier) TenantByKeyHash(ctx context.Context, keyHash string) (AuthRow, error) {
	const query = `
		SELECT k.id, k.is_active,
		       t.id, t.name, t.rate_limit_per_min, t.daily_cost_limit_nanousd,
		       t.allowed_origins, t.is_active, t.created_at
		FROM api_keys k
		JOIN tenants t ON t.id = k.tenant_id
		WHERE k.key_hash = $1`

	var row AuthRow
	err := q.pool.QueryRow(ctx, query, keyHash).Scan(
		&row.KeyID, &row.KeyActive,
		&row.Tenant.ID, &row.Tenant.Name, &row.Tenant.RateLimitPerWindow,
		&row.Tenant.DailyCostLimitNanoUSD, &row.Tenant.AllowedOrigins,
		&row.Tenant.Active, &row.Tenant.CreatedAt,
	)
	return row, err
}

func (q *PostgresQuerier) TouchAPIKey(ctx context.Context, keyID uuid.UUID, at time.Time) error {
	const query = `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`
	_, err := q.pool.Exec(ctx, query, keyID, at)
	return err
}

func (q *PostgresQuerier) TenantByID(ctx context.Context, id uuid.UUID) (Tenant, error) {
	const query = `
		SELECT id, name, rate_limit_per_min, daily_cost_limit_nanousd,
		       allowed_origins, is_active, created_at
		FROM tenants
		WHERE id = $1`

	var t Tenant
	err := q.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Name, &t.RateLimitPerWindow, &t.DailyCostLimitNanoUSD,
		&t.AllowedOrigins, &t.Active, &t.CreatedAt,
	)
	return t, err
}

func (q *PostgresQuerier) WidgetConfigByTenant(ctx context.Context, id uuid.UUID) (WidgetConfig, error) {
	const query = `
		SELECT id, widget_title, widget_color, widget_greeting
		FROM tenants
		WHERE id = $1 AND is_active`

	var cfg WidgetConfig
	err := q.pool.QueryRow(ctx, query, id).Scan(
		&cfg.TenantID, &cfg.Title, &cfg.Color, &cfg.Greeting,
	)
	return cfg, err
}
