package budget

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQuerier implements Querier against the llm_usage ledger.
type PostgresQuerier struct {
	pool *pgxpool.Pool
}

// NewPostgresQuerier creates a Querier backed by the given pool.
func NewPostgresQuerier(pool *pgxpool.Pool) *PostgresQuerier {
	return &PostgresQuerier{pool: pool}
}

func (q *PostgresQuerier) SpendBetween(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(cost_nanousd), 0)
		FROM llm_usage
		WHERE tenant_id = $1
		  AND created_at >= $2
		  AND created_at < $3`

	var spent int64
	err := q.pool.QueryRow(ctx, query, tenantID, from, to).Scan(&spent)
	return spent, err
}
