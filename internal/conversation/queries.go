package conversation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx; PersistTurn passes a
// transaction so the whole turn commits or rolls back together.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresQuerier implements Querier against PostgreSQL.
type PostgresQuerier struct {
	db DBTX
}

// NewPostgresQuerier creates a Querier over a pool or transaction.
func NewPostgresQuerier(db DBTX) *PostgresQuerier {
	return &PostgresQuerier{db: db}
}

func (q *PostgresQuerier) InsertUsage(ctx context.Context, params InsertUsageParams) (uuid.UUID, bool, error) {
	const query = `
		INSERT INTO llm_usage (
			tenant_id, request_id, model,
			prompt_tokens, completion_tokens, total_tokens,
			cost_nanousd, latency_ms, cached, errored
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING id`

	var id uuid.UUID
	err := q.db.QueryRow(ctx, query,
		params.TenantID, params.RequestID, params.Model,
		params.PromptTokens, params.CompletionTokens, params.TotalTokens,
		params.CostNanoUSD, params.LatencyMS, params.Cached, params.Errored,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: the request ID was already recorded.
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func (q *PostgresQuerier) UpsertConversation(ctx context.Context, tenantID uuid.UUID, sessionID string) (uuid.UUID, error) {
	// DO UPDATE with a no-op assignment makes RETURNING yield the row on
	// both insert and conflict.
	const query = `
		INSERT INTO conversations (tenant_id, session_id)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, session_id)
		DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING id`

	var id uuid.UUID
	err := q.db.QueryRow(ctx, query, tenantID, sessionID).Scan(&id)
	return id, err
}

func (q *PostgresQuerier) InsertMessage(ctx context.Context, conversationID uuid.UUID, sender, content string) (uuid.UUID, error) {
	const query = `
		INSERT INTO messages (conversation_id, sender, content)
		VALUES ($1, $2, $3)
		RETURNING id`

	var id uuid.UUID
	err := q.db.QueryRow(ctx, query, conversationID, sender, content).Scan(&id)
	return id, err
}

func (q *PostgresQuerier) AttachUsage(ctx context.Context, usageID, conversationID, messageID uuid.UUID) error {
	const query = `
		UPDATE llm_usage
		SET conversation_id = $2, message_id = $3
		WHERE id = $1`

	_, err := q.db.Exec(ctx, query, usageID, conversationID, messageID)
	return err
}

func (q *PostgresQuerier) InsertAnalyticsEvent(ctx context.Context, tenantID uuid.UUID, eventType string, payload []byte) error {
	const query = `
		INSERT INTO analytics_events (tenant_id, event_type, payload)
		VALUES ($1, $2, $3)`

	_, err := q.db.Exec(ctx, query, tenantID, eventType, payload)
	return err
}
