// Package conversation persists completed chat turns: the transcript, the
// usage ledger row, and the analytics trail, written in one transaction so
// billing can never observe half a turn.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/answerdesk/answerdesk/internal/log"
)

// InsertUsageParams are the inputs to the ledger insert.
type InsertUsageParams struct {
	TenantID  uuid.UUID
	RequestID uuid.UUID
	Model     string

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostNanoUSD      int64
	LatencyMS        int64

	Cached  bool
	Errored bool
}

// Querier defines the database operations the store needs. Within
// PersistTurn all calls run on one transaction.
type Querier interface {
	// InsertUsage writes the ledger row keyed by request ID. The bool is
	// false when the request ID was already present, i.e. a redelivery.
	InsertUsage(ctx context.Context, params InsertUsageParams) (uuid.UUID, bool, error)

	// UpsertConversation returns the conversation for (tenant, session),
	// creating it on first use.
	UpsertConversation(ctx context.Context, tenantID uuid.UUID, sessionID string) (uuid.UUID, error)

	InsertMessage(ctx context.Context, conversationID uuid.UUID, sender, content string) (uuid.UUID, error)

	// AttachUsage links the ledger row to its conversation and the
	// assistant message it paid for.
	AttachUsage(ctx context.Context, usageID, conversationID, messageID uuid.UUID) error

	InsertAnalyticsEvent(ctx context.Context, tenantID uuid.UUID, eventType string, payload []byte) error
}

// Store writes completed turns.
type Store struct {
	querier Querier
	pool    *pgxpool.Pool
	logger  log.Logger
}

// NewStore creates a conversation store. When pool is nil operations run
// directly on querier without a transaction; tests use this with mocks.
func NewStore(querier Querier, pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{
		querier: querier,
		pool:    pool,
		logger:  logger.With("component", "conversation"),
	}
}

// PersistTurn writes one turn atomically. Replays of an already-persisted
// request ID are detected on the ledger insert and return (false, nil)
// without touching the transcript, which makes at-least-once delivery safe
// and lets the caller skip side effects that must run exactly once.
func (s *Store) PersistTurn(ctx context.Context, tenantID uuid.UUID, sessionID string, turn Turn) (bool, error) {
	if s.pool == nil {
		return s.persistTurn(ctx, s.querier, tenantID, sessionID, turn)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted, err := s.persistTurn(ctx, NewPostgresQuerier(tx), tenantID, sessionID, turn)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return inserted, nil
}

func (s *Store) persistTurn(ctx context.Context, q Querier, tenantID uuid.UUID, sessionID string, turn Turn) (bool, error) {
	usageID, inserted, err := q.InsertUsage(ctx, InsertUsageParams{
		TenantID:         tenantID,
		RequestID:        turn.RequestID,
		Model:            turn.Model,
		PromptTokens:     turn.PromptTokens,
		CompletionTokens: turn.CompletionTokens,
		TotalTokens:      turn.TotalTokens,
		CostNanoUSD:      turn.CostNanoUSD,
		LatencyMS:        turn.LatencyMS,
		Cached:           turn.Cached,
		Errored:          turn.Errored,
	})
	if err != nil {
		return false, fmt.Errorf("insert usage: %w", err)
	}
	if !inserted {
		s.logger.Debug("turn already persisted, skipping",
			"request_id", turn.RequestID, "tenant_id", tenantID)
		return false, nil
	}

	conversationID, err := q.UpsertConversation(ctx, tenantID, sessionID)
	if err != nil {
		return false, fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err := q.InsertMessage(ctx, conversationID, SenderUser, turn.Query); err != nil {
		return false, fmt.Errorf("insert user message: %w", err)
	}

	assistantMsgID, err := q.InsertMessage(ctx, conversationID, SenderAssistant, turn.Answer)
	if err != nil {
		return false, fmt.Errorf("insert assistant message: %w", err)
	}

	if err := q.AttachUsage(ctx, usageID, conversationID, assistantMsgID); err != nil {
		return false, fmt.Errorf("attach usage: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"conversation_id": conversationID,
		"total_tokens":    turn.TotalTokens,
		"cost_nanousd":    turn.CostNanoUSD,
		"cached":          turn.Cached,
		"errored":         turn.Errored,
	})
	if err != nil {
		return false, fmt.Errorf("marshal analytics payload: %w", err)
	}
	if err := q.InsertAnalyticsEvent(ctx, tenantID, "chat_completion", payload); err != nil {
		return false, fmt.Errorf("insert analytics event: %w", err)
	}

	return true, nil
}
