// Package tasks moves finished chat turns off the request path and into a
// durable Redis-backed queue. The HTTP handler answers as soon as the turn
// is enqueued; a worker process drains the queue into PostgreSQL with
// at-least-once delivery, which the writer makes safe by request-ID
// deduplication.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/answerdesk/answerdesk/internal/conversation"
	"github.com/answerdesk/answerdesk/internal/log"
)

// TypePersistTurn is the task type for persisting one chat turn.
const TypePersistTurn = "chat:persist_turn"

// QueuePersist is the queue name turns are enqueued on.
const QueuePersist = "persist"

// enqueueTimeout bounds how long a request handler may wait on Redis.
const enqueueTimeout = 5 * time.Second

// PersistTurnPayload is the JSON body of a persist-turn task.
type PersistTurnPayload struct {
	TenantID  uuid.UUID         `json:"tenant_id"`
	SessionID string            `json:"session_id"`
	Turn      conversation.Turn `json:"turn"`
}

// Client enqueues turns. Implements chat.Enqueuer.
type Client struct {
	client   *asynq.Client
	maxRetry int
	logger   log.Logger
}

// NewClient creates a queue client over the given Redis connection.
func NewClient(redisOpt asynq.RedisClientOpt, maxRetry int, logger log.Logger) *Client {
	return &Client{
		client:   asynq.NewClient(redisOpt),
		maxRetry: maxRetry,
		logger:   logger.With("component", "tasks"),
	}
}

// EnqueueTurn schedules one turn for persistence.
func (c *Client) EnqueueTurn(ctx context.Context, tenantID uuid.UUID, sessionID string, turn conversation.Turn) error {
	payload, err := json.Marshal(PersistTurnPayload{
		TenantID:  tenantID,
		SessionID: sessionID,
		Turn:      turn,
	})
	if err != nil {
		return fmt.Errorf("marshal persist payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()

	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(TypePersistTurn, payload),
		asynq.Queue(QueuePersist),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(time.Minute),
	)
	if err != nil {
		return fmt.Errorf("enqueue persist task: %w", err)
	}

	c.logger.Debug("turn enqueued",
		"task_id", info.ID, "tenant_id", tenantID, "request_id", turn.RequestID)
	return nil
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// TurnPersister writes a turn to the database. The bool reports whether
// the turn was freshly inserted (false means a deduplicated replay).
// Implemented by *conversation.Store.
type TurnPersister interface {
	PersistTurn(ctx context.Context, tenantID uuid.UUID, sessionID string, turn conversation.Turn) (bool, error)
}

// SpendRecorder bumps the tenant's daily spend counter. Implemented by
// *budget.Throttle.
type SpendRecorder interface {
	RecordSpend(ctx context.Context, tenantID uuid.UUID, costNanoUSD int64)
}

// NewPersistTurnHandler returns the worker-side handler for persist-turn
// tasks. A returned error makes asynq redeliver the task.
func NewPersistTurnHandler(store TurnPersister, ledger SpendRecorder, logger log.Logger) func(context.Context, *asynq.Task) error {
	logger = logger.With("component", "tasks")
	return func(ctx context.Context, task *asynq.Task) error {
		var payload PersistTurnPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			// A payload that never parses will never parse; retrying
			// just clogs the queue.
			return fmt.Errorf("unmarshal persist payload: %v: %w", err, asynq.SkipRetry)
		}

		inserted, err := store.PersistTurn(ctx, payload.TenantID, payload.SessionID, payload.Turn)
		if err != nil {
			return fmt.Errorf("persist turn %s: %w", payload.Turn.RequestID, err)
		}

		// Counter update follows the committed ledger row. Replays skip it
		// so a redelivered task cannot inflate the spend counter.
		if inserted {
			ledger.RecordSpend(ctx, payload.TenantID, payload.Turn.CostNanoUSD)
		}

		logger.Debug("turn persisted",
			"tenant_id", payload.TenantID, "request_id", payload.Turn.RequestID)
		return nil
	}
}

// NewServer creates the worker-side asynq server.
func NewServer(redisOpt asynq.RedisClientOpt, concurrency int) *asynq.Server {
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueuePersist: 1},
	})
}
