// Package budget enforces per-tenant daily LLM spend limits.
//
// The authoritative spend record is the llm_usage ledger in PostgreSQL. A
// Redis counter per tenant and UTC day serves reads cheaply; when the
// counter is missing or Redis is down the check falls back to summing the
// ledger. The gate is conservative: it applies a safety buffer below the
// configured limit so an in-flight request cannot tip a tenant far past it.
package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/answerdesk/answerdesk/internal/log"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

// SafetyBufferNanoUSD is subtracted from the tenant's daily limit before
// comparison. 200_000_000 nano-USD = $0.20, roughly the cost ceiling of a
// single worst-case request.
const SafetyBufferNanoUSD int64 = 200_000_000

// counterTTL keeps day counters around past midnight for observability,
// then lets them expire on their own.
const counterTTL = 48 * time.Hour

// LimitError reports that a tenant has exhausted its daily budget.
type LimitError struct {
	TenantID     uuid.UUID
	SpentNanoUSD int64
	LimitNanoUSD int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("daily cost limit reached for tenant %s: spent %d of %d nano-USD",
		e.TenantID, e.SpentNanoUSD, e.LimitNanoUSD)
}

// Querier reads the authoritative spend ledger.
type Querier interface {
	// SpendBetween sums cost_nanousd over the tenant's usage rows with
	// created_at in [from, to).
	SpendBetween(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int64, error)
}

// Commander is the subset of redis.Cmdable the throttle uses.
type Commander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Throttle gates chat requests on remaining daily budget.
type Throttle struct {
	querier Querier
	rdb     Commander
	logger  log.Logger
	now     func() time.Time
}

// NewThrottle creates a Throttle.
func NewThrottle(querier Querier, rdb Commander, logger log.Logger) *Throttle {
	return &Throttle{
		querier: querier,
		rdb:     rdb,
		logger:  logger.With("component", "budget"),
		now:     time.Now,
	}
}

// Check returns a *LimitError when the tenant's spend so far today has
// reached its daily limit minus the safety buffer. Any other return is
// either nil (request may proceed) or an infrastructure error.
//
// The check is read-then-act without a lock; concurrent requests may each
// pass and overshoot by at most the buffer. That overshoot is the accepted
// cost of keeping the hot path free of transactions.
func (t *Throttle) Check(ctx context.Context, tn *tenant.Tenant) error {
	spent, err := t.spentToday(ctx, tn.ID)
	if err != nil {
		return fmt.Errorf("read daily spend: %w", err)
	}

	if spent >= tn.DailyCostLimitNanoUSD-SafetyBufferNanoUSD {
		return &LimitError{
			TenantID:     tn.ID,
			SpentNanoUSD: spent,
			LimitNanoUSD: tn.DailyCostLimitNanoUSD,
		}
	}
	return nil
}

// RecordSpend adds cost to the tenant's counter for today. Called by the
// persistence worker after the ledger row is committed, so the counter
// trails the ledger rather than leading it.
func (t *Throttle) RecordSpend(ctx context.Context, tenantID uuid.UUID, costNanoUSD int64) {
	if costNanoUSD <= 0 {
		return
	}
	key := t.counterKey(tenantID, t.now())
	if err := t.rdb.IncrBy(ctx, key, costNanoUSD).Err(); err != nil {
		t.logger.Warn("increment spend counter", "error", err, "tenant_id", tenantID)
		return
	}
	if err := t.rdb.Expire(ctx, key, counterTTL).Err(); err != nil {
		t.logger.Warn("expire spend counter", "error", err, "tenant_id", tenantID)
	}
}

// spentToday reads the Redis counter, falling back to the ledger (and
// priming the counter) when the counter is absent or Redis is unavailable.
func (t *Throttle) spentToday(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	now := t.now().UTC()
	key := t.counterKey(tenantID, now)

	val, err := t.rdb.Get(ctx, key).Result()
	if err == nil {
		spent, parseErr := strconv.ParseInt(val, 10, 64)
		if parseErr == nil {
			return spent, nil
		}
		t.logger.Warn("corrupt spend counter, falling back to ledger",
			"key", key, "value", val)
	} else if !errors.Is(err, redis.Nil) {
		t.logger.Warn("spend counter unavailable, falling back to ledger",
			"error", err, "tenant_id", tenantID)
	}

	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	spent, err := t.querier.SpendBetween(ctx, tenantID, from, from.Add(24*time.Hour))
	if err != nil {
		return 0, err
	}

	// Prime the counter so the next check skips the ledger scan.
	if err := t.rdb.Set(ctx, key, strconv.FormatInt(spent, 10), counterTTL).Err(); err != nil {
		t.logger.Warn("prime spend counter", "error", err, "tenant_id", tenantID)
	}

	return spent, nil
}

func (t *Throttle) counterKey(tenantID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("budget:%s:%s", tenantID, now.UTC().Format("2006-01-02"))
}
