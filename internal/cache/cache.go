// Package cache implements the Redis-backed response cache.
//
// Cached answers are keyed by tenant and by a digest of the normalized
// query, so identical questions from different tenants never collide. The
// cache is best effort: Redis being down degrades to cache misses, never to
// request failures.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/answerdesk/answerdesk/internal/log"
)

// scanBatch is the COUNT hint passed to SCAN during invalidation.
const scanBatch = 100

// Commander is the subset of redis.Cmdable the cache uses. Satisfied by
// *redis.Client; tests substitute mocks built from go-redis cmd constructors.
type Commander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Cache stores chat answers and widget configuration snapshots in Redis.
type Cache struct {
	rdb    Commander
	ttl    time.Duration
	logger log.Logger
}

// New creates a Cache. ttl bounds how long an answer may be served after it
// was produced.
func New(rdb Commander, ttl time.Duration, logger log.Logger) *Cache {
	return &Cache{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With("component", "cache"),
	}
}

// ChatKey derives the cache key for a tenant's query. The query is
// normalized (trimmed, lowercased) before hashing so trivially different
// spellings share an entry.
func ChatKey(tenantID uuid.UUID, query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("cache:%s:chat:%s", tenantID, hex.EncodeToString(sum[:]))
}

// WidgetKey derives the cache key for a tenant's widget configuration.
func WidgetKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("cache:%s:widget", tenantID)
}

// Get returns the cached value for key and whether it was present.
// Redis failures count as misses and are logged, not returned.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", "error", err, "key", key)
		}
		return "", false
	}
	return val, true
}

// Set stores a value under key with the configured TTL. Best effort.
func (c *Cache) Set(ctx context.Context, key, value string) {
	if err := c.rdb.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "error", err, "key", key)
	}
}

// InvalidateTenant deletes every cache entry belonging to the tenant and
// returns the number of keys removed. Used after knowledge-base updates so
// stale answers stop being served.
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	pattern := fmt.Sprintf("cache:%s:*", tenantID)

	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("scan tenant cache keys: %w", err)
		}

		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("delete tenant cache keys: %w", err)
			}
			removed += int(n)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Info("tenant cache invalidated", "tenant_id", tenantID, "removed", removed)
	return removed, nil
}
