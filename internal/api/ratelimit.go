package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/answerdesk/answerdesk/internal/log"
)

const (
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterStaleThreshold  = 10 * time.Minute
)

// ipRateLimiter implements per-IP rate limiting with token buckets. It is
// the outer abuse guard; per-tenant quotas are enforced separately by
// windowLimiter. Cleanup of stale entries happens inline during allow().
type ipRateLimiter struct {
	mu          sync.Mutex
	visitors    map[string]*visitor
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter creates a limiter refilling r tokens per second with the
// given burst.
func newIPRateLimiter(r float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		visitors:    make(map[string]*visitor),
		limit:       rate.Limit(r),
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	if now.Sub(rl.lastCleanup) > rateLimiterCleanupInterval {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > rateLimiterStaleThreshold {
				delete(rl.visitors, k)
			}
		}
		rl.lastCleanup = now
	}

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.limit, rl.burst)
		rl.visitors[ip] = &visitor{limiter: limiter, lastSeen: now}
		limiter.Allow()
		return true
	}

	v.lastSeen = now
	return v.limiter.Allow()
}

// rateLimitMiddleware limits requests per client IP.
func rateLimitMiddleware(rl *ipRateLimiter, trustProxy bool, logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, trustProxy)
			if !rl.allow(ip) {
				logger.Warn("ip rate limit exceeded", "ip", ip, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WindowBackend is the subset of redis.Cmdable backing the tenant rate
// windows. Satisfied by *redis.Client.
type WindowBackend interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// windowLimiter enforces per-tenant fixed-window quotas in Redis, shared
// across all server replicas. INCR creates the counter atomically; the
// first increment of a window sets its expiry.
//
// The limiter fails open: if Redis is unreachable the request proceeds,
// because the budget gate downstream still bounds the damage.
type windowLimiter struct {
	rdb    WindowBackend
	window time.Duration
	logger log.Logger
	now    func() time.Time
}

func newWindowLimiter(rdb WindowBackend, window time.Duration, logger log.Logger) *windowLimiter {
	return &windowLimiter{
		rdb:    rdb,
		window: window,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
}

// allow counts one request against the named scope and reports whether it
// fits within limit for the current window.
func (l *windowLimiter) allow(ctx context.Context, scope string, limit int) bool {
	if limit <= 0 {
		return true
	}

	// Windows are whole seconds; anything shorter still buckets per second.
	windowSecs := int64(l.window.Seconds())
	if windowSecs < 1 {
		windowSecs = 1
	}
	key := fmt.Sprintf("ratelimit:%s:%d", scope, l.now().Unix()/windowSecs)
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limit counter unavailable, failing open", "error", err, "scope", scope)
		return true
	}
	if n == 1 {
		if err := l.rdb.Expire(ctx, key, l.window+time.Second).Err(); err != nil {
			l.logger.Warn("expire rate limit counter", "error", err, "scope", scope)
		}
	}
	return n <= int64(limit)
}
