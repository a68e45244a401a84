// Package api exposes the HTTP surface: authenticated chat, the widget
// endpoints, internal maintenance routes, and health probes.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/answerdesk/answerdesk/internal/budget"
	"github.com/answerdesk/answerdesk/internal/cache"
	"github.com/answerdesk/answerdesk/internal/chat"
	"github.com/answerdesk/answerdesk/internal/log"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

// ServerConfig contains everything needed to build the API server.
type ServerConfig struct {
	Logger log.Logger

	Tenants *tenant.Store    // Required
	Chat    *chat.Service    // Required
	Budget  *budget.Throttle // Required
	Cache   *cache.Cache     // Required

	// Limiter backs the per-tenant fixed windows. Required.
	Limiter WindowBackend

	Pool *pgxpool.Pool // Optional: nil disables DB ping in /ready

	// RateLimitWindow is the fixed window for tenant quotas.
	RateLimitWindow time.Duration

	// WidgetRatePerWindow caps widget-config reads per tenant per window.
	WidgetRatePerWindow int

	// InternalSecret guards /internal routes. Empty disables them.
	InternalSecret string

	// TrustProxy trusts X-Real-IP/X-Forwarded-For for client IPs.
	TrustProxy bool

	// IPRateBurst is the per-IP token bucket burst (0 = default 60).
	IPRateBurst int
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Tenants == nil:
		return nil, errors.New("tenant store is required")
	case cfg.Chat == nil:
		return nil, errors.New("chat service is required")
	case cfg.Budget == nil:
		return nil, errors.New("budget throttle is required")
	case cfg.Cache == nil:
		return nil, errors.New("cache is required")
	case cfg.Limiter == nil:
		return nil, errors.New("rate limit backend is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	windows := newWindowLimiter(cfg.Limiter, window, logger)

	ch := &chatHandler{
		svc:     cfg.Chat,
		gate:    cfg.Budget,
		limiter: windows,
		logger:  logger,
	}
	wh := &widgetHandler{
		tenants:     cfg.Tenants,
		cache:       cfg.Cache,
		limiter:     windows,
		limitPerWin: cfg.WidgetRatePerWindow,
		logger:      logger,
	}

	// Authenticated surface. Widget routes add the origin check on top;
	// the plain chat route serves server-side integrations where Origin
	// is meaningless.
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", ch.send)

	widgetChecked := originMiddleware(logger)
	mux.Handle("POST /api/v1/widget/chat", widgetChecked(http.HandlerFunc(ch.send)))
	mux.Handle("GET /api/v1/widget/config", widgetChecked(http.HandlerFunc(wh.config)))

	burst := cfg.IPRateBurst
	if burst <= 0 {
		burst = 60
	}
	ipLimiter := newIPRateLimiter(1.0, burst)

	// Middleware stack (outermost first):
	//   Recovery → RequestID → Logging → IPRateLimit → Auth → Routes
	// RequestID runs before Logging so request_id is available in log
	// attributes.
	var handler http.Handler = mux
	handler = authMiddleware(cfg.Tenants, logger)(handler)
	handler = rateLimitMiddleware(ipLimiter, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Internal maintenance routes sit outside tenant auth but inside
	// recovery and logging.
	ih := &internalHandler{cache: cfg.Cache, secret: cfg.InternalSecret, logger: logger}
	internalMux := http.NewServeMux()
	internalMux.HandleFunc("POST /internal/cache-invalidate", ih.invalidateCache)
	var internal http.Handler = internalMux
	internal = loggingMiddleware(logger)(internal)
	internal = requestIDMiddleware()(internal)
	internal = recoveryMiddleware(logger)(internal)

	// Health probes bypass the middleware stack entirely.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.Handle("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/internal/", internal)
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
