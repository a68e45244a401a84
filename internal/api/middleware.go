package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/answerdesk/answerdesk/internal/log"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

// Context key types (unexported to prevent collisions).
type tenantCtxKey struct{}
type requestIDCtxKey struct{}

var ctxKeyTenant = tenantCtxKey{}
var ctxKeyRequestID = requestIDCtxKey{}

// tenantFromContext retrieves the authenticated tenant from the request
// context. Returns nil and false if the request was not authenticated.
func tenantFromContext(ctx context.Context) (*tenant.Tenant, bool) {
	tn, ok := ctx.Value(ctxKeyTenant).(*tenant.Tenant)
	return tn, ok
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// loggingWriter wraps http.ResponseWriter to capture status and size.
type loggingWriter struct {
	w            http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (lw *loggingWriter) Header() http.Header {
	return lw.w.Header()
}

func (lw *loggingWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.w.WriteHeader(code)
}

func (lw *loggingWriter) Write(b []byte) (int, error) {
	if lw.statusCode == 0 {
		lw.statusCode = http.StatusOK
	}
	n, err := lw.w.Write(b)
	lw.bytesWritten += int64(n)
	return n, err
}

// Unwrap returns the underlying ResponseWriter for http.ResponseController.
func (lw *loggingWriter) Unwrap() http.ResponseWriter {
	return lw.w
}

// recoveryMiddleware recovers from handler panics so one bad request cannot
// take the server down.
func recoveryMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapper := &loggingWriter{w: w}

			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"path", r.URL.Path,
						"headers_sent", wrapper.statusCode != 0,
					)
					if wrapper.statusCode == 0 {
						writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", logger)
					}
				}
			}()
			next.ServeHTTP(wrapper, r)
		})
	}
}

// requestIDMiddleware assigns each request a UUID, exposed in the context
// and the X-Request-ID response header. Runs before logging so the ID is
// available in log attributes.
func requestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// loggingMiddleware logs request details. Reuses an existing *loggingWriter
// from outer middleware to avoid double-wrapping.
func loggingMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapper, ok := w.(*loggingWriter)
			if !ok {
				wrapper = &loggingWriter{w: w}
			}

			next.ServeHTTP(wrapper, r)

			status := wrapper.statusCode
			if status == 0 {
				status = http.StatusOK
			}

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", wrapper.bytesWritten,
				"duration", time.Since(start),
				"request_id", requestIDFromContext(r.Context()),
			)
		})
	}
}

// authMiddleware resolves the X-API-Key header to a tenant and stores it in
// the request context. All credential failures answer 401 with the same
// body.
func authMiddleware(store *tenant.Store, logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				// Also accept Authorization: Bearer for server-side callers.
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					key = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			tn, err := store.Authenticate(r.Context(), key)
			if err != nil {
				if !errors.Is(err, tenant.ErrInvalidCredentials) {
					logger.Error("authenticate", "error", err, "path", r.URL.Path)
				}
				writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid API credentials", logger)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyTenant, tn)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// originMiddleware enforces the tenant's allowed-origins list on widget
// routes. The origin host comes from the Origin header, falling back to
// Referer. Tenants with an empty list accept every origin.
func originMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tn, ok := tenantFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid API credentials", logger)
				return
			}

			if len(tn.AllowedOrigins) > 0 {
				host := originHost(r)
				if host == "" || !tn.OriginAllowed(host) {
					logger.Warn("origin rejected",
						"tenant_id", tn.ID, "origin", host, "path", r.URL.Path)
					writeError(w, http.StatusForbidden, "origin_not_allowed", "origin not allowed for this tenant", logger)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// originHost extracts the host of the Origin header, or of Referer when
// Origin is absent.
func originHost(r *http.Request) string {
	raw := r.Header.Get("Origin")
	if raw == "" {
		raw = r.Header.Get("Referer")
	}
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// clientIP extracts the client IP for rate limiting.
//
// When trustProxy is true, X-Real-IP is checked first, then the first entry
// of X-Forwarded-For; values are validated with net.ParseIP so arbitrary
// strings cannot become limiter keys. When false, only RemoteAddr is used.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
				return ip.String()
			}
		}
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := xff
			if cut, _, ok := strings.Cut(xff, ","); ok {
				first = cut
			}
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
