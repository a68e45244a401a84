package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/answerdesk/answerdesk/internal/cache"
	"github.com/answerdesk/answerdesk/internal/log"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

// widgetHandler serves the embeddable widget's configuration: title, color
// and greeting. Served through the cache because every widget load fetches
// it.
type widgetHandler struct {
	tenants     *tenant.Store
	cache       *cache.Cache
	limiter     *windowLimiter
	limitPerWin int
	logger      log.Logger
}

func (h *widgetHandler) config(w http.ResponseWriter, r *http.Request) {
	tn, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid API credentials", h.logger)
		return
	}

	if !h.limiter.allow(r.Context(), tn.ID.String()+":widget", h.limitPerWin) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "tenant rate limit exceeded", h.logger)
		return
	}

	key := cache.WidgetKey(tn.ID)
	if cached, ok := h.cache.Get(r.Context(), key); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if _, err := w.Write([]byte(cached)); err != nil {
			h.logger.Debug("write cached widget config", "error", err)
		}
		return
	}

	cfg, err := h.tenants.WidgetConfig(r.Context(), tn.ID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "tenant not found", h.logger)
			return
		}
		h.logger.Error("load widget config", "error", err, "tenant_id", tn.ID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		h.logger.Error("marshal widget config", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}
	h.cache.Set(r.Context(), key, string(body))

	writeJSON(w, http.StatusOK, cfg, h.logger)
}
