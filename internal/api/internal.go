package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/answerdesk/answerdesk/internal/cache"
	"github.com/answerdesk/answerdesk/internal/log"
)

// internalHandler hosts maintenance endpoints for trusted backend callers
// (the admin panel, ingestion jobs). They are guarded by a shared secret,
// not by tenant API keys, because they cross tenant boundaries.
type internalHandler struct {
	cache  *cache.Cache
	secret string
	logger log.Logger
}

type invalidateRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
}

// invalidateCache drops every cached answer for a tenant. Called after the
// tenant's knowledge base changes so stale answers stop being served before
// their TTL runs out.
func (h *internalHandler) invalidateCache(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid_secret", "invalid internal secret", h.logger)
		return
	}

	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TenantID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "tenant_id is required", h.logger)
		return
	}

	removed, err := h.cache.InvalidateTenant(r.Context(), req.TenantID)
	if err != nil {
		h.logger.Error("invalidate tenant cache", "error", err, "tenant_id", req.TenantID)
		writeError(w, http.StatusInternalServerError, "internal_error", "cache invalidation failed", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"removed": removed}, h.logger)
}

func (h *internalHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		// No secret configured means the endpoint is disabled outright.
		return false
	}
	provided := r.Header.Get("X-Internal-Secret")
	return subtle.ConstantTimeCompare([]byte(provided), []byte(h.secret)) == 1
}
