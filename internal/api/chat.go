package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/answerdesk/answerdesk/internal/budget"
	"github.com/answerdesk/answerdesk/internal/chat"
	"github.com/answerdesk/answerdesk/internal/llm"
	"github.com/answerdesk/answerdesk/internal/log"
	"github.com/answerdesk/answerdesk/internal/prompt"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

// maxQueryChars bounds user queries. Anything longer is rejected before the
// pipeline runs.
const maxQueryChars = 4000

// maxBodyBytes bounds the chat request body.
const maxBodyBytes = 64 << 10

// chatService runs the RAG pipeline. Implemented by *chat.Service.
type chatService interface {
	Handle(ctx context.Context, tn *tenant.Tenant, sessionID, query string) (*chat.Reply, error)
}

// budgetGate checks remaining daily budget. Implemented by *budget.Throttle.
type budgetGate interface {
	Check(ctx context.Context, tn *tenant.Tenant) error
}

type chatRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

// budgetDetails is the Details payload of a budget_exhausted error, with
// USD amounts formatted to six decimals.
type budgetDetails struct {
	SpentToday string `json:"spent_today"`
	DailyLimit string `json:"daily_limit"`
}

type chatResponse struct {
	Answer    string `json:"answer"`
	SessionID string `json:"session_id"`
	Cached    bool   `json:"cached"`
}

type chatHandler struct {
	svc     chatService
	gate    budgetGate
	limiter *windowLimiter
	logger  log.Logger
}

// send answers one chat request. The per-tenant rate window and the budget
// gate run before any model work; their rejections are free.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	tn, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid API credentials", h.logger)
		return
	}

	if !h.limiter.allow(r.Context(), tn.ID.String()+":chat", tn.RateLimitPerWindow) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "tenant rate limit exceeded", h.logger)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", h.logger)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", h.logger)
		return
	}

	if n := utf8.RuneCountInString(req.Query); n < 1 || n > maxQueryChars {
		writeError(w, http.StatusBadRequest, "invalid_query",
			"query must be between 1 and 4000 characters", h.logger)
		return
	}

	if err := h.gate.Check(r.Context(), tn); err != nil {
		var limitErr *budget.LimitError
		if errors.As(err, &limitErr) {
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Code:    "budget_exhausted",
				Message: "daily cost limit reached, try again tomorrow",
				Details: budgetDetails{
					SpentToday: llm.FormatUSD(limitErr.SpentNanoUSD),
					DailyLimit: llm.FormatUSD(limitErr.LimitNanoUSD),
				},
			}, h.logger)
			return
		}
		h.logger.Error("budget check", "error", err, "tenant_id", tn.ID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	reply, err := h.svc.Handle(r.Context(), tn, req.SessionID, req.Query)
	if err != nil {
		switch {
		case errors.Is(err, prompt.ErrPotentialInjection):
			writeError(w, http.StatusUnprocessableEntity, "potential_injection",
				"query rejected by input screening", h.logger)
		case errors.Is(err, llm.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusGatewayTimeout, "upstream_timeout",
				"the model did not answer in time", h.logger)
		default:
			h.logger.Error("chat pipeline", "error", err, "tenant_id", tn.ID)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		}
		return
	}

	w.Header().Set("X-Request-Cost", llm.FormatUSD(reply.CostNanoUSD))
	writeJSON(w, http.StatusOK, chatResponse{
		Answer:    reply.Answer,
		SessionID: reply.SessionID,
		Cached:    reply.Cached,
	}, h.logger)
}
