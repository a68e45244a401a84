// Package chat orchestrates the request-scoped RAG pipeline: cache lookup,
// input screening, retrieval, prompt assembly, completion, and the
// persistence handoff.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/answerdesk/answerdesk/internal/conversation"
	"github.com/answerdesk/answerdesk/internal/knowledge"
	"github.com/answerdesk/answerdesk/internal/llm"
	"github.com/answerdesk/answerdesk/internal/log"
	"github.com/answerdesk/answerdesk/internal/prompt"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

// FallbackAnswer is returned when retrieval or completion fails in a
// recoverable way. The turn is still persisted, flagged as errored, at
// zero cost.
const FallbackAnswer = "I'm having trouble thinking right now. Please try again."

// Retriever finds relevant knowledge chunks. Implemented by *knowledge.Store.
type Retriever interface {
	Search(ctx context.Context, tenantID uuid.UUID, query string, opts ...knowledge.SearchOption) ([]knowledge.Result, error)
}

// Completer produces model answers. Implemented by *llm.Client.
type Completer interface {
	Complete(ctx context.Context, msgs []prompt.Message) (*llm.Completion, error)
}

// ResponseCache stores finished answers. Implemented by *cache.Cache.
type ResponseCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string)
}

// KeyFunc derives the cache key for a tenant's query.
type KeyFunc func(tenantID uuid.UUID, query string) string

// Enqueuer hands a finished turn to the persistence queue. Implemented by
// *tasks.Client.
type Enqueuer interface {
	EnqueueTurn(ctx context.Context, tenantID uuid.UUID, sessionID string, turn conversation.Turn) error
}

// Reply is the outcome of one chat request.
type Reply struct {
	Answer      string
	SessionID   string
	CostNanoUSD int64
	Cached      bool
}

// Config holds pipeline parameters.
type Config struct {
	// TopK is the number of chunks retrieved per query.
	TopK int
}

// Service runs the pipeline. It holds no per-request state; one instance
// serves all tenants concurrently.
type Service struct {
	cache     ResponseCache
	cacheKey  KeyFunc
	retriever Retriever
	prompts   *prompt.Builder
	completer Completer
	enqueuer  Enqueuer
	cfg       Config
	logger    log.Logger
	now       func() time.Time
}

// NewService creates a chat service.
func NewService(
	cache ResponseCache,
	cacheKey KeyFunc,
	retriever Retriever,
	prompts *prompt.Builder,
	completer Completer,
	enqueuer Enqueuer,
	cfg Config,
	logger log.Logger,
) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &Service{
		cache:     cache,
		cacheKey:  cacheKey,
		retriever: retriever,
		prompts:   prompts,
		completer: completer,
		enqueuer:  enqueuer,
		cfg:       cfg,
		logger:    logger.With("component", "chat"),
	}
}

// Handle answers one query for a tenant.
//
// An empty sessionID starts a new conversation; the allocated ID comes back
// in the Reply so the widget can thread follow-ups. Errors worth surfacing
// to the caller are prompt.ErrPotentialInjection and llm.ErrUpstreamTimeout;
// other pipeline failures degrade to FallbackAnswer.
func (s *Service) Handle(ctx context.Context, tn *tenant.Tenant, sessionID, query string) (*Reply, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	requestID := uuid.New()
	start := s.clock()

	key := s.cacheKey(tn.ID, query)
	if answer, ok := s.cache.Get(ctx, key); ok {
		s.logger.Debug("cache hit", "tenant_id", tn.ID, "session_id", sessionID)
		s.enqueue(ctx, tn.ID, sessionID, conversation.Turn{
			RequestID: requestID,
			Query:     query,
			Answer:    answer,
			Cached:    true,
			LatencyMS: s.sinceMS(start),
		})
		return &Reply{Answer: answer, SessionID: sessionID, Cached: true}, nil
	}

	if err := prompt.Sanitize(query); err != nil {
		return nil, err
	}

	results, err := s.retriever.Search(ctx, tn.ID, query, knowledge.WithLimit(s.cfg.TopK))
	if err != nil {
		if isUpstreamTimeout(err) {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
		s.logger.Error("retrieval failed, degrading", "error", err, "tenant_id", tn.ID)
		return s.fallback(ctx, tn.ID, sessionID, requestID, query, start), nil
	}

	chunks := make([]string, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, r.Content)
	}

	msgs, err := s.prompts.Build(query, chunks)
	if err != nil {
		return nil, err
	}

	completion, err := s.completer.Complete(ctx, msgs)
	if err != nil {
		if isUpstreamTimeout(err) {
			return nil, fmt.Errorf("completion: %w", err)
		}
		s.logger.Error("completion failed, degrading", "error", err, "tenant_id", tn.ID)
		return s.fallback(ctx, tn.ID, sessionID, requestID, query, start), nil
	}

	cost := llm.Cost(completion.Model, completion.Usage)
	s.cache.Set(ctx, key, completion.Text)

	s.enqueue(ctx, tn.ID, sessionID, conversation.Turn{
		RequestID:        requestID,
		Query:            query,
		Answer:           completion.Text,
		Model:            completion.Model,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		TotalTokens:      completion.Usage.TotalTokens,
		CostNanoUSD:      cost,
		LatencyMS:        s.sinceMS(start),
	})

	return &Reply{Answer: completion.Text, SessionID: sessionID, CostNanoUSD: cost}, nil
}

// fallback answers with the canned degradation message and records the
// errored turn so operators can see the failure rate per tenant.
func (s *Service) fallback(ctx context.Context, tenantID uuid.UUID, sessionID string, requestID uuid.UUID, query string, start time.Time) *Reply {
	s.enqueue(ctx, tenantID, sessionID, conversation.Turn{
		RequestID: requestID,
		Query:     query,
		Answer:    FallbackAnswer,
		Errored:   true,
		LatencyMS: s.sinceMS(start),
	})
	return &Reply{Answer: FallbackAnswer, SessionID: sessionID}
}

// enqueue hands the turn to the durable queue. A failed enqueue loses one
// ledger row but must not fail a request the user already paid latency for.
func (s *Service) enqueue(ctx context.Context, tenantID uuid.UUID, sessionID string, turn conversation.Turn) {
	if err := s.enqueuer.EnqueueTurn(ctx, tenantID, sessionID, turn); err != nil {
		s.logger.Error("enqueue turn", "error", err,
			"tenant_id", tenantID, "request_id", turn.RequestID)
	}
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) sinceMS(start time.Time) int64 {
	if s.now != nil {
		return s.now().Sub(start).Milliseconds()
	}
	return time.Since(start).Milliseconds()
}

func isUpstreamTimeout(err error) bool {
	return errors.Is(err, llm.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded)
}
