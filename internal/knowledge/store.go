// Package knowledge implements tenant-scoped semantic retrieval over the
// knowledge base. Chunks are embedded once at ingestion; queries are
// embedded on demand and matched by cosine distance in pgvector.
package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/answerdesk/answerdesk/internal/log"
)

const (
	// defaultLimit is the number of chunks retrieved when the caller does
	// not override it.
	defaultLimit = 3

	// embedTimeout bounds a single embedding round-trip.
	embedTimeout = 30 * time.Second
)

// SearchParams are the inputs to a vector search.
type SearchParams struct {
	TenantID  uuid.UUID
	Model     string
	Embedding []float32
	Limit     int
}

// InsertChunkParams are the inputs to chunk insertion.
type InsertChunkParams struct {
	TenantID   uuid.UUID
	Source     string
	ChunkIndex int
	Content    string
}

// InsertEmbeddingParams are the inputs to embedding insertion.
type InsertEmbeddingParams struct {
	TenantID  uuid.UUID
	ChunkID   uuid.UUID
	Model     string
	Embedding []float32
}

// Querier defines the database operations the store needs.
type Querier interface {
	SearchEmbeddings(ctx context.Context, params SearchParams) ([]Result, error)
	InsertChunk(ctx context.Context, params InsertChunkParams) (uuid.UUID, error)
	InsertEmbedding(ctx context.Context, params InsertEmbeddingParams) error
}

// Store retrieves and indexes tenant knowledge.
type Store struct {
	querier  Querier
	embedder ai.Embedder
	model    string
	logger   log.Logger
}

// NewStore creates a knowledge store. model names the embedding model;
// retrieval only considers vectors stored under the same name, so mixed
// vector spaces are never compared.
func NewStore(querier Querier, embedder ai.Embedder, model string, logger log.Logger) *Store {
	return &Store{
		querier:  querier,
		embedder: embedder,
		model:    model,
		logger:   logger.With("component", "knowledge"),
	}
}

// Search embeds the query and returns the tenant's most similar chunks,
// ordered by descending similarity. A tenant with no indexed knowledge gets
// an empty slice, not an error.
func (s *Store) Search(ctx context.Context, tenantID uuid.UUID, query string, opts ...SearchOption) ([]Result, error) {
	options := searchOptions{limit: defaultLimit}
	for _, opt := range opts {
		opt(&options)
	}

	embedding, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := s.querier.SearchEmbeddings(ctx, SearchParams{
		TenantID:  tenantID,
		Model:     s.model,
		Embedding: embedding,
		Limit:     options.limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}

	s.logger.Debug("knowledge search",
		"tenant_id", tenantID, "results", len(results), "limit", options.limit)
	return results, nil
}

// Add indexes a document: the chunk row and its embedding are inserted
// together so retrieval never sees a chunk without a vector.
func (s *Store) Add(ctx context.Context, doc Document) (uuid.UUID, error) {
	embedding, err := s.embed(ctx, doc.Content)
	if err != nil {
		return uuid.Nil, fmt.Errorf("embed chunk: %w", err)
	}

	chunkID, err := s.querier.InsertChunk(ctx, InsertChunkParams{
		TenantID:   doc.TenantID,
		Source:     doc.Source,
		ChunkIndex: doc.ChunkIndex,
		Content:    doc.Content,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert chunk: %w", err)
	}

	err = s.querier.InsertEmbedding(ctx, InsertEmbeddingParams{
		TenantID:  doc.TenantID,
		ChunkID:   chunkID,
		Model:     s.model,
		Embedding: embedding,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert embedding: %w", err)
	}

	return chunkID, nil
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(text, nil)},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	return resp.Embeddings[0].Embedding, nil
}
