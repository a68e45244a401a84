package knowledge

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresQuerier implements Querier against pgvector.
type PostgresQuerier struct {
	pool *pgxpool.Pool
}

// NewPostgresQuerier creates a Querier backed by the given pool.
func NewPostgresQuerier(pool *pgxpool.Pool) *PostgresQuerier {
	return &PostgresQuerier{pool: pool}
}

func (q *PostgresQuerier) SearchEmbeddings(ctx context.Context, params SearchParams) ([]Result, error) {
	// <=> is cosine distance; similarity = 1 - distance. The tenant and
	// model predicates keep every search inside one tenant's vector space.
	const query = `
		SELECT c.id, c.content, 1 - (e.embedding <=> $2) AS similarity
		FROM kb_embeddings e
		JOIN kb_chunks c ON c.id = e.chunk_id
		WHERE e.tenant_id = $1
		  AND e.model = $3
		ORDER BY e.embedding <=> $2
		LIMIT $4`

	rows, err := q.pool.Query(ctx, query,
		params.TenantID, pgvector.NewVector(params.Embedding), params.Model, params.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ChunkID, &r.Content, &r.Similarity); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (q *PostgresQuerier) InsertChunk(ctx context.Context, params InsertChunkParams) (uuid.UUID, error) {
	const query = `
		INSERT INTO kb_chunks (tenant_id, source, chunk_index, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var id uuid.UUID
	err := q.pool.QueryRow(ctx, query,
		params.TenantID, params.Source, params.ChunkIndex, params.Content).Scan(&id)
	return id, err
}

func (q *PostgresQuerier) InsertEmbedding(ctx context.Context, params InsertEmbeddingParams) error {
	const query = `
		INSERT INTO kb_embeddings (tenant_id, chunk_id, model, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chunk_id, model)
		DO UPDATE SET embedding = EXCLUDED.embedding, created_at = now()`

	_, err := q.pool.Exec(ctx, query,
		params.TenantID, params.ChunkID, params.Model, pgvector.NewVector(params.Embedding))
	return err
}
