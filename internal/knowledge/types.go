package knowledge

import "github.com/google/uuid"

// Document is a chunk of tenant knowledge submitted for indexing.
type Document struct {
	TenantID   uuid.UUID
	Source     string
	ChunkIndex int
	Content    string
}

// Result is a retrieved chunk with its similarity to the query, where 1.0
// is an exact directional match under cosine similarity.
type Result struct {
	ChunkID    uuid.UUID
	Content    string
	Similarity float64
}

// SearchOption configures a search.
type SearchOption func(*searchOptions)

type searchOptions struct {
	limit int
}

// WithLimit overrides the number of chunks returned.
func WithLimit(n int) SearchOption {
	return func(o *searchOptions) {
		if n > 0 {
			o.limit = n
		}
	}
}
