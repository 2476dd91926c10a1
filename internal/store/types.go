// Package store provides the dense vector index backends (HNSW, pgvector)
// and the SQLite chunk store that holds the canonical chunk text.
package store

import (
	"context"
	"fmt"
)

// Metadata keys every well-formed chunk carries.
const (
	MetaSourceFile  = "source_file"
	MetaPage        = "page"
	MetaSectionType = "section_type"
	MetaChunkID     = "chunk_id"
)

// State keys for the chunk store's key-value state table.
const (
	// StateKeyIndexDimension stores the embedding dimension used for the index.
	StateKeyIndexDimension = "index_embedding_dimension"
	// StateKeyIndexModel stores the embedding model name used for the index.
	StateKeyIndexModel = "index_embedding_model"
)

// Chunk is a retrievable unit of manual text with its metadata.
type Chunk struct {
	ID         string            // Stable chunk identifier (chunk_id)
	Text       string            // Literal chunk content
	SourceFile string            // Originating manual file
	Metadata   map[string]string // source_file, page, section_type, make, model, year, subsystem, ...
}

// Match is a single dense search hit.
type Match struct {
	ID       string
	Score    float64 // Cosine similarity, higher is better
	Text     string
	Metadata map[string]string
}

// FilterClause is a single equality constraint on a metadata key.
type FilterClause struct {
	Key   string
	Value string
}

// FilterExpr is a conjunction of equality clauses. A nil *FilterExpr means
// no filtering. Backends translate it into their native filter form:
// the HNSW store applies it as a post-check, pgvector compiles it to
// parameterized WHERE clauses.
type FilterExpr struct {
	Clauses []FilterClause
}

// Matches reports whether metadata satisfies every clause.
// A missing metadata key fails the match.
func (f *FilterExpr) Matches(metadata map[string]string) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Clauses {
		v, ok := metadata[c.Key]
		if !ok || v != c.Value {
			return false
		}
	}
	return true
}

// DenseIndex is a vector store supporting filtered approximate
// nearest-neighbor cosine search.
type DenseIndex interface {
	// Upsert inserts or replaces chunks with their embedding vectors.
	Upsert(ctx context.Context, chunks []*Chunk, vectors [][]float32) error

	// Query returns up to topK matches for the query vector, most similar
	// first, restricted to chunks matching the filter (nil = unfiltered).
	Query(ctx context.Context, vector []float32, topK int, filter *FilterExpr) ([]*Match, error)

	// DeleteBySource removes all chunks originating from sourceFile.
	// Supports incremental re-indexing of a single manual.
	DeleteBySource(ctx context.Context, sourceFile string) error

	// Count returns the number of indexed vectors.
	Count(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// ChunkStore persists canonical chunk text and metadata. It is the source
// of truth for the corpus and must expose complete enumeration so the
// lexical index can be built from it.
type ChunkStore interface {
	// SaveChunks inserts or replaces chunks.
	SaveChunks(ctx context.Context, chunks []*Chunk) error

	// GetChunks retrieves chunks by ID, preserving input order.
	GetChunks(ctx context.Context, ids []string) ([]*Chunk, error)

	// AllChunks enumerates the entire corpus.
	AllChunks(ctx context.Context) ([]*Chunk, error)

	// DeleteBySource removes all chunks from a source file.
	DeleteBySource(ctx context.Context, sourceFile string) error

	// CountChunks returns the corpus size.
	CountChunks(ctx context.Context) (int, error)

	// GetState and SetState provide a key-value store for runtime state
	// such as the index embedding dimension and model.
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Close releases resources.
	Close() error
}

// HNSWConfig configures the local HNSW dense index.
type HNSWConfig struct {
	// Dimensions is the vector dimension (3072 for text-embedding-3-large).
	Dimensions int

	// M is HNSW max connections per layer (default: 16).
	M int

	// EfSearch is HNSW query-time search width (default: 20).
	EfSearch int
}

// DefaultHNSWConfig returns sensible defaults for the given dimension.
func DefaultHNSWConfig(dimensions int) HNSWConfig {
	return HNSWConfig{
		Dimensions: dimensions,
		M:          16,
		EfSearch:   20,
	}
}

// ErrDimensionMismatch indicates a vector dimension mismatch between the
// query/upsert vectors and the index.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (run 'manualqa index --force' to rebuild)", e.Expected, e.Got)
}
