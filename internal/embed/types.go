package embed

import (
	"context"
	"time"
)

// Common embedding constants
const (
	// MinBatchSize is the minimum allowed batch size
	MinBatchSize = 1

	// MaxBatchSize is the maximum allowed batch size (prevents memory exhaustion
	// and oversized request bodies)
	MaxBatchSize = 256

	// DefaultBatchSize is the default number of texts per embeddings request
	DefaultBatchSize = 100

	// DefaultTimeout is the default per-request timeout
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of retry attempts
	DefaultMaxRetries = 3

	// DefaultDimensions is the embedding dimension for text-embedding-3-large
	DefaultDimensions = 3072

	// DefaultModel is the default embedding model
	DefaultModel = "text-embedding-3-large"
)

// Embedder generates vector embeddings for text
type Embedder interface {
	// Embed generates embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension
	Dimensions() int

	// ModelName returns the model identifier
	ModelName() string

	// Available checks if the embedder is ready
	Available(ctx context.Context) bool

	// Close releases resources
	Close() error
}
