package retrieval

import (
	"context"

	"github.com/wrenchbase/manualqa/internal/embed"
	"github.com/wrenchbase/manualqa/internal/store"
)

// DenseRetriever embeds a query and runs a filtered top-K cosine search
// against the dense index. Errors from the embedder or the index
// propagate; retries belong to those collaborators.
type DenseRetriever struct {
	embedder embed.Embedder
	index    store.DenseIndex
	topK     int
}

// NewDenseRetriever wires an embedder to a dense index.
func NewDenseRetriever(embedder embed.Embedder, index store.DenseIndex, topK int) *DenseRetriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &DenseRetriever{
		embedder: embedder,
		index:    index,
		topK:     topK,
	}
}

// Retrieve returns up to topK chunks in descending similarity order.
// The attribute filter is translated to the index's native equality
// conjunction; nil-valued keys never produce a clause.
func (d *DenseRetriever) Retrieve(ctx context.Context, query string, filter AttributeFilter) ([]RetrievedChunk, error) {
	return d.retrieve(ctx, query, filter, d.topK)
}

func (d *DenseRetriever) retrieve(ctx context.Context, query string, filter AttributeFilter, limit int) ([]RetrievedChunk, error) {
	vector, err := d.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	matches, err := d.index.Query(ctx, vector, limit, filter.toFilterExpr())
	if err != nil {
		return nil, err
	}

	chunks := make([]RetrievedChunk, 0, len(matches))
	for _, m := range matches {
		chunks = append(chunks, RetrievedChunk{
			Text:     m.Text,
			Score:    m.Score,
			Metadata: m.Metadata,
		})
	}
	return chunks, nil
}
