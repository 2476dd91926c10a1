package retrieval

import (
	"context"
)

// SparseRetriever scores a query against the lexical index with BM25 and
// returns max-normalized results. Attribute filtering is a post-filter:
// filtered documents are skipped without consuming the topK budget.
type SparseRetriever struct {
	lexical *LexicalIndex
	topK    int
}

// NewSparseRetriever wires the retriever to an explicitly owned lexical
// index (shared with whoever calls Invalidate on corpus changes).
func NewSparseRetriever(lexical *LexicalIndex) *SparseRetriever {
	return &SparseRetriever{lexical: lexical, topK: DefaultTopK}
}

// Retrieve returns up to topK chunks in descending normalized-score order.
// The top result always scores exactly 1.0 when any result exists.
func (s *SparseRetriever) Retrieve(ctx context.Context, query string, filter AttributeFilter) ([]RetrievedChunk, error) {
	return s.retrieve(ctx, query, filter, s.topK)
}

func (s *SparseRetriever) retrieve(ctx context.Context, query string, filter AttributeFilter, limit int) ([]RetrievedChunk, error) {
	if limit <= 0 {
		return []RetrievedChunk{}, nil
	}

	// Post-filtering must not eat into the topK budget, so the raw
	// search asks for the whole corpus and truncation happens after the
	// filter is applied.
	corpusSize, err := s.lexical.DocCount(ctx)
	if err != nil {
		return nil, err
	}
	if corpusSize == 0 {
		return []RetrievedChunk{}, nil
	}

	hits, err := s.lexical.Search(ctx, query, corpusSize)
	if err != nil {
		return nil, err
	}

	// Hits arrive in descending raw-score order. Anything at or below
	// zero is uninformative, and so is everything after it.
	results := make([]RetrievedChunk, 0, limit)
	var maxRaw float64
	for _, h := range hits {
		if h.score <= 0 {
			break
		}
		if !filter.Matches(h.chunk.Metadata) {
			continue
		}
		if maxRaw == 0 {
			maxRaw = h.score
		}
		results = append(results, RetrievedChunk{
			Text:     h.chunk.Text,
			Score:    h.score,
			Metadata: h.chunk.Metadata,
		})
		if len(results) >= limit {
			break
		}
	}

	// Normalize by the maximum raw score so the top result is exactly
	// 1.0. Divisor falls back to 1.0 when the maximum is not positive.
	if maxRaw <= 0 {
		maxRaw = 1.0
	}
	for i := range results {
		results[i].Score /= maxRaw
	}

	return results, nil
}
