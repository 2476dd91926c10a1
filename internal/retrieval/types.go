// Package retrieval implements the hybrid retrieval pipeline: dense
// embedding search and sparse BM25 search fused with Reciprocal Rank
// Fusion, followed by cross-encoder reranking.
package retrieval

import (
	"fmt"
	"sort"

	"github.com/wrenchbase/manualqa/internal/store"
)

// Default pipeline parameters.
const (
	// DefaultTopK is the candidate count each retriever returns.
	DefaultTopK = 10

	// DefaultRerankN is the final result count after reranking.
	DefaultRerankN = 5

	// DefaultRRFConstant is the standard RRF smoothing parameter.
	// k=60 is empirically validated across domains (used by Azure AI
	// Search, OpenSearch, etc.).
	DefaultRRFConstant = 60
)

// RetrievedChunk is the unit passed between retrieval stages. Score
// semantics change per stage (cosine similarity, normalized BM25, fused
// RRF score, cross-encoder relevance); within one stage's output scores
// are comparable and sorted descending.
type RetrievedChunk struct {
	Text     string            `json:"text"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ChunkID returns the stable identity key used for deduplication, or ""
// when the chunk is missing one.
func (c *RetrievedChunk) ChunkID() string {
	return c.Metadata[store.MetaChunkID]
}

// AttributeFilter is an equality constraint on chunk metadata. Nil values
// and absent keys are ignored; a chunk matches iff every non-nil value
// equals the chunk's metadata value exactly. Missing metadata keys fail
// the match.
type AttributeFilter map[string]any

// Matches reports whether metadata satisfies the filter.
func (f AttributeFilter) Matches(metadata map[string]string) bool {
	for key, want := range f {
		if want == nil {
			continue
		}
		got, ok := metadata[key]
		if !ok || got != canonicalValue(want) {
			return false
		}
	}
	return true
}

// toFilterExpr translates the filter into the dense index's native
// conjunction of equality clauses. Nil values never produce a clause.
// Returns nil when no clauses remain.
func (f AttributeFilter) toFilterExpr() *store.FilterExpr {
	var clauses []store.FilterClause
	for key, want := range f {
		if want == nil {
			continue
		}
		clauses = append(clauses, store.FilterClause{Key: key, Value: canonicalValue(want)})
	}
	if len(clauses) == 0 {
		return nil
	}
	// Deterministic clause order regardless of map iteration.
	sort.Slice(clauses, func(i, j int) bool { return clauses[i].Key < clauses[j].Key })
	return &store.FilterExpr{Clauses: clauses}
}

// canonicalValue renders a filter value in the same string form the
// metadata carries. Metadata values are stored as strings, so numeric
// filter values compare by their decimal rendering.
func canonicalValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Config holds the pipeline parameters.
type Config struct {
	// TopK is the per-retriever candidate count.
	TopK int

	// RerankN is the final result count after reranking.
	RerankN int

	// RRFConstant is the fusion smoothing constant.
	RRFConstant int
}

// DefaultConfig returns the standard pipeline parameters.
func DefaultConfig() Config {
	return Config{
		TopK:        DefaultTopK,
		RerankN:     DefaultRerankN,
		RRFConstant: DefaultRRFConstant,
	}
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.RerankN <= 0 {
		c.RerankN = DefaultRerankN
	}
	if c.RRFConstant <= 0 {
		c.RRFConstant = DefaultRRFConstant
	}
}
