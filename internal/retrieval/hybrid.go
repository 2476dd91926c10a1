package retrieval

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Comparison fan-out parameters.
const (
	// comparisonSubLimit caps each entity's sub-retrieval candidate count.
	comparisonSubLimit = 3

	// comparisonPerEntity is how many of each entity's results survive.
	comparisonPerEntity = 2

	// comparisonTotalCap bounds the combined comparison result list.
	comparisonTotalCap = 5
)

// HybridRetriever is the public entry point of the retrieval pipeline.
// It sequences dense and sparse retrieval, RRF fusion, and cross-encoder
// reranking, and fans out multi-entity comparison queries into per-entity
// sub-retrievals.
type HybridRetriever struct {
	dense    *DenseRetriever
	sparse   *SparseRetriever
	merger   *Merger
	reranker Reranker
	lexicon  EntityLexicon
	config   Config
	logger   *slog.Logger
}

// NewHybridRetriever assembles the pipeline. A nil lexicon gets the
// default vehicle alias table.
func NewHybridRetriever(dense *DenseRetriever, sparse *SparseRetriever, reranker Reranker, lexicon EntityLexicon, cfg Config) *HybridRetriever {
	cfg.applyDefaults()
	if lexicon == nil {
		lexicon = DefaultEntityLexicon()
	}
	return &HybridRetriever{
		dense:    dense,
		sparse:   sparse,
		merger:   NewMerger(cfg.RRFConstant),
		reranker: reranker,
		lexicon:  lexicon,
		config:   cfg,
		logger:   slog.Default().With("component", "hybrid"),
	}
}

// IsComparison reports whether query would take the comparison fan-out
// path under this retriever's lexicon.
func (h *HybridRetriever) IsComparison(query string) bool {
	_, ok := detectComparison(query, h.lexicon)
	return ok
}

// Retrieve returns up to RerankN chunks for the query. Comparison queries
// (two or more recognized entities plus a trigger word) fan out into
// per-entity sub-retrievals instead.
//
// Every stage is a hard dependency of the next: failures propagate to the
// caller with no local retry or fallback ranking. Empty results are valid
// at every stage.
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, filter AttributeFilter) ([]RetrievedChunk, error) {
	if cmp, ok := detectComparison(query, h.lexicon); ok {
		return h.retrieveComparison(ctx, query, filter, cmp)
	}

	fused, err := h.retrieveFused(ctx, query, filter, h.config.TopK)
	if err != nil {
		return nil, err
	}

	return h.reranker.Rerank(ctx, query, fused, h.config.RerankN)
}

// retrieveComparison runs the fan-out path: one lightweight sub-retrieval
// per entity (capped at comparisonSubLimit candidates), keeping the top
// comparisonPerEntity from each, concatenated and truncated to
// comparisonTotalCap. The combined list is returned without a rerank
// pass; comparison results deliberately bypass the cross-encoder.
func (h *HybridRetriever) retrieveComparison(ctx context.Context, query string, filter AttributeFilter, cmp comparison) ([]RetrievedChunk, error) {
	h.logger.Debug("comparison query detected",
		"entities", cmp.entities)

	combined := make([]RetrievedChunk, 0, comparisonTotalCap)
	for _, entity := range cmp.entities {
		subQuery := deriveEntityQuery(query, h.lexicon, entity)

		fused, err := h.retrieveFused(ctx, subQuery, filter, comparisonSubLimit)
		if err != nil {
			return nil, err
		}
		if len(fused) > comparisonPerEntity {
			fused = fused[:comparisonPerEntity]
		}
		combined = append(combined, fused...)
	}

	if len(combined) > comparisonTotalCap {
		combined = combined[:comparisonTotalCap]
	}
	return combined, nil
}

// retrieveFused runs dense and sparse retrieval concurrently and fuses
// the two lists. Fusion input order is fixed dense-then-sparse, so the
// output never depends on which sub-retrieval finishes first.
func (h *HybridRetriever) retrieveFused(ctx context.Context, query string, filter AttributeFilter, limit int) ([]RetrievedChunk, error) {
	var denseResults, sparseResults []RetrievedChunk

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		denseResults, err = h.dense.retrieve(gctx, query, filter, limit)
		return err
	})
	g.Go(func() error {
		var err error
		sparseResults, err = h.sparse.retrieve(gctx, query, filter, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return h.merger.Merge(denseResults, sparseResults), nil
}
