package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenchbase/manualqa/internal/store"
)

// newTestPipeline assembles a hybrid retriever over a scripted dense
// backend and a real lexical index built from corpus.
func newTestPipeline(t *testing.T, corpus *memChunkStore, dense *scriptedDense, reranker Reranker) *HybridRetriever {
	t.Helper()
	lex := NewLexicalIndex(corpus)
	t.Cleanup(func() { _ = lex.Close() })

	return NewHybridRetriever(
		NewDenseRetriever(dense, dense, DefaultTopK),
		NewSparseRetriever(lex),
		reranker,
		nil,
		DefaultConfig(),
	)
}

func TestHybridRetriever_OilCapacityScenario(t *testing.T) {
	ctx := context.Background()
	query := "What is the oil capacity for a 2022 Honda Civic?"

	c1 := chunk("c1", "Engine oil capacity: 3.7 quarts with filter. 2022 Honda Civic.",
		"civic_manual.pdf", map[string]string{"make": "Honda"})
	c2 := chunk("c2", "Change engine oil at the recommended interval.",
		"civic_manual.pdf", map[string]string{"make": "Honda"})
	c3 := chunk("c3", "Coolant capacity is 6.4 quarts for the 2023 Camry.",
		"camry_manual.pdf", map[string]string{"make": "Toyota"})
	corpus := newMemChunkStore(c1, c2, c3)

	dense := newScriptedDense()
	dense.script(query, match(c1, 0.91))

	reranker := &fakeReranker{results: []RetrievedChunk{retrieved(c1, 0.95)}}
	h := newTestPipeline(t, corpus, dense, reranker)

	// Inspect the fused pool first: dense [c1] + sparse [c1, c2].
	fused, err := h.retrieveFused(ctx, query, AttributeFilter{"make": "Honda"}, DefaultTopK)
	require.NoError(t, err)
	require.Len(t, fused, 2)
	assert.Equal(t, "c1", fused[0].ChunkID())
	assert.InDelta(t, 0.0328, fused[0].Score, 0.0001) // 1/61 + 1/61
	assert.Equal(t, "c2", fused[1].ChunkID())
	assert.InDelta(t, 0.0164, fused[1].Score, 0.0001) // 1/62

	// Full pipeline: the reranked list is the final output.
	final, err := h.Retrieve(ctx, query, AttributeFilter{"make": "Honda"})
	require.NoError(t, err)
	require.Len(t, final, 1)
	assert.Equal(t, "c1", final[0].ChunkID())
	assert.Equal(t, 0.95, final[0].Score)
	assert.Equal(t, 1, reranker.callCount())
}

func TestHybridRetriever_ComparisonScenario(t *testing.T) {
	ctx := context.Background()
	query := "compare the civic vs the f-150 oil capacity"

	c1 := chunk("c1", "Honda Civic engine oil capacity: 3.7 quarts with filter.",
		"civic_manual.pdf", map[string]string{"make": "Honda"})
	c2 := chunk("c2", "Honda Civic oil grade: SAE 0W-20 synthetic.",
		"civic_manual.pdf", map[string]string{"make": "Honda"})
	f1 := chunk("f1", "Ford F-150 engine oil capacity: 6.0 quarts with filter.",
		"f150_manual.pdf", map[string]string{"make": "Ford"})
	corpus := newMemChunkStore(c1, c2, f1)

	lexicon := DefaultEntityLexicon()
	dense := newScriptedDense()
	dense.script(deriveEntityQuery(query, lexicon, "Honda Civic"), match(c1, 0.9))
	dense.script(deriveEntityQuery(query, lexicon, "Ford F-150"), match(f1, 0.88))

	reranker := &fakeReranker{}
	h := newTestPipeline(t, corpus, dense, reranker)

	results, err := h.Retrieve(ctx, query, nil)
	require.NoError(t, err)

	// Two sub-retrievals, top 2 each, no rerank pass.
	require.NotEmpty(t, results)
	assert.LessOrEqual(t, len(results), 4)
	assert.Equal(t, 0, reranker.callCount())

	// Both entities are represented.
	sources := make(map[string]bool)
	for _, r := range results {
		sources[r.Metadata["source_file"]] = true
	}
	assert.True(t, sources["civic_manual.pdf"])
	assert.True(t, sources["f150_manual.pdf"])
}

func TestHybridRetriever_IsComparisonUsesOwnLexicon(t *testing.T) {
	custom := EntityLexicon{
		"leaf": "Nissan Leaf",
		"bolt": "Chevrolet Bolt",
	}
	h := NewHybridRetriever(nil, nil, nil, custom, DefaultConfig())

	// Recognized only by the custom lexicon.
	assert.True(t, h.IsComparison("compare leaf vs bolt charging time"))
	// Default aliases are not in the custom lexicon.
	assert.False(t, h.IsComparison("compare civic vs camry oil capacity"))

	def := NewHybridRetriever(nil, nil, nil, nil, DefaultConfig())
	assert.True(t, def.IsComparison("compare civic vs camry oil capacity"))
	assert.False(t, def.IsComparison("civic oil capacity"))
}

func TestHybridRetriever_ComparisonWithoutTriggerUsesNormalPath(t *testing.T) {
	ctx := context.Background()
	query := "civic and f-150 oil capacity"

	c1 := chunk("c1", "Honda Civic engine oil capacity: 3.7 quarts.",
		"civic_manual.pdf", map[string]string{"make": "Honda"})
	corpus := newMemChunkStore(c1)

	dense := newScriptedDense()
	dense.script(query, match(c1, 0.9))

	reranker := &fakeReranker{}
	h := newTestPipeline(t, corpus, dense, reranker)

	results, err := h.Retrieve(ctx, query, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
	assert.Equal(t, 1, reranker.callCount())
}

func TestHybridRetriever_EmbedErrorPropagates(t *testing.T) {
	ctx := context.Background()

	corpus := newMemChunkStore(
		chunk("c1", "anything at all", "a.pdf", nil),
	)
	dense := newScriptedDense()
	dense.embedErr = errors.New("embedding service down")

	h := newTestPipeline(t, corpus, dense, &fakeReranker{})

	_, err := h.Retrieve(ctx, "oil capacity", nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "embedding service down")
}

func TestHybridRetriever_RerankErrorPropagates(t *testing.T) {
	ctx := context.Background()
	query := "oil capacity"

	c1 := chunk("c1", "engine oil capacity 3.7 quarts", "a.pdf", nil)
	corpus := newMemChunkStore(c1)
	dense := newScriptedDense()
	dense.script(query, match(c1, 0.9))

	reranker := &fakeReranker{err: errors.New("rerank service down")}
	h := newTestPipeline(t, corpus, dense, reranker)

	_, err := h.Retrieve(ctx, query, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "rerank service down")
}

func TestHybridRetriever_EmptyCorpusYieldsEmptyNotError(t *testing.T) {
	ctx := context.Background()

	h := newTestPipeline(t, newMemChunkStore(), newScriptedDense(), &fakeReranker{})

	results, err := h.Retrieve(ctx, "anything", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHybridRetriever_ResultsCappedAtRerankN(t *testing.T) {
	ctx := context.Background()
	query := "engine oil"

	var chunks []*store.Chunk
	var matches []*store.Match
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		c := chunk(id, "engine oil notes for section "+id, "m.pdf", nil)
		chunks = append(chunks, c)
		matches = append(matches, match(c, 0.9))
	}
	corpus := newMemChunkStore(chunks...)
	dense := newScriptedDense()
	dense.script(query, matches...)

	h := newTestPipeline(t, corpus, dense, &fakeReranker{})

	results, err := h.Retrieve(ctx, query, nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), DefaultRerankN)
}
