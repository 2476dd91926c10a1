package retrieval

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenchbase/manualqa/internal/store"
)

func TestManualTokenizer_AlphanumericRuns(t *testing.T) {
	tok := &manualTokenizer{}

	stream := tok.Tokenize([]byte("SAE 0W-20, full-synthetic oil!"))
	terms := make([]string, len(stream))
	for i, tk := range stream {
		terms[i] = string(tk.Term)
	}
	// Lowercasing happens in the analyzer's token filter, not here.
	assert.Equal(t, []string{"SAE", "0W", "20", "full", "synthetic", "oil"}, terms)
}

func TestManualTokenizer_Empty(t *testing.T) {
	tok := &manualTokenizer{}
	assert.Empty(t, tok.Tokenize(nil))
	assert.Empty(t, tok.Tokenize([]byte("---!!!")))
}

func TestLexicalIndex_SearchRanksByTermMatch(t *testing.T) {
	ctx := context.Background()
	corpus := newMemChunkStore(
		chunk("c1", "Engine oil capacity: 3.7 quarts with filter for the Civic.", "civic_2022.pdf", nil),
		chunk("c2", "Coolant capacity is 6.4 quarts.", "civic_2022.pdf", nil),
		chunk("c3", "Tire rotation schedule every 7500 miles.", "civic_2022.pdf", nil),
	)
	lex := NewLexicalIndex(corpus)
	defer lex.Close()

	hits, err := lex.Search(ctx, "oil capacity", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "c1", hits[0].chunk.ID)
	// Scores arrive descending.
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].score, hits[i].score)
	}
	// c3 shares no terms with the query.
	for _, h := range hits {
		assert.NotEqual(t, "c3", h.chunk.ID)
	}
}

func TestLexicalIndex_CaseInsensitiveMatch(t *testing.T) {
	ctx := context.Background()
	corpus := newMemChunkStore(
		chunk("c1", "OIL CAPACITY 3.7 QUARTS", "civic_2022.pdf", nil),
	)
	lex := NewLexicalIndex(corpus)
	defer lex.Close()

	hits, err := lex.Search(ctx, "oil capacity", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c1", hits[0].chunk.ID)
}

func TestLexicalIndex_BuildsExactlyOnceUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	corpus := newMemChunkStore(
		chunk("c1", "brake pads replacement", "civic_2022.pdf", nil),
	)
	lex := NewLexicalIndex(corpus)
	defer lex.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lex.Search(ctx, "brake", 5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), corpus.bulkReads.Load())
}

func TestLexicalIndex_InvalidateTriggersRebuild(t *testing.T) {
	ctx := context.Background()
	corpus := newMemChunkStore(
		chunk("c1", "spark plug gap", "civic_2022.pdf", nil),
	)
	lex := NewLexicalIndex(corpus)
	defer lex.Close()

	hits, err := lex.Search(ctx, "alternator", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
	require.Equal(t, int64(1), corpus.bulkReads.Load())

	// Without invalidation the index serves the stale corpus.
	require.NoError(t, corpus.SaveChunks(ctx, []*store.Chunk{
		chunk("c2", "alternator belt tension", "civic_2022.pdf", nil),
	}))
	hits, err = lex.Search(ctx, "alternator", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	lex.Invalidate()
	hits, err = lex.Search(ctx, "alternator", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c2", hits[0].chunk.ID)
	assert.Equal(t, int64(2), corpus.bulkReads.Load())
}

func TestLexicalIndex_EmptyQuery(t *testing.T) {
	ctx := context.Background()
	lex := NewLexicalIndex(newMemChunkStore(
		chunk("c1", "anything", "a.pdf", nil),
	))
	defer lex.Close()

	hits, err := lex.Search(ctx, "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
