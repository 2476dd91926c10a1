package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func civicCorpus() *memChunkStore {
	return newMemChunkStore(
		chunk("c1", "Engine oil capacity: 3.7 quarts (3.5 liters) with oil filter replacement.",
			"civic_2022.pdf", map[string]string{"make": "Honda", "model": "Civic"}),
		chunk("c2", "Recommended oil grade is SAE 0W-20 full synthetic.",
			"civic_2022.pdf", map[string]string{"make": "Honda", "model": "Civic"}),
		chunk("c3", "Coolant capacity is 6.4 quarts including the reservoir.",
			"camry_2023.pdf", map[string]string{"make": "Toyota", "model": "Camry"}),
		chunk("c4", "Rotate tires every 7500 miles under normal driving.",
			"civic_2022.pdf", map[string]string{"make": "Honda", "model": "Civic"}),
	)
}

func TestSparseRetriever_TopResultNormalizedToOne(t *testing.T) {
	ctx := context.Background()
	lex := NewLexicalIndex(civicCorpus())
	defer lex.Close()
	s := NewSparseRetriever(lex)

	results, err := s.Retrieve(ctx, "oil capacity quarts", nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, 1.0, results[0].Score)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		assert.LessOrEqual(t, results[i].Score, 1.0)
		assert.Greater(t, results[i].Score, 0.0)
	}
	assert.Equal(t, "c1", results[0].ChunkID())
}

func TestSparseRetriever_NoMatches(t *testing.T) {
	ctx := context.Background()
	lex := NewLexicalIndex(civicCorpus())
	defer lex.Close()
	s := NewSparseRetriever(lex)

	results, err := s.Retrieve(ctx, "transmission differential xylophone", nil)
	require.NoError(t, err)
	// "transmission" etc. appear nowhere; empty is a valid outcome.
	assert.Empty(t, results)
}

func TestSparseRetriever_PostFilterDoesNotConsumeBudget(t *testing.T) {
	ctx := context.Background()
	lex := NewLexicalIndex(civicCorpus())
	defer lex.Close()
	s := NewSparseRetriever(lex)

	// "capacity" matches c1 (Honda) and c3 (Toyota). With limit 1 and a
	// Toyota filter, c1 is skipped without eating the budget and c3 is
	// still returned.
	results, err := s.retrieve(ctx, "capacity quarts", AttributeFilter{"make": "Toyota"}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c3", results[0].ChunkID())
	assert.Equal(t, 1.0, results[0].Score)
}

func TestSparseRetriever_FilterWithNilValueIgnored(t *testing.T) {
	ctx := context.Background()
	lex := NewLexicalIndex(civicCorpus())
	defer lex.Close()
	s := NewSparseRetriever(lex)

	results, err := s.Retrieve(ctx, "oil capacity", AttributeFilter{"make": "Honda", "trim": nil})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "Honda", r.Metadata["make"])
	}
}

func TestSparseRetriever_EmptyCorpus(t *testing.T) {
	ctx := context.Background()
	lex := NewLexicalIndex(newMemChunkStore())
	defer lex.Close()
	s := NewSparseRetriever(lex)

	results, err := s.Retrieve(ctx, "anything", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAttributeFilter_Matches(t *testing.T) {
	meta := map[string]string{"make": "Honda", "year": "2022"}

	tests := []struct {
		name   string
		filter AttributeFilter
		want   bool
	}{
		{"nil filter", nil, true},
		{"empty filter", AttributeFilter{}, true},
		{"mismatched make", AttributeFilter{"make": "Toyota"}, false},
		{"matching make with nil model ignored", AttributeFilter{"make": "Honda", "model": nil}, true},
		{"numeric value compares canonically", AttributeFilter{"year": 2022}, true},
		{"missing metadata key fails", AttributeFilter{"subsystem": "engine"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(meta))
		})
	}
}

func TestAttributeFilter_ToFilterExpr(t *testing.T) {
	f := AttributeFilter{"make": "Honda", "model": nil, "year": 2022}
	expr := f.toFilterExpr()
	require.NotNil(t, expr)
	require.Len(t, expr.Clauses, 2)
	// Clauses are key-sorted; nil values never produce a clause.
	assert.Equal(t, "make", expr.Clauses[0].Key)
	assert.Equal(t, "Honda", expr.Clauses[0].Value)
	assert.Equal(t, "year", expr.Clauses[1].Key)
	assert.Equal(t, "2022", expr.Clauses[1].Value)

	assert.Nil(t, AttributeFilter(nil).toFilterExpr())
	assert.Nil(t, AttributeFilter{"model": nil}.toFilterExpr())
}
