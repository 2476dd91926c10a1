package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectComparison(t *testing.T) {
	lex := DefaultEntityLexicon()

	tests := []struct {
		name     string
		query    string
		want     bool
		entities []string
	}{
		{
			name:     "vs trigger with two entities",
			query:    "compare the civic vs the f-150 oil capacity",
			want:     true,
			entities: []string{"Honda Civic", "Ford F-150"},
		},
		{
			name:     "difference trigger",
			query:    "what is the difference in towing between the camry and the f150",
			want:     true,
			entities: []string{"Toyota Camry", "Ford F-150"},
		},
		{
			name:     "multiword alias",
			query:    "civic versus model 3 charging time",
			want:     true,
			entities: []string{"Honda Civic", "Tesla Model 3"},
		},
		{
			name:  "no trigger word",
			query: "civic and f-150 oil capacity",
			want:  false,
		},
		{
			name:  "trigger but single entity",
			query: "compare oil grades for the civic",
			want:  false,
		},
		{
			name:  "same entity via two aliases counts once",
			query: "compare the f-150 vs the f150",
			want:  false,
		},
		{
			name:  "unrecognized vehicles fall through",
			query: "compare the accord vs the corolla",
			want:  false,
		},
		{
			name:  "alias inside a longer word does not match",
			query: "compare civics vs camrys", // no whole-word alias hits
			want:  false,
		},
		{
			name:     "trigger with trailing punctuation",
			query:    "civic vs. camry: which needs less oil?",
			want:     true,
			entities: []string{"Honda Civic", "Toyota Camry"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmp, ok := detectComparison(tt.query, lex)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, tt.entities, cmp.entities)
			}
		})
	}
}

func TestDeriveEntityQuery(t *testing.T) {
	lex := DefaultEntityLexicon()

	got := deriveEntityQuery("compare the civic vs the f-150 oil capacity", lex, "Honda Civic")
	assert.Equal(t, "the the oil capacity Honda Civic", got)

	got = deriveEntityQuery("civic versus model 3 charging time", lex, "Tesla Model 3")
	assert.Equal(t, "charging time Tesla Model 3", got)
}

func TestDetectComparison_CustomLexicon(t *testing.T) {
	lex := EntityLexicon{
		"leaf":    "Nissan Leaf",
		"model 3": "Tesla Model 3",
	}

	cmp, ok := detectComparison("compare the leaf vs the model 3 range", lex)
	require.True(t, ok)
	assert.Equal(t, []string{"Nissan Leaf", "Tesla Model 3"}, cmp.entities)

	// The default aliases are not known to this lexicon.
	_, ok = detectComparison("compare the civic vs the camry", lex)
	assert.False(t, ok)
}
