package ui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wrenchbase/manualqa/internal/retrieval"
)

func TestRenderer_Results(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainRenderer(&buf)

	r.Results("oil capacity", []retrieval.RetrievedChunk{
		{
			Text:  "Engine oil capacity: 3.7 quarts with filter.",
			Score: 0.95,
			Metadata: map[string]string{
				"chunk_id":    "c1",
				"source_file": "honda_civic_2022.jsonl",
				"make":        "Honda",
				"year":        "2022",
			},
		},
		{
			Text:     "Use SAE 0W-20 full synthetic oil.",
			Score:    0.62,
			Metadata: map[string]string{"chunk_id": "c2"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, `Results for "oil capacity"`)
	assert.Contains(t, out, "[1] score 0.950  honda_civic_2022.jsonl")
	assert.Contains(t, out, "    Engine oil capacity: 3.7 quarts with filter.")
	assert.Contains(t, out, "    make=Honda year=2022")
	assert.Contains(t, out, "[2] score 0.620")
	assert.NotContains(t, out, "chunk_id", "positional keys are not rendered as tags")
}

func TestRenderer_EmptyResults(t *testing.T) {
	var buf bytes.Buffer
	NewPlainRenderer(&buf).Results("xylophone torque", nil)
	assert.Contains(t, buf.String(), `No manual content found for "xylophone torque".`)
}

func TestRenderer_ErrorAndWarning(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainRenderer(&buf)
	r.Error("rerank service unreachable")
	r.Warning("lexical index is stale")
	assert.Contains(t, buf.String(), "error: rerank service unreachable")
	assert.Contains(t, buf.String(), "warning: lexical index is stale")
}

func TestIsTerminal_FalseForBuffer(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}

func TestFormatTags_Deterministic(t *testing.T) {
	got := formatTags(map[string]string{"model": "Civic", "make": "Honda", "source_file": "x.jsonl"})
	assert.Equal(t, "make=Honda model=Civic", got)
}
