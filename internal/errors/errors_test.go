package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		category Category
		severity Severity
		retry    bool
	}{
		{"config", ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{"store", ErrCodeStoreQuery, CategoryStore, SeverityError, false},
		{"corrupt index is fatal", ErrCodeCorruptIndex, CategoryStore, SeverityFatal, false},
		{"embedding is retryable", ErrCodeEmbeddingFailed, CategoryUpstream, SeverityWarning, true},
		{"rerank is retryable", ErrCodeRerankFailed, CategoryUpstream, SeverityWarning, true},
		{"validation", ErrCodeQueryEmpty, CategoryValidation, SeverityError, false},
		{"internal", ErrCodeInternal, CategoryInternal, SeverityError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retry, err.Retryable)
		})
	}
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(ErrCodeDenseQuery, cause)

	require.NotNil(t, err)
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, stderrors.Is(err, cause))
	assert.Contains(t, err.Error(), ErrCodeDenseQuery)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeDenseQuery, nil))
}

func TestIs_MatchesByCode(t *testing.T) {
	a := New(ErrCodeRerankFailed, "rerank call failed", nil)
	b := New(ErrCodeRerankFailed, "different message", nil)
	c := New(ErrCodeEmbeddingFailed, "embed failed", nil)

	assert.True(t, stderrors.Is(a, b))
	assert.False(t, stderrors.Is(a, c))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrCodeUpstreamTimeout, "timeout", nil)))
	assert.False(t, IsRetryable(New(ErrCodeConfigInvalid, "bad config", nil)))
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
	assert.False(t, IsRetryable(nil))
}

func TestWithDetailAndSuggestion(t *testing.T) {
	err := New(ErrCodeDimensionMismatch, "index built with different embedder", nil).
		WithDetail("index_dim", "3072").
		WithDetail("query_dim", "768").
		WithSuggestion("run 'manualqa index --force' to rebuild")

	assert.Equal(t, "3072", err.Details["index_dim"])
	assert.Equal(t, "768", err.Details["query_dim"])
	assert.NotEmpty(t, err.Suggestion)
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeStoreOpen, GetCode(New(ErrCodeStoreOpen, "open failed", nil)))
	assert.Equal(t, "", GetCode(stderrors.New("plain")))
}
