// Package errors provides structured error handling for ManualQA.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Store errors (SQLite, index files)
//   - 3XX: Upstream service errors (embedding, dense index, rerank)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStore indicates chunk store and index persistence errors.
	CategoryStore Category = "STORE"
	// CategoryUpstream indicates embedding/index/rerank service errors.
	CategoryUpstream Category = "UPSTREAM"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Store errors (200-299)
	ErrCodeStoreOpen     = "ERR_201_STORE_OPEN"
	ErrCodeStoreQuery    = "ERR_202_STORE_QUERY"
	ErrCodeCorruptIndex  = "ERR_203_CORRUPT_INDEX"
	ErrCodeChunkNotFound = "ERR_204_CHUNK_NOT_FOUND"

	// Upstream service errors (300-399)
	ErrCodeEmbeddingFailed = "ERR_301_EMBEDDING_FAILED"
	ErrCodeDenseQuery      = "ERR_302_DENSE_QUERY_FAILED"
	ErrCodeRerankFailed    = "ERR_303_RERANK_FAILED"
	ErrCodeUpstreamTimeout = "ERR_304_UPSTREAM_TIMEOUT"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty        = "ERR_403_QUERY_EMPTY"
	ErrCodeInvalidRecord     = "ERR_404_INVALID_RECORD"

	// Internal errors (500-599)
	ErrCodeInternal     = "ERR_501_INTERNAL"
	ErrCodeIngestFailed = "ERR_502_INGEST_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStore
	case '3':
		return CategoryUpstream
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	if code == ErrCodeCorruptIndex {
		return SeverityFatal
	}
	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Retrying is the caller's decision; the retrieval pipeline itself never retries.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEmbeddingFailed, ErrCodeDenseQuery, ErrCodeRerankFailed, ErrCodeUpstreamTimeout:
		return true
	default:
		return false
	}
}
