// Package mcp implements the Model Context Protocol server for ManualQA.
package mcp

import (
	"context"
	"errors"
	"fmt"

	qaerrors "github.com/wrenchbase/manualqa/internal/errors"
)

// Custom MCP error codes for ManualQA.
const (
	// ErrCodeIndexNotReady indicates the manual index is empty or missing.
	ErrCodeIndexNotReady = -32001

	// ErrCodeEmbeddingFailed indicates embedding generation failed.
	ErrCodeEmbeddingFailed = -32002

	// ErrCodeTimeout indicates the request timed out.
	ErrCodeTimeout = -32003

	// ErrCodeRerankFailed indicates the rerank service call failed.
	ErrCodeRerankFailed = -32004

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// NewInvalidParamsError creates an error for invalid parameters.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("Tool '%s' not found.", name)}
}

// MapError converts internal errors to MCP errors. Known QAError codes
// and categories map to specific MCP codes; everything else becomes an
// internal error without leaking detail to the client.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	var qaErr *qaerrors.QAError
	if errors.As(err, &qaErr) {
		return mapQAError(qaErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

func mapQAError(qe *qaerrors.QAError) *MCPError {
	message := qe.Message
	if qe.Suggestion != "" {
		message = fmt.Sprintf("%s %s", qe.Message, qe.Suggestion)
	}

	switch qe.Code {
	case qaerrors.ErrCodeEmbeddingFailed, qaerrors.ErrCodeDimensionMismatch:
		return &MCPError{Code: ErrCodeEmbeddingFailed, Message: message}
	case qaerrors.ErrCodeRerankFailed:
		return &MCPError{Code: ErrCodeRerankFailed, Message: message}
	case qaerrors.ErrCodeUpstreamTimeout:
		return &MCPError{Code: ErrCodeTimeout, Message: message}
	case qaerrors.ErrCodeCorruptIndex, qaerrors.ErrCodeStoreOpen:
		return &MCPError{Code: ErrCodeIndexNotReady, Message: message}
	}

	switch qe.Category {
	case qaerrors.CategoryValidation:
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	case qaerrors.CategoryConfig:
		return &MCPError{Code: ErrCodeInvalidRequest, Message: message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	}
}
