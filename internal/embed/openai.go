package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	qaerrors "github.com/wrenchbase/manualqa/internal/errors"
)

// OpenAIConfig configures the OpenAI-compatible embedding client.
// Any server exposing the /embeddings contract works: OpenAI itself,
// Azure OpenAI, or a local inference gateway.
type OpenAIConfig struct {
	// Endpoint is the API base URL (e.g. https://api.openai.com/v1).
	Endpoint string

	// APIKey is sent as a bearer token. Empty is allowed for local gateways.
	APIKey string

	// Model is the embedding model identifier.
	Model string

	// Dimensions is the expected embedding dimension. 0 means detect from
	// the first response.
	Dimensions int

	// BatchSize is the number of texts per request.
	BatchSize int

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// Retry configures backoff for transient failures.
	Retry RetryConfig

	// PoolSize bounds idle connections to the endpoint.
	PoolSize int
}

// OpenAIEmbedder generates embeddings via an OpenAI-compatible HTTP API.
type OpenAIEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OpenAIConfig
	logger    *slog.Logger

	mu     sync.RWMutex
	dims   int
	closed bool
}

// Verify interface implementation at compile time
var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an embedder for an OpenAI-compatible endpoint.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, qaerrors.New(qaerrors.ErrCodeConfigInvalid, "embeddings endpoint is required", nil)
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BatchSize < MinBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     30 * time.Second,
	}

	// No static http.Client.Timeout: it would override the per-request
	// context timeout set in doRequest.
	return &OpenAIEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		logger:    slog.Default().With("component", "embed"),
		dims:      cfg.Dimensions,
	}, nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, splitting into
// requests of at most BatchSize texts each.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("embedder is closed")
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := e.embedBatchOnce(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}
	return results, nil
}

// embedBatchOnce sends a single embeddings request with retry.
func (e *OpenAIEmbedder) embedBatchOnce(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	err := WithRetry(ctx, e.config.Retry, func() (bool, error) {
		vecs, retryable, err := e.doRequest(ctx, texts)
		if err != nil {
			e.logger.Warn("embedding request failed",
				"model", e.config.Model,
				"batch", len(texts),
				"retryable", retryable,
				"error", err)
			return retryable, err
		}
		vectors = vecs
		return false, nil
	})
	if err != nil {
		return nil, qaerrors.Wrap(qaerrors.ErrCodeEmbeddingFailed, err).
			WithDetail("model", e.config.Model).
			WithDetail("endpoint", e.config.Endpoint)
	}

	if err := e.checkDimensions(vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}

// doRequest performs one HTTP round trip. The bool return reports whether
// the failure is worth retrying (network errors, 429, 5xx).
func (e *OpenAIEmbedder) doRequest(ctx context.Context, texts []string) ([][]float32, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	body, err := json.Marshal(embeddingsRequest{Model: e.config.Model, Input: texts})
	if err != nil {
		return nil, false, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		e.config.Endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, fmt.Errorf("embeddings API returned %d: %s",
			resp.StatusCode, truncateBody(respBody))
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, false, fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, false, fmt.Errorf("embeddings API error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != len(texts) {
		return nil, false, fmt.Errorf("embeddings API returned %d vectors for %d texts",
			len(parsed.Data), len(texts))
	}

	// The API may return data out of order; the index field is authoritative.
	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, false, fmt.Errorf("embeddings API returned out-of-range index %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, false, fmt.Errorf("embeddings API returned no vector for input %d", i)
		}
	}
	return vectors, false, nil
}

// checkDimensions validates vector dimensions, detecting them from the
// first response when not configured.
func (e *OpenAIEmbedder) checkDimensions(vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dims == 0 {
		e.dims = len(vectors[0])
		e.logger.Debug("detected embedding dimensions", "dims", e.dims, "model", e.config.Model)
	}
	for _, v := range vectors {
		if len(v) != e.dims {
			return qaerrors.New(qaerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("expected %d dimensions, got %d", e.dims, len(v)), nil).
				WithSuggestion("re-index the corpus if the embedding model changed")
		}
	}
	return nil
}

// Dimensions returns the embedding dimension (0 until first successful call
// when auto-detecting).
func (e *OpenAIEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}

// Available probes the endpoint with a single tiny embedding request.
func (e *OpenAIEmbedder) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, _, err := e.doRequest(probeCtx, []string{"ping"})
	return err == nil
}

// Close releases idle connections.
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

// truncateBody keeps error messages from upstream bodies readable.
func truncateBody(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
