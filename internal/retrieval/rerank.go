package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	qaerrors "github.com/wrenchbase/manualqa/internal/errors"
)

// Reranker reorders candidates with a cross-encoder model. Cross-encoders
// jointly encode (query, document) pairs for more accurate relevance than
// bi-encoders, at higher cost per pair.
type Reranker interface {
	// Rerank scores candidates against the query and returns up to topN
	// of them, highest relevance first, with Score replaced by the
	// cross-encoder relevance. Empty input returns empty with no network
	// call. Transport or service errors propagate; there is no fallback
	// ranking.
	Rerank(ctx context.Context, query string, candidates []RetrievedChunk, topN int) ([]RetrievedChunk, error)

	// Available checks if the rerank service is reachable.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Rerank service defaults.
const (
	DefaultRerankModel   = "rerank-v3"
	DefaultRerankTimeout = 30 * time.Second
)

// CohereRerankerConfig configures the HTTP reranker client. Any service
// speaking the Cohere rerank contract works (Cohere itself or a local
// cross-encoder gateway).
type CohereRerankerConfig struct {
	// Endpoint is the API base URL (e.g. https://api.cohere.com/v1).
	Endpoint string

	// APIKey is sent as a bearer token. Empty is allowed for local gateways.
	APIKey string

	// Model is the rerank model identifier.
	Model string

	// Timeout is the per-request timeout.
	Timeout time.Duration
}

// CohereReranker implements Reranker against a Cohere-compatible
// /rerank endpoint.
type CohereReranker struct {
	client *http.Client
	config CohereRerankerConfig

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time
var _ Reranker = (*CohereReranker)(nil)

// NewCohereReranker creates the HTTP reranker client.
func NewCohereReranker(cfg CohereRerankerConfig) (*CohereReranker, error) {
	if cfg.Endpoint == "" {
		return nil, qaerrors.New(qaerrors.ErrCodeConfigInvalid, "rerank endpoint is required", nil)
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultRerankModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRerankTimeout
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     30 * time.Second,
		},
	}

	return &CohereReranker{client: client, config: cfg}, nil
}

// rerankRequest is the JSON request to the /rerank endpoint.
type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

// rerankResponse is the JSON response from the /rerank endpoint. Each
// result's index references the position in the submitted documents list.
type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Message string `json:"message,omitempty"`
}

// Rerank implements Reranker.
func (r *CohereReranker) Rerank(ctx context.Context, query string, candidates []RetrievedChunk, topN int) ([]RetrievedChunk, error) {
	if len(candidates) == 0 {
		return []RetrievedChunk{}, nil
	}

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("reranker is closed")
	}

	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}

	documents := make([]string, len(candidates))
	for i, c := range candidates {
		documents[i] = c.Text
	}

	parsed, err := r.doRequest(ctx, rerankRequest{
		Model:     r.config.Model,
		Query:     query,
		Documents: documents,
		TopN:      topN,
	})
	if err != nil {
		return nil, qaerrors.Wrap(qaerrors.ErrCodeRerankFailed, err).
			WithDetail("model", r.config.Model).
			WithDetail("candidates", fmt.Sprintf("%d", len(candidates)))
	}

	// Returned indices reference the submitted order; map them back to
	// the original candidates to recover text and metadata, and replace
	// the fused score with the cross-encoder relevance.
	results := make([]RetrievedChunk, 0, topN)
	for _, res := range parsed.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			return nil, qaerrors.New(qaerrors.ErrCodeRerankFailed,
				fmt.Sprintf("rerank returned out-of-range index %d", res.Index), nil)
		}
		chunk := candidates[res.Index]
		chunk.Score = res.RelevanceScore
		results = append(results, chunk)
	}

	// The service contract is descending relevance; enforce it locally
	// so callers can rely on the ordering invariant.
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}

func (r *CohereReranker) doRequest(ctx context.Context, payload rerankRequest) (*rerankResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		r.config.Endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank API returned %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &parsed, nil
}

// Available probes the rerank endpoint with a minimal request.
func (r *CohereReranker) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := r.doRequest(probeCtx, rerankRequest{
		Model:     r.config.Model,
		Query:     "ping",
		Documents: []string{"ping"},
		TopN:      1,
	})
	return err == nil
}

// Close releases idle connections.
func (r *CohereReranker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if t, ok := r.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
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
