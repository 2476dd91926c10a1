package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wrenchbase/manualqa/internal/embed"
	"github.com/wrenchbase/manualqa/internal/retrieval"
	"github.com/wrenchbase/manualqa/internal/store"
	"github.com/wrenchbase/manualqa/internal/telemetry"
	"github.com/wrenchbase/manualqa/pkg/version"
)

// Retriever is the retrieval pipeline surface the server exposes.
// IsComparison must use the same lexicon as Retrieve so telemetry labels
// match the path a query actually took.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filter retrieval.AttributeFilter) ([]retrieval.RetrievedChunk, error)
	IsComparison(query string) bool
}

// ChunkCounter reports corpus size for the index_status tool. Satisfied
// by the chunk store.
type ChunkCounter interface {
	CountChunks(ctx context.Context) (int, error)
}

// Server is the MCP server for ManualQA. It bridges AI clients with the
// hybrid retrieval pipeline over manual chunks.
type Server struct {
	mcp       *mcp.Server
	retriever Retriever
	chunks    ChunkCounter
	embedder  embed.Embedder
	logger    *slog.Logger

	// Query telemetry (optional, set via SetMetrics)
	metrics *telemetry.Recorder

	mu sync.RWMutex
}

// RetrieveInput defines the input schema for the retrieve tool.
type RetrieveInput struct {
	Query  string            `json:"query" jsonschema:"the question to retrieve manual context for"`
	Filter map[string]string `json:"filter,omitempty" jsonschema:"metadata equality filter, e.g. make=Honda year=2022"`
}

// RetrieveOutput defines the output schema for the retrieve tool.
type RetrieveOutput struct {
	Results []RetrievedChunkOutput `json:"results" jsonschema:"retrieved manual chunks, best first"`
}

// RetrievedChunkOutput is a single retrieved chunk with its provenance.
type RetrievedChunkOutput struct {
	Text       string            `json:"text" jsonschema:"chunk text"`
	Score      float64           `json:"score" jsonschema:"relevance score, higher is better"`
	SourceFile string            `json:"source_file,omitempty" jsonschema:"manual file the chunk came from"`
	Metadata   map[string]string `json:"metadata,omitempty" jsonschema:"chunk metadata (make, model, year, section)"`
}

// IndexStatusInput defines the input schema for the index_status tool.
type IndexStatusInput struct{}

// IndexStatusOutput defines the output schema for the index_status tool.
type IndexStatusOutput struct {
	ChunkCount int           `json:"chunk_count"`
	Embeddings EmbeddingInfo `json:"embeddings"`
}

// EmbeddingInfo reports the embedding configuration and availability so
// clients can tell whether dense retrieval is live.
type EmbeddingInfo struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Status     string `json:"status"`
}

// NewServer creates a new MCP server around the retrieval pipeline.
// The embedder is used only for capability reporting and may be nil.
func NewServer(retriever Retriever, chunks ChunkCounter, embedder embed.Embedder) (*Server, error) {
	if retriever == nil {
		return nil, errors.New("retriever is required")
	}

	s := &Server{
		retriever: retriever,
		chunks:    chunks,
		embedder:  embedder,
		logger:    slog.Default(),
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "ManualQA",
			Version: version.Version,
		},
		nil, // capabilities are inferred from registered tools
	)

	s.registerTools()

	return s, nil
}

// SetMetrics attaches a query telemetry recorder.
func (s *Server) SetMetrics(m *telemetry.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Info returns the server name and version.
func (s *Server) Info() (name, ver string) {
	return "ManualQA", version.Version
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "retrieve",
		Description: "Retrieve the most relevant service-manual chunks for a vehicle question. Combines semantic and keyword search with reranking; comparison questions (e.g. \"civic vs f-150 oil capacity\") return chunks for each vehicle.",
	}, s.mcpRetrieveHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index_status",
		Description: "Check how many manual chunks are indexed and whether the embedding service is reachable. Use before retrieving to verify the index is populated.",
	}, s.mcpIndexStatusHandler)

	s.logger.Info("MCP tools registered", slog.Int("count", 2))
}

// mcpRetrieveHandler is the MCP SDK handler for the retrieve tool.
func (s *Server) mcpRetrieveHandler(ctx context.Context, _ *mcp.CallToolRequest, input RetrieveInput) (
	*mcp.CallToolResult,
	RetrieveOutput,
	error,
) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, RetrieveOutput{}, NewInvalidParamsError("query parameter is required and must be a non-empty string")
	}

	start := time.Now()
	requestID := generateRequestID()

	s.logger.Info("retrieve started",
		slog.String("request_id", requestID),
		slog.String("query", input.Query))

	var filter retrieval.AttributeFilter
	if len(input.Filter) > 0 {
		filter = make(retrieval.AttributeFilter, len(input.Filter))
		for k, v := range input.Filter {
			filter[k] = v
		}
	}

	results, err := s.retriever.Retrieve(ctx, input.Query, filter)
	duration := time.Since(start)

	s.recordQuery(telemetry.QueryEvent{
		Query:       input.Query,
		Comparison:  s.retriever.IsComparison(input.Query),
		ResultCount: len(results),
		Failed:      err != nil,
		Latency:     duration,
	})

	if err != nil {
		s.logger.Error("retrieve failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return nil, RetrieveOutput{}, MapError(err)
	}

	s.logger.Info("retrieve completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.Int("result_count", len(results)))

	output := RetrieveOutput{Results: make([]RetrievedChunkOutput, 0, len(results))}
	for _, r := range results {
		output.Results = append(output.Results, toChunkOutput(r))
	}
	return nil, output, nil
}

// mcpIndexStatusHandler is the MCP SDK handler for the index_status tool.
func (s *Server) mcpIndexStatusHandler(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult,
	*IndexStatusOutput,
	error,
) {
	output := &IndexStatusOutput{}

	if s.chunks != nil {
		count, err := s.chunks.CountChunks(ctx)
		if err != nil {
			return nil, nil, MapError(err)
		}
		output.ChunkCount = count
	}

	if s.embedder != nil {
		output.Embeddings.Model = s.embedder.ModelName()
		output.Embeddings.Dimensions = s.embedder.Dimensions()
		if s.embedder.Available(ctx) {
			output.Embeddings.Status = "ready"
		} else {
			output.Embeddings.Status = "unavailable"
		}
	} else {
		output.Embeddings.Status = "unconfigured"
	}

	return nil, output, nil
}

func (s *Server) recordQuery(e telemetry.QueryEvent) {
	s.mu.RLock()
	m := s.metrics
	s.mu.RUnlock()
	if m != nil {
		m.Record(e)
	}
}

func toChunkOutput(r retrieval.RetrievedChunk) RetrievedChunkOutput {
	out := RetrievedChunkOutput{
		Text:       r.Text,
		Score:      r.Score,
		SourceFile: r.Metadata[store.MetaSourceFile],
	}
	if len(r.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Serve starts the server on the given transport. Only stdio is
// supported; MCP clients launch the binary and speak JSON-RPC over its
// standard streams.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("starting MCP server", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("MCP server stopped with error", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("MCP server stopped")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
