package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wrenchbase/manualqa/internal/config"
	"github.com/wrenchbase/manualqa/internal/embed"
	"github.com/wrenchbase/manualqa/internal/retrieval"
	"github.com/wrenchbase/manualqa/internal/store"
)

// app bundles the wired pipeline components for one command run.
// Construction order matters: the chunk store is the source of truth,
// the dense index and lexical index hang off it, and the hybrid
// retriever sits on top.
type app struct {
	cfg      *config.Config
	chunks   store.ChunkStore
	dense    store.DenseIndex
	embedder embed.Embedder
	lexical  *retrieval.LexicalIndex
	reranker retrieval.Reranker
	hybrid   *retrieval.HybridRetriever

	// densePath is set for the HNSW backend so indexing runs can persist
	// the index on completion.
	densePath string
}

// openApp wires the retrieval stack from configuration. withRerank is
// false for commands that never retrieve (index, status), so they work
// without rerank credentials.
func openApp(ctx context.Context, cfg *config.Config, withRerank bool) (*app, error) {
	dataDir := cfg.Paths.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	a := &app{cfg: cfg}

	chunks, err := store.NewSQLiteChunkStore(filepath.Join(dataDir, "chunks.db"))
	if err != nil {
		return nil, err
	}
	a.chunks = chunks

	if err := a.openDense(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.openEmbedder(); err != nil {
		a.Close()
		return nil, err
	}

	a.lexical = retrieval.NewLexicalIndex(a.chunks)

	if withRerank {
		reranker, err := retrieval.NewCohereReranker(retrieval.CohereRerankerConfig{
			Endpoint: cfg.Rerank.Endpoint,
			APIKey:   cfg.Rerank.APIKey,
			Model:    cfg.Rerank.Model,
			Timeout:  cfg.Rerank.Timeout,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.reranker = reranker

		a.hybrid = retrieval.NewHybridRetriever(
			retrieval.NewDenseRetriever(a.embedder, a.dense, cfg.Retrieval.TopK),
			retrieval.NewSparseRetriever(a.lexical),
			reranker,
			nil, // default vehicle lexicon
			retrieval.Config{
				TopK:        cfg.Retrieval.TopK,
				RerankN:     cfg.Retrieval.RerankN,
				RRFConstant: cfg.Retrieval.RRFConstant,
			},
		)
	}

	return a, nil
}

func (a *app) openDense(ctx context.Context) error {
	switch a.cfg.Dense.Backend {
	case "pgvector":
		idx, err := store.NewPGVectorIndex(ctx, store.PGVectorConfig{
			URL:        a.cfg.Dense.PostgresURL,
			Table:      a.cfg.Dense.Table,
			Dimensions: a.cfg.Embeddings.Dimensions,
		})
		if err != nil {
			return err
		}
		a.dense = idx
		return nil

	default: // hnsw
		idx, err := store.NewHNSWIndex(store.DefaultHNSWConfig(a.cfg.Embeddings.Dimensions))
		if err != nil {
			return err
		}
		a.densePath = filepath.Join(a.cfg.Paths.DataDir, "dense.idx")
		if _, err := os.Stat(a.densePath + ".meta"); err == nil {
			if err := idx.Load(a.densePath); err != nil {
				_ = idx.Close()
				return fmt.Errorf("load dense index: %w", err)
			}
		}
		a.dense = idx
		return nil
	}
}

func (a *app) openEmbedder() error {
	embedder, err := embed.NewOpenAIEmbedder(embed.OpenAIConfig{
		Endpoint:   a.cfg.Embeddings.Endpoint,
		APIKey:     a.cfg.Embeddings.APIKey,
		Model:      a.cfg.Embeddings.Model,
		Dimensions: a.cfg.Embeddings.Dimensions,
		BatchSize:  a.cfg.Embeddings.BatchSize,
		Timeout:    a.cfg.Embeddings.Timeout,
	})
	if err != nil {
		return err
	}

	if a.cfg.Embeddings.CacheSize > 0 {
		a.embedder = embed.NewCachedEmbedder(embedder, a.cfg.Embeddings.CacheSize)
	} else {
		a.embedder = embedder
	}
	return nil
}

// saveDense persists the HNSW index after an indexing run. The pgvector
// backend persists on write and needs nothing here.
func (a *app) saveDense() error {
	if a.densePath == "" {
		return nil
	}
	idx, ok := a.dense.(*store.HNSWIndex)
	if !ok {
		return nil
	}
	return idx.Save(a.densePath)
}

// Close releases everything openApp acquired, logging rather than
// failing on individual close errors.
func (a *app) Close() {
	if a.reranker != nil {
		if err := a.reranker.Close(); err != nil {
			slog.Warn("close reranker", "error", err)
		}
	}
	if a.embedder != nil {
		if err := a.embedder.Close(); err != nil {
			slog.Warn("close embedder", "error", err)
		}
	}
	if a.lexical != nil {
		if err := a.lexical.Close(); err != nil {
			slog.Warn("close lexical index", "error", err)
		}
	}
	if a.dense != nil {
		if err := a.dense.Close(); err != nil {
			slog.Warn("close dense index", "error", err)
		}
	}
	if a.chunks != nil {
		if err := a.chunks.Close(); err != nil {
			slog.Warn("close chunk store", "error", err)
		}
	}
}
