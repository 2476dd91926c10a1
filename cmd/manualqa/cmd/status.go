package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wrenchbase/manualqa/internal/store"
	"github.com/wrenchbase/manualqa/internal/ui"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index statistics",
		Long: `Show the state of the local manual index: chunk and vector counts,
the embedding model the index was built with, and whether the embedding
service is reachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd)
		},
	}
}

func runStatus(ctx context.Context, cmd *cobra.Command) error {
	out := ui.NewRenderer(cmd.OutOrStdout())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	chunkCount, err := a.chunks.CountChunks(ctx)
	if err != nil {
		return err
	}
	vectorCount, err := a.dense.Count(ctx)
	if err != nil {
		return err
	}

	out.Header("Index")
	out.KV("Data dir", cfg.Paths.DataDir)
	out.KV("Chunks", fmt.Sprintf("%d", chunkCount))
	out.KV("Vectors", fmt.Sprintf("%d", vectorCount))
	out.KV("Dense backend", cfg.Dense.Backend)

	if model, err := a.chunks.GetState(ctx, store.StateKeyIndexModel); err == nil && model != "" {
		out.KV("Indexed with model", model)
	}
	if dims, err := a.chunks.GetState(ctx, store.StateKeyIndexDimension); err == nil && dims != "" {
		out.KV("Indexed dimensions", dims)
	}

	out.Newline()
	out.Header("Embeddings")
	out.KV("Endpoint", cfg.Embeddings.Endpoint)
	out.KV("Model", cfg.Embeddings.Model)
	if a.embedder.Available(ctx) {
		out.KV("Status", "ready")
	} else {
		out.KV("Status", "unavailable")
	}

	if chunkCount == 0 {
		out.Newline()
		out.Warning("index is empty; run 'manualqa index <path>' first")
	}
	return nil
}
