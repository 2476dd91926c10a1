package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wrenchbase/manualqa/internal/ingest"
	"github.com/wrenchbase/manualqa/internal/ui"
)

func newIndexCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "index <path>",
		Short: "Ingest manual chunks from a JSONL file or directory",
		Long: `Ingest pre-chunked manual records (JSONL, one {"text", "metadata"}
object per line) into the chunk store and dense index. Re-indexing a
file replaces its previous chunks.

With --watch, keeps running and re-ingests chunk files as they change.

Examples:
  manualqa index manuals/honda_civic_2022.jsonl
  manualqa index manuals/ --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), cmd, args[0], watch)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Watch the directory and re-ingest changed files")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, watch bool) error {
	out := ui.NewRenderer(cmd.OutOrStdout())

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if watch && !info.IsDir() {
		return fmt.Errorf("--watch requires a directory, got file %s", path)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := openApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	// One ingest process per data dir. A held lock means another index
	// or watch run is in flight.
	lock := ingest.NewDirLock(cfg.Paths.DataDir)
	held, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire ingest lock: %w", err)
	}
	if !held {
		return fmt.Errorf("another ingest is running (lock held at %s)", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	indexer := ingest.NewIndexer(a.embedder, a.dense, a.chunks, a.lexical)

	start := time.Now()
	indexed, err := ingestPath(ctx, indexer, path, info.IsDir())
	if err != nil {
		return err
	}

	if err := a.saveDense(); err != nil {
		return fmt.Errorf("save dense index: %w", err)
	}

	out.KV("Indexed chunks", fmt.Sprintf("%d", indexed))
	out.KV("Duration", time.Since(start).Round(time.Millisecond).String())

	if !watch {
		return nil
	}

	// Watch mode: keep re-ingesting until interrupted, persisting the
	// dense index after each change.
	watchCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out.Newline()
	out.KV("Watching", path)

	watcher := ingest.NewWatcher(indexer, path)
	if err := watcher.Run(watchCtx); err != nil && watchCtx.Err() == nil {
		return err
	}

	if err := a.saveDense(); err != nil {
		slog.Error("save dense index after watch", "error", err)
		return err
	}
	return nil
}

// ingestPath runs one ingest pass and reports how many chunks this run
// indexed (not the corpus total).
func ingestPath(ctx context.Context, indexer *ingest.Indexer, path string, isDir bool) (int, error) {
	if isDir {
		return indexer.IndexDir(ctx, path)
	}
	return indexer.IndexFile(ctx, path)
}
