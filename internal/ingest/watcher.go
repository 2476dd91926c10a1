package ingest

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceWindow coalesces bursts of writes to the same file
// (editors and download tools fire several events per save).
const DefaultDebounceWindow = 500 * time.Millisecond

// Watcher re-ingests chunk files as they change on disk. Each settled
// write or create of a .jsonl file triggers IndexFile, which also
// invalidates the lexical index.
type Watcher struct {
	indexer  *Indexer
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher watches dir for chunk file changes.
func NewWatcher(indexer *Indexer, dir string) *Watcher {
	return &Watcher{
		indexer:  indexer,
		dir:      dir,
		debounce: DefaultDebounceWindow,
		logger:   slog.Default().With("component", "watcher"),
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches until the context is cancelled. Ingest failures for a
// single file are logged and do not stop the watch loop.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("watching for chunk file changes", "dir", w.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if !IsChunkFile(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// schedule (re)starts the debounce timer for path; the ingest runs once
// the file has been quiet for the debounce window.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		n, err := w.indexer.IndexFile(ctx, path)
		if err != nil {
			w.logger.Error("re-ingest failed",
				"file", filepath.Base(path),
				"error", err)
			return
		}
		w.logger.Info("re-ingested chunk file",
			"file", filepath.Base(path),
			"chunks", n)
	})
}
