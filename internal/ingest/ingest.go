// Package ingest loads pre-chunked manual records (JSONL) into the dense
// index and chunk store. Parsing and chunking of source documents happen
// upstream; ingest consumes their output.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wrenchbase/manualqa/internal/embed"
	qaerrors "github.com/wrenchbase/manualqa/internal/errors"
	"github.com/wrenchbase/manualqa/internal/store"
)

// DefaultUpsertBatch is the number of chunks embedded and upserted per
// round trip.
const DefaultUpsertBatch = 100

// Record is one pre-chunked JSONL entry.
type Record struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

// LexicalInvalidator is notified after the corpus changes so the sparse
// side rebuilds on its next query.
type LexicalInvalidator interface {
	Invalidate()
}

// Indexer loads chunk records into the dense index and chunk store.
// Re-indexing a source file is incremental: its previous chunks are
// removed before the replacements are written.
type Indexer struct {
	embedder embed.Embedder
	dense    store.DenseIndex
	chunks   store.ChunkStore
	lexical  LexicalInvalidator
	logger   *slog.Logger

	// BatchSize bounds chunks per embed+upsert round trip.
	BatchSize int
}

// NewIndexer wires the ingest pipeline. lexical may be nil when no sparse
// index is live in this process.
func NewIndexer(embedder embed.Embedder, dense store.DenseIndex, chunks store.ChunkStore, lexical LexicalInvalidator) *Indexer {
	return &Indexer{
		embedder:  embedder,
		dense:     dense,
		chunks:    chunks,
		lexical:   lexical,
		logger:    slog.Default().With("component", "ingest"),
		BatchSize: DefaultUpsertBatch,
	}
}

// IndexFile ingests one JSONL chunk file. Records missing a chunk_id get
// a generated one, so downstream fusion never falls back to content-hash
// deduplication for well-formed input.
func (ix *Indexer) IndexFile(ctx context.Context, path string) (int, error) {
	start := time.Now()

	records, err := readRecords(path)
	if err != nil {
		return 0, err
	}

	sourceFile := filepath.Base(path)
	chunks := make([]*store.Chunk, 0, len(records))
	for i, rec := range records {
		c, err := recordToChunk(rec, sourceFile)
		if err != nil {
			return 0, qaerrors.Wrap(qaerrors.ErrCodeInvalidRecord,
				fmt.Errorf("%s line %d: %w", sourceFile, i+1, err))
		}
		chunks = append(chunks, c)
	}

	// Incremental re-index: drop the source's previous chunks first.
	if err := ix.dense.DeleteBySource(ctx, sourceFile); err != nil {
		return 0, qaerrors.Wrap(qaerrors.ErrCodeIngestFailed, err)
	}
	if err := ix.chunks.DeleteBySource(ctx, sourceFile); err != nil {
		return 0, qaerrors.Wrap(qaerrors.ErrCodeIngestFailed, err)
	}

	for from := 0; from < len(chunks); from += ix.BatchSize {
		to := from + ix.BatchSize
		if to > len(chunks) {
			to = len(chunks)
		}
		if err := ix.upsertBatch(ctx, chunks[from:to]); err != nil {
			return 0, err
		}
	}

	if err := ix.recordIndexState(ctx); err != nil {
		return 0, err
	}
	if ix.lexical != nil {
		ix.lexical.Invalidate()
	}

	ix.logger.Info("indexed chunk file",
		"source", sourceFile,
		"chunks", len(chunks),
		"duration", time.Since(start))
	return len(chunks), nil
}

// IndexDir ingests every .jsonl file under dir. Returns the total chunk
// count.
func (ix *Indexer) IndexDir(ctx context.Context, dir string) (int, error) {
	total := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsChunkFile(path) {
			return nil
		}
		n, err := ix.IndexFile(ctx, path)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return total, qaerrors.Wrap(qaerrors.ErrCodeIngestFailed, err)
	}
	return total, nil
}

func (ix *Indexer) upsertBatch(ctx context.Context, batch []*store.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	if err := ix.dense.Upsert(ctx, batch, vectors); err != nil {
		return qaerrors.Wrap(qaerrors.ErrCodeIngestFailed, err)
	}
	if err := ix.chunks.SaveChunks(ctx, batch); err != nil {
		return qaerrors.Wrap(qaerrors.ErrCodeIngestFailed, err)
	}
	return nil
}

// recordIndexState pins the embedding model and dimension used to build
// the index, so a query-time mismatch is detectable.
func (ix *Indexer) recordIndexState(ctx context.Context) error {
	if err := ix.chunks.SetState(ctx, store.StateKeyIndexModel, ix.embedder.ModelName()); err != nil {
		return qaerrors.Wrap(qaerrors.ErrCodeIngestFailed, err)
	}
	dims := fmt.Sprintf("%d", ix.embedder.Dimensions())
	if err := ix.chunks.SetState(ctx, store.StateKeyIndexDimension, dims); err != nil {
		return qaerrors.Wrap(qaerrors.ErrCodeIngestFailed, err)
	}
	return nil
}

// IsChunkFile reports whether path looks like a chunk record file.
func IsChunkFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".jsonl")
}

// recordToChunk validates a record and assigns identity metadata.
func recordToChunk(rec Record, sourceFile string) (*store.Chunk, error) {
	if strings.TrimSpace(rec.Text) == "" {
		return nil, fmt.Errorf("record has empty text")
	}

	meta := make(map[string]string, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		meta[k] = v
	}

	id := meta[store.MetaChunkID]
	if id == "" {
		id = uuid.NewString()
		meta[store.MetaChunkID] = id
	}
	// source_file always reflects the ingested file so incremental
	// re-index deletes the previous chunks; a record-supplied value
	// would orphan them.
	meta[store.MetaSourceFile] = sourceFile

	return &store.Chunk{
		ID:         id,
		Text:       rec.Text,
		SourceFile: sourceFile,
		Metadata:   meta,
	}, nil
}

// readRecords parses a JSONL file, one record per non-blank line.
func readRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, qaerrors.Wrap(qaerrors.ErrCodeIngestFailed, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, qaerrors.Wrap(qaerrors.ErrCodeInvalidRecord,
				fmt.Errorf("%s line %d: %w", filepath.Base(path), line, err))
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, qaerrors.Wrap(qaerrors.ErrCodeIngestFailed, err)
	}
	return records, nil
}
