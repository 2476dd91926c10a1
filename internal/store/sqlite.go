package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteChunkStore persists canonical chunk text and metadata in SQLite.
// It is the source of truth for the corpus: the lexical index is built
// from its full enumeration and deletes elsewhere may leave harmless
// orphans, but this store must stay consistent.
type SQLiteChunkStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// NewSQLiteChunkStore opens (or creates) the chunk store at path.
// An empty path creates an in-memory store for testing.
func NewSQLiteChunkStore(path string) (*SQLiteChunkStore, error) {
	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}

	// Single writer prevents lock contention with modernc.org/sqlite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL must be set via PRAGMA; DSN params are ignored by this driver.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteChunkStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteChunkStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		source_file TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS chunks_source_idx ON chunks (source_file);

	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init chunk store schema: %w", err)
	}
	return nil
}

// SaveChunks inserts or replaces chunks in a single transaction.
func (s *SQLiteChunkStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("chunk store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks (id, content, source_file, metadata)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", c.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Text, c.SourceFile, meta); err != nil {
			return fmt.Errorf("save chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// GetChunks retrieves chunks by ID, preserving input order.
// Missing IDs are skipped, not errors.
func (s *SQLiteChunkStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return []*Chunk{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("chunk store is closed")
	}

	byID := make(map[string]*Chunk, len(ids))
	stmt, err := s.db.PrepareContext(ctx, `
		SELECT id, content, source_file, metadata FROM chunks WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("prepare get: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		c, err := scanChunk(stmt.QueryRowContext(ctx, id))
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		byID[id] = c
	}

	results := make([]*Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			results = append(results, c)
		}
	}
	return results, nil
}

// AllChunks enumerates the entire corpus. This is the bulk read the
// lexical index build consumes.
func (s *SQLiteChunkStore) AllChunks(ctx context.Context) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("chunk store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, source_file, metadata FROM chunks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("enumerate chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var (
			c        Chunk
			metaJSON []byte
		)
		if err := rows.Scan(&c.ID, &c.Text, &c.SourceFile, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", c.ID, err)
		}
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	if chunks == nil {
		chunks = []*Chunk{}
	}
	return chunks, nil
}

// DeleteBySource removes all chunks originating from sourceFile.
func (s *SQLiteChunkStore) DeleteBySource(ctx context.Context, sourceFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("chunk store is closed")
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE source_file = ?`, sourceFile); err != nil {
		return fmt.Errorf("delete by source: %w", err)
	}
	return nil
}

// CountChunks returns the corpus size.
func (s *SQLiteChunkStore) CountChunks(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("chunk store is closed")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// GetState reads a runtime state value. Missing keys return "".
func (s *SQLiteChunkStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", fmt.Errorf("chunk store is closed")
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

// SetState writes a runtime state value.
func (s *SQLiteChunkStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("chunk store is closed")
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO state (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteChunkStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Verify interface implementation at compile time.
var _ ChunkStore = (*SQLiteChunkStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var (
		c        Chunk
		metaJSON []byte
	)
	if err := row.Scan(&c.ID, &c.Text, &c.SourceFile, &metaJSON); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metaJSON, &c.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata for %s: %w", c.ID, err)
	}
	return &c, nil
}
