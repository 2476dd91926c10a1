package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/pgvector/pgvector-go"
)

// PGVectorIndex implements DenseIndex on Postgres with the pgvector
// extension. It is the shared-infrastructure backend: several readers can
// query the same corpus, and cosine search plus metadata filtering both
// run server-side.
type PGVectorIndex struct {
	db    *sql.DB
	table string
	dims  int
}

// PGVectorConfig configures the pgvector backend.
type PGVectorConfig struct {
	// URL is the Postgres connection string.
	URL string
	// Table is the chunk table name (default: manual_chunks).
	Table string
	// Dimensions is the embedding dimension.
	Dimensions int
}

// NewPGVectorIndex connects to Postgres and ensures the chunk table and
// vector extension exist.
func NewPGVectorIndex(ctx context.Context, cfg PGVectorConfig) (*PGVectorIndex, error) {
	if cfg.Table == "" {
		cfg.Table = "manual_chunks"
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("pgvector: dimensions must be positive, got %d", cfg.Dimensions)
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pgvector: open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgvector: ping: %w", err)
	}

	idx := &PGVectorIndex{db: db, table: cfg.Table, dims: cfg.Dimensions}
	if err := idx.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (p *PGVectorIndex) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			source_file TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL
		)`, p.table, p.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (source_file)`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("pgvector: init schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts or replaces chunks with their vectors.
func (p *PGVectorIndex) Upsert(ctx context.Context, chunks []*Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("pgvector: chunks and vectors length mismatch: %d vs %d", len(chunks), len(vectors))
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgvector: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, content, source_file, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			source_file = EXCLUDED.source_file,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding`, p.table))
	if err != nil {
		return fmt.Errorf("pgvector: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i, c := range chunks {
		if len(vectors[i]) != p.dims {
			return ErrDimensionMismatch{Expected: p.dims, Got: len(vectors[i])}
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("pgvector: marshal metadata for %s: %w", c.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Text, c.SourceFile, meta, pgvector.NewVector(vectors[i])); err != nil {
			return fmt.Errorf("pgvector: upsert %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// Query runs a filtered cosine search. The FilterExpr compiles to
// parameterized equality clauses on the JSONB metadata, conjoined with AND.
func (p *PGVectorIndex) Query(ctx context.Context, vector []float32, topK int, filter *FilterExpr) ([]*Match, error) {
	if len(vector) != p.dims {
		return nil, ErrDimensionMismatch{Expected: p.dims, Got: len(vector)}
	}
	if topK <= 0 {
		return []*Match{}, nil
	}

	where, args := buildFilterSQL(filter, 2)
	query := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT %d`, p.table, where, topK)

	queryArgs := append([]any{pgvector.NewVector(vector)}, args...)
	rows, err := p.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: query: %w", err)
	}
	defer rows.Close()

	var matches []*Match
	for rows.Next() {
		var (
			m        Match
			metaJSON []byte
		)
		if err := rows.Scan(&m.ID, &m.Text, &metaJSON, &m.Score); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			return nil, fmt.Errorf("pgvector: unmarshal metadata for %s: %w", m.ID, err)
		}
		matches = append(matches, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: rows: %w", err)
	}

	if matches == nil {
		matches = []*Match{}
	}
	return matches, nil
}

// buildFilterSQL compiles a FilterExpr into a WHERE fragment with
// positional parameters starting at firstArg. A nil or empty filter
// produces no WHERE clause at all.
func buildFilterSQL(filter *FilterExpr, firstArg int) (string, []any) {
	if filter == nil || len(filter.Clauses) == 0 {
		return "", nil
	}

	conds := make([]string, 0, len(filter.Clauses))
	args := make([]any, 0, len(filter.Clauses))
	for _, c := range filter.Clauses {
		if !isSafeMetaKey(c.Key) {
			continue // keys come from a closed vocabulary; drop anything else
		}
		conds = append(conds, fmt.Sprintf("metadata->>'%s' = $%d", c.Key, firstArg+len(args)))
		args = append(args, c.Value)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// isSafeMetaKey restricts metadata keys embedded in SQL to identifier runes.
func isSafeMetaKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// DeleteBySource removes all chunks originating from sourceFile.
func (p *PGVectorIndex) DeleteBySource(ctx context.Context, sourceFile string) error {
	_, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE source_file = $1`, p.table), sourceFile)
	if err != nil {
		return fmt.Errorf("pgvector: delete by source: %w", err)
	}
	return nil
}

// Count returns the number of indexed vectors.
func (p *PGVectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgvector: count: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (p *PGVectorIndex) Close() error {
	return p.db.Close()
}

// Verify interface implementation at compile time.
var _ DenseIndex = (*PGVectorIndex)(nil)
