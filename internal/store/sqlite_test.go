package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunk(id, text, source string, meta map[string]string) *Chunk {
	if meta == nil {
		meta = map[string]string{}
	}
	meta[MetaChunkID] = id
	meta[MetaSourceFile] = source
	return &Chunk{ID: id, Text: text, SourceFile: source, Metadata: meta}
}

func newTestStore(t *testing.T) *SQLiteChunkStore {
	t.Helper()
	s, err := NewSQLiteChunkStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteChunkStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	chunks := []*Chunk{
		testChunk("c1", "Engine oil capacity: 3.7 quarts with filter.", "civic_2022.pdf",
			map[string]string{"make": "Honda", "model": "Civic", "year": "2022"}),
		testChunk("c2", "Use SAE 0W-20 full synthetic oil.", "civic_2022.pdf", nil),
	}
	require.NoError(t, s.SaveChunks(ctx, chunks))

	got, err := s.GetChunks(ctx, []string{"c2", "c1", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Input order preserved, missing IDs skipped.
	assert.Equal(t, "c2", got[0].ID)
	assert.Equal(t, "c1", got[1].ID)
	assert.Equal(t, "Honda", got[1].Metadata["make"])
}

func TestSQLiteChunkStore_SaveIsUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveChunks(ctx, []*Chunk{testChunk("c1", "old text", "a.pdf", nil)}))
	require.NoError(t, s.SaveChunks(ctx, []*Chunk{testChunk("c1", "new text", "a.pdf", nil)}))

	got, err := s.GetChunks(ctx, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new text", got[0].Text)

	n, err := s.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteChunkStore_AllChunksEnumeratesCorpus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	all, err := s.AllChunks(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	require.NoError(t, s.SaveChunks(ctx, []*Chunk{
		testChunk("c1", "brake fluid DOT 3", "civic_2022.pdf", nil),
		testChunk("c2", "coolant type 2", "camry_2023.pdf", nil),
		testChunk("c3", "tire pressure 32 psi", "civic_2022.pdf", nil),
	}))

	all, err = s.AllChunks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLiteChunkStore_DeleteBySource(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveChunks(ctx, []*Chunk{
		testChunk("c1", "a", "civic_2022.pdf", nil),
		testChunk("c2", "b", "camry_2023.pdf", nil),
		testChunk("c3", "c", "civic_2022.pdf", nil),
	}))

	require.NoError(t, s.DeleteBySource(ctx, "civic_2022.pdf"))

	all, err := s.AllChunks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "c2", all[0].ID)
}

func TestSQLiteChunkStore_State(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v, err := s.GetState(ctx, StateKeyIndexDimension)
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, s.SetState(ctx, StateKeyIndexDimension, "3072"))
	require.NoError(t, s.SetState(ctx, StateKeyIndexModel, "text-embedding-3-large"))
	require.NoError(t, s.SetState(ctx, StateKeyIndexDimension, "3072"))

	v, err = s.GetState(ctx, StateKeyIndexDimension)
	require.NoError(t, err)
	assert.Equal(t, "3072", v)
}

func TestSQLiteChunkStore_PersistsToDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunks.db")

	s, err := NewSQLiteChunkStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveChunks(ctx, []*Chunk{testChunk("c1", "persisted", "a.pdf", nil)}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteChunkStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetChunks(ctx, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Text)
}

func TestSQLiteChunkStore_ClosedErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.AllChunks(ctx)
	assert.Error(t, err)
	assert.Error(t, s.SaveChunks(ctx, []*Chunk{testChunk("c1", "x", "a.pdf", nil)}))
}
