package retrieval

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wrenchbase/manualqa/internal/store"
)

// chunk builds a test chunk with chunk_id and source_file metadata set.
func chunk(id, text, source string, extra map[string]string) *store.Chunk {
	meta := map[string]string{
		store.MetaChunkID:    id,
		store.MetaSourceFile: source,
	}
	for k, v := range extra {
		meta[k] = v
	}
	return &store.Chunk{ID: id, Text: text, SourceFile: source, Metadata: meta}
}

// retrieved converts a chunk to a pipeline RetrievedChunk at a score.
func retrieved(c *store.Chunk, score float64) RetrievedChunk {
	return RetrievedChunk{Text: c.Text, Score: score, Metadata: c.Metadata}
}

// memChunkStore is an in-memory ChunkStore for lexical build tests.
type memChunkStore struct {
	mu        sync.Mutex
	chunks    []*store.Chunk
	bulkReads atomic.Int64
}

func newMemChunkStore(chunks ...*store.Chunk) *memChunkStore {
	return &memChunkStore{chunks: chunks}
}

func (m *memChunkStore) SaveChunks(ctx context.Context, chunks []*store.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, chunks...)
	return nil
}

func (m *memChunkStore) GetChunks(ctx context.Context, ids []string) ([]*store.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := make(map[string]*store.Chunk, len(m.chunks))
	for _, c := range m.chunks {
		byID[c.ID] = c
	}
	var out []*store.Chunk
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memChunkStore) AllChunks(ctx context.Context) ([]*store.Chunk, error) {
	m.bulkReads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Chunk, len(m.chunks))
	copy(out, m.chunks)
	return out, nil
}

func (m *memChunkStore) DeleteBySource(ctx context.Context, sourceFile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if c.SourceFile != sourceFile {
			kept = append(kept, c)
		}
	}
	m.chunks = kept
	return nil
}

func (m *memChunkStore) CountChunks(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks), nil
}

func (m *memChunkStore) GetState(ctx context.Context, key string) (string, error) { return "", nil }
func (m *memChunkStore) SetState(ctx context.Context, key, value string) error    { return nil }
func (m *memChunkStore) Close() error                                             { return nil }

var _ store.ChunkStore = (*memChunkStore)(nil)

// scriptedDense plays both the embedder and the dense index: Embed
// records the query text, Query serves the scripted matches for that
// query with the filter applied. Embed and Query run back to back in the
// dense retriever's goroutine, so the recorded query is always current.
type scriptedDense struct {
	mu        sync.Mutex
	byQuery   map[string][]*store.Match
	lastQuery string
	embedErr  error
	queryErr  error
}

func newScriptedDense() *scriptedDense {
	return &scriptedDense{byQuery: make(map[string][]*store.Match)}
}

func (s *scriptedDense) script(query string, matches ...*store.Match) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byQuery[query] = matches
}

func (s *scriptedDense) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	s.lastQuery = text
	return []float32{1, 0, 0, 0}, nil
}

func (s *scriptedDense) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := s.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *scriptedDense) Dimensions() int                    { return 4 }
func (s *scriptedDense) ModelName() string                  { return "scripted" }
func (s *scriptedDense) Available(ctx context.Context) bool { return true }
func (s *scriptedDense) Close() error                       { return nil }

func (s *scriptedDense) Upsert(ctx context.Context, chunks []*store.Chunk, vectors [][]float32) error {
	return nil
}

func (s *scriptedDense) Query(ctx context.Context, vector []float32, topK int, filter *store.FilterExpr) ([]*store.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []*store.Match
	for _, m := range s.byQuery[s.lastQuery] {
		if !filter.Matches(m.Metadata) {
			continue
		}
		out = append(out, m)
		if len(out) >= topK {
			break
		}
	}
	return out, nil
}

func (s *scriptedDense) DeleteBySource(ctx context.Context, sourceFile string) error { return nil }
func (s *scriptedDense) Count(ctx context.Context) (int, error)                      { return 0, nil }

var _ store.DenseIndex = (*scriptedDense)(nil)

// match builds a dense search hit from a chunk.
func match(c *store.Chunk, score float64) *store.Match {
	return &store.Match{ID: c.ID, Score: score, Text: c.Text, Metadata: c.Metadata}
}

// fakeReranker counts calls and replays a canned response.
type fakeReranker struct {
	mu      sync.Mutex
	calls   int
	results []RetrievedChunk
	err     error
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, candidates []RetrievedChunk, topN int) ([]RetrievedChunk, error) {
	if len(candidates) == 0 {
		return []RetrievedChunk{}, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.results != nil {
		return f.results, nil
	}
	out := candidates
	if topN > 0 && topN < len(out) {
		out = out[:topN]
	}
	return out, nil
}

func (f *fakeReranker) Available(ctx context.Context) bool { return true }
func (f *fakeReranker) Close() error                       { return nil }

func (f *fakeReranker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var _ Reranker = (*fakeReranker)(nil)
