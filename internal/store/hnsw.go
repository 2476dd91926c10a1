package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex implements DenseIndex with the pure Go coder/hnsw graph.
// It is the local, zero-infrastructure backend: vectors live in process
// memory and persist to a pair of files (graph + metadata).
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig

	// ID mapping (string <-> uint64 graph key)
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	// Chunk payloads kept alongside vectors so Query can return text and
	// metadata, and so filters can be evaluated.
	chunks map[string]*Chunk

	closed bool
}

// hnswMeta is the gob-persisted sidecar for ID mappings and payloads.
type hnswMeta struct {
	IDMap   map[string]uint64
	Chunks  map[string]*Chunk
	NextKey uint64
	Config  HNSWConfig
}

// NewHNSWIndex creates a new HNSW-based dense index with cosine distance.
func NewHNSWIndex(cfg HNSWConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("hnsw: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &HNSWIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		chunks: make(map[string]*Chunk),
	}, nil
}

// Upsert inserts or replaces chunks with their vectors.
func (s *HNSWIndex) Upsert(ctx context.Context, chunks []*Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("hnsw: chunks and vectors length mismatch: %d vs %d", len(chunks), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("hnsw: index is closed")
	}

	for _, v := range vectors {
		if len(v) != s.config.Dimensions {
			return ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(v)}
		}
	}

	for i, c := range chunks {
		// Lazy deletion on replace: orphan the old graph node rather than
		// removing it, which coder/hnsw handles poorly for the last node.
		if existingKey, exists := s.idMap[c.ID]; exists {
			delete(s.keyMap, existingKey)
			delete(s.idMap, c.ID)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[c.ID] = key
		s.keyMap[key] = c.ID
		s.chunks[c.ID] = c
	}

	return nil
}

// Query returns the topK most similar chunks matching the filter.
// Filtering is the HNSW backend's native capability: the graph is searched
// with an over-fetch factor and non-matching hits are dropped.
func (s *HNSWIndex) Query(ctx context.Context, vector []float32, topK int, filter *FilterExpr) ([]*Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("hnsw: index is closed")
	}
	if len(vector) != s.config.Dimensions {
		return nil, ErrDimensionMismatch{Expected: s.config.Dimensions, Got: len(vector)}
	}
	if s.graph.Len() == 0 || topK <= 0 {
		return []*Match{}, nil
	}

	query := make([]float32, len(vector))
	copy(query, vector)
	normalizeInPlace(query)

	// Over-fetch to leave headroom for filtered-out and orphaned nodes,
	// doubling until topK live matches are found or the whole graph has
	// been searched. A selective filter can push every match past any
	// fixed window.
	fetch := topK * 4
	if filter == nil {
		fetch = topK * 2
	}

	for {
		exhausted := false
		if max := s.graph.Len(); fetch >= max {
			fetch = max
			exhausted = true
		}

		nodes := s.graph.Search(query, fetch)

		results := make([]*Match, 0, topK)
		for _, node := range nodes {
			id, ok := s.keyMap[node.Key]
			if !ok {
				continue // lazy-deleted orphan
			}
			chunk := s.chunks[id]
			if chunk == nil || !filter.Matches(chunk.Metadata) {
				continue
			}

			distance := s.graph.Distance(query, node.Value)
			results = append(results, &Match{
				ID:       id,
				Score:    float64(1.0 - distance/2.0), // cosine distance 0-2 -> similarity 0-1
				Text:     chunk.Text,
				Metadata: chunk.Metadata,
			})
			if len(results) >= topK {
				break
			}
		}

		if len(results) >= topK || exhausted {
			return results, nil
		}
		fetch *= 2
	}
}

// DeleteBySource removes all chunks originating from sourceFile.
// Uses lazy deletion: graph nodes are orphaned, mappings removed.
func (s *HNSWIndex) DeleteBySource(ctx context.Context, sourceFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("hnsw: index is closed")
	}

	for id, c := range s.chunks {
		if c.SourceFile != sourceFile {
			continue
		}
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
		}
		delete(s.chunks, id)
	}

	return nil
}

// Count returns the number of live vectors.
func (s *HNSWIndex) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("hnsw: index is closed")
	}
	return len(s.idMap), nil
}

// Save persists the index to disk atomically (temp file + rename).
// The graph goes to path, the ID/payload sidecar to path+".meta".
func (s *HNSWIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("hnsw: index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}

	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return s.saveMeta(path + ".meta")
}

func (s *HNSWIndex) saveMeta(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create meta file: %w", err)
	}

	meta := hnswMeta{
		IDMap:   s.idMap,
		Chunks:  s.chunks,
		NextKey: s.nextKey,
		Config:  s.config,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode meta: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close meta file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// Load restores the index from disk.
func (s *HNSWIndex) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("hnsw: index is closed")
	}

	metaFile, err := os.Open(path + ".meta")
	if err != nil {
		return fmt.Errorf("open meta file: %w", err)
	}
	defer metaFile.Close()

	var meta hnswMeta
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return fmt.Errorf("decode meta: %w", err)
	}

	s.idMap = meta.IDMap
	s.chunks = meta.Chunks
	s.nextKey = meta.NextKey
	s.config = meta.Config
	s.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		s.keyMap[key] = id
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	return nil
}

// Close releases resources.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// Verify interface implementation at compile time.
var _ DenseIndex = (*HNSWIndex)(nil)

// normalizeInPlace normalizes a vector to unit length in place.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
