package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
)

// Merger combines ranked lists with Reciprocal Rank Fusion. Rank-based
// fusion is scale-invariant between cosine scores and normalized BM25
// scores, so no cross-list calibration is needed.
type Merger struct {
	// K is the RRF smoothing constant.
	K int

	logger *slog.Logger
}

// NewMerger creates a merger with the given smoothing constant.
// k <= 0 defaults to 60.
func NewMerger(k int) *Merger {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &Merger{
		K:      k,
		logger: slog.Default().With("component", "fusion"),
	}
}

// fusedEntry tracks one deduplicated chunk during fusion.
type fusedEntry struct {
	chunk RetrievedChunk // instance from the first list that contained the key
	score float64
	order int // first-encounter sequence, preserves tie order
}

// Merge fuses any number of ranked lists into one deduplicated list
// sorted by descending fused score.
//
// Each chunk contributes 1/(K+rank) per list it appears in (rank is its
// 1-indexed position); contributions accumulate across lists. The dedup
// key is the chunk_id metadata; chunks without one fall back to a content
// hash, which is weaker (hash collisions, whitespace variants) and is
// logged as degraded dedup. The first list containing a key supplies the
// kept chunk instance. Ties keep first-encounter order. Zero lists or
// all-empty lists yield an empty pool, not an error.
func (m *Merger) Merge(lists ...[]RetrievedChunk) []RetrievedChunk {
	entries := make(map[string]*fusedEntry)
	order := make([]string, 0)

	for _, list := range lists {
		for rank, chunk := range list {
			key := m.dedupKey(&chunk)
			e, ok := entries[key]
			if !ok {
				e = &fusedEntry{chunk: chunk, order: len(order)}
				entries[key] = e
				order = append(order, key)
			}
			e.score += 1.0 / float64(m.K+rank+1)
		}
	}

	if len(entries) == 0 {
		return []RetrievedChunk{}
	}

	fused := make([]*fusedEntry, 0, len(entries))
	for _, key := range order {
		fused = append(fused, entries[key])
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].score != fused[j].score {
			return fused[i].score > fused[j].score
		}
		return fused[i].order < fused[j].order
	})

	results := make([]RetrievedChunk, len(fused))
	for i, e := range fused {
		results[i] = e.chunk
		results[i].Score = e.score
	}
	return results
}

// dedupKey returns the chunk's identity key for fusion: the chunk_id
// metadata when present, else a SHA-256 hash of the text. The fallback
// misbehaves on hash collisions and counts whitespace variants of the
// same content as distinct, so its use is a diagnostic condition.
func (m *Merger) dedupKey(c *RetrievedChunk) string {
	if id := c.ChunkID(); id != "" {
		return id
	}
	m.logger.Warn("chunk missing chunk_id, deduplicating by content hash",
		"source_file", c.Metadata["source_file"])
	sum := sha256.Sum256([]byte(c.Text))
	return "sha256:" + hex.EncodeToString(sum[:])
}
