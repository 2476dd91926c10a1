package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"golang.org/x/sync/singleflight"

	"github.com/wrenchbase/manualqa/internal/store"
)

const (
	// ManualTokenizerName is the registered name of the alphanumeric-run
	// tokenizer shared by index and query time.
	ManualTokenizerName = "manual_tokenizer"

	// ManualAnalyzerName is the registered name of the manual text analyzer.
	ManualAnalyzerName = "manual_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(ManualTokenizerName, manualTokenizerConstructor)
}

// LexicalIndex is an in-process bleve index over the full chunk corpus,
// built lazily from the chunk store on first search. Concurrent first
// searches are serialized through singleflight so the corpus is read and
// tokenized exactly once. Invalidate marks the index stale; the next
// search rebuilds it.
type LexicalIndex struct {
	chunks store.ChunkStore
	logger *slog.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	index   bleve.Index
	docs    map[string]*store.Chunk // payloads by ID for result assembly
	stale   bool
	rebuild uint64 // generation counter, bumps on Invalidate
}

// NewLexicalIndex creates an unbuilt lexical index over the given corpus.
func NewLexicalIndex(chunks store.ChunkStore) *LexicalIndex {
	return &LexicalIndex{
		chunks: chunks,
		logger: slog.Default().With("component", "lexical"),
		stale:  true,
	}
}

// lexicalHit is one raw-scored search hit.
type lexicalHit struct {
	chunk *store.Chunk
	score float64 // raw BM25 score, unnormalized
}

// Search ensures the index is built, then returns up to limit hits in
// descending raw-score order.
func (l *LexicalIndex) Search(ctx context.Context, query string, limit int) ([]lexicalHit, error) {
	if err := l.ensureBuilt(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.index == nil {
		return nil, fmt.Errorf("lexical search: index is closed")
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	searchRequest := bleve.NewSearchRequest(matchQuery)
	searchRequest.Size = limit

	result, err := l.index.SearchInContext(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	hits := make([]lexicalHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		chunk, ok := l.docs[hit.ID]
		if !ok {
			continue
		}
		hits = append(hits, lexicalHit{chunk: chunk, score: hit.Score})
	}
	return hits, nil
}

// DocCount returns the number of indexed documents, building first if
// needed.
func (l *LexicalIndex) DocCount(ctx context.Context) (int, error) {
	if err := l.ensureBuilt(ctx); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.docs), nil
}

// Invalidate marks the index stale. The next search rebuilds from the
// chunk store. Safe to call concurrently with searches.
func (l *LexicalIndex) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stale = true
	l.rebuild++
}

// ensureBuilt builds the index exactly once per generation.
func (l *LexicalIndex) ensureBuilt(ctx context.Context) error {
	l.mu.RLock()
	stale, gen := l.stale, l.rebuild
	l.mu.RUnlock()
	if !stale {
		return nil
	}

	// Key by generation: a build for an old generation never satisfies
	// callers who invalidated after it started.
	_, err, _ := l.group.Do(fmt.Sprintf("build-%d", gen), func() (any, error) {
		return nil, l.build(ctx, gen)
	})
	return err
}

// build reads the full corpus and indexes it into a fresh in-memory
// bleve index. The build is the dominant cost of a cold first query, so
// its duration is logged.
func (l *LexicalIndex) build(ctx context.Context, gen uint64) error {
	start := time.Now()

	all, err := l.chunks.AllChunks(ctx)
	if err != nil {
		return fmt.Errorf("lexical build: read corpus: %w", err)
	}

	indexMapping, err := createManualIndexMapping()
	if err != nil {
		return fmt.Errorf("lexical build: mapping: %w", err)
	}

	idx, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return fmt.Errorf("lexical build: create index: %w", err)
	}

	docs := make(map[string]*store.Chunk, len(all))
	batch := idx.NewBatch()
	for _, c := range all {
		if err := batch.Index(c.ID, map[string]any{"content": c.Text}); err != nil {
			_ = idx.Close()
			return fmt.Errorf("lexical build: index chunk %s: %w", c.ID, err)
		}
		docs[c.ID] = c
	}
	if err := idx.Batch(batch); err != nil {
		_ = idx.Close()
		return fmt.Errorf("lexical build: execute batch: %w", err)
	}

	l.mu.Lock()
	if l.index != nil {
		_ = l.index.Close()
	}
	l.index = idx
	l.docs = docs
	// An Invalidate issued mid-build bumps the generation; the index we
	// just built is already stale and must be rebuilt on the next search.
	l.stale = l.rebuild != gen
	l.mu.Unlock()

	l.logger.Info("lexical index built",
		"chunks", len(all),
		"duration", time.Since(start))
	return nil
}

// Close releases the underlying bleve index.
func (l *LexicalIndex) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.index == nil {
		return nil
	}
	err := l.index.Close()
	l.index = nil
	l.stale = true
	return err
}

// createManualIndexMapping builds the bleve mapping with the manual text
// analyzer as default.
func createManualIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(ManualAnalyzerName, map[string]any{
		"type":      custom.Name,
		"tokenizer": ManualTokenizerName,
		"token_filters": []string{
			lowercase.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("add custom analyzer: %w", err)
	}

	indexMapping.DefaultAnalyzer = ManualAnalyzerName
	return indexMapping, nil
}

// manualTokenizerConstructor creates the alphanumeric-run tokenizer.
func manualTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &manualTokenizer{}, nil
}

// manualTokenizer extracts maximal runs of ASCII letters and digits as
// terms. No stemming, no stop words. The lowercase token filter runs
// after it, so index-time and query-time terms always agree.
type manualTokenizer struct{}

// Tokenize implements analysis.Tokenizer.
func (t *manualTokenizer) Tokenize(input []byte) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, 16)
	pos := 1
	start := -1

	flush := func(end int) {
		if start < 0 {
			return
		}
		term := make([]byte, end-start)
		copy(term, input[start:end])
		result = append(result, &analysis.Token{
			Term:     term,
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		start = -1
	}

	for i, b := range input {
		if isAlphanumeric(b) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(input))

	return result
}

func isAlphanumeric(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
