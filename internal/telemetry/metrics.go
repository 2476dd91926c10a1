// Package telemetry records local retrieval metrics for the status
// surface. Nothing is reported externally.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Capacity defaults.
const (
	DefaultRecentEvents     = 100
	DefaultHashedQuerySlots = 512
)

// LatencyBucket is a latency histogram bucket.
type LatencyBucket string

const (
	BucketUnder50ms  LatencyBucket = "<50ms"
	BucketUnder200ms LatencyBucket = "50-200ms"
	BucketUnder1s    LatencyBucket = "200ms-1s"
	BucketOver1s     LatencyBucket = ">=1s"
)

// latencyToBucket converts a duration to its histogram bucket. Retrieval
// latency is dominated by the embedding and rerank round trips, so the
// buckets are coarser than a local-only search would use.
func latencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 50:
		return BucketUnder50ms
	case ms < 200:
		return BucketUnder200ms
	case ms < 1000:
		return BucketUnder1s
	default:
		return BucketOver1s
	}
}

// QueryEvent is one retrieval request outcome.
type QueryEvent struct {
	Query       string
	Comparison  bool
	ResultCount int
	Failed      bool
	Latency     time.Duration
	Timestamp   time.Time
}

// Snapshot is an immutable view of accumulated metrics.
type Snapshot struct {
	TotalQueries      int64
	ComparisonQueries int64
	ZeroResultCount   int64
	FailedCount       int64
	LatencyBuckets    map[LatencyBucket]int64
	RepeatedQueries   int64 // queries whose hash was seen before
	Recent            []QueryEvent
	Since             time.Time
}

// Recorder accumulates retrieval metrics in memory. Queries are tracked
// by hash only, so the recent-event window is the sole place raw query
// text lives.
type Recorder struct {
	mu         sync.Mutex
	total      int64
	comparison int64
	zeroResult int64
	failed     int64
	buckets    map[LatencyBucket]int64
	repeats    int64
	recent     *ring
	seen       *lru.Cache[string, struct{}]
	since      time.Time
}

// NewRecorder creates a recorder keeping the last DefaultRecentEvents
// events.
func NewRecorder() *Recorder {
	seen, _ := lru.New[string, struct{}](DefaultHashedQuerySlots)
	return &Recorder{
		buckets: make(map[LatencyBucket]int64),
		recent:  newRing(DefaultRecentEvents),
		seen:    seen,
		since:   time.Now(),
	}
}

// Record adds one query event.
func (r *Recorder) Record(e QueryEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.total++
	if e.Comparison {
		r.comparison++
	}
	if e.Failed {
		r.failed++
	} else if e.ResultCount == 0 {
		r.zeroResult++
	}
	r.buckets[latencyToBucket(e.Latency)]++

	key := hashQuery(e.Query)
	if _, repeated := r.seen.Get(key); repeated {
		r.repeats++
	} else {
		r.seen.Add(key, struct{}{})
	}

	r.recent.add(e)
}

// Snapshot returns a copy of the accumulated metrics.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	buckets := make(map[LatencyBucket]int64, len(r.buckets))
	for k, v := range r.buckets {
		buckets[k] = v
	}
	return Snapshot{
		TotalQueries:      r.total,
		ComparisonQueries: r.comparison,
		ZeroResultCount:   r.zeroResult,
		FailedCount:       r.failed,
		LatencyBuckets:    buckets,
		RepeatedQueries:   r.repeats,
		Recent:            r.recent.items(),
		Since:             r.since,
	}
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:8])
}

// ring is a fixed-capacity FIFO buffer of query events.
type ring struct {
	buf      []QueryEvent
	head     int
	size     int
	capacity int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = DefaultRecentEvents
	}
	return &ring{buf: make([]QueryEvent, capacity), capacity: capacity}
}

func (b *ring) add(e QueryEvent) {
	b.buf[b.head] = e
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// items returns the buffered events oldest first.
func (b *ring) items() []QueryEvent {
	if b.size == 0 {
		return []QueryEvent{}
	}
	out := make([]QueryEvent, b.size)
	if b.size < b.capacity {
		copy(out, b.buf[:b.size])
	} else {
		copy(out, b.buf[b.head:])
		copy(out[b.capacity-b.head:], b.buf[:b.head])
	}
	return out
}
