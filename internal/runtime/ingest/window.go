package ingest

import (
	"sync/atomic"
	"time"
)

// SlidingWindow is a bucketed counter over a fixed time window. Increments
// and sums are lock-free; stale buckets are lazily reset when their slot is
// reused. Windowed counters exist because lifetime counters eventually trip
// every long-lived client or breaker regardless of current health.
type SlidingWindow struct {
	buckets   []windowBucket
	bucketDur int64 // nanoseconds
	now       func() time.Time
}

type windowBucket struct {
	stamp atomic.Int64 // bucket epoch (unix nanos / bucketDur)
	count atomic.Uint64
}

// NewSlidingWindow covers the given span with the given number of buckets.
func NewSlidingWindow(span time.Duration, buckets int) *SlidingWindow {
	if buckets <= 0 {
		buckets = 12
	}
	if span <= 0 {
		span = time.Minute
	}
	return &SlidingWindow{
		buckets:   make([]windowBucket, buckets),
		bucketDur: int64(span) / int64(buckets),
		now:       time.Now,
	}
}

func (w *SlidingWindow) epoch() int64 {
	return w.now().UnixNano() / w.bucketDur
}

// Incr adds n to the current bucket.
func (w *SlidingWindow) Incr(n uint64) {
	ep := w.epoch()
	b := &w.buckets[int(ep%int64(len(w.buckets)))]
	if b.stamp.Load() != ep {
		// The slot belongs to an expired epoch; one resetter wins, the
		// rest fall through and add to the fresh bucket.
		if b.stamp.Swap(ep) != ep {
			b.count.Store(0)
		}
	}
	b.count.Add(n)
}

// Sum returns the total across all buckets still inside the window.
func (w *SlidingWindow) Sum() uint64 {
	ep := w.epoch()
	oldest := ep - int64(len(w.buckets)) + 1
	var total uint64
	for i := range w.buckets {
		b := &w.buckets[i]
		if s := b.stamp.Load(); s >= oldest && s <= ep {
			total += b.count.Load()
		}
	}
	return total
}
