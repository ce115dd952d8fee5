package replay

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/flowtrace/internal/runtime/logging"
)

const (
	// DefaultCapacity is the memory ring size when the config leaves it zero.
	DefaultCapacity = 10_000

	// DefaultTTL bounds how long entries stay replayable.
	DefaultTTL = time.Hour

	// sideFetchLimit caps entries pulled from the side store per query.
	sideFetchLimit = 1000

	// sideAcquireTimeout is how long a side write waits for a slot before
	// being dropped. Short so ingestion never stalls on persistence.
	sideAcquireTimeout = 50 * time.Millisecond
)

// Options tunes a Store.
type Options struct {
	// Capacity is the memory ring size. Zero means DefaultCapacity.
	Capacity int

	// TTL bounds entry age. Zero means DefaultTTL.
	TTL time.Duration

	// Side is the optional persistent tier. Nil disables it.
	Side SideStore

	// MaxConcurrentSideWrites bounds background persistence. Zero means 100.
	MaxConcurrentSideWrites int

	// SideWriteTimeout bounds one background write. Zero means 2s.
	SideWriteTimeout time.Duration

	Logger logging.ServiceLogger
}

// Store is the two-tier replay buffer: a bounded in-memory ring for the hot
// path plus an optional persistent side store for older entries. All memory
// operations are lock-guarded; side store writes run in the background and
// never block ingestion.
type Store struct {
	mu          sync.RWMutex
	entries     []*Entry // arrival order, oldest first
	byThread    map[string][]*Entry
	byPartition map[int32][]*Entry
	seen        map[posKey]struct{}

	capacity int
	ttl      time.Duration

	side         SideStore
	writeSlots   chan struct{}
	writeTimeout time.Duration
	writeWG      sync.WaitGroup

	logger logging.ServiceLogger

	memoryHits        atomic.Uint64
	sideHits          atomic.Uint64
	sideMisses        atomic.Uint64
	evicted           atomic.Uint64
	expired           atomic.Uint64
	duplicates        atomic.Uint64
	sideWriteDropped  atomic.Uint64
	sideWriteFailures atomic.Uint64
}

type posKey struct {
	partition int32
	offset    int64
}

// NewStore creates a replay store from options.
func NewStore(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxConcurrentSideWrites <= 0 {
		opts.MaxConcurrentSideWrites = 100
	}
	if opts.SideWriteTimeout <= 0 {
		opts.SideWriteTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Store{
		byThread:     make(map[string][]*Entry),
		byPartition:  make(map[int32][]*Entry),
		seen:         make(map[posKey]struct{}),
		capacity:     opts.Capacity,
		ttl:          opts.TTL,
		side:         opts.Side,
		writeSlots:   make(chan struct{}, opts.MaxConcurrentSideWrites),
		writeTimeout: opts.SideWriteTimeout,
		logger:       opts.Logger,
	}
}

// Add stores one ingested entry. Duplicate broker positions are ignored, so
// redelivered messages never appear twice in a replay. When the ring is
// full the oldest entry by arrival is evicted.
func (s *Store) Add(ctx context.Context, e Entry) {
	if e.StoredAt.IsZero() {
		e.StoredAt = time.Now()
	}
	key := posKey{partition: e.Position.Partition, offset: e.Position.Offset}

	s.mu.Lock()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		s.duplicates.Add(1)
		return
	}
	s.seen[key] = struct{}{}

	entry := &e
	s.entries = append(s.entries, entry)
	if entry.ThreadID != "" {
		tk := EncodeThreadKey(entry.ThreadID)
		s.byThread[tk] = insertBySeq(s.byThread[tk], entry)
	}
	s.byPartition[entry.Position.Partition] = insertByOffset(s.byPartition[entry.Position.Partition], entry)

	for len(s.entries) > s.capacity {
		s.dropOldestLocked()
		s.evicted.Add(1)
	}
	s.mu.Unlock()

	if s.side != nil {
		s.persist(ctx, e)
	}
}

// persist hands the entry to the side store in the background. Saturation
// drops the write after a short wait; the broker's own retention covers
// durability.
func (s *Store) persist(ctx context.Context, e Entry) {
	select {
	case s.writeSlots <- struct{}{}:
	case <-time.After(sideAcquireTimeout):
		s.sideWriteDropped.Add(1)
		return
	case <-ctx.Done():
		s.sideWriteDropped.Add(1)
		return
	}

	threadKey := ""
	if e.ThreadID != "" {
		threadKey = EncodeThreadKey(e.ThreadID)
	}

	s.writeWG.Add(1)
	go func() {
		defer s.writeWG.Done()
		defer func() { <-s.writeSlots }()

		writeCtx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()
		if err := s.side.Put(writeCtx, threadKey, e); err != nil {
			s.sideWriteFailures.Add(1)
			s.logger.Error("replay side store write failed", err, logging.LogFields{
				"partition": e.Position.Partition,
				"offset":    e.Position.Offset,
			})
		}
	}()
}

func (s *Store) dropOldestLocked() {
	oldest := s.entries[0]
	s.entries = s.entries[1:]
	delete(s.seen, posKey{partition: oldest.Position.Partition, offset: oldest.Position.Offset})
	if oldest.ThreadID != "" {
		tk := EncodeThreadKey(oldest.ThreadID)
		s.byThread[tk] = removeEntry(s.byThread[tk], oldest)
		if len(s.byThread[tk]) == 0 {
			delete(s.byThread, tk)
		}
	}
	p := oldest.Position.Partition
	s.byPartition[p] = removeEntry(s.byPartition[p], oldest)
	if len(s.byPartition[p]) == 0 {
		delete(s.byPartition, p)
	}
}

// Sweep removes entries older than the TTL. Returns the number expired.
func (s *Store) Sweep(now time.Time) int {
	cutoff := now.Add(-s.ttl)

	s.mu.Lock()
	n := 0
	for len(s.entries) > 0 && s.entries[0].StoredAt.Before(cutoff) {
		s.dropOldestLocked()
		n++
	}
	s.mu.Unlock()

	if n > 0 {
		s.expired.Add(uint64(n))
	}
	if s.side != nil {
		pruneCtx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()
		if _, err := s.side.Prune(pruneCtx, cutoff); err != nil {
			s.logger.Error("replay side store prune failed", err, nil)
		}
	}
	return n
}

// StartSweeper runs periodic TTL sweeps until the context is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	}()
}

// ThreadAfter returns the retained entries for a thread with sequence
// strictly greater than afterSeq, oldest first, merging the side store in
// front of memory when memory alone cannot reach back to the cursor. The
// returned Gap counts sequences lost to eviction between the cursor and the
// oldest entry actually served.
func (s *Store) ThreadAfter(ctx context.Context, threadID string, afterSeq uint64) (ThreadReplay, error) {
	threadKey := EncodeThreadKey(threadID)

	s.mu.RLock()
	memEntries := s.byThread[threadKey]
	mem := make([]Entry, 0, len(memEntries))
	for _, e := range memEntries {
		if e.Sequence > afterSeq {
			mem = append(mem, *e)
		}
	}
	var memEarliest, memLatest uint64
	if len(memEntries) > 0 {
		memEarliest = memEntries[0].Sequence
		memLatest = memEntries[len(memEntries)-1].Sequence
	}
	s.mu.RUnlock()

	// Memory fully covers the cursor when the thread's oldest retained
	// sequence is at or before the next one the client needs.
	if len(memEntries) > 0 && memEarliest <= afterSeq+1 {
		s.memoryHits.Add(1)
		return ThreadReplay{Entries: mem, Earliest: memEarliest, Latest: memLatest}, nil
	}

	out := ThreadReplay{Earliest: memEarliest, Latest: memLatest}
	if s.side != nil {
		side, err := s.sideThreadAfter(ctx, threadID, threadKey, afterSeq)
		if err != nil {
			return ThreadReplay{}, err
		}
		if len(side) > 0 {
			s.sideHits.Add(1)
			merged := mergeThreadEntries(side, mem)
			out.Entries = merged
			out.Earliest = merged[0].Sequence
			if out.Latest < merged[len(merged)-1].Sequence {
				out.Latest = merged[len(merged)-1].Sequence
			}
			if out.Earliest > afterSeq+1 {
				out.Gap = out.Earliest - afterSeq - 1
			}
			return out, nil
		}
		s.sideMisses.Add(1)
	}

	out.Entries = mem
	if len(mem) > 0 && mem[0].Sequence > afterSeq+1 {
		out.Gap = mem[0].Sequence - afterSeq - 1
	}
	return out, nil
}

// sideThreadAfter queries the persistent tier, falling back to the legacy
// hash key for entries written by older brokers when the modern key finds
// nothing.
func (s *Store) sideThreadAfter(ctx context.Context, threadID, threadKey string, afterSeq uint64) ([]Entry, error) {
	entries, err := s.side.ThreadAfter(ctx, threadKey, afterSeq, sideFetchLimit)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries, nil
	}
	if legacy := LegacyThreadKey(threadID); legacy != threadKey {
		return s.side.ThreadAfter(ctx, legacy, afterSeq, sideFetchLimit)
	}
	return nil, nil
}

// PartitionAfter returns retained entries on one partition with offset
// strictly greater than afterOffset, oldest first.
func (s *Store) PartitionAfter(ctx context.Context, partition int32, afterOffset int64) (PartitionReplay, error) {
	s.mu.RLock()
	memEntries := s.byPartition[partition]
	mem := make([]Entry, 0, len(memEntries))
	for _, e := range memEntries {
		if e.Position.Offset > afterOffset {
			mem = append(mem, *e)
		}
	}
	var memEarliest, memLatest int64
	memValid := len(memEntries) > 0
	if memValid {
		memEarliest = memEntries[0].Position.Offset
		memLatest = memEntries[len(memEntries)-1].Position.Offset
	}
	s.mu.RUnlock()

	if memValid && memEarliest <= afterOffset+1 {
		s.memoryHits.Add(1)
		return PartitionReplay{Entries: mem, Earliest: memEarliest, Latest: memLatest, Valid: true}, nil
	}

	out := PartitionReplay{Earliest: memEarliest, Latest: memLatest, Valid: memValid}
	if s.side != nil {
		side, err := s.side.PartitionAfter(ctx, partition, afterOffset, sideFetchLimit)
		if err != nil {
			return PartitionReplay{}, err
		}
		if len(side) > 0 {
			s.sideHits.Add(1)
			merged := mergePartitionEntries(side, mem)
			out.Entries = merged
			out.Earliest = merged[0].Position.Offset
			if last := merged[len(merged)-1].Position.Offset; out.Latest < last {
				out.Latest = last
			}
			out.Valid = true
			if out.Earliest > afterOffset+1 {
				out.Gap = uint64(out.Earliest - afterOffset - 1)
			}
			return out, nil
		}
		s.sideMisses.Add(1)
	}

	out.Entries = mem
	if len(mem) > 0 && mem[0].Position.Offset > afterOffset+1 {
		out.Gap = uint64(mem[0].Position.Offset - afterOffset - 1)
	}
	return out, nil
}

// KnownPartitions returns every partition with retained entries in either
// tier. Resume-all clients use this to discover partitions their cursor
// never mentioned.
func (s *Store) KnownPartitions(ctx context.Context) ([]int32, error) {
	seen := make(map[int32]struct{})

	s.mu.RLock()
	for p := range s.byPartition {
		seen[p] = struct{}{}
	}
	s.mu.RUnlock()

	if s.side != nil {
		sideParts, err := s.side.Partitions(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range sideParts {
			seen[p] = struct{}{}
		}
	}

	out := make([]int32, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// LatestOffsets returns the newest retained offset per partition in memory.
func (s *Store) LatestOffsets() map[int32]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int32]int64, len(s.byPartition))
	for p, entries := range s.byPartition {
		out[p] = entries[len(entries)-1].Position.Offset
	}
	return out
}

// StaleCursors reports, for each supplied cursor, how many offsets fell off
// the back of retention. Partitions whose cursor is still covered are absent
// from the result.
func (s *Store) StaleCursors(cursors map[int32]int64) map[int32]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stale := make(map[int32]uint64)
	for p, offset := range cursors {
		entries := s.byPartition[p]
		if len(entries) == 0 {
			continue
		}
		oldest := entries[0].Position.Offset
		if oldest > offset+1 {
			stale[p] = uint64(oldest - offset - 1)
		}
	}
	return stale
}

// Len returns the number of entries in the memory ring.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot captures the store's counters.
func (s *Store) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MemoryHits:        s.memoryHits.Load(),
		SideHits:          s.sideHits.Load(),
		SideMisses:        s.sideMisses.Load(),
		MemorySize:        s.Len(),
		Evicted:           s.evicted.Load(),
		Expired:           s.expired.Load(),
		Duplicates:        s.duplicates.Load(),
		SideWriteDropped:  s.sideWriteDropped.Load(),
		SideWriteFailures: s.sideWriteFailures.Load(),
	}
}

// Close waits for in-flight side store writes, bounded by the write timeout.
func (s *Store) Close() error {
	done := make(chan struct{})
	go func() {
		s.writeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.writeTimeout):
	}
	if s.side != nil {
		return s.side.Close()
	}
	return nil
}

func insertBySeq(entries []*Entry, e *Entry) []*Entry {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Sequence >= e.Sequence })
	entries = append(entries, nil)
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

func insertByOffset(entries []*Entry, e *Entry) []*Entry {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Position.Offset >= e.Position.Offset })
	entries = append(entries, nil)
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}

func removeEntry(entries []*Entry, e *Entry) []*Entry {
	for i, cur := range entries {
		if cur == e {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// mergeThreadEntries combines side and memory results, deduplicating on
// sequence with memory winning, ascending by sequence.
func mergeThreadEntries(side, mem []Entry) []Entry {
	seen := make(map[uint64]struct{}, len(mem))
	out := make([]Entry, 0, len(side)+len(mem))
	for _, e := range mem {
		seen[e.Sequence] = struct{}{}
	}
	for _, e := range side {
		if _, ok := seen[e.Sequence]; !ok {
			out = append(out, e)
		}
	}
	out = append(out, mem...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func mergePartitionEntries(side, mem []Entry) []Entry {
	seen := make(map[int64]struct{}, len(mem))
	out := make([]Entry, 0, len(side)+len(mem))
	for _, e := range mem {
		seen[e.Position.Offset] = struct{}{}
	}
	for _, e := range side {
		if _, ok := seen[e.Position.Offset]; !ok {
			out = append(out, e)
		}
	}
	out = append(out, mem...)
	sort.Slice(out, func(i, j int) bool { return out[i].Position.Offset < out[j].Position.Offset })
	return out
}
