package emitter

import (
	"container/heap"
	"sync"
)

const (
	// maxSequenceCounters bounds per-thread counter memory for long-lived
	// emitters that see many short-lived threads.
	maxSequenceCounters = 100_000

	// pruneBatch is how many counters one prune pass removes.
	pruneBatch = 1000
)

type threadCounter struct {
	seq      uint64
	lastTick uint64
}

// sequencer assigns per-thread monotonic sequence numbers starting at 1.
// Sequence 0 is the unassigned sentinel and is never handed out. When the
// counter map outgrows its bound, the least recently used counters are
// pruned; a pruned thread that reappears restarts at 1, which consumers
// treat as a thread restart.
type sequencer struct {
	mu       sync.Mutex
	clock    uint64
	counters map[string]*threadCounter
}

func newSequencer() *sequencer {
	return &sequencer{counters: make(map[string]*threadCounter)}
}

// Next returns the next sequence for the thread. Never returns 0.
func (s *sequencer) Next(threadID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.counters) > maxSequenceCounters {
		s.pruneLocked(threadID)
	}

	s.clock++
	c, ok := s.counters[threadID]
	if !ok {
		c = &threadCounter{}
		s.counters[threadID] = c
	}
	c.lastTick = s.clock
	c.seq++
	return c.seq
}

// Len reports how many thread counters are live.
func (s *sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

type tickEntry struct {
	tick     uint64
	threadID string
}

// tickHeap is a max-heap on tick, so the root is the newest of the
// candidates and pops make room for older ones.
type tickHeap []tickEntry

func (h tickHeap) Len() int            { return len(h) }
func (h tickHeap) Less(i, j int) bool  { return h[i].tick > h[j].tick }
func (h tickHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *tickHeap) Push(x any)         { *h = append(*h, x.(tickEntry)) }
func (h *tickHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// pruneLocked evicts the least recently used counters, never the thread
// currently being sequenced. Picking by last-used tick rather than map
// iteration order keeps active threads from being reset mid-run.
func (s *sequencer) pruneLocked(current string) {
	h := make(tickHeap, 0, pruneBatch)
	for id, c := range s.counters {
		if id == current {
			continue
		}
		if len(h) < pruneBatch {
			heap.Push(&h, tickEntry{tick: c.lastTick, threadID: id})
			continue
		}
		if c.lastTick < h[0].tick {
			heap.Pop(&h)
			heap.Push(&h, tickEntry{tick: c.lastTick, threadID: id})
		}
	}
	for _, e := range h {
		delete(s.counters, e.threadID)
	}
}
