package emitter

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequencer_StartsAtOneAndIncrements(t *testing.T) {
	s := newSequencer()
	assert.Equal(t, uint64(1), s.Next("t1"))
	assert.Equal(t, uint64(2), s.Next("t1"))
	assert.Equal(t, uint64(1), s.Next("t2"))
	assert.Equal(t, uint64(3), s.Next("t1"))
}

func TestSequencer_NeverReturnsZero(t *testing.T) {
	s := newSequencer()
	for i := 0; i < 100; i++ {
		assert.NotZero(t, s.Next("t1"))
	}
}

func TestSequencer_ConcurrentThreadsStayDense(t *testing.T) {
	s := newSequencer()
	const perThread = 200

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			thread := fmt.Sprintf("t%d", id)
			for j := 0; j < perThread; j++ {
				s.Next(thread)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		thread := fmt.Sprintf("t%d", i)
		assert.Equal(t, uint64(perThread+1), s.Next(thread))
	}
}

func TestSequencer_PruneKeepsCurrentThread(t *testing.T) {
	s := newSequencer()
	for i := 0; i <= maxSequenceCounters; i++ {
		s.Next(fmt.Sprintf("t%d", i))
	}
	// Next call crosses the bound and triggers a prune.
	s.Next("hot")
	assert.LessOrEqual(t, s.Len(), maxSequenceCounters+2-pruneBatch+1)

	// The hot thread survived with its counter intact.
	assert.Equal(t, uint64(2), s.Next("hot"))
}

func TestSequencer_PruneEvictsLeastRecentlyUsed(t *testing.T) {
	s := newSequencer()
	s.Next("oldest")
	for i := 0; i < maxSequenceCounters; i++ {
		s.Next(fmt.Sprintf("t%d", i))
	}
	s.Next("trigger")

	// "oldest" had the smallest tick and was pruned; it restarts at 1.
	assert.Equal(t, uint64(1), s.Next("oldest"))
}
