package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerStaysClosedBelowMinSamples(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{Window: time.Minute, MinSamples: 20, MaxErrorRate: 0.5})

	for i := 0; i < 10; i++ {
		b.RecordError()
	}
	require.False(t, b.Open(), "10 errors is below the sample floor")
}

func TestBreakerTripsOnWindowedErrorRate(t *testing.T) {
	var transitions []bool
	b := NewCircuitBreaker(BreakerOptions{
		Window:       time.Minute,
		MinSamples:   20,
		MaxErrorRate: 0.5,
		OnChange:     func(open bool) { transitions = append(transitions, open) },
	})

	for i := 0; i < 15; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 15; i++ {
		b.RecordError()
	}
	require.True(t, b.Open())
	require.Equal(t, []bool{true}, transitions)

	rate, samples := b.ErrorRate()
	require.EqualValues(t, 30, samples)
	require.InDelta(t, 0.5, rate, 0.01)
}

func TestBreakerStaysOpenDuringCooloff(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{
		Window:       time.Minute,
		MinSamples:   5,
		MaxErrorRate: 0.5,
		Cooloff:      time.Hour,
	})

	for i := 0; i < 5; i++ {
		b.RecordError()
	}
	require.True(t, b.Open())
	// A flood of successes does not close it before the cooloff elapses.
	for i := 0; i < 100; i++ {
		b.RecordSuccess()
	}
	require.True(t, b.Open())
}

func TestBreakerClosesAfterCooloffWhenHealthy(t *testing.T) {
	b := NewCircuitBreaker(BreakerOptions{
		Window:       time.Minute,
		MinSamples:   5,
		MaxErrorRate: 0.5,
		Cooloff:      time.Nanosecond,
	})

	for i := 0; i < 5; i++ {
		b.RecordError()
	}
	require.True(t, b.open.Load())

	for i := 0; i < 100; i++ {
		b.RecordSuccess()
	}
	time.Sleep(time.Millisecond)
	require.False(t, b.Open())
}
