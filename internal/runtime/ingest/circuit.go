package ingest

import (
	"sync/atomic"
	"time"
)

// CircuitBreaker pauses consumption when the windowed decode-error rate on
// new data crosses a threshold. Catch-up (old-data) errors never feed it:
// replaying a corrupt stretch of history is not a live corruption signal,
// and letting it into the denominator dilutes one.
type CircuitBreaker struct {
	errors  *SlidingWindow
	samples *SlidingWindow

	minSamples uint64
	maxRate    float64
	cooloff    time.Duration

	open     atomic.Bool
	openedAt atomic.Int64

	onChange func(open bool)
}

// BreakerOptions tunes a CircuitBreaker.
type BreakerOptions struct {
	// Window is the evaluation span. Zero means one minute.
	Window time.Duration

	// MinSamples gates evaluation: below this many new-data messages in
	// the window the breaker never trips. Zero means 20.
	MinSamples int

	// MaxErrorRate is the trip threshold in [0,1]. Zero means 0.5.
	MaxErrorRate float64

	// Cooloff is how long the breaker stays open before it re-evaluates.
	// Zero means half the window.
	Cooloff time.Duration

	// OnChange is called with the new state after every transition.
	OnChange func(open bool)
}

// NewCircuitBreaker creates a breaker from options.
func NewCircuitBreaker(opts BreakerOptions) *CircuitBreaker {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 20
	}
	if opts.MaxErrorRate <= 0 {
		opts.MaxErrorRate = 0.5
	}
	if opts.Cooloff <= 0 {
		opts.Cooloff = opts.Window / 2
	}
	return &CircuitBreaker{
		errors:     NewSlidingWindow(opts.Window, 12),
		samples:    NewSlidingWindow(opts.Window, 12),
		minSamples: uint64(opts.MinSamples),
		maxRate:    opts.MaxErrorRate,
		cooloff:    opts.Cooloff,
		onChange:   opts.OnChange,
	}
}

// RecordSuccess counts one successfully decoded new-data message.
func (b *CircuitBreaker) RecordSuccess() {
	b.samples.Incr(1)
}

// RecordError counts one decode failure on new data and trips the breaker
// when the windowed rate crosses the threshold.
func (b *CircuitBreaker) RecordError() {
	b.errors.Incr(1)
	b.samples.Incr(1)
	b.evaluate()
}

func (b *CircuitBreaker) evaluate() {
	samples := b.samples.Sum()
	if samples < b.minSamples {
		return
	}
	rate := float64(b.errors.Sum()) / float64(samples)
	if rate >= b.maxRate {
		b.trip()
	}
}

func (b *CircuitBreaker) trip() {
	if b.open.CompareAndSwap(false, true) {
		b.openedAt.Store(time.Now().UnixNano())
		if b.onChange != nil {
			b.onChange(true)
		}
	}
}

// Open reports whether consumption should be paused. After the cooloff the
// breaker re-evaluates the (naturally decayed) window and closes when the
// rate has recovered.
func (b *CircuitBreaker) Open() bool {
	if !b.open.Load() {
		return false
	}
	opened := time.Unix(0, b.openedAt.Load())
	if time.Since(opened) < b.cooloff {
		return true
	}

	samples := b.samples.Sum()
	if samples >= b.minSamples {
		if rate := float64(b.errors.Sum()) / float64(samples); rate >= b.maxRate {
			// Still unhealthy; restart the cooloff.
			b.openedAt.Store(time.Now().UnixNano())
			return true
		}
	}
	if b.open.CompareAndSwap(true, false) {
		if b.onChange != nil {
			b.onChange(false)
		}
	}
	return false
}

// ErrorRate returns the current windowed rate and sample count.
func (b *CircuitBreaker) ErrorRate() (float64, uint64) {
	samples := b.samples.Sum()
	if samples == 0 {
		return 0, 0
	}
	return float64(b.errors.Sum()) / float64(samples), samples
}
