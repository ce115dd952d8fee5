package reconstruct

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/flowtrace/internal/runtime/errors"
	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
	"github.com/drblury/flowtrace/internal/runtime/logging"
	"github.com/drblury/flowtrace/internal/runtime/wire"
)

// Server frame types the reconstructor reacts to.
const (
	frameCursor          = "cursor"
	frameStaleCursor     = "stale_cursor"
	frameReplayComplete  = "replay_complete"
	frameCursorResetDone = "cursor_reset_complete"
)

// Cursor is the parsed position frame that precedes each binary frame.
type Cursor struct {
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
	ThreadID  string `json:"thread_id,omitempty"`
	Sequence  uint64 `json:"sequence,omitempty"`
}

// ServerEvent is a non-cursor control frame surfaced to the caller, for
// example to drive a resync banner or mark the stream live.
type ServerEvent struct {
	Type string
	Raw  map[string]any
}

// Options tunes a Reconstructor.
type Options struct {
	// MaxThreads bounds how many RunStates are kept; the least recently
	// touched thread is evicted first. Zero means 256.
	MaxThreads int

	// MaxPayloadBytes caps decoded envelope size. Zero means the wire
	// default.
	MaxPayloadBytes int

	// DecodeWorkers bounds concurrent decode work. Zero means 4.
	DecodeWorkers int

	// DecodeTimeout is the hard per-message budget covering both the wait
	// for a worker slot and the decode itself. Zero means 2s.
	DecodeTimeout time.Duration

	Logger logging.ServiceLogger
}

// Stats are the reconstructor's counters.
type Stats struct {
	Applied        uint64
	Ignored        uint64
	DecodeFailures uint64
	DecodeTimeouts uint64
	Violations     uint64
	StaleEpoch     uint64
}

// Reconstructor consumes the websocket frame stream: it pairs cursor frames
// with the binary frames that follow, decodes envelope bytes off the
// delivery path under a bounded worker pool, and feeds per-thread RunStates.
type Reconstructor struct {
	opts Options

	mu            sync.Mutex
	threads       map[string]*RunState
	pendingCursor *Cursor
	lastTicket    chan struct{}

	epoch       atomic.Uint64
	decodeSlots chan struct{}

	applied        atomic.Uint64
	ignored        atomic.Uint64
	decodeFailures atomic.Uint64
	decodeTimeouts atomic.Uint64
	violations     atomic.Uint64
	staleEpoch     atomic.Uint64

	logger logging.ServiceLogger
}

func New(opts Options) *Reconstructor {
	if opts.MaxThreads <= 0 {
		opts.MaxThreads = 256
	}
	if opts.DecodeWorkers <= 0 {
		opts.DecodeWorkers = 4
	}
	if opts.DecodeTimeout <= 0 {
		opts.DecodeTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	r := &Reconstructor{
		opts:        opts,
		threads:     make(map[string]*RunState),
		decodeSlots: make(chan struct{}, opts.DecodeWorkers),
		logger:      opts.Logger,
	}
	r.epoch.Store(1)
	return r
}

// Epoch returns the current connection generation.
func (r *Reconstructor) Epoch() uint64 { return r.epoch.Load() }

// OnTextFrame handles one control frame. Cursor frames are absorbed into the
// pairing state machine and return a nil event; everything else is returned
// to the caller after any internal bookkeeping.
func (r *Reconstructor) OnTextFrame(data []byte) (*ServerEvent, error) {
	var raw map[string]any
	if err := jsoncodec.Unmarshal(data, &raw); err != nil {
		r.violations.Add(1)
		return nil, &errspkg.ProtocolViolationError{Detail: "malformed control frame"}
	}
	frameType, _ := raw["type"].(string)

	switch frameType {
	case frameCursor:
		var cursor Cursor
		if err := jsoncodec.Unmarshal(data, &cursor); err != nil {
			r.violations.Add(1)
			return nil, &errspkg.ProtocolViolationError{Detail: "malformed cursor frame"}
		}
		r.mu.Lock()
		r.pendingCursor = &cursor
		r.mu.Unlock()
		return nil, nil

	case frameStaleCursor:
		// Retention already evicted part of the requested range. A thread
		// gap means that thread's state cannot be trusted until a snapshot.
		if threadID, _ := raw["thread_id"].(string); threadID != "" {
			r.mu.Lock()
			if state, ok := r.threads[threadID]; ok {
				state.needsResync = true
			}
			r.mu.Unlock()
		}
		return &ServerEvent{Type: frameType, Raw: raw}, nil

	default:
		return &ServerEvent{Type: frameType, Raw: raw}, nil
	}
}

// OnBinaryFrame handles one payload frame. A binary frame without a pending
// cursor frame is a protocol violation and a hard error; the caller should
// disconnect. Decode work runs on a bounded pool with a hard timeout, and
// the connection epoch is re-checked immediately before any state mutation
// so work decoded across a reset never lands.
//
// Decodes run concurrently but applies happen in arrival order: each frame
// takes a ticket chained to its predecessor's and waits on it before
// mutating state. A dropped frame (decode failure, timeout, stale epoch)
// still releases its ticket so successors are never blocked.
func (r *Reconstructor) OnBinaryFrame(ctx context.Context, data []byte) error {
	r.mu.Lock()
	cursor := r.pendingCursor
	r.pendingCursor = nil
	if cursor == nil {
		r.mu.Unlock()
		r.violations.Add(1)
		return &errspkg.ProtocolViolationError{Detail: "binary frame without paired cursor frame"}
	}
	prev := r.lastTicket
	ticket := make(chan struct{})
	r.lastTicket = ticket
	r.mu.Unlock()

	epoch := r.epoch.Load()
	payload := make([]byte, len(data))
	copy(payload, data)

	go r.decodeAndApply(ctx, epoch, cursor, payload, prev, ticket)
	return nil
}

func (r *Reconstructor) decodeAndApply(ctx context.Context, epoch uint64, cursor *Cursor, payload []byte, prev, ticket chan struct{}) {
	// Release the ticket on every path, applied or dropped.
	defer close(ticket)

	deadline := time.NewTimer(r.opts.DecodeTimeout)
	defer deadline.Stop()

	select {
	case r.decodeSlots <- struct{}{}:
	case <-deadline.C:
		r.decodeTimeouts.Add(1)
		return
	case <-ctx.Done():
		return
	}
	defer func() { <-r.decodeSlots }()

	done := make(chan *wire.Envelope, 1)
	go func() {
		env, err := wire.DecodeStrict(payload, r.opts.MaxPayloadBytes)
		if err != nil {
			r.decodeFailures.Add(1)
			r.logger.Error("envelope decode failed", err, logging.LogFields{
				"partition": cursor.Partition,
				"offset":    cursor.Offset,
			})
			done <- nil
			return
		}
		done <- env
	}()

	var env *wire.Envelope
	select {
	case env = <-done:
	case <-deadline.C:
		// The decode goroutine finishes in the background; its result is
		// discarded. One adversarial message must not freeze interaction.
		r.decodeTimeouts.Add(1)
		return
	case <-ctx.Done():
		return
	}
	if env == nil {
		return
	}

	// Wait for the predecessor frame to finish before mutating state. The
	// predecessor always closes its ticket within its own decode budget, so
	// this wait is bounded.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	// Re-check the epoch at mutation time, not only at enqueue time.
	if r.epoch.Load() != epoch {
		r.staleEpoch.Add(1)
		return
	}
	r.apply(cursor, env)
}

func (r *Reconstructor) apply(cursor *Cursor, env *wire.Envelope) {
	threadID := env.Header.ThreadID
	if threadID == "" {
		threadID = cursor.ThreadID
	}
	if threadID == "" {
		r.ignored.Add(1)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.threads[threadID]
	if !ok {
		state = NewRunState(threadID)
		r.threads[threadID] = state
	}
	state.lastTouched = time.Now()
	r.evictLocked()

	applied, err := state.Apply(env)
	if err != nil {
		r.ignored.Add(1)
		return
	}
	if applied {
		r.applied.Add(1)
	} else {
		r.ignored.Add(1)
	}
}

// evictLocked drops the least recently touched threads above the bound.
func (r *Reconstructor) evictLocked() {
	for len(r.threads) > r.opts.MaxThreads {
		var (
			oldestID string
			oldestAt time.Time
		)
		for id, state := range r.threads {
			if oldestID == "" || state.lastTouched.Before(oldestAt) {
				oldestID = id
				oldestAt = state.lastTouched
			}
		}
		delete(r.threads, oldestID)
	}
}

// Thread returns the RunState for a thread, or nil when unknown or evicted.
// The caller must not retain the pointer across ResetAndResync.
func (r *Reconstructor) Thread(threadID string) *RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads[threadID]
}

// Threads returns the tracked thread ids.
func (r *Reconstructor) Threads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.threads))
	for id := range r.threads {
		out = append(out, id)
	}
	return out
}

// ResetAndResync discards all local state and starts a new epoch. In-flight
// decode work from the old epoch is dropped before it can mutate anything.
// The caller reconnects and resumes from a known-good cursor afterwards.
func (r *Reconstructor) ResetAndResync() uint64 {
	next := r.epoch.Add(1)
	r.mu.Lock()
	r.threads = make(map[string]*RunState)
	r.pendingCursor = nil
	r.lastTicket = nil
	r.mu.Unlock()
	return next
}

// Stats snapshots the counters.
func (r *Reconstructor) Stats() Stats {
	return Stats{
		Applied:        r.applied.Load(),
		Ignored:        r.ignored.Load(),
		DecodeFailures: r.decodeFailures.Load(),
		DecodeTimeouts: r.decodeTimeouts.Load(),
		Violations:     r.violations.Load(),
		StaleEpoch:     r.staleEpoch.Load(),
	}
}
