// Package emitter is the producer side of the pipeline: it turns execution
// callbacks into sequenced, redacted, size-bounded wire envelopes and hands
// them to the transport without ever blocking the caller. Overload sheds
// load by dropping and counting, not by backpressure into the engine.
package emitter

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/flowtrace/internal/runtime/config"
	errspkg "github.com/drblury/flowtrace/internal/runtime/errors"
	"github.com/drblury/flowtrace/internal/runtime/ids"
	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
	"github.com/drblury/flowtrace/internal/runtime/logging"
	"github.com/drblury/flowtrace/internal/runtime/wire"
	"github.com/drblury/flowtrace/transport"
)

// Options tunes an Emitter.
type Options struct {
	Publisher message.Publisher
	Topic     string

	// QueueCapacity bounds the in-process queue. Zero means 1000.
	QueueCapacity int

	// BatchSize > 1 enables batching of consecutive same-thread envelopes.
	BatchSize int

	// BatchTimeout flushes a partial batch. Zero means 100ms.
	BatchTimeout time.Duration

	// MaxPayloadBytes caps serialized payload size; larger payloads are
	// replaced by a hash/preview summary. Zero means the wire default.
	MaxPayloadBytes int

	// CompressionThreshold and CompressionLevel configure the wire codec.
	// A zero level means zstd level 3.
	CompressionThreshold int
	CompressionLevel     int

	// DisableRedaction skips the secret-pattern pass. Leave false outside
	// of trusted test environments.
	DisableRedaction bool

	Logger logging.ServiceLogger
}

// OptionsFromConfig maps the runtime config onto emitter options.
func OptionsFromConfig(cfg *config.Config, pub message.Publisher, logger logging.ServiceLogger) Options {
	return Options{
		Publisher:            pub,
		Topic:                cfg.Topic,
		QueueCapacity:        cfg.EmitterQueueCapacity,
		BatchSize:            cfg.BatchSize,
		BatchTimeout:         cfg.BatchTimeout,
		MaxPayloadBytes:      cfg.MaxPayloadBytes,
		CompressionThreshold: cfg.CompressionThreshold,
		CompressionLevel:     cfg.CompressionLevel,
		DisableRedaction:     cfg.RedactionDisabled,
		Logger:               logger,
	}
}

// Stats is a snapshot of the emitter's counters.
type Stats struct {
	Emitted         uint64
	Dropped         uint64
	Truncated       uint64
	Published       uint64
	PublishFailures uint64
}

// Emitter converts telemetry payloads into wire envelopes and publishes
// them. Emit never blocks: a full queue drops the envelope and increments
// the drop counter.
type Emitter struct {
	pub   message.Publisher
	topic string

	queue chan wire.Envelope
	seqs  *sequencer

	enc          wire.EncodeOptions
	maxPayload   int
	redact       bool
	batchSize    int
	batchTimeout time.Duration

	logger logging.ServiceLogger

	emitted         atomic.Uint64
	dropped         atomic.Uint64
	truncated       atomic.Uint64
	published       atomic.Uint64
	publishFailures atomic.Uint64

	flushReq  chan chan struct{}
	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

// New creates and starts an Emitter.
func New(opts Options) (*Emitter, error) {
	if opts.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if opts.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1000
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 100 * time.Millisecond
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = wire.DefaultMaxPayloadSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}

	level := zstd.SpeedDefault
	if opts.CompressionLevel > 0 {
		level = zstd.EncoderLevelFromZstd(opts.CompressionLevel)
	}

	e := &Emitter{
		pub:   opts.Publisher,
		topic: opts.Topic,
		queue: make(chan wire.Envelope, opts.QueueCapacity),
		seqs:  newSequencer(),
		enc: wire.EncodeOptions{
			Compress:  true,
			Threshold: opts.CompressionThreshold,
			Level:     level,
		},
		maxPayload:   opts.MaxPayloadBytes,
		redact:       !opts.DisableRedaction,
		batchSize:    opts.BatchSize,
		batchTimeout: opts.BatchTimeout,
		logger:       opts.Logger,
		flushReq:     make(chan chan struct{}),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	go e.run()
	return e, nil
}

// Emit queues one payload for the thread. It serializes, applies the size
// cap and redaction pass, assigns the next sequence, and enqueues. Never
// blocks; a full queue drops the envelope and bumps the drop counter.
func (e *Emitter) Emit(threadID string, p wire.Payload) error {
	if p == nil {
		return errspkg.ErrPayloadRequired
	}
	if threadID == "" {
		return errspkg.ErrThreadIDRequired
	}
	select {
	case <-e.closing:
		return errspkg.ErrEmitterClosed
	default:
	}

	p = e.prepare(p)

	env := wire.Envelope{
		Header: wire.Header{
			ThreadID:      threadID,
			Sequence:      e.seqs.Next(threadID),
			Timestamp:     time.Now().UTC(),
			SchemaVersion: wire.CurrentSchemaVersion,
		},
		Payload: p,
	}

	select {
	case e.queue <- env:
		e.emitted.Add(1)
	default:
		e.dropped.Add(1)
	}
	return nil
}

// prepare runs redaction and the size cap over a payload. Oversized
// payloads become a summary envelope rather than disappearing.
func (e *Emitter) prepare(p wire.Payload) wire.Payload {
	if e.redact {
		p = redactPayload(p)
	}

	raw, err := jsoncodec.Marshal(p)
	if err != nil {
		// Unserializable payloads surface downstream as decode errors;
		// leave them to the codec's error path.
		return p
	}
	if len(raw) <= e.maxPayload {
		return p
	}
	summary, err := wire.Truncate(p, raw, wire.DefaultPreviewBytes)
	if err != nil {
		return p
	}
	e.truncated.Add(1)
	return summary
}

// EmitEvent emits a lifecycle event.
func (e *Emitter) EmitEvent(threadID string, typ wire.EventType, nodeID string, attrs map[string]any) error {
	return e.Emit(threadID, &wire.Event{Type: typ, NodeID: nodeID, Attributes: attrs})
}

// EmitStateDiff emits incremental state mutations.
func (e *Emitter) EmitStateDiff(threadID string, diff *wire.StateDiff) error {
	return e.Emit(threadID, diff)
}

// EmitCheckpoint emits a full-state snapshot.
func (e *Emitter) EmitCheckpoint(threadID, id string, state json.RawMessage) error {
	return e.Emit(threadID, &wire.Checkpoint{ID: id, State: state})
}

// EmitCheckpointProto emits a checkpoint whose state is a protobuf message,
// bridged through protojson so clients see plain JSON.
func (e *Emitter) EmitCheckpointProto(threadID, id string, state proto.Message) error {
	raw, err := wire.StateFromProto(state)
	if err != nil {
		return err
	}
	return e.EmitCheckpoint(threadID, id, raw)
}

// EmitTokenChunk emits incremental model output.
func (e *Emitter) EmitTokenChunk(threadID string, chunk *wire.TokenChunk) error {
	return e.Emit(threadID, chunk)
}

// EmitToolExecution emits a tool call record.
func (e *Emitter) EmitToolExecution(threadID string, tool *wire.ToolExecution) error {
	return e.Emit(threadID, tool)
}

// EmitMetrics emits one measurement.
func (e *Emitter) EmitMetrics(threadID, name string, value float64, tags map[string]string) error {
	return e.Emit(threadID, &wire.Metrics{Name: name, Value: value, Tags: tags})
}

// EmitError emits an execution failure.
func (e *Emitter) EmitError(threadID, code, msg, nodeID string) error {
	return e.Emit(threadID, &wire.ErrorInfo{Code: code, Message: msg, NodeID: nodeID})
}

// EmitEventBatch emits a caller-assembled batch. Inner envelopes without a
// sequence get one assigned from their own thread's counter; the batch
// header itself stays at the unassigned sentinel. A batch spanning several
// threads must set MixedThreads.
func (e *Emitter) EmitEventBatch(threadID string, batch *wire.EventBatch) error {
	if batch == nil || len(batch.Events) == 0 {
		return errspkg.ErrPayloadRequired
	}
	select {
	case <-e.closing:
		return errspkg.ErrEmitterClosed
	default:
	}

	for i := range batch.Events {
		inner := &batch.Events[i]
		if inner.Header.ThreadID == "" {
			inner.Header.ThreadID = threadID
		}
		if inner.Header.Sequence == wire.SequenceUnassigned {
			inner.Header.Sequence = e.seqs.Next(inner.Header.ThreadID)
		}
		if inner.Header.SchemaVersion == 0 {
			inner.Header.SchemaVersion = wire.CurrentSchemaVersion
		}
		if inner.Header.Timestamp.IsZero() {
			inner.Header.Timestamp = time.Now().UTC()
		}
		if e.redact {
			inner.Payload = redactPayload(inner.Payload)
		}
	}

	headerThread := threadID
	if batch.MixedThreads {
		headerThread = ""
	}
	env := wire.Envelope{
		Header: wire.Header{
			ThreadID:      headerThread,
			Sequence:      wire.SequenceUnassigned,
			Timestamp:     time.Now().UTC(),
			SchemaVersion: wire.CurrentSchemaVersion,
		},
		Payload: batch,
	}
	if err := env.Validate(); err != nil {
		return err
	}

	select {
	case e.queue <- env:
		e.emitted.Add(1)
	default:
		e.dropped.Add(1)
	}
	return nil
}

// Flush waits until everything queued before the call has been published,
// or the context expires.
func (e *Emitter) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case e.flushReq <- ack:
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the emitter after draining the queue. Safe to call twice.
func (e *Emitter) Close() error {
	e.closeOnce.Do(func() { close(e.closing) })
	<-e.done
	return nil
}

// Stats returns a snapshot of the emitter's counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		Emitted:         e.emitted.Load(),
		Dropped:         e.dropped.Load(),
		Truncated:       e.truncated.Load(),
		Published:       e.published.Load(),
		PublishFailures: e.publishFailures.Load(),
	}
}

func (e *Emitter) run() {
	defer close(e.done)

	var (
		batch       []wire.Envelope
		batchThread string
		timer       = time.NewTimer(e.batchTimeout)
	)
	if !timer.Stop() {
		<-timer.C
	}

	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		if len(batch) == 1 {
			e.publish(batch[0])
		} else {
			events := make([]wire.Envelope, len(batch))
			copy(events, batch)
			e.publish(wire.Envelope{
				Header: wire.Header{
					ThreadID:      batchThread,
					Sequence:      wire.SequenceUnassigned,
					Timestamp:     time.Now().UTC(),
					SchemaVersion: wire.CurrentSchemaVersion,
				},
				Payload: &wire.EventBatch{Events: events},
			})
		}
		batch = batch[:0]
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	handle := func(env wire.Envelope) {
		if e.batchSize <= 1 {
			e.publish(env)
			return
		}
		// Batches never mix threads, and pre-built batches pass through.
		if env.Payload.Kind() == wire.KindEventBatch || (len(batch) > 0 && env.Header.ThreadID != batchThread) {
			flushBatch()
		}
		if env.Payload.Kind() == wire.KindEventBatch {
			e.publish(env)
			return
		}
		if len(batch) == 0 {
			batchThread = env.Header.ThreadID
			timer.Reset(e.batchTimeout)
		}
		batch = append(batch, env)
		if len(batch) >= e.batchSize {
			flushBatch()
		}
	}

	drain := func() {
		for {
			select {
			case env := <-e.queue:
				handle(env)
			default:
				flushBatch()
				return
			}
		}
	}

	for {
		select {
		case env := <-e.queue:
			handle(env)
		case <-timer.C:
			flushBatch()
		case ack := <-e.flushReq:
			drain()
			close(ack)
		case <-e.closing:
			drain()
			return
		}
	}
}

func (e *Emitter) publish(env wire.Envelope) {
	data, _, err := wire.Encode(&env, e.enc)
	if err != nil {
		e.publishFailures.Add(1)
		e.logger.Error("encode envelope failed", err, logging.LogFields{
			"thread_id": env.Header.ThreadID,
			"kind":      string(env.Payload.Kind()),
		})
		return
	}

	msg := message.NewMessage(ids.CreateULID(), data)
	if env.Header.ThreadID != "" {
		msg.Metadata.Set(transport.MetadataPartitionKey, env.Header.ThreadID)
	}

	if err := e.pub.Publish(e.topic, msg); err != nil {
		e.publishFailures.Add(1)
		e.logger.Error("publish envelope failed", err, logging.LogFields{
			"thread_id": env.Header.ThreadID,
			"sequence":  env.Header.Sequence,
		})
		return
	}
	e.published.Add(1)
}
