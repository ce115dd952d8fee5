package emitter

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowtrace/internal/runtime/errors"
	"github.com/drblury/flowtrace/internal/runtime/wire"
	"github.com/drblury/flowtrace/transport"
)

// capturePublisher records published messages; Publish can be gated to keep
// the worker busy while tests fill the queue.
type capturePublisher struct {
	mu      sync.Mutex
	msgs    []*message.Message
	topics  []string
	gate    chan struct{}
	entered chan struct{}
}

func (p *capturePublisher) Publish(topic string, messages ...*message.Message) error {
	if p.entered != nil {
		select {
		case p.entered <- struct{}{}:
		default:
		}
	}
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range messages {
		p.msgs = append(p.msgs, m)
		p.topics = append(p.topics, topic)
	}
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.msgs...)
}

func decodeAll(t *testing.T, msgs []*message.Message) []*wire.Envelope {
	t.Helper()
	out := make([]*wire.Envelope, 0, len(msgs))
	for _, m := range msgs {
		env, err := wire.DecodeStrict(m.Payload, wire.DefaultMaxPayloadSize)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestEmitter_AssignsPerThreadSequences(t *testing.T) {
	pub := &capturePublisher{}
	e, err := New(Options{Publisher: pub, Topic: "telemetry"})
	require.NoError(t, err)

	require.NoError(t, e.EmitEvent("t1", wire.EventNodeStart, "n1", nil))
	require.NoError(t, e.EmitEvent("t2", wire.EventNodeStart, "n1", nil))
	require.NoError(t, e.EmitEvent("t1", wire.EventNodeEnd, "n1", nil))

	require.NoError(t, e.Flush(context.Background()))
	require.NoError(t, e.Close())

	envs := decodeAll(t, pub.messages())
	require.Len(t, envs, 3)

	bySeq := map[string][]uint64{}
	for _, env := range envs {
		bySeq[env.Header.ThreadID] = append(bySeq[env.Header.ThreadID], env.Header.Sequence)
	}
	assert.Equal(t, []uint64{1, 2}, bySeq["t1"])
	assert.Equal(t, []uint64{1}, bySeq["t2"])
}

func TestEmitter_SetsPartitionKeyMetadata(t *testing.T) {
	pub := &capturePublisher{}
	e, err := New(Options{Publisher: pub, Topic: "telemetry"})
	require.NoError(t, err)

	require.NoError(t, e.EmitEvent("thread-42", wire.EventGraphStart, "", nil))
	require.NoError(t, e.Flush(context.Background()))
	require.NoError(t, e.Close())

	msgs := pub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "thread-42", msgs[0].Metadata.Get(transport.MetadataPartitionKey))
}

func TestEmitter_QueueFullDropsExactly(t *testing.T) {
	gate := make(chan struct{})
	pub := &capturePublisher{gate: gate, entered: make(chan struct{}, 1)}
	e, err := New(Options{Publisher: pub, Topic: "telemetry", QueueCapacity: 1000})
	require.NoError(t, err)

	// Park the worker inside the gated publisher so the queue fills.
	require.NoError(t, e.EmitEvent("t1", wire.EventNodeStart, "n", nil))
	<-pub.entered

	for i := 0; i < 1100; i++ {
		require.NoError(t, e.EmitEvent("t1", wire.EventNodeStart, "n", nil))
	}

	stats := e.Stats()
	assert.Equal(t, uint64(100), stats.Dropped)
	assert.Equal(t, uint64(1001), stats.Emitted)

	close(gate)
	require.NoError(t, e.Close())
}

func TestEmitter_RedactsAttributes(t *testing.T) {
	pub := &capturePublisher{}
	e, err := New(Options{Publisher: pub, Topic: "telemetry"})
	require.NoError(t, err)

	require.NoError(t, e.EmitEvent("t1", wire.EventNodeEnd, "n1", map[string]any{
		"secret": "sk-abcdefghijklmnopqrstuv",
	}))
	require.NoError(t, e.Flush(context.Background()))
	require.NoError(t, e.Close())

	envs := decodeAll(t, pub.messages())
	require.Len(t, envs, 1)
	ev := envs[0].Payload.(*wire.Event)
	assert.Equal(t, "[OPENAI_KEY]", ev.Attributes["secret"])
}

func TestEmitter_TruncatesOversizedPayloads(t *testing.T) {
	pub := &capturePublisher{}
	e, err := New(Options{Publisher: pub, Topic: "telemetry", MaxPayloadBytes: 256})
	require.NoError(t, err)

	huge := strings.Repeat("x", 10_000)
	require.NoError(t, e.EmitCheckpoint("t1", "c1", json.RawMessage(`"`+huge+`"`)))
	require.NoError(t, e.Flush(context.Background()))
	require.NoError(t, e.Close())

	envs := decodeAll(t, pub.messages())
	require.Len(t, envs, 1)
	info, ok := envs[0].Payload.(*wire.ErrorInfo)
	require.True(t, ok, "oversized payload should become a summary, not vanish")
	assert.Equal(t, wire.TruncatedPayloadCode, info.Code)

	var summary wire.PayloadSummary
	require.NoError(t, json.Unmarshal([]byte(info.Message), &summary))
	assert.NotEmpty(t, summary.Hash)
	assert.Greater(t, summary.OriginalLen, 256)
	assert.LessOrEqual(t, len(summary.Preview), wire.DefaultPreviewBytes)

	assert.Equal(t, uint64(1), e.Stats().Truncated)
}

func TestEmitter_BatchesConsecutiveSameThread(t *testing.T) {
	pub := &capturePublisher{}
	e, err := New(Options{Publisher: pub, Topic: "telemetry", BatchSize: 3, BatchTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.EmitEvent("t1", wire.EventNodeStart, "n", nil))
	}
	require.NoError(t, e.Flush(context.Background()))
	require.NoError(t, e.Close())

	envs := decodeAll(t, pub.messages())
	require.Len(t, envs, 1)
	assert.Equal(t, wire.SequenceUnassigned, envs[0].Header.Sequence)
	batch := envs[0].Payload.(*wire.EventBatch)
	require.Len(t, batch.Events, 3)
	for i, inner := range batch.Events {
		assert.Equal(t, "t1", inner.Header.ThreadID)
		assert.Equal(t, uint64(i+1), inner.Header.Sequence)
	}
}

func TestEmitter_BatchNeverMixesThreads(t *testing.T) {
	pub := &capturePublisher{}
	e, err := New(Options{Publisher: pub, Topic: "telemetry", BatchSize: 10, BatchTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, e.EmitEvent("t1", wire.EventNodeStart, "n", nil))
	require.NoError(t, e.EmitEvent("t1", wire.EventNodeEnd, "n", nil))
	require.NoError(t, e.EmitEvent("t2", wire.EventNodeStart, "n", nil))
	require.NoError(t, e.Flush(context.Background()))
	require.NoError(t, e.Close())

	envs := decodeAll(t, pub.messages())
	require.Len(t, envs, 2)
	for _, env := range envs {
		switch p := env.Payload.(type) {
		case *wire.EventBatch:
			assert.Equal(t, "t1", env.Header.ThreadID)
			assert.Len(t, p.Events, 2)
		case *wire.Event:
			assert.Equal(t, "t2", env.Header.ThreadID)
		default:
			t.Fatalf("unexpected payload %T", p)
		}
	}
}

func TestEmitter_ExplicitMixedBatchRequiresFlag(t *testing.T) {
	pub := &capturePublisher{}
	e, err := New(Options{Publisher: pub, Topic: "telemetry"})
	require.NoError(t, err)
	defer e.Close()

	mixed := &wire.EventBatch{Events: []wire.Envelope{
		{Header: wire.Header{ThreadID: "t1"}, Payload: &wire.Event{Type: wire.EventNodeStart}},
		{Header: wire.Header{ThreadID: "t2"}, Payload: &wire.Event{Type: wire.EventNodeStart}},
	}}
	err = e.EmitEventBatch("t1", mixed)
	require.Error(t, err)

	mixed.MixedThreads = true
	// Sequences were assigned by the failed attempt; reset for clarity.
	require.NoError(t, e.EmitEventBatch("t1", mixed))
}

func TestEmitter_EmitAfterClose(t *testing.T) {
	pub := &capturePublisher{}
	e, err := New(Options{Publisher: pub, Topic: "telemetry"})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	err = e.EmitEvent("t1", wire.EventNodeStart, "n", nil)
	assert.ErrorIs(t, err, errspkg.ErrEmitterClosed)
}

func TestEmitter_ValidatesInputs(t *testing.T) {
	pub := &capturePublisher{}

	_, err := New(Options{Topic: "telemetry"})
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	_, err = New(Options{Publisher: pub})
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)

	e, err := New(Options{Publisher: pub, Topic: "telemetry"})
	require.NoError(t, err)
	defer e.Close()

	assert.ErrorIs(t, e.Emit("t1", nil), errspkg.ErrPayloadRequired)
	assert.ErrorIs(t, e.Emit("", &wire.Event{Type: wire.EventNodeStart}), errspkg.ErrThreadIDRequired)
}
