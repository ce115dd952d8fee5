// Package wire defines the versioned envelope format shared by the emitter,
// the ingestion service, and client reconstructors.
//
// An envelope is a header plus exactly one payload variant. The payload set is
// a closed union: every consumer switches over Kind exhaustively, so adding a
// variant forces sequence extraction, replay indexing, and client apply to be
// updated together.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	errspkg "github.com/drblury/flowtrace/internal/runtime/errors"
	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
)

// CurrentSchemaVersion is stamped on every envelope header.
const CurrentSchemaVersion uint32 = 1

// SequenceUnassigned is the sentinel sequence value. It is never a real
// ordering value: batch envelopes carry it, and ingest rejects it on any
// non-batch envelope. Treat 0 as "absent" uniformly.
const SequenceUnassigned uint64 = 0

// Header identifies an envelope's thread, its position within that thread,
// and the schema it was written with.
type Header struct {
	ThreadID      string    `json:"thread_id"`
	Sequence      uint64    `json:"sequence"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion uint32    `json:"schema_version"`
}

// Kind tags a payload variant on the wire.
type Kind string

const (
	KindEvent         Kind = "event"
	KindStateDiff     Kind = "state_diff"
	KindCheckpoint    Kind = "checkpoint"
	KindMetrics       Kind = "metrics"
	KindEventBatch    Kind = "event_batch"
	KindTokenChunk    Kind = "token_chunk"
	KindToolExecution Kind = "tool_execution"
	KindError         Kind = "error"
)

// Payload is the closed set of envelope payloads. The unexported marker keeps
// the union sealed to this package. Envelopes carry pointer payloads: the
// decoder produces pointers and the emitter's redaction pass mutates them in
// place, so consumers switch on *Event, *StateDiff, and so on.
type Payload interface {
	Kind() Kind
	payloadMarker()
}

// EventType enumerates graph lifecycle events.
type EventType string

const (
	EventGraphStart EventType = "graph_start"
	EventGraphEnd   EventType = "graph_end"
	EventNodeStart  EventType = "node_start"
	EventNodeEnd    EventType = "node_end"
	EventNodeError  EventType = "node_error"
)

// Event reports a node or graph lifecycle transition.
type Event struct {
	Type       EventType      `json:"type"`
	NodeID     string         `json:"node_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (Event) Kind() Kind     { return KindEvent }
func (Event) payloadMarker() {}

// DiffOp is a single mutation within a StateDiff.
type DiffOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// StateDiff carries incremental state mutations, optionally anchored to a
// base checkpoint, or a full snapshot when FullState is set.
type StateDiff struct {
	Operations       []DiffOp        `json:"operations,omitempty"`
	FullState        json.RawMessage `json:"full_state,omitempty"`
	BaseCheckpointID string          `json:"base_checkpoint_id,omitempty"`
	// StateHash is the blake3 digest of the state after applying this diff.
	// Verified by clients only when the diff was actually applied.
	StateHash string `json:"state_hash,omitempty"`
}

func (StateDiff) Kind() Kind     { return KindStateDiff }
func (StateDiff) payloadMarker() {}

// Checkpoint is a named full-state snapshot that later diffs can anchor to.
type Checkpoint struct {
	ID    string          `json:"id"`
	State json.RawMessage `json:"state"`
}

func (Checkpoint) Kind() Kind     { return KindCheckpoint }
func (Checkpoint) payloadMarker() {}

// Metrics carries one named measurement.
type Metrics struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
}

func (Metrics) Kind() Kind     { return KindMetrics }
func (Metrics) payloadMarker() {}

// TokenChunk streams incremental model output for a node.
type TokenChunk struct {
	NodeID  string `json:"node_id"`
	Content string `json:"content"`
	Index   int    `json:"index"`
	Final   bool   `json:"final,omitempty"`
}

func (TokenChunk) Kind() Kind     { return KindTokenChunk }
func (TokenChunk) payloadMarker() {}

// ToolExecution records one tool call made during node execution.
type ToolExecution struct {
	NodeID     string          `json:"node_id"`
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
}

func (ToolExecution) Kind() Kind     { return KindToolExecution }
func (ToolExecution) payloadMarker() {}

// ErrorInfo reports an execution failure.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
}

func (ErrorInfo) Kind() Kind     { return KindError }
func (ErrorInfo) payloadMarker() {}

// EventBatch wraps several envelopes in one wire unit. The batch envelope's
// own sequence is the unassigned sentinel; inner envelopes carry real
// sequences. A batch holds a single thread unless MixedThreads is set — the
// replay store's thread index assumes single-thread batches.
type EventBatch struct {
	MixedThreads bool       `json:"mixed_threads,omitempty"`
	Events       []Envelope `json:"events"`
}

func (EventBatch) Kind() Kind     { return KindEventBatch }
func (EventBatch) payloadMarker() {}

// Envelope is one wire-format unit of telemetry.
type Envelope struct {
	Header  Header
	Payload Payload
}

// ThreadSeq is a (thread, sequence) coordinate extracted from an envelope.
type ThreadSeq struct {
	ThreadID string
	Sequence uint64
}

// Sequences returns every (thread, sequence) coordinate the envelope carries,
// for all payload variants. Batch envelopes yield their inner events'
// coordinates; the batch header's sentinel sequence is never returned.
func (e *Envelope) Sequences() ([]ThreadSeq, error) {
	if e.Payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	switch p := e.Payload.(type) {
	case *Event, *StateDiff, *Checkpoint, *Metrics, *TokenChunk, *ToolExecution, *ErrorInfo:
		if e.Header.Sequence == SequenceUnassigned {
			return nil, errspkg.ErrSequenceUnassigned
		}
		return []ThreadSeq{{ThreadID: e.Header.ThreadID, Sequence: e.Header.Sequence}}, nil
	case *EventBatch:
		if e.Header.Sequence != SequenceUnassigned {
			return nil, fmt.Errorf("wire: batch envelope carries real sequence %d", e.Header.Sequence)
		}
		out := make([]ThreadSeq, 0, len(p.Events))
		for i := range p.Events {
			inner, err := p.Events[i].Sequences()
			if err != nil {
				return nil, fmt.Errorf("wire: batch event %d: %w", i, err)
			}
			out = append(out, inner...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("wire: unhandled payload kind %q", e.Payload.Kind())
	}
}

// Validate checks the envelope's structural invariants: batches carry the
// sentinel sequence and a single thread unless flagged, everything else
// carries a real sequence and a thread id.
func (e *Envelope) Validate() error {
	if e.Payload == nil {
		return errspkg.ErrPayloadRequired
	}
	batch, isBatch := e.Payload.(*EventBatch)
	if !isBatch {
		if e.Header.ThreadID == "" {
			return fmt.Errorf("wire: envelope missing thread id")
		}
		if e.Header.Sequence == SequenceUnassigned {
			return errspkg.ErrSequenceUnassigned
		}
		return nil
	}

	if e.Header.Sequence != SequenceUnassigned {
		return fmt.Errorf("wire: batch envelope carries real sequence %d", e.Header.Sequence)
	}
	if batch.MixedThreads {
		return nil
	}
	for i := range batch.Events {
		if batch.Events[i].Header.ThreadID != e.Header.ThreadID {
			return fmt.Errorf("wire: batch mixes thread %q with %q without mixed_threads flag",
				e.Header.ThreadID, batch.Events[i].Header.ThreadID)
		}
	}
	return nil
}

type envelopeJSON struct {
	Header  Header          `json:"header"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON writes the envelope with an explicit kind tag so decoding can
// pick the payload type without trial and error.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	body, err := jsoncodec.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}
	return jsoncodec.Marshal(envelopeJSON{
		Header:  e.Header,
		Kind:    e.Payload.Kind(),
		Payload: body,
	})
}

// UnmarshalJSON reads a kind-tagged envelope. Unknown kinds fail decoding so
// schema drift surfaces as a decode error rather than silent data loss.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var raw envelopeJSON
	if err := jsoncodec.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := decodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}

	e.Header = raw.Header
	e.Payload = payload
	return nil
}

func decodePayload(kind Kind, body json.RawMessage) (Payload, error) {
	// A missing or null payload body would otherwise unmarshal into a
	// zero-value struct and read as a real payload downstream.
	body = bytes.TrimSpace(body)
	if len(body) == 0 || string(body) == "null" {
		return nil, errspkg.ErrPayloadRequired
	}
	switch kind {
	case KindEvent:
		p := new(Event)
		return p, jsoncodec.Unmarshal(body, p)
	case KindStateDiff:
		p := new(StateDiff)
		return p, jsoncodec.Unmarshal(body, p)
	case KindCheckpoint:
		p := new(Checkpoint)
		return p, jsoncodec.Unmarshal(body, p)
	case KindMetrics:
		p := new(Metrics)
		return p, jsoncodec.Unmarshal(body, p)
	case KindEventBatch:
		p := new(EventBatch)
		return p, jsoncodec.Unmarshal(body, p)
	case KindTokenChunk:
		p := new(TokenChunk)
		return p, jsoncodec.Unmarshal(body, p)
	case KindToolExecution:
		p := new(ToolExecution)
		return p, jsoncodec.Unmarshal(body, p)
	case KindError:
		p := new(ErrorInfo)
		return p, jsoncodec.Unmarshal(body, p)
	default:
		return nil, fmt.Errorf("wire: unknown payload kind %q", kind)
	}
}
