package flowtrace

import (
	"testing"
	"time"
)

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestWireExportRoundTrip(t *testing.T) {
	env := &Envelope{
		Header: Header{
			ThreadID:      "thread-1",
			Sequence:      1,
			Timestamp:     time.Now().UTC(),
			SchemaVersion: CurrentSchemaVersion,
		},
		Payload: &Event{Type: EventNodeStart, NodeID: "n1"},
	}

	data, _, err := EncodeEnvelope(env, EncodeOptions{})
	if err != nil {
		t.Fatalf("encode alias failed: %v", err)
	}

	decoded, err := DecodeStrict(data, DefaultMaxPayloadSize)
	if err != nil {
		t.Fatalf("decode alias failed: %v", err)
	}
	if decoded.Payload.Kind() != KindEvent {
		t.Fatalf("expected event payload, got %q", decoded.Payload.Kind())
	}
}

func TestPolicyExports(t *testing.T) {
	if got := ParseDecodeErrorPolicy("pause"); got != PolicyPause {
		t.Fatalf("expected pause policy, got %q", got)
	}
	if got := ParseDecodeErrorPolicy("anything-else"); got != PolicySkip {
		t.Fatalf("expected skip policy, got %q", got)
	}
}

func TestIDAndHashExports(t *testing.T) {
	if id := CreateULID(); len(id) != 26 {
		t.Fatalf("expected 26-char ULID, got %q", id)
	}

	a, _ := HashState(map[string]any{"x": float64(1)})
	b, _ := HashState(map[string]any{"x": float64(1)})
	if a == "" || a != b {
		t.Fatalf("expected deterministic state hash, got %q and %q", a, b)
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NopLogger()
	logger.Info("boot", LogFields{"component": "test"})
}
