package reconstruct

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowtrace/internal/runtime/wire"
)

func envelope(seq uint64, payload wire.Payload) *wire.Envelope {
	return &wire.Envelope{
		Header: wire.Header{
			ThreadID:      "t1",
			Sequence:      seq,
			Timestamp:     time.Now().UTC(),
			SchemaVersion: wire.CurrentSchemaVersion,
		},
		Payload: payload,
	}
}

func stateJSON(t *testing.T, r *RunState) string {
	t.Helper()
	data, err := r.LatestState()
	require.NoError(t, err)
	return string(data)
}

func TestRunStateMissingBaseCheckpointSuspendsPatches(t *testing.T) {
	r := NewRunState("t1")

	applied, err := r.Apply(envelope(1, &wire.Event{Type: wire.EventNodeStart, NodeID: "n1"}))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = r.Apply(envelope(2, &wire.StateDiff{FullState: json.RawMessage(`{"x":1}`)}))
	require.NoError(t, err)
	require.True(t, applied)
	require.JSONEq(t, `{"x":1}`, stateJSON(t, r))

	// Checkpoint c1 was never stored: the diff must be refused, not applied.
	applied, err = r.Apply(envelope(3, &wire.StateDiff{
		BaseCheckpointID: "c1",
		Operations:       []wire.DiffOp{{Op: "set", Path: "x", Value: json.RawMessage(`2`)}},
	}))
	require.NoError(t, err)
	require.False(t, applied)
	require.True(t, r.NeedsResync())
	require.JSONEq(t, `{"x":1}`, stateJSON(t, r), "latest state is byte-for-byte unchanged")
	require.EqualValues(t, 2, r.LastAppliedSeq())
}

func TestRunStateSuspensionHoldsUntilSnapshot(t *testing.T) {
	r := NewRunState("t1")
	_, err := r.Apply(envelope(1, &wire.StateDiff{FullState: json.RawMessage(`{"x":1}`)}))
	require.NoError(t, err)

	_, err = r.Apply(envelope(2, &wire.StateDiff{
		BaseCheckpointID: "missing",
		Operations:       []wire.DiffOp{{Op: "set", Path: "x", Value: json.RawMessage(`2`)}},
	}))
	require.NoError(t, err)
	require.True(t, r.NeedsResync())

	// Even a well-anchored patch is refused while resync is pending.
	applied, err := r.Apply(envelope(3, &wire.StateDiff{
		Operations: []wire.DiffOp{{Op: "set", Path: "y", Value: json.RawMessage(`true`)}},
	}))
	require.NoError(t, err)
	require.False(t, applied)
	require.JSONEq(t, `{"x":1}`, stateJSON(t, r))

	// A checkpoint snapshot repairs the thread.
	applied, err = r.Apply(envelope(4, &wire.Checkpoint{ID: "c2", State: json.RawMessage(`{"x":5}`)}))
	require.NoError(t, err)
	require.True(t, applied)
	require.False(t, r.NeedsResync())
	require.JSONEq(t, `{"x":5}`, stateJSON(t, r))

	// And patches flow again.
	applied, err = r.Apply(envelope(5, &wire.StateDiff{
		BaseCheckpointID: "c2",
		Operations:       []wire.DiffOp{{Op: "set", Path: "y", Value: json.RawMessage(`true`)}},
	}))
	require.NoError(t, err)
	require.True(t, applied)
	require.JSONEq(t, `{"x":5,"y":true}`, stateJSON(t, r))
}

func TestRunStateSequenceGating(t *testing.T) {
	r := NewRunState("t1")
	_, err := r.Apply(envelope(2, &wire.StateDiff{FullState: json.RawMessage(`{"x":1}`)}))
	require.NoError(t, err)

	// A stale sequence is recorded but never mutates state.
	applied, err := r.Apply(envelope(1, &wire.StateDiff{FullState: json.RawMessage(`{"x":99}`)}))
	require.NoError(t, err)
	require.False(t, applied)
	require.JSONEq(t, `{"x":1}`, stateJSON(t, r))
	require.EqualValues(t, 2, r.LastAppliedSeq())

	timeline := r.Timeline()
	require.Len(t, timeline, 2)
	assert.False(t, timeline[1].Applied)
	assert.Equal(t, "duplicate or out of order", timeline[1].Note)
}

func TestRunStateIdempotentRedelivery(t *testing.T) {
	r := NewRunState("t1")
	diff := envelope(1, &wire.StateDiff{
		Operations: []wire.DiffOp{{Op: "set", Path: "count", Value: json.RawMessage(`1`)}},
	})

	applied, err := r.Apply(diff)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = r.Apply(diff)
	require.NoError(t, err)
	require.False(t, applied, "redelivered diff is not double-applied")
	require.JSONEq(t, `{"count":1}`, stateJSON(t, r))
}

func TestRunStateHashVerifiedOnlyWhenApplied(t *testing.T) {
	r := NewRunState("t1")
	_, err := r.Apply(envelope(1, &wire.StateDiff{FullState: json.RawMessage(`{"x":1}`)}))
	require.NoError(t, err)

	// This diff is refused (missing base) and carries a garbage hash; a
	// skipped apply must not be compared.
	_, err = r.Apply(envelope(2, &wire.StateDiff{
		BaseCheckpointID: "missing",
		Operations:       []wire.DiffOp{{Op: "set", Path: "x", Value: json.RawMessage(`2`)}},
		StateHash:        "deadbeef",
	}))
	require.NoError(t, err)
	require.False(t, r.Corrupted(), "hash of a refused apply is never checked")
}

func TestRunStateHashMismatchOnAppliedUpdate(t *testing.T) {
	r := NewRunState("t1")
	_, err := r.Apply(envelope(1, &wire.StateDiff{
		Operations: []wire.DiffOp{{Op: "set", Path: "x", Value: json.RawMessage(`1`)}},
		StateHash:  "deadbeef",
	}))
	require.NoError(t, err)
	require.True(t, r.Corrupted())

	// A snapshot repairs the corrupted state.
	_, err = r.Apply(envelope(2, &wire.Checkpoint{ID: "c1", State: json.RawMessage(`{"x":1}`)}))
	require.NoError(t, err)
	require.False(t, r.Corrupted())
}

func TestRunStateCorruptedRefusesPatchesUntilSnapshot(t *testing.T) {
	r := NewRunState("t1")
	_, err := r.Apply(envelope(1, &wire.StateDiff{
		Operations: []wire.DiffOp{{Op: "set", Path: "x", Value: json.RawMessage(`1`)}},
		StateHash:  "deadbeef",
	}))
	require.NoError(t, err)
	require.True(t, r.Corrupted())

	// Patches against a known-bad base are refused outright.
	applied, err := r.Apply(envelope(2, &wire.StateDiff{
		Operations: []wire.DiffOp{{Op: "set", Path: "y", Value: json.RawMessage(`2`)}},
	}))
	require.NoError(t, err)
	require.False(t, applied)
	require.JSONEq(t, `{"x":1}`, stateJSON(t, r))

	// A full-state diff repairs corruption the same way a checkpoint does.
	applied, err = r.Apply(envelope(3, &wire.StateDiff{FullState: json.RawMessage(`{"x":7}`)}))
	require.NoError(t, err)
	require.True(t, applied)
	require.False(t, r.Corrupted())

	applied, err = r.Apply(envelope(4, &wire.StateDiff{
		Operations: []wire.DiffOp{{Op: "set", Path: "y", Value: json.RawMessage(`2`)}},
	}))
	require.NoError(t, err)
	require.True(t, applied)
	require.JSONEq(t, `{"x":7,"y":2}`, stateJSON(t, r))
}

func TestRunStateHashMatchOnAppliedUpdate(t *testing.T) {
	r := NewRunState("t1")
	want, err := HashState(map[string]any{"x": float64(1)})
	require.NoError(t, err)

	_, err = r.Apply(envelope(1, &wire.StateDiff{
		Operations: []wire.DiffOp{{Op: "set", Path: "x", Value: json.RawMessage(`1`)}},
		StateHash:  want,
	}))
	require.NoError(t, err)
	require.False(t, r.Corrupted())
}

func TestRunStateUnparseableCheckpointIsInvalidBase(t *testing.T) {
	r := NewRunState("t1")
	applied, err := r.Apply(envelope(1, &wire.Checkpoint{ID: "c1", State: json.RawMessage(`{broken`)}))
	require.NoError(t, err)
	require.False(t, applied)

	// Present-but-invalid is treated exactly like absent.
	_, err = r.Apply(envelope(2, &wire.StateDiff{
		BaseCheckpointID: "c1",
		Operations:       []wire.DiffOp{{Op: "set", Path: "x", Value: json.RawMessage(`2`)}},
	}))
	require.NoError(t, err)
	require.True(t, r.NeedsResync())
}

func TestRunStateDeleteAndNestedOps(t *testing.T) {
	r := NewRunState("t1")
	_, err := r.Apply(envelope(1, &wire.StateDiff{Operations: []wire.DiffOp{
		{Op: "set", Path: "a.b", Value: json.RawMessage(`1`)},
		{Op: "set", Path: "keep", Value: json.RawMessage(`"yes"`)},
		{Op: "set", Path: "drop", Value: json.RawMessage(`true`)},
		{Op: "delete", Path: "drop"},
	}}))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":{"b":1},"keep":"yes"}`, stateJSON(t, r))
}

func TestRunStateBatchAppliesInnerEvents(t *testing.T) {
	r := NewRunState("t1")
	batch := &wire.Envelope{
		Header: wire.Header{ThreadID: "t1", SchemaVersion: wire.CurrentSchemaVersion},
		Payload: &wire.EventBatch{Events: []wire.Envelope{
			*envelope(1, &wire.Event{Type: wire.EventNodeStart, NodeID: "n1"}),
			*envelope(2, &wire.StateDiff{FullState: json.RawMessage(`{"x":3}`)}),
		}},
	}
	applied, err := r.Apply(batch)
	require.NoError(t, err)
	require.True(t, applied)
	require.EqualValues(t, 2, r.LastAppliedSeq())
	require.JSONEq(t, `{"x":3}`, stateJSON(t, r))
}
