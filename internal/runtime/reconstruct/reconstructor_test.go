package reconstruct

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowtrace/internal/runtime/errors"
	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
	"github.com/drblury/flowtrace/internal/runtime/wire"
)

func encode(t *testing.T, env *wire.Envelope) []byte {
	t.Helper()
	data, _, err := wire.Encode(env, wire.EncodeOptions{})
	require.NoError(t, err)
	return data
}

func cursorFrame(t *testing.T, threadID string, seq uint64, offset int64) []byte {
	t.Helper()
	data, err := jsoncodec.Marshal(map[string]any{
		"type":      "cursor",
		"partition": 0,
		"offset":    offset,
		"thread_id": threadID,
		"sequence":  seq,
	})
	require.NoError(t, err)
	return data
}

func deliver(t *testing.T, r *Reconstructor, env *wire.Envelope, offset int64) {
	t.Helper()
	event, err := r.OnTextFrame(cursorFrame(t, env.Header.ThreadID, env.Header.Sequence, offset))
	require.NoError(t, err)
	require.Nil(t, event, "cursor frames are absorbed by the pairing machine")
	require.NoError(t, r.OnBinaryFrame(context.Background(), encode(t, env)))
}

func waitApplied(t *testing.T, r *Reconstructor, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Stats().Applied >= n
	}, time.Second, 5*time.Millisecond)
}

func TestReconstructorPairsCursorAndBinary(t *testing.T) {
	r := New(Options{})

	deliver(t, r, envelope(1, &wire.StateDiff{FullState: json.RawMessage(`{"x":1}`)}), 10)
	waitApplied(t, r, 1)

	state := r.Thread("t1")
	require.NotNil(t, state)
	require.EqualValues(t, 1, state.LastAppliedSeq())
}

func TestReconstructorAppliesBurstInArrivalOrder(t *testing.T) {
	r := New(Options{DecodeWorkers: 4})

	// Decodes run concurrently, but applies must follow frame arrival order:
	// a later sequence landing first would make every earlier sequence read
	// as out of order and drop it for good.
	const frames = 32
	for seq := uint64(1); seq <= frames; seq++ {
		deliver(t, r, envelope(seq, &wire.StateDiff{
			Operations: []wire.DiffOp{{Op: "set", Path: "n", Value: json.RawMessage(fmt.Sprintf(`%d`, seq))}},
		}), int64(seq))
	}
	waitApplied(t, r, frames)

	stats := r.Stats()
	require.EqualValues(t, frames, stats.Applied)
	require.Zero(t, stats.Ignored, "no in-order diff may be refused")

	state := r.Thread("t1")
	require.NotNil(t, state)
	require.EqualValues(t, frames, state.LastAppliedSeq())
	require.JSONEq(t, fmt.Sprintf(`{"n":%d}`, frames), stateJSON(t, state))
}

func TestReconstructorRejectsUnpairedBinaryFrame(t *testing.T) {
	r := New(Options{})

	err := r.OnBinaryFrame(context.Background(), []byte{0x00, '{', '}'})
	require.Error(t, err)
	var violation *errspkg.ProtocolViolationError
	require.ErrorAs(t, err, &violation)
	require.EqualValues(t, 1, r.Stats().Violations)
}

func TestReconstructorCursorIsConsumedByOneBinaryFrame(t *testing.T) {
	r := New(Options{})

	deliver(t, r, envelope(1, &wire.Event{Type: wire.EventNodeStart}), 1)
	waitApplied(t, r, 1)

	// The cursor was consumed; a second binary frame has no pair.
	err := r.OnBinaryFrame(context.Background(), []byte{0x00, '{', '}'})
	require.Error(t, err)
}

func TestReconstructorStaleCursorMarksThreadForResync(t *testing.T) {
	r := New(Options{})
	deliver(t, r, envelope(1, &wire.StateDiff{FullState: json.RawMessage(`{"x":1}`)}), 1)
	waitApplied(t, r, 1)

	event, err := r.OnTextFrame([]byte(`{"type":"stale_cursor","thread_id":"t1","gap":58}`))
	require.NoError(t, err)
	require.NotNil(t, event)
	require.Equal(t, "stale_cursor", event.Type)
	require.EqualValues(t, 58, event.Raw["gap"])

	require.True(t, r.Thread("t1").NeedsResync())
}

func TestReconstructorSurfacesControlFrames(t *testing.T) {
	r := New(Options{})

	event, err := r.OnTextFrame([]byte(`{"type":"replay_complete","total_replayed":5,"mode":"partition"}`))
	require.NoError(t, err)
	require.Equal(t, "replay_complete", event.Type)
	require.EqualValues(t, 5, event.Raw["total_replayed"])
}

func TestReconstructorDecodeFailureIsContained(t *testing.T) {
	r := New(Options{})

	_, err := r.OnTextFrame(cursorFrame(t, "t1", 1, 1))
	require.NoError(t, err)
	require.NoError(t, r.OnBinaryFrame(context.Background(), []byte{0x00, 'g', 'a', 'r', 'b', 'a', 'g', 'e'}))

	require.Eventually(t, func() bool {
		return r.Stats().DecodeFailures == 1
	}, time.Second, 5*time.Millisecond)
	require.Nil(t, r.Thread("t1"), "a bad payload degrades nothing")
}

func TestReconstructorResetStartsNewEpoch(t *testing.T) {
	r := New(Options{})
	deliver(t, r, envelope(1, &wire.StateDiff{FullState: json.RawMessage(`{"x":1}`)}), 1)
	waitApplied(t, r, 1)

	before := r.Epoch()
	next := r.ResetAndResync()
	require.Greater(t, next, before)
	require.Empty(t, r.Threads(), "reset discards all local state")
	require.Nil(t, r.Thread("t1"))
}

func TestReconstructorEvictsLeastRecentlyTouchedThread(t *testing.T) {
	r := New(Options{MaxThreads: 2})

	for i := 0; i < 3; i++ {
		threadID := fmt.Sprintf("thread-%d", i)
		env := envelope(1, &wire.Event{Type: wire.EventNodeStart})
		env.Header.ThreadID = threadID
		deliver(t, r, env, int64(i))
		waitApplied(t, r, uint64(i+1))
	}

	require.Len(t, r.Threads(), 2)
	require.Nil(t, r.Thread("thread-0"), "oldest thread is evicted first")
	require.NotNil(t, r.Thread("thread-2"))
}
