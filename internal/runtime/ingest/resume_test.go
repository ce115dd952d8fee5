package ingest

import (
	"context"
	"fmt"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
	"github.com/drblury/flowtrace/internal/runtime/replay"
	"github.com/drblury/flowtrace/transport"
)

func storeWithEntries(t *testing.T, entries ...replay.Entry) *replay.Store {
	t.Helper()
	store := replay.NewStore(replay.Options{})
	t.Cleanup(func() { store.Close() })
	for _, e := range entries {
		store.Add(context.Background(), e)
	}
	return store
}

func partitionEntry(partition int32, offset int64, threadID string, seq uint64) replay.Entry {
	return replay.Entry{
		Data:     []byte(fmt.Sprintf("envelope-%d-%d", partition, offset)),
		Position: transport.Position{Partition: partition, Offset: offset},
		ThreadID: threadID,
		Sequence: seq,
	}
}

type decodedFrame struct {
	messageType int
	control     map[string]any
	binary      []byte
}

func decodeFrames(t *testing.T, frames []wsFrame) []decodedFrame {
	t.Helper()
	out := make([]decodedFrame, 0, len(frames))
	for _, f := range frames {
		d := decodedFrame{messageType: f.messageType}
		if f.messageType == websocket.TextMessage {
			d.control = map[string]any{}
			require.NoError(t, jsoncodec.Unmarshal(f.data, &d.control))
		} else {
			d.binary = f.data
		}
		out = append(out, d)
	}
	return out
}

func runSession(t *testing.T) (*Session, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	s := NewSession("client", conn, SessionOptions{})
	go s.Run()
	t.Cleanup(func() { s.Close(ReasonShutdown) })
	return s, conn
}

func TestResumeStaleCursorReportsGapSize(t *testing.T) {
	var entries []replay.Entry
	for offset := int64(100); offset <= 104; offset++ {
		entries = append(entries, partitionEntry(0, offset, "t1", uint64(offset-99)))
	}
	store := storeWithEntries(t, entries...)
	r := NewResumer(store, nil, nil)
	sess, conn := runSession(t)

	r.ServeResume(context.Background(), sess, &ControlMessage{
		Type:                   requestResume,
		Mode:                   modePartition,
		LastOffsetsByPartition: map[string]string{"0": "42"},
	})

	// stale_cursor + 5 cursor/binary pairs + replay_complete.
	frames := decodeFrames(t, waitFrames(t, conn, 12))

	require.Equal(t, frameStaleCursor, frames[0].control["type"])
	require.EqualValues(t, 58, frames[0].control["gap"])

	require.Equal(t, frameCursor, frames[1].control["type"])
	require.EqualValues(t, 100, frames[1].control["offset"])
	require.Equal(t, []byte("envelope-0-100"), frames[2].binary)

	last := frames[len(frames)-1]
	require.Equal(t, frameReplayComplete, last.control["type"])
	require.EqualValues(t, 5, last.control["total_replayed"])
	require.Equal(t, modePartition, last.control["mode"])
}

func TestResumePartitionModeStreamsInOrder(t *testing.T) {
	store := storeWithEntries(t,
		partitionEntry(0, 10, "a", 1),
		partitionEntry(0, 11, "a", 2),
		partitionEntry(1, 7, "b", 1),
	)
	r := NewResumer(store, nil, nil)
	sess, conn := runSession(t)

	r.ServeResume(context.Background(), sess, &ControlMessage{
		Type: requestResume,
		Mode: modePartition,
		// Cursor names partition 0 only; partition 1 is discovered and
		// served from the beginning.
		LastOffsetsByPartition: map[string]string{"0": "11"},
	})

	frames := decodeFrames(t, waitFrames(t, conn, 5))

	var offsets []int64
	for _, f := range frames {
		if f.control != nil && f.control["type"] == frameCursor {
			offsets = append(offsets, int64(f.control["offset"].(float64)))
		}
	}
	require.Equal(t, []int64{11, 7}, offsets)

	last := frames[len(frames)-1]
	require.Equal(t, frameReplayComplete, last.control["type"])
	require.EqualValues(t, 2, last.control["total_replayed"])
}

func TestResumeThreadMode(t *testing.T) {
	store := storeWithEntries(t,
		partitionEntry(0, 1, "thread-a", 1),
		partitionEntry(0, 2, "thread-a", 2),
		partitionEntry(0, 3, "thread-a", 3),
		partitionEntry(0, 4, "thread-b", 1),
	)
	r := NewResumer(store, nil, nil)
	sess, conn := runSession(t)

	r.ServeResume(context.Background(), sess, &ControlMessage{
		Type:                  requestResume,
		Mode:                  modeThread,
		LastSequencesByThread: map[string]string{"thread-a": "1"},
	})

	frames := decodeFrames(t, waitFrames(t, conn, 5))

	var seqs []uint64
	for _, f := range frames {
		if f.control != nil && f.control["type"] == frameCursor {
			require.Equal(t, "thread-a", f.control["thread_id"])
			seqs = append(seqs, uint64(f.control["sequence"].(float64)))
		}
	}
	require.Equal(t, []uint64{2, 3}, seqs)

	last := frames[len(frames)-1]
	require.EqualValues(t, 2, last.control["total_replayed"])
	require.Equal(t, modeThread, last.control["mode"])
}

func TestResumeFromLatestReplaysNothing(t *testing.T) {
	store := storeWithEntries(t, partitionEntry(0, 10, "a", 1))
	r := NewResumer(store, nil, nil)
	sess, conn := runSession(t)

	r.ServeResume(context.Background(), sess, &ControlMessage{
		Type: requestResume,
		Mode: modePartition,
		From: fromLatest,
	})

	frames := decodeFrames(t, waitFrames(t, conn, 1))
	require.Len(t, frames, 1)
	require.Equal(t, frameReplayComplete, frames[0].control["type"])
	require.EqualValues(t, 0, frames[0].control["total_replayed"])
	require.True(t, sess.Live())
}

func TestResumeFromEarliestReplaysEverything(t *testing.T) {
	store := storeWithEntries(t,
		partitionEntry(0, 0, "a", 1),
		partitionEntry(0, 1, "a", 2),
	)
	r := NewResumer(store, nil, nil)
	sess, conn := runSession(t)

	r.ServeResume(context.Background(), sess, &ControlMessage{
		Type: requestResume,
		Mode: modePartition,
		From: fromEarliest,
	})

	frames := decodeFrames(t, waitFrames(t, conn, 5))
	last := frames[len(frames)-1]
	require.EqualValues(t, 2, last.control["total_replayed"])
}

func TestResumeRejectsImplicitMode(t *testing.T) {
	store := storeWithEntries(t)
	r := NewResumer(store, nil, nil)
	sess, conn := runSession(t)

	// Mode must be named even when the cursor fields would disambiguate.
	r.ServeResume(context.Background(), sess, &ControlMessage{
		Type:                   requestResume,
		LastOffsetsByPartition: map[string]string{"0": "1"},
	})

	frames := decodeFrames(t, waitFrames(t, conn, 1))
	require.Equal(t, frameError, frames[0].control["type"])
	require.Equal(t, "invalid_request", frames[0].control["code"])
}

func TestCursorReset(t *testing.T) {
	store := storeWithEntries(t,
		partitionEntry(0, 41, "a", 1),
		partitionEntry(1, 7, "b", 1),
	)
	r := NewResumer(store, nil, nil)
	sess, conn := runSession(t)

	before := sess.Epoch()
	r.ServeCursorReset(context.Background(), sess)
	require.Greater(t, sess.Epoch(), before, "reset starts a new epoch")

	frames := decodeFrames(t, waitFrames(t, conn, 1))
	require.Equal(t, frameCursorResetDone, frames[0].control["type"])
	offsets := frames[0].control["offsets"].(map[string]any)
	require.EqualValues(t, 41, offsets["0"])
	require.EqualValues(t, 7, offsets["1"])
}

func TestParseControlEnforcesSizeCap(t *testing.T) {
	big := []byte(`{"type":"resume","mode":"partition","from":"earliest"}`)
	_, err := ParseControl(big, 8)
	require.Error(t, err)

	msg, err := ParseControl(big, 1024)
	require.NoError(t, err)
	require.Equal(t, requestResume, msg.Type)
	require.NoError(t, msg.Validate())
}

func TestControlValidation(t *testing.T) {
	cases := []struct {
		name string
		msg  ControlMessage
		ok   bool
	}{
		{"partition mode", ControlMessage{Type: requestResume, Mode: modePartition}, true},
		{"unknown mode", ControlMessage{Type: requestResume, Mode: "everything"}, false},
		{"unknown origin", ControlMessage{Type: requestResume, Mode: modePartition, From: "yesterday"}, false},
		{"thread cursor without threads", ControlMessage{Type: requestResume, Mode: modeThread, From: fromCursor}, false},
		{"thread earliest", ControlMessage{Type: requestResume, Mode: modeThread, From: fromEarliest}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}
