package ingest

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type wsFrame struct {
	messageType int
	data        []byte
}

// fakeConn collects written frames and serves reads from a channel.
type fakeConn struct {
	mu     sync.Mutex
	frames []wsFrame
	closed bool

	readCh chan wsFrame
	gate   chan struct{} // when non-nil, writes block until it closes
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan wsFrame)}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("connection closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.frames = append(f.frames, wsFrame{messageType: messageType, data: buf})
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetReadLimit(int64)               {}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	frame, ok := <-f.readCh
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return frame.messageType, frame.data, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) written() []wsFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wsFrame, len(f.frames))
	copy(out, f.frames)
	return out
}

func waitFrames(t *testing.T, conn *fakeConn, n int) []wsFrame {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(conn.written()) >= n
	}, time.Second, 5*time.Millisecond)
	return conn.written()
}

func TestSessionWritesCursorThenBinary(t *testing.T) {
	conn := newFakeConn()
	s := NewSession("s1", conn, SessionOptions{})
	go s.Run()
	defer s.Close(ReasonShutdown)

	require.True(t, s.EnqueuePair(s.Epoch(), []byte(`{"type":"cursor"}`), []byte{0x00, 0x01}))

	frames := waitFrames(t, conn, 2)
	require.Equal(t, websocket.TextMessage, frames[0].messageType)
	require.JSONEq(t, `{"type":"cursor"}`, string(frames[0].data))
	require.Equal(t, websocket.BinaryMessage, frames[1].messageType)
	require.Equal(t, []byte{0x00, 0x01}, frames[1].data)
}

func TestSessionDropsFramesFromStaleEpoch(t *testing.T) {
	conn := newFakeConn()
	s := NewSession("s1", conn, SessionOptions{})
	go s.Run()
	defer s.Close(ReasonShutdown)

	stale := s.Epoch()
	s.BumpEpoch()

	require.False(t, s.EnqueuePair(stale, []byte(`{}`), []byte{0x00}))
	require.True(t, s.EnqueueControl(s.Epoch(), []byte(`{"type":"replay_complete"}`)))

	frames := waitFrames(t, conn, 1)
	require.Len(t, frames, 1)
	require.Contains(t, string(frames[0].data), "replay_complete")
}

func TestSessionDisconnectsSlowClient(t *testing.T) {
	conn := newFakeConn()
	conn.gate = make(chan struct{}) // writer blocks, queue fills

	var (
		mu     sync.Mutex
		reason string
	)
	s := NewSession("s1", conn, SessionOptions{
		QueueCapacity: 4,
		LagThreshold:  10,
		OnClose: func(id, r string) {
			mu.Lock()
			reason = r
			mu.Unlock()
		},
	})
	go s.Run()

	// One frame parks in the writer, four fill the queue; every further
	// enqueue counts against the lag window until the threshold passes.
	for i := 0; i < 20; i++ {
		s.EnqueuePair(s.Epoch(), []byte(`{}`), []byte{0x00})
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("slow client was not disconnected")
	}
	close(conn.gate)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, ReasonSlowClient, reason)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	var calls int
	s := NewSession("s1", conn, SessionOptions{
		OnClose: func(id, r string) { calls++ },
	})

	s.Close(ReasonClientGone)
	s.Close(ReasonSendFailure)
	require.Equal(t, 1, calls)
}
