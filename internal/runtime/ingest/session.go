package ingest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/flowtrace/internal/runtime/logging"
)

// Disconnect reason codes reported in metrics and close frames.
const (
	ReasonSlowClient  = "slow_client"
	ReasonSendFailure = "send_failure"
	ReasonProtocol    = "protocol_violation"
	ReasonClientGone  = "client_gone"
	ReasonShutdown    = "shutdown"
)

// clientConn is the subset of *websocket.Conn the session needs. Tests
// substitute an in-memory implementation.
type clientConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	Close() error
}

// outboundFrame is one unit of work for the session writer. A frame carries
// either a cursor/binary pair or a standalone control message, tagged with
// the epoch it was built for so work enqueued before a reset never reaches
// the wire afterwards.
type outboundFrame struct {
	epoch   uint64
	cursor  []byte
	binary  []byte
	control []byte
}

// SessionOptions tunes a single client connection.
type SessionOptions struct {
	QueueCapacity int
	SendTimeout   time.Duration
	LagWindow     time.Duration
	LagThreshold  uint64
	Metrics       *Metrics
	Logger        logging.ServiceLogger
	// OnClose runs exactly once when the session shuts down, after the
	// disconnect reason has been recorded. The hub uses it to unregister.
	OnClose func(id string, reason string)
}

// Session is one connected client: a bounded outbound queue drained by a
// single writer goroutine, plus a windowed lag counter that disconnects
// clients which cannot keep up with the broadcast rate.
type Session struct {
	id   string
	conn clientConn

	out         chan outboundFrame
	epoch       atomic.Uint64
	live        atomic.Bool
	lag         *SlidingWindow
	lagLimit    uint64
	sendTimeout time.Duration

	metrics *Metrics
	logger  logging.ServiceLogger
	onClose func(id string, reason string)

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an accepted connection. The caller starts the writer with
// Run and feeds frames via Enqueue* methods.
func NewSession(id string, conn clientConn, opts SessionOptions) *Session {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.LagWindow <= 0 {
		opts.LagWindow = time.Minute
	}
	if opts.LagThreshold == 0 {
		opts.LagThreshold = 500
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	s := &Session{
		id:          id,
		conn:        conn,
		out:         make(chan outboundFrame, opts.QueueCapacity),
		lag:         NewSlidingWindow(opts.LagWindow, 6),
		lagLimit:    opts.LagThreshold,
		sendTimeout: opts.SendTimeout,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		onClose:     opts.OnClose,
		done:        make(chan struct{}),
	}
	s.epoch.Store(1)
	return s
}

func (s *Session) ID() string { return s.id }

// Epoch returns the current connection generation. Replay tasks capture it
// when they start and pass it back with every frame they enqueue.
func (s *Session) Epoch() uint64 { return s.epoch.Load() }

// BumpEpoch invalidates all in-flight work built for earlier epochs and
// returns the new generation. Called on cursor resets and new resume
// requests.
func (s *Session) BumpEpoch() uint64 {
	s.live.Store(false)
	return s.epoch.Add(1)
}

// SetLive marks the session as caught up; broadcasts start flowing to it.
func (s *Session) SetLive() { s.live.Store(true) }

// Live reports whether the session receives live broadcast traffic.
func (s *Session) Live() bool { return s.live.Load() }

// EnqueuePair queues a cursor frame immediately followed by its binary
// payload. Non-blocking: a full queue drops the frame, counts it against the
// windowed lag budget, and disconnects the client once the window exceeds
// the threshold. Frames tagged with a stale epoch are dropped silently.
func (s *Session) EnqueuePair(epoch uint64, cursor, binary []byte) bool {
	return s.enqueue(outboundFrame{epoch: epoch, cursor: cursor, binary: binary})
}

// EnqueueControl queues a standalone control (text) frame.
func (s *Session) EnqueueControl(epoch uint64, control []byte) bool {
	return s.enqueue(outboundFrame{epoch: epoch, control: control})
}

func (s *Session) enqueue(f outboundFrame) bool {
	if f.epoch != s.epoch.Load() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- f:
		return true
	default:
		s.lag.Incr(1)
		if s.metrics != nil {
			s.metrics.SendFailure("queue_full")
		}
		if s.lag.Sum() > s.lagLimit {
			s.Close(ReasonSlowClient)
		}
		return false
	}
}

// Run drains the outbound queue onto the connection. It returns when the
// session closes. Every write carries a deadline; a failed or timed-out
// write disconnects the client rather than blocking the writer.
func (s *Session) Run() {
	defer s.Close(ReasonClientGone)
	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			// Stale frames from before a reset never reach the wire.
			if f.epoch != s.epoch.Load() {
				continue
			}
			if err := s.writeFrame(f); err != nil {
				if s.metrics != nil {
					s.metrics.SendFailure("write")
				}
				s.logger.Error("client write failed", err, logging.LogFields{"session_id": s.id})
				s.Close(ReasonSendFailure)
				return
			}
		}
	}
}

func (s *Session) writeFrame(f outboundFrame) error {
	deadline := time.Now().Add(s.sendTimeout)
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if f.control != nil {
		return s.conn.WriteMessage(websocket.TextMessage, f.control)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, f.cursor); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, f.binary)
}

// Close shuts the session down with the given reason. Safe to call from any
// goroutine; only the first call records the disconnect.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.epoch.Add(1)
		close(s.done)
		_ = s.conn.Close()
		if s.metrics != nil {
			s.metrics.ClientDisconnected(reason)
		}
		if s.onClose != nil {
			s.onClose(s.id, reason)
		}
	})
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }
