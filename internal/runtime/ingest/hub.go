package ingest

import (
	"sync"

	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
	"github.com/drblury/flowtrace/internal/runtime/logging"
	"github.com/drblury/flowtrace/internal/runtime/replay"
)

// Hub is the live-client registry: a lock-guarded map mutated only on
// connect and disconnect, fanned out to on every ingested envelope.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	metrics *Metrics
	logger  logging.ServiceLogger
}

func NewHub(metrics *Metrics, logger logging.ServiceLogger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		sessions: make(map[string]*Session),
		metrics:  metrics,
		logger:   logger,
	}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientConnected()
	}
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast fans a stored entry out to every live session as a cursor/binary
// pair. Sessions still replaying are skipped; redelivery overlap between a
// replay range and the live stream is resolved client-side by sequence
// gating. Enqueue never blocks, so one slow client cannot stall the rest.
func (h *Hub) Broadcast(e replay.Entry) {
	cursor, err := jsoncodec.Marshal(cursorFrame{
		Type:      frameCursor,
		Partition: e.Position.Partition,
		Offset:    e.Position.Offset,
		ThreadID:  e.ThreadID,
		Sequence:  e.Sequence,
	})
	if err != nil {
		h.logger.Error("failed to encode cursor frame", err, nil)
		return
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.Live() {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.EnqueuePair(s.Epoch(), cursor, e.Data)
	}
	if h.metrics != nil && len(targets) > 0 {
		h.metrics.Broadcast()
	}
}

// CloseAll disconnects every session, typically on shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close(reason)
	}
}
