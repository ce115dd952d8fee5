package ingest

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/drblury/flowtrace/internal/runtime/errors"
	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
	"github.com/drblury/flowtrace/internal/runtime/logging"
	"github.com/drblury/flowtrace/internal/runtime/replay"
)

// ControlMessage is a parsed client control frame. Resume requests select
// their mode explicitly; a request that names neither or both modes is
// rejected rather than guessed at.
type ControlMessage struct {
	Type                   string            `json:"type"`
	Mode                   string            `json:"mode,omitempty"`
	LastOffsetsByPartition map[string]string `json:"lastOffsetsByPartition,omitempty"`
	LastSequencesByThread  map[string]string `json:"lastSequencesByThread,omitempty"`
	From                   string            `json:"from,omitempty"`
}

// ParseControl decodes a control frame, enforcing the byte cap before any
// parsing happens.
func ParseControl(data []byte, maxBytes int) (*ControlMessage, error) {
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, &errors.PayloadTooLargeError{Size: len(data), Max: maxBytes}
	}
	var msg ControlMessage
	if err := jsoncodec.Unmarshal(data, &msg); err != nil {
		return nil, &errors.ProtocolViolationError{Detail: fmt.Sprintf("malformed control frame: %v", err)}
	}
	return &msg, nil
}

// Validate checks a resume request before any replay work starts.
func (m *ControlMessage) Validate() error {
	if m.Type != requestResume {
		return nil
	}
	switch m.Mode {
	case modePartition, modeThread:
	case "":
		return fmt.Errorf("resume request must name a mode (%q or %q)", modePartition, modeThread)
	default:
		return fmt.Errorf("unknown resume mode %q", m.Mode)
	}
	switch m.From {
	case "", fromCursor, fromEarliest, fromLatest:
	default:
		return fmt.Errorf("unknown resume origin %q", m.From)
	}
	if m.Mode == modeThread && m.From != fromEarliest && m.From != fromLatest && len(m.LastSequencesByThread) == 0 {
		return fmt.Errorf("thread-mode resume from cursor requires lastSequencesByThread")
	}
	return nil
}

// Resumer serves replay ranges from the store onto client sessions as
// cursor/binary pairs.
type Resumer struct {
	store   *replay.Store
	metrics *Metrics
	logger  logging.ServiceLogger
}

func NewResumer(store *replay.Store, metrics *Metrics, logger logging.ServiceLogger) *Resumer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Resumer{store: store, metrics: metrics, logger: logger}
}

// ServeResume replays the requested range onto the session and marks it
// live. A new resume request starts a new epoch, so frames from any earlier
// replay still in flight are discarded. The session is marked live before
// streaming begins; overlap between the replay range and concurrently
// broadcast entries is deduplicated client-side by sequence gating.
func (r *Resumer) ServeResume(ctx context.Context, s *Session, req *ControlMessage) {
	if err := req.Validate(); err != nil {
		r.sendError(s, "invalid_request", err.Error())
		return
	}
	epoch := s.BumpEpoch()
	s.SetLive()

	var (
		total int
		err   error
	)
	switch req.Mode {
	case modePartition:
		total, err = r.servePartitions(ctx, s, epoch, req)
	case modeThread:
		total, err = r.serveThreads(ctx, s, epoch, req)
	}
	if err != nil {
		r.logger.Error("replay failed", err, logging.LogFields{"session_id": s.ID(), "mode": req.Mode})
		r.sendError(s, "replay_failed", "replay could not be served")
		return
	}

	complete, _ := jsoncodec.Marshal(replayCompleteFrame{
		Type:          frameReplayComplete,
		TotalReplayed: total,
		Mode:          req.Mode,
	})
	s.EnqueueControl(epoch, complete)
	if r.metrics != nil {
		r.metrics.ReplayServed(req.Mode, total)
	}
}

// partitionCursor is a resolved replay start for one partition. Only
// explicit client cursors produce stale-cursor notifications; a partition
// served from the beginning has nothing to be stale against.
type partitionCursor struct {
	after    int64
	explicit bool
}

func (r *Resumer) servePartitions(ctx context.Context, s *Session, epoch uint64, req *ControlMessage) (int, error) {
	cursors := make(map[int32]partitionCursor)
	switch req.From {
	case fromLatest:
		// Start at the high watermark: nothing to replay.
		return 0, nil
	case fromEarliest:
		// Low watermark for every partition the store has seen.
	default:
		for key, value := range req.LastOffsetsByPartition {
			partition, err := strconv.ParseInt(key, 10, 32)
			if err != nil {
				return 0, fmt.Errorf("invalid partition %q: %w", key, err)
			}
			offset, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid offset %q for partition %s: %w", value, key, err)
			}
			// Partition cursors follow the broker convention: the value is
			// the next offset the client expects, not the last one it saw.
			cursors[int32(partition)] = partitionCursor{after: offset - 1, explicit: true}
		}
	}

	// Partitions the client has no cursor for are served from the
	// beginning, so a resume never silently misses a partition that
	// appeared while the client was away.
	known, err := r.store.KnownPartitions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range known {
		if _, ok := cursors[p]; !ok {
			cursors[p] = partitionCursor{after: -1}
		}
	}

	partitions := make([]int32, 0, len(cursors))
	for p := range cursors {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	total := 0
	for _, partition := range partitions {
		cursor := cursors[partition]
		pr, err := r.store.PartitionAfter(ctx, partition, cursor.after)
		if err != nil {
			return total, err
		}
		if cursor.explicit && pr.Gap > 0 {
			p := partition
			stale, _ := jsoncodec.Marshal(staleCursorFrame{Type: frameStaleCursor, Partition: &p, Gap: pr.Gap})
			s.EnqueueControl(epoch, stale)
		}
		total += r.streamEntries(s, epoch, pr.Entries)
	}
	return total, nil
}

func (r *Resumer) serveThreads(ctx context.Context, s *Session, epoch uint64, req *ControlMessage) (int, error) {
	cursors := make(map[string]uint64, len(req.LastSequencesByThread))
	if req.From != fromLatest && req.From != fromEarliest {
		for threadID, value := range req.LastSequencesByThread {
			seq, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid sequence %q for thread %s: %w", value, threadID, err)
			}
			cursors[threadID] = seq
		}
	} else {
		for threadID := range req.LastSequencesByThread {
			cursors[threadID] = 0
		}
	}
	if req.From == fromLatest {
		return 0, nil
	}

	threads := make([]string, 0, len(cursors))
	for t := range cursors {
		threads = append(threads, t)
	}
	sort.Strings(threads)

	total := 0
	for _, threadID := range threads {
		tr, err := r.store.ThreadAfter(ctx, threadID, cursors[threadID])
		if err != nil {
			return total, err
		}
		if tr.Gap > 0 {
			stale, _ := jsoncodec.Marshal(staleCursorFrame{Type: frameStaleCursor, ThreadID: threadID, Gap: tr.Gap})
			s.EnqueueControl(epoch, stale)
		}
		total += r.streamEntries(s, epoch, tr.Entries)
	}
	return total, nil
}

func (r *Resumer) streamEntries(s *Session, epoch uint64, entries []replay.Entry) int {
	sent := 0
	for _, e := range entries {
		cursor, err := jsoncodec.Marshal(cursorFrame{
			Type:      frameCursor,
			Partition: e.Position.Partition,
			Offset:    e.Position.Offset,
			ThreadID:  e.ThreadID,
			Sequence:  e.Sequence,
		})
		if err != nil {
			continue
		}
		if s.EnqueuePair(epoch, cursor, e.Data) {
			sent++
		}
	}
	return sent
}

// ServeCursorReset reports the latest known offset per partition so the
// client can rebuild its cursors from scratch. The response is capped for
// high partition counts; a truncated flag tells the client to page via
// follow-up resume requests. The reset starts a new epoch so any in-flight
// replay for the old cursors is discarded.
func (r *Resumer) ServeCursorReset(ctx context.Context, s *Session) {
	epoch := s.BumpEpoch()
	s.SetLive()

	latest := r.store.LatestOffsets()
	partitions := make([]int32, 0, len(latest))
	for p := range latest {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	truncated := false
	if len(partitions) > maxCursorResetPartition {
		partitions = partitions[:maxCursorResetPartition]
		truncated = true
	}
	offsets := make(map[string]int64, len(partitions))
	for _, p := range partitions {
		offsets[strconv.FormatInt(int64(p), 10)] = latest[p]
	}

	frame, _ := jsoncodec.Marshal(cursorResetCompleteFrame{
		Type:      frameCursorResetDone,
		Offsets:   offsets,
		Truncated: truncated,
	})
	s.EnqueueControl(epoch, frame)
}

func (r *Resumer) sendError(s *Session, code, message string) {
	frame, _ := jsoncodec.Marshal(errorFrame{Type: frameError, Code: code, Message: message})
	s.EnqueueControl(s.Epoch(), frame)
}
