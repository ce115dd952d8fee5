package ingest

// Control-frame type tags on the client channel. Cursor frames are text
// frames immediately followed by a binary frame carrying the envelope bytes;
// everything else is a standalone control message.
const (
	frameCursor             = "cursor"
	frameStaleCursor        = "stale_cursor"
	frameReplayComplete     = "replay_complete"
	frameCursorResetDone    = "cursor_reset_complete"
	frameError              = "error"
	requestResume           = "resume"
	requestCursorReset      = "cursor_reset"
	modePartition           = "partition"
	modeThread              = "thread"
	fromCursor              = "cursor"
	fromEarliest            = "earliest"
	fromLatest              = "latest"
	maxCursorResetPartition = 256
)

// cursorFrame marks the transport position of the binary frame that follows
// it. Partition coordinates are always present; thread coordinates are
// present when the envelope carries them.
type cursorFrame struct {
	Type      string `json:"type"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
	ThreadID  string `json:"thread_id,omitempty"`
	Sequence  uint64 `json:"sequence,omitempty"`
}

// staleCursorFrame tells the client that retention already evicted part of
// the range it asked for, and by how much.
type staleCursorFrame struct {
	Type      string `json:"type"`
	Partition *int32 `json:"partition,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Gap       uint64 `json:"gap"`
}

type replayCompleteFrame struct {
	Type          string `json:"type"`
	TotalReplayed int    `json:"total_replayed"`
	Mode          string `json:"mode"`
}

type cursorResetCompleteFrame struct {
	Type      string           `json:"type"`
	Offsets   map[string]int64 `json:"offsets"`
	Truncated bool             `json:"truncated,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
