// Package replay implements the broker-side replay store: a bounded
// in-memory ring of recently ingested envelopes, indexed by thread sequence
// and by broker position, with an optional persistent side store for longer
// retention. Resuming clients are served from memory first and fall back to
// the side store.
package replay

import (
	"time"

	"github.com/drblury/flowtrace/transport"
)

// Entry is one ingested envelope held for replay. Data is the raw wire frame
// exactly as it was consumed, so replayed bytes are identical to live bytes.
type Entry struct {
	Data     []byte
	Position transport.Position

	// ThreadID and Sequence come from the decoded envelope header. ThreadID
	// is empty and Sequence zero for frames that carried no thread identity
	// (such as mixed-thread batches); those are replayable by partition only.
	ThreadID string
	Sequence uint64

	StoredAt time.Time
}

// ThreadReplay is the result of a thread-mode replay query.
type ThreadReplay struct {
	Entries []Entry

	// Gap is the number of missing sequences between the requested cursor
	// and the oldest retained entry. Zero means the replay is complete.
	Gap uint64

	// Earliest and Latest are the retained sequence watermarks for the
	// thread. Both are zero when the thread is unknown.
	Earliest uint64
	Latest   uint64
}

// PartitionReplay is the result of a partition-mode replay query for one
// partition.
type PartitionReplay struct {
	Entries []Entry

	// Gap reports how many offsets between the cursor and the oldest
	// retained entry were lost to eviction. Zero means complete.
	Gap uint64

	// Earliest and Latest are the retained offset watermarks. Valid is
	// false when the partition has no retained entries.
	Earliest int64
	Latest   int64
	Valid    bool
}

// MetricsSnapshot captures the store's internal counters for export.
type MetricsSnapshot struct {
	MemoryHits        uint64
	SideHits          uint64
	SideMisses        uint64
	MemorySize        int
	Evicted           uint64
	Expired           uint64
	Duplicates        uint64
	SideWriteDropped  uint64
	SideWriteFailures uint64
}
