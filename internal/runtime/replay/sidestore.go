package replay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// SideStore is the persistent second tier behind the in-memory ring. Writes
// are best-effort: the store spawns them in the background with bounded
// concurrency and drops them under saturation, relying on the broker's own
// retention for durability. Reads happen only when the memory ring cannot
// satisfy a resume on its own.
type SideStore interface {
	// Put stores one entry under its thread key and broker position.
	Put(ctx context.Context, threadKey string, e Entry) error

	// ThreadAfter returns up to limit entries for the thread key with
	// sequence strictly greater than afterSeq, in ascending sequence order.
	ThreadAfter(ctx context.Context, threadKey string, afterSeq uint64, limit int) ([]Entry, error)

	// PartitionAfter returns up to limit entries on the partition with
	// offset strictly greater than afterOffset, in ascending offset order.
	PartitionAfter(ctx context.Context, partition int32, afterOffset int64, limit int) ([]Entry, error)

	// Partitions lists the partitions with retained entries.
	Partitions(ctx context.Context) ([]int32, error)

	// Prune removes entries stored before the cutoff, returning the count.
	Prune(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// sideRecord is the CBOR-encoded form an entry takes at rest.
type sideRecord struct {
	Data      []byte `cbor:"1,keyasint"`
	Partition int32  `cbor:"2,keyasint"`
	Offset    int64  `cbor:"3,keyasint"`
	ThreadID  string `cbor:"4,keyasint"`
	Sequence  uint64 `cbor:"5,keyasint"`
	StoredAt  int64  `cbor:"6,keyasint"`
}

var sideEncMode, _ = cbor.CoreDetEncOptions().EncMode()

func encodeSideRecord(e Entry) ([]byte, error) {
	return sideEncMode.Marshal(sideRecord{
		Data:      e.Data,
		Partition: e.Position.Partition,
		Offset:    e.Position.Offset,
		ThreadID:  e.ThreadID,
		Sequence:  e.Sequence,
		StoredAt:  e.StoredAt.UnixNano(),
	})
}

func decodeSideRecord(raw []byte) (Entry, error) {
	var rec sideRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return Entry{}, err
	}
	e := Entry{
		Data:     rec.Data,
		ThreadID: rec.ThreadID,
		Sequence: rec.Sequence,
		StoredAt: time.Unix(0, rec.StoredAt),
	}
	e.Position.Partition = rec.Partition
	e.Position.Offset = rec.Offset
	return e, nil
}

// MemorySideStore is an in-process SideStore for tests and single-node
// deployments without a persistence path configured. Entries still round
// trip through the CBOR record form so both implementations exercise the
// same codec.
type MemorySideStore struct {
	mu      sync.RWMutex
	records []memRecord
}

type memRecord struct {
	threadKey string
	partition int32
	offset    int64
	sequence  uint64
	storedAt  time.Time
	raw       []byte
}

// NewMemorySideStore creates an empty in-process side store.
func NewMemorySideStore() *MemorySideStore {
	return &MemorySideStore{}
}

func (m *MemorySideStore) Put(_ context.Context, threadKey string, e Entry) error {
	raw, err := encodeSideRecord(e)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.partition == e.Position.Partition && rec.offset == e.Position.Offset {
			return nil
		}
	}
	m.records = append(m.records, memRecord{
		threadKey: threadKey,
		partition: e.Position.Partition,
		offset:    e.Position.Offset,
		sequence:  e.Sequence,
		storedAt:  e.StoredAt,
		raw:       raw,
	})
	return nil
}

func (m *MemorySideStore) ThreadAfter(_ context.Context, threadKey string, afterSeq uint64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, rec := range m.records {
		if rec.threadKey != threadKey || rec.sequence <= afterSeq {
			continue
		}
		e, err := decodeSideRecord(rec.raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySideStore) PartitionAfter(_ context.Context, partition int32, afterOffset int64, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, rec := range m.records {
		if rec.partition != partition || rec.offset <= afterOffset {
			continue
		}
		e, err := decodeSideRecord(rec.raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position.Offset < out[j].Position.Offset })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemorySideStore) Partitions(_ context.Context) ([]int32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[int32]struct{})
	for _, rec := range m.records {
		seen[rec.partition] = struct{}{}
	}
	out := make([]int32, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemorySideStore) Prune(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.records[:0]
	pruned := 0
	for _, rec := range m.records {
		if rec.storedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	m.records = kept
	return pruned, nil
}

func (m *MemorySideStore) Close() error { return nil }
