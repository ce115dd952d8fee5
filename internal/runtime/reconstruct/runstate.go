// Package reconstruct rebuilds per-thread run state on the client side from
// the envelope stream: live broadcasts and replayed history alike.
package reconstruct

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	errspkg "github.com/drblury/flowtrace/internal/runtime/errors"
	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
	"github.com/drblury/flowtrace/internal/runtime/wire"
)

// DefaultTimelineLimit bounds the per-thread timeline ring.
const DefaultTimelineLimit = 512

// TimelineEntry records one observed envelope for a thread, applied or not.
// Out-of-order and refused messages land here too; the timeline is the
// debugging trail, not the state.
type TimelineEntry struct {
	Sequence uint64
	Kind     wire.Kind
	Applied  bool
	Note     string
	At       time.Time
}

type checkpointRecord struct {
	state map[string]any
	valid bool
}

// RunState is the reconstructed execution state of one thread. Not safe for
// concurrent use; the Reconstructor serializes access.
//
// The state machine is uninitialized → live → {corrupted, needsResync}. Any
// mutation is gated on sequence > lastAppliedSeq. A diff anchored to a
// missing or invalid checkpoint suspends patch application until a full
// snapshot arrives; applying patches against a known-bad base is refused
// outright.
type RunState struct {
	ThreadID string

	lastAppliedSeq uint64
	state          map[string]any
	checkpoints    map[string]*checkpointRecord
	needsResync    bool
	corrupted      bool

	timeline      []TimelineEntry
	timelineLimit int

	lastTouched time.Time
}

func NewRunState(threadID string) *RunState {
	return &RunState{
		ThreadID:      threadID,
		checkpoints:   make(map[string]*checkpointRecord),
		timelineLimit: DefaultTimelineLimit,
	}
}

func (r *RunState) LastAppliedSeq() uint64 { return r.lastAppliedSeq }
func (r *RunState) NeedsResync() bool      { return r.needsResync }
func (r *RunState) Corrupted() bool        { return r.corrupted }

// LatestState returns the current state as canonical JSON. Nil state (no
// snapshot or diff applied yet) returns nil.
func (r *RunState) LatestState() ([]byte, error) {
	if r.state == nil {
		return nil, nil
	}
	return jsoncodec.Marshal(r.state)
}

// Timeline returns a copy of the recorded envelope trail, oldest first.
func (r *RunState) Timeline() []TimelineEntry {
	out := make([]TimelineEntry, len(r.timeline))
	copy(out, r.timeline)
	return out
}

func (r *RunState) record(seq uint64, kind wire.Kind, applied bool, note string) {
	r.timeline = append(r.timeline, TimelineEntry{
		Sequence: seq,
		Kind:     kind,
		Applied:  applied,
		Note:     note,
		At:       time.Now(),
	})
	if len(r.timeline) > r.timelineLimit {
		r.timeline = r.timeline[len(r.timeline)-r.timelineLimit:]
	}
}

// Apply feeds one envelope into the state machine. It reports whether the
// envelope mutated state or advanced the applied sequence. Duplicates and
// out-of-order messages are recorded but never applied; redelivering an
// already-applied diff is a no-op.
func (r *RunState) Apply(env *wire.Envelope) (bool, error) {
	if env == nil || env.Payload == nil {
		return false, errspkg.ErrPayloadRequired
	}
	if batch, ok := env.Payload.(*wire.EventBatch); ok {
		any := false
		for i := range batch.Events {
			applied, err := r.Apply(&batch.Events[i])
			if err != nil {
				return any, err
			}
			any = any || applied
		}
		return any, nil
	}

	seq := env.Header.Sequence
	kind := env.Payload.Kind()
	if seq == wire.SequenceUnassigned {
		r.record(seq, kind, false, "unassigned sequence")
		return false, errspkg.ErrSequenceUnassigned
	}
	if seq <= r.lastAppliedSeq {
		r.record(seq, kind, false, "duplicate or out of order")
		return false, nil
	}

	switch p := env.Payload.(type) {
	case *wire.StateDiff:
		return r.applyDiff(seq, p), nil
	case *wire.Checkpoint:
		return r.applyCheckpoint(seq, p), nil
	default:
		// Lifecycle, token, tool, metric and error payloads advance the
		// applied sequence but carry no state mutation.
		r.lastAppliedSeq = seq
		r.record(seq, kind, true, "")
		return true, nil
	}
}

func (r *RunState) applyCheckpoint(seq uint64, cp *wire.Checkpoint) bool {
	var snapshot map[string]any
	if err := jsoncodec.Unmarshal(cp.State, &snapshot); err != nil {
		// Remember the checkpoint exists but is unusable, so a later diff
		// anchored to it is refused instead of applied against garbage.
		r.checkpoints[cp.ID] = &checkpointRecord{valid: false}
		r.record(seq, wire.KindCheckpoint, false, fmt.Sprintf("unparseable checkpoint %s", cp.ID))
		return false
	}

	r.checkpoints[cp.ID] = &checkpointRecord{state: cloneState(snapshot), valid: true}
	r.state = snapshot
	r.lastAppliedSeq = seq
	// A full snapshot is the repair path out of both degraded states.
	r.needsResync = false
	r.corrupted = false
	r.record(seq, wire.KindCheckpoint, true, "")
	return true
}

func (r *RunState) applyDiff(seq uint64, diff *wire.StateDiff) bool {
	if len(diff.FullState) > 0 {
		var snapshot map[string]any
		if err := jsoncodec.Unmarshal(diff.FullState, &snapshot); err != nil {
			r.needsResync = true
			r.record(seq, wire.KindStateDiff, false, "unparseable full state")
			return false
		}
		r.state = snapshot
		r.lastAppliedSeq = seq
		// A full snapshot repairs both degraded states, same as a checkpoint.
		r.needsResync = false
		r.corrupted = false
		r.record(seq, wire.KindStateDiff, true, "")
		r.verifyHash(seq, diff.StateHash)
		return true
	}

	if r.needsResync || r.corrupted {
		r.record(seq, wire.KindStateDiff, false, "suspended pending resync")
		return false
	}
	if diff.BaseCheckpointID != "" {
		cp, ok := r.checkpoints[diff.BaseCheckpointID]
		if !ok || !cp.valid {
			r.needsResync = true
			r.record(seq, wire.KindStateDiff, false, fmt.Sprintf("missing or invalid base checkpoint %s", diff.BaseCheckpointID))
			return false
		}
	}

	if r.state == nil {
		r.state = make(map[string]any)
	}
	for _, op := range diff.Operations {
		r.applyOp(op)
	}
	r.lastAppliedSeq = seq
	r.record(seq, wire.KindStateDiff, true, "")
	r.verifyHash(seq, diff.StateHash)
	return true
}

// applyOp mutates one dot-separated path. Missing intermediate maps are
// created on set and ignored on delete.
func (r *RunState) applyOp(op wire.DiffOp) {
	parts := strings.Split(op.Path, ".")
	parent := r.state
	for _, key := range parts[:len(parts)-1] {
		next, ok := parent[key].(map[string]any)
		if !ok {
			if op.Op == "delete" {
				return
			}
			next = make(map[string]any)
			parent[key] = next
		}
		parent = next
	}
	leaf := parts[len(parts)-1]
	switch op.Op {
	case "delete":
		delete(parent, leaf)
	default: // "set"
		var value any
		if len(op.Value) > 0 {
			if err := jsoncodec.Unmarshal(op.Value, &value); err != nil {
				return
			}
		}
		parent[leaf] = value
	}
}

// verifyHash compares the declared post-apply state hash against the actual
// one. It only ever runs for updates that were applied; comparing skipped
// updates would turn the corruption signal into noise.
func (r *RunState) verifyHash(seq uint64, declared string) {
	if declared == "" {
		return
	}
	actual, err := r.stateHash()
	if err != nil {
		return
	}
	if actual != declared {
		r.corrupted = true
		r.record(seq, wire.KindStateDiff, false, "state hash mismatch")
	}
}

func (r *RunState) stateHash() (string, error) {
	canonical, err := jsoncodec.Marshal(r.state)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// HashState returns the blake3 hex digest of a state document's canonical
// JSON form. Producers use it to stamp StateDiff.StateHash.
func HashState(state map[string]any) (string, error) {
	canonical, err := jsoncodec.Marshal(state)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneState(nested)
			continue
		}
		out[k] = v
	}
	return out
}
