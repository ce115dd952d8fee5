package ingest

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowtrace/internal/runtime/emitter"
	"github.com/drblury/flowtrace/internal/runtime/ids"
	"github.com/drblury/flowtrace/internal/runtime/jsoncodec"
	"github.com/drblury/flowtrace/internal/runtime/logging"
	"github.com/drblury/flowtrace/internal/runtime/wire"
	"github.com/drblury/flowtrace/transport"
)

// DeadLetterRecord is what lands on the dead-letter topic for an
// unprocessable message. The payload itself is untrusted and possibly
// sensitive, so the record carries a hash and a redacted, size-bounded
// preview; the full payload rides along only behind an explicit opt-in.
type DeadLetterRecord struct {
	Reason    string    `json:"reason"`
	AgeClass  string    `json:"age_class"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"`

	PayloadHash    string `json:"payload_hash"`
	PayloadPreview string `json:"payload_preview"`
	PayloadLen     int    `json:"payload_len"`
	FullPayload    []byte `json:"full_payload,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// DeadLetterer publishes unprocessable messages to the dead-letter topic.
type DeadLetterer struct {
	pub         message.Publisher
	topic       string
	includeFull bool
	metrics     *Metrics
	logger      logging.ServiceLogger
}

// NewDeadLetterer creates a dead-letter publisher. includeFull opts in to
// carrying the raw payload verbatim.
func NewDeadLetterer(pub message.Publisher, topic string, includeFull bool, metrics *Metrics, logger logging.ServiceLogger) *DeadLetterer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &DeadLetterer{
		pub:         pub,
		topic:       topic,
		includeFull: includeFull,
		metrics:     metrics,
		logger:      logger,
	}
}

// Publish dead-letters one message. Failures are logged and counted but
// never returned: a broken DLQ path must not stall ingestion.
func (d *DeadLetterer) Publish(raw []byte, reason, ageClass string, pos transport.Position, threadID string, seq uint64) {
	if d.pub == nil || d.topic == "" {
		return
	}

	summary := wire.Summarize(raw, wire.DefaultPreviewBytes)
	preview, _ := emitter.RedactString(summary.Preview)

	rec := DeadLetterRecord{
		Reason:         reason,
		AgeClass:       ageClass,
		Partition:      pos.Partition,
		Offset:         pos.Offset,
		ThreadID:       threadID,
		Sequence:       seq,
		PayloadHash:    summary.Hash,
		PayloadPreview: preview,
		PayloadLen:     summary.OriginalLen,
		OccurredAt:     time.Now().UTC(),
	}
	if d.includeFull {
		rec.FullPayload = raw
	}

	body, err := jsoncodec.Marshal(rec)
	if err != nil {
		d.logger.Error("marshal dead-letter record failed", err, nil)
		return
	}

	msg := message.NewMessage(ids.CreateULID(), body)
	msg.Metadata.Set("dlq_reason", reason)
	if err := d.pub.Publish(d.topic, msg); err != nil {
		d.logger.Error("publish dead-letter record failed", err, logging.LogFields{
			"topic":  d.topic,
			"reason": reason,
		})
		return
	}
	if d.metrics != nil {
		d.metrics.DLQPublished()
	}
}
