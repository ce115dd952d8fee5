// Package errors defines the error taxonomy shared by the flowtrace pipeline.
//
// Ingestion-side errors are contained per message: they are counted, routed to
// the dead-letter topic when unprocessable, and never stall the consumer
// beyond the explicit pause policy. Client-side errors degrade a single
// thread's run state and never crash the reconstructor.
package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrEmitterClosed      = sterrors.New("flowtrace: emitter is closed")
	ErrPublisherRequired  = sterrors.New("flowtrace: publisher is required")
	ErrTopicRequired      = sterrors.New("flowtrace: topic is required")
	ErrStoreRequired      = sterrors.New("flowtrace: replay store is required")
	ErrHandlerRequired    = sterrors.New("flowtrace: handler function is required")
	ErrPayloadRequired    = sterrors.New("flowtrace: envelope payload is required")
	ErrThreadIDRequired   = sterrors.New("flowtrace: thread id is required")
	ErrSequenceUnassigned = sterrors.New("flowtrace: sequence 0 is the unassigned sentinel and cannot be stored")
)

// DecodeError marks a payload that could not be decoded into an envelope.
// Whether it counts against the circuit breaker depends on its age class:
// payloads older than the session head are catch-up traffic and excluded
// from the error-rate denominator.
type DecodeError struct {
	Reason  string
	OldData bool
	Err     error
}

func (e *DecodeError) Error() string {
	age := "new"
	if e.OldData {
		age = "old"
	}
	return fmt.Sprintf("flowtrace: decode error (%s data): %s: %v", age, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PayloadTooLargeError is returned when an inbound payload exceeds the
// configured maximum. The check runs before any output buffer is allocated.
type PayloadTooLargeError struct {
	Size int
	Max  int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("flowtrace: payload size %d bytes exceeds maximum %d bytes", e.Size, e.Max)
}

// PayloadMissingError marks a broker record whose value was compacted or
// tombstoned away. Recoverable, but always counted.
type PayloadMissingError struct {
	Partition int32
	Offset    int64
}

func (e *PayloadMissingError) Error() string {
	return fmt.Sprintf("flowtrace: missing payload at partition %d offset %d", e.Partition, e.Offset)
}

// ProtocolViolationError marks a client protocol breach, for example a binary
// frame delivered with no pending cursor frame. Hard disconnect.
type ProtocolViolationError struct {
	Detail string
}

func (e *ProtocolViolationError) Error() string {
	return "flowtrace: protocol violation: " + e.Detail
}

// UnprocessableEnvelopeError wraps messages that cannot be processed even
// after retries; the poison middleware routes them to the dead-letter topic.
type UnprocessableEnvelopeError struct {
	Detail string
	Err    error
}

func (e *UnprocessableEnvelopeError) Error() string {
	return "flowtrace: unprocessable envelope: " + e.Detail + ": " + e.Err.Error()
}

func (e *UnprocessableEnvelopeError) Unwrap() error { return e.Err }

// TransportInfraError marks broker or network failures. These are retried
// with backoff and tracked separately from decode errors so infrastructure
// flakiness never masquerades as data corruption.
type TransportInfraError struct {
	Op  string
	Err error
}

func (e *TransportInfraError) Error() string {
	return "flowtrace: transport failure during " + e.Op + ": " + e.Err.Error()
}

func (e *TransportInfraError) Unwrap() error { return e.Err }

// IsUnprocessable reports whether err should be routed to the dead-letter
// topic instead of retried.
func IsUnprocessable(err error) bool {
	var unprocessable *UnprocessableEnvelopeError
	var decode *DecodeError
	var tooLarge *PayloadTooLargeError
	var missing *PayloadMissingError
	return sterrors.As(err, &unprocessable) ||
		sterrors.As(err, &decode) ||
		sterrors.As(err, &tooLarge) ||
		sterrors.As(err, &missing)
}

// IsInfra reports whether err is a transport infrastructure failure that
// should be retried rather than dead-lettered.
func IsInfra(err error) bool {
	var infra *TransportInfraError
	return sterrors.As(err, &infra)
}
