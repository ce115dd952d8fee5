// Package flowtrace is a real-time telemetry and replay pipeline for graph
// execution engines, built on Watermill. An engine embeds an Emitter that
// stamps every telemetry event with a per-thread dense sequence, redacts
// secrets, and publishes size-bounded binary envelopes to a broker. A Service
// consumes those envelopes, indexes them into a bounded in-memory replay
// store (optionally spilling to SQLite), and fans them out to websocket
// clients through a Gateway. Disconnected clients resume from a cursor: the
// server replays the missed range from the store, reports unrecoverable gaps
// as stale-cursor frames, and switches the session live. On the client side a
// Reconstructor pairs cursor and binary frames, decodes envelopes on a
// bounded worker pool, and folds them into per-thread RunState snapshots with
// sequence gating, checkpoint bases, and hash verification.
//
// # Transports
//
// Flowtrace supports 5 message transports out of the box:
//   - channel: In-memory Go channels for testing
//   - kafka: Partitioned streaming with native (partition, offset) positions
//   - nats: NATS Core messaging
//   - nats-jetstream: Persistent streams with stream-sequence positions
//   - rabbitmq: AMQP-based durable queues
//
// Backends without native positions get session-local synthetic offsets so
// the resume protocol works everywhere, at the cost of cursor portability
// across server restarts.
//
// # Middleware
//
// The ingest router runs correlation ID injection, OpenTelemetry tracing,
// retry with exponential backoff for infrastructure errors, and panic
// recovery. Unprocessable envelopes go through the configured decode error
// policy (skip to a dead letter topic, or pause consumption) instead of the
// retry path, and a windowed circuit breaker halts ingestion when the recent
// decode error rate on new data is too high.
//
// A minimal setup fills Config, creates a Service and Gateway, and calls
// Start on both; engines publish through an Emitter built from the same
// Config. ServiceDependencies exposes the seams: bring your own replay
// store, metrics registry, middleware, or an entire TransportFactory to plug
// in custom brokers.
package flowtrace
