package transport

// Capabilities describes the features supported by a transport backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// SupportsOrdering indicates messages within a partition are delivered
	// in publish order. When false, the replay store is the only ordered
	// view of a thread.
	SupportsOrdering bool

	// SupportsPartitioning indicates the backend honors the partition key
	// and exposes native (partition, offset) positions. When false, the
	// ingest service assigns session-local synthetic positions.
	SupportsPartitioning bool

	// SupportsNativeDLQ indicates the transport has built-in dead letter
	// support. When false, dead-lettering happens at the application level.
	SupportsNativeDLQ bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment
	// with redelivery.
	SupportsNack bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the registered transport name.
	Name string
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsAck:          true,
		SupportsNack:         true,
		MaxMessageSize:       1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsOrdering:  true,
		SupportsNativeDLQ: true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	NATSCapabilities = Capabilities{
		Name:             "nats",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1 << 20,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:                 "nats-jetstream",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsAck:          true,
		SupportsNack:         true,
		MaxMessageSize:       1 << 20,
	}
)
