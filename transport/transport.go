// Package transport defines the broker abstraction used by the telemetry
// pipeline: a partitioned, ordered, at-least-once publish/consume pair. Each
// backend (kafka, nats, rabbitmq, channel) lives in its own sub-package and
// registers itself with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MetadataPartitionKey is the message metadata key carrying the partition
// key. The emitter sets it to the envelope's thread id so one thread always
// lands on one partition.
const MetadataPartitionKey = "partition_key"

// Position is a broker-assigned transport coordinate: totally ordered within
// one partition, uncorrelated with thread sequences except by the convention
// that the partition key is the thread id.
type Position struct {
	Partition int32
	Offset    int64
}

// Less orders positions within the same partition. Positions on different
// partitions are not comparable.
func (p Position) Less(other Position) bool {
	return p.Partition == other.Partition && p.Offset < other.Offset
}

// PositionExtractor resolves the broker-native position of a consumed
// message. Backends without native coordinates (channel, rabbitmq, nats
// core) return ok=false and the consumer assigns session-local synthetic
// positions instead.
type PositionExtractor func(msg *message.Message) (Position, bool)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// Positions is nil when the backend has no native coordinates.
	Positions PositionExtractor
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports. The
// interface keeps backends decoupled from the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// GetTopic returns the telemetry topic.
	GetTopic() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
}
