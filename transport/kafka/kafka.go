// Package kafka provides a Kafka transport for flowtrace. Messages are
// partitioned by the partition_key metadata (the envelope's thread id), so a
// single run's telemetry always lands on one partition and stays ordered.
package kafka

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowtrace/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// partitionKey routes messages by the partition_key metadata set by the
// emitter. Missing keys are an error: unkeyed telemetry would scatter a
// thread across partitions and break per-thread ordering.
func partitionKey(topic string, msg *message.Message) (string, error) {
	key := msg.Metadata.Get(transport.MetadataPartitionKey)
	if key == "" {
		return "", fmt.Errorf("message %s has no %s metadata", msg.UUID, transport.MetadataPartitionKey)
	}
	return key, nil
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	consumerGroup := cfg.GetKafkaConsumerGroup()

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.NewWithPartitioningMarshaler(partitionKey),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.NewWithPartitioningMarshaler(partitionKey),
			ConsumerGroup: consumerGroup,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Positions:  PositionFromMessage,
	}, nil
}

// PositionFromMessage extracts the broker-assigned (partition, offset) pair
// from a consumed Kafka message's context.
func PositionFromMessage(msg *message.Message) (transport.Position, bool) {
	ctx := msg.Context()
	partition, ok := kafka.MessagePartitionFromCtx(ctx)
	if !ok {
		return transport.Position{}, false
	}
	offset, ok := kafka.MessagePartitionOffsetFromCtx(ctx)
	if !ok {
		return transport.Position{}, false
	}
	return transport.Position{Partition: partition, Offset: offset}, true
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
