// Package transport wires the public transport registry into the runtime:
// it builds publisher/subscriber pairs from config and ensures all built-in
// backends are registered.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowtrace/internal/runtime/config"
	newtransport "github.com/drblury/flowtrace/transport"
	transportnats "github.com/drblury/flowtrace/transport/nats"
	transportrabbitmq "github.com/drblury/flowtrace/transport/rabbitmq"

	// Import transports that self-register in init().
	_ "github.com/drblury/flowtrace/transport/channel"
	_ "github.com/drblury/flowtrace/transport/jetstream"
	_ "github.com/drblury/flowtrace/transport/kafka"
)

func init() {
	transportnats.Register()
	transportrabbitmq.Register()
}

// Transport combines a publisher and subscriber pair produced by a factory,
// plus the backend's position extractor when it has native coordinates.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Positions  newtransport.PositionExtractor
}

// Factory abstracts how flowtrace initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// DefaultFactory returns the built-in transport factory that uses the
// modular transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	t, err := newtransport.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}

	return Transport{
		Publisher:  t.Publisher,
		Subscriber: t.Subscriber,
		Positions:  t.Positions,
	}, nil
}
