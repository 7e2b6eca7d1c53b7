package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-saga/pkg/config"
)

// NewBroker builds the transport named by configuration.
func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	case "channel":
		return NewChannelBroker(ctx)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
