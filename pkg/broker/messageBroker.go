package broker

import (
	"context"

	"github.com/zoff-tech/go-saga/pkg/message"
)

// Handler processes one delivered envelope. Returning an error leaves the
// delivery for redelivery by the transport or the consumer pool.
type Handler func(ctx context.Context, env message.Envelope) error

// MessageBroker is the sole network I/O boundary of the engine: an
// at-least-once publish/subscribe transport. Delivery order is not
// guaranteed; every consumer behind it must be idempotent by message id.
type MessageBroker interface {
	// Publish sends the envelope to the topic and returns after the broker
	// acknowledges it.
	Publish(ctx context.Context, topic string, env message.Envelope) error
	// Subscribe delivers envelopes from the topic to the handler until ctx
	// is canceled. Consumers sharing a group split the stream.
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
	// Close cleans up any resources (connections).
	Close() error
}
