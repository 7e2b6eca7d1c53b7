package broker

import (
	"context"
	"log"
	"sync"

	"github.com/zoff-tech/go-saga/pkg/message"
)

const tracerName = "go-saga"

// ChannelBrokerCreator mirrors the other creator types for factory tests.
type ChannelBrokerCreator func(ctx context.Context) (MessageBroker, error)

// NewChannelBroker builds an in-process broker. It backs tests and
// single-binary deployments where relay, orchestrator and downstream
// handlers share one process. Delivery is at-least-once from the
// consumer's perspective: a handler error leaves redelivery to the
// caller, exactly like the networked transports.
var NewChannelBroker ChannelBrokerCreator = func(ctx context.Context) (MessageBroker, error) {
	return &channelBroker{
		subscribers: make(map[string][]chan message.Envelope),
	}, nil
}

type channelBroker struct {
	mu          sync.RWMutex
	subscribers map[string][]chan message.Envelope
	closed      bool
}

func (b *channelBroker) Publish(ctx context.Context, topic string, env message.Envelope) error {
	b.mu.RLock()
	subs := append([]chan message.Envelope(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	// Block on a full subscriber buffer rather than drop; an envelope
	// handed to Publish is delivered unless the context ends first.
	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub <- env:
		}
	}
	return nil
}

func (b *channelBroker) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	ch := make(chan message.Envelope, 128)

	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], ch)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.removeSubscriber(topic, ch)
				return
			case env := <-ch:
				if err := handler(ctx, env); err != nil {
					log.Printf("Handler failed for message %s on %s: %v", env.MessageID, topic, err)
				}
			}
		}
	}()
	return nil
}

func (b *channelBroker) removeSubscriber(topic string, target chan message.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.subscribers[topic]
	filtered := make([]chan message.Envelope, 0, len(items))
	for _, item := range items {
		if item != target {
			filtered = append(filtered, item)
		}
	}
	b.subscribers[topic] = filtered
}

func (b *channelBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = make(map[string][]chan message.Envelope)
	return nil
}
