package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/option"

	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/message"
)

// Mock implementations for RabbitMQ and PubSub brokers
type mockBroker struct{ name string }

func (m *mockBroker) Publish(context.Context, string, message.Envelope) error  { return nil }
func (m *mockBroker) Subscribe(context.Context, string, string, Handler) error { return nil }
func (m *mockBroker) Close() error                                             { return nil }

func newMockRabbitMqBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	if cfg.URL == "" {
		return nil, errors.New("failed to create RabbitMQ broker")
	}
	return &mockBroker{name: "rabbitmq"}, nil
}

func newMockPubSubClient(ctx context.Context, cfg *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("failed to create PubSub broker")
	}
	return &mockBroker{name: "pubsub"}, nil
}

func TestNewBroker(t *testing.T) {
	// Save the original implementations
	originalNewRabbitMqBroker := NewRabbitMqBroker
	originalNewPubSubClient := NewPubSubClient

	// Replace the actual implementations with mocks for testing
	NewRabbitMqBroker = newMockRabbitMqBroker
	NewPubSubClient = newMockPubSubClient

	// Restore the original implementations after the test
	defer func() {
		NewRabbitMqBroker = originalNewRabbitMqBroker
		NewPubSubClient = originalNewPubSubClient
	}()

	ctx := context.Background()

	t.Run("creates RabbitMQ broker", func(t *testing.T) {
		b, err := NewBroker(ctx, &config.BrokerSettings{Type: "rabbitmq", URL: "amqp://localhost"})
		assert.NoError(t, err)
		assert.Equal(t, &mockBroker{name: "rabbitmq"}, b)
	})

	t.Run("creates PubSub broker", func(t *testing.T) {
		b, err := NewBroker(ctx, &config.BrokerSettings{Type: "gcp-pubsub", ProjectID: "test-project"})
		assert.NoError(t, err)
		assert.Equal(t, &mockBroker{name: "pubsub"}, b)
	})

	t.Run("creates channel broker", func(t *testing.T) {
		b, err := NewBroker(ctx, &config.BrokerSettings{Type: "channel"})
		assert.NoError(t, err)
		assert.NotNil(t, b)
	})

	t.Run("propagates creation errors", func(t *testing.T) {
		_, err := NewBroker(ctx, &config.BrokerSettings{Type: "rabbitmq"})
		assert.Error(t, err)
	})

	t.Run("rejects unsupported types", func(t *testing.T) {
		_, err := NewBroker(ctx, &config.BrokerSettings{Type: "carrier-pigeon"})
		assert.ErrorContains(t, err, "unsupported broker type")
	})
}
