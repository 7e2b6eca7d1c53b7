package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"maps"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/message"
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	conn, err := newConnection(settings)
	if err != nil {
		return nil, err
	}

	broker := &rabbitMqBroker{
		connection:      conn,
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
	}

	// Initialize the connection and channel pool
	if err := broker.connectAndInitialize(); err != nil {
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

func (r *rabbitMqBroker) Publish(ctx context.Context, topic string, env message.Envelope) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(topic),
			semconv.MessagingMessageIDKey.String(env.MessageID),
			semconv.MessagingConversationIDKey.String(env.CorrelationID),
		),
	)
	defer span.End()

	// Inject the trace context into the message headers
	propagator := otel.GetTextMapPropagator()
	traceHeaders := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(traceHeaders))

	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	maps.Copy(env.Headers, traceHeaders)

	// Convert headers to amqp.Table
	amqpHeaders := make(amqp.Table)
	for k, v := range env.Headers {
		amqpHeaders[k] = v
	}

	body, err := env.Encode()
	if err != nil {
		span.RecordError(err)
		return err
	}

	// Get a channel from the pool
	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err = pooledChan.channel.ExchangeDeclare(
		r.settings.Exchange, // name of the exchange
		"topic",             // type of the exchange
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	err = pooledChan.channel.Publish(
		r.settings.Exchange, topic, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			MessageId:     env.MessageID,
			CorrelationId: env.CorrelationID,
			Type:          env.Type,
			Body:          body,
			Headers:       amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(env.Payload)),
	)

	return nil
}

func (r *rabbitMqBroker) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	channel, err := r.connection.Channel()
	if err != nil {
		return err
	}

	if err := channel.ExchangeDeclare(r.settings.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// A shared, durable queue per (group, topic) splits the stream across
	// consumers in the group.
	queueName := group + "." + topic
	queue, err := channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := channel.QueueBind(queue.Name, topic, r.settings.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := channel.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}

	go func() {
		defer channel.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				r.dispatch(ctx, delivery, handler)
			}
		}
	}()

	return nil
}

func (r *rabbitMqBroker) dispatch(ctx context.Context, delivery amqp.Delivery, handler Handler) {
	headers := make(map[string]string, len(delivery.Headers))
	for k, v := range delivery.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}

	// Resume the trace the publisher injected
	propagator := otel.GetTextMapPropagator()
	ctx = propagator.Extract(ctx, propagation.MapCarrier(headers))

	env, err := message.Decode(delivery.Body)
	if err != nil {
		log.Printf("Dropping undecodable delivery %s: %v", delivery.MessageId, err)
		delivery.Reject(false)
		return
	}
	env.Headers = headers

	if err := handler(ctx, env); err != nil {
		log.Printf("Handler failed for message %s: %v", env.MessageID, err)
		delivery.Nack(false, true) // requeue for redelivery
		return
	}
	delivery.Ack(false)
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	// Close all channels in the pool
	close(r.channelPool)
	for pooledChan := range r.channelPool {
		pooledChan.channel.Close()
	}

	// Close the connection
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
