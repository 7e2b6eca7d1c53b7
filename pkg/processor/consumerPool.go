package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/zoff-tech/go-saga/pkg/broker"
	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/message"
	"github.com/zoff-tech/go-saga/pkg/saga"
	"github.com/zoff-tech/go-saga/pkg/store"
)

// ConsumerPool subscribes the orchestrator to its event topics and sorts
// failures into their lanes: out-of-order events are parked and redelivered
// with a delay, protocol violations and unroutable event types are
// dead-lettered, and everything else is nacked back to the broker.
type ConsumerPool struct {
	broker          broker.MessageBroker
	orchestrator    *saga.Orchestrator
	deadLetters     store.DeadLetterStore
	cfg             config.ConsumerSettings
	deadLetterTopic string
	sem             chan struct{} // caps concurrent evaluations across all subscriptions
}

func NewConsumerPool(b broker.MessageBroker, orchestrator *saga.Orchestrator, deadLetters store.DeadLetterStore, cfg config.ConsumerSettings, deadLetterTopic string) *ConsumerPool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &ConsumerPool{
		broker:          b,
		orchestrator:    orchestrator,
		deadLetters:     deadLetters,
		cfg:             cfg,
		deadLetterTopic: deadLetterTopic,
		sem:             make(chan struct{}, workers),
	}
}

// Start subscribes to every topic. Subscriptions run until the context is
// canceled.
func (p *ConsumerPool) Start(ctx context.Context, topics []string) error {
	for _, topic := range topics {
		if err := p.broker.Subscribe(ctx, topic, p.cfg.Group, p.handlerFor(ctx, topic)); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	return nil
}

func (p *ConsumerPool) handlerFor(ctx context.Context, topic string) broker.Handler {
	return func(msgCtx context.Context, env message.Envelope) error {
		p.sem <- struct{}{}
		err := p.orchestrator.Handle(msgCtx, env)
		<-p.sem
		switch {
		case err == nil:
			return nil
		case errors.Is(err, saga.ErrEventUnroutable):
			return p.park(ctx, topic, env, err)
		case errors.Is(err, saga.ErrUnknownEventType), errors.Is(err, saga.ErrUnknownSagaType):
			return p.deadLetter(ctx, env, store.KindProtocolViolation, err.Error())
		default:
			// Transient failure; nack so the broker redelivers.
			return err
		}
	}
}

// park acks the envelope and republishes it after a delay with the attempt
// counter bumped, giving the missing earlier event time to arrive. After
// MaxParkAttempts redeliveries the envelope is treated as a protocol
// violation.
func (p *ConsumerPool) park(ctx context.Context, topic string, env message.Envelope, cause error) error {
	if env.Attempt >= p.cfg.MaxParkAttempts {
		return p.deadLetter(ctx, env, store.KindProtocolViolation, fmt.Sprintf("still unroutable after %d redeliveries: %v", env.Attempt, cause))
	}

	redelivery := env
	redelivery.Attempt++
	log.Printf("parking %s for saga %s (redelivery %d)", env.Type, env.CorrelationID, redelivery.Attempt)

	timer := time.NewTimer(p.cfg.ParkDelay)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			if err := p.broker.Publish(ctx, topic, redelivery); err != nil {
				log.Printf("Failed to redeliver parked %s for saga %s: %v", env.Type, env.CorrelationID, err)
			}
		}
	}()
	return nil
}

func (p *ConsumerPool) deadLetter(ctx context.Context, env message.Envelope, kind store.DeadLetterKind, reason string) error {
	log.Printf("dead-lettering %s for saga %s: %s", env.Type, env.CorrelationID, reason)
	letter := &store.DeadLetter{
		ID:        uuid.NewString(),
		Kind:      kind,
		Envelope:  env,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.deadLetters.Add(ctx, nil, letter); err != nil {
		// Keep the envelope in flight rather than lose it.
		return fmt.Errorf("recording dead letter: %w", err)
	}
	if p.deadLetterTopic != "" {
		if err := p.broker.Publish(ctx, p.deadLetterTopic, env); err != nil {
			log.Printf("Failed to publish dead letter %s: %v", env.MessageID, err)
		}
	}
	return nil
}
