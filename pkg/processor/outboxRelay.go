package processor

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-saga/pkg/broker"
	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/message"
	"github.com/zoff-tech/go-saga/pkg/store"
)

// OutboxRelay drains the outbox: it claims pending entries in batches,
// publishes them to the broker and marks them published. Entries whose
// publish fails fall back to pending and are retried until the attempt
// ceiling flags them failed.
type OutboxRelay struct {
	repo   store.OutBoxRepository
	broker broker.MessageBroker
	tracer trace.Tracer
	cfg    config.RelaySettings
}

func NewOutboxRelay(repo store.OutBoxRepository, b broker.MessageBroker, cfg config.RelaySettings) *OutboxRelay {
	return &OutboxRelay{
		repo:   repo,
		broker: b,
		tracer: otel.Tracer("go-saga"),
		cfg:    cfg,
	}
}

// Run polls until the context is canceled.
func (r *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RelayBatch(ctx); err != nil {
				log.Printf("Failed to fetch outbox entries: %v", err)
			}
		}
	}
}

// RelayBatch claims and publishes one batch of pending entries.
func (r *OutboxRelay) RelayBatch(ctx context.Context) error {
	entries, err := r.repo.FetchPending(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		ctx, span := r.tracer.Start(ctx, "RelayOutboxEntry", trace.WithAttributes(
			attribute.String("outbox.id", entry.ID),
			attribute.String("outbox.topic", entry.Topic),
			attribute.String("outbox.event_type", entry.EventType),
			attribute.Int("outbox.attempts", entry.Attempts),
		))

		headers := make(map[string]string, len(entry.Headers)+2)
		for k, v := range entry.Headers {
			headers[k] = v
		}

		// Inject the trace context into the message headers
		propagator := otel.GetTextMapPropagator()
		propagator.Inject(ctx, propagation.MapCarrier(headers))

		env := message.Envelope{
			MessageID:     entry.ID,
			CorrelationID: entry.AggregateID,
			Type:          entry.EventType,
			Payload:       entry.Payload,
			Attempt:       entry.Attempts,
			Headers:       headers,
		}

		if err := r.broker.Publish(ctx, entry.Topic, env); err != nil {
			log.Printf("Failed to publish outbox entry %s: %v", entry.ID, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())

			// Release the claim; the next fetch retries it or flags it
			// failed once the attempts run out.
			if err := r.repo.SetStatus(ctx, entry.ID, store.StatusPending); err != nil {
				log.Printf("Failed to release outbox entry %s: %v", entry.ID, err)
			}

			span.End()
			continue
		}

		if err := r.repo.MarkPublished(ctx, entry.ID); err != nil {
			log.Printf("Failed to mark outbox entry %s as published: %v", entry.ID, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.End()
	}
	return nil
}
