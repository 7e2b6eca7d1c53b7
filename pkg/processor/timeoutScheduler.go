package processor

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-saga/pkg/config"
	"github.com/zoff-tech/go-saga/pkg/message"
	"github.com/zoff-tech/go-saga/pkg/saga"
	"github.com/zoff-tech/go-saga/pkg/store"
)

// TimeoutScheduler scans for saga instances whose deadline has passed and
// feeds each one a synthesized saga.timeout event. The event id is derived
// deterministically from the correlation id and the armed deadline, so
// replicas scanning the same instance produce the same message and the
// idempotency ledger collapses them to one evaluation.
type TimeoutScheduler struct {
	sagas        store.SagaStateStore
	orchestrator *saga.Orchestrator
	tracer       trace.Tracer
	cfg          config.SchedulerSettings
}

func NewTimeoutScheduler(sagas store.SagaStateStore, orchestrator *saga.Orchestrator, cfg config.SchedulerSettings) *TimeoutScheduler {
	return &TimeoutScheduler{
		sagas:        sagas,
		orchestrator: orchestrator,
		tracer:       otel.Tracer("go-saga"),
		cfg:          cfg,
	}
}

// Run scans until the context is canceled.
func (s *TimeoutScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil {
				log.Printf("Failed to scan for expired sagas: %v", err)
			}
		}
	}
}

// Scan fires timeout events for one batch of expired instances.
func (s *TimeoutScheduler) Scan(ctx context.Context) error {
	expired, err := s.sagas.ListExpired(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, inst := range expired {
		if inst.TimeoutAt == nil {
			continue
		}
		ctx, span := s.tracer.Start(ctx, "FireSagaTimeout", trace.WithAttributes(
			attribute.String("saga.correlation_id", inst.CorrelationID),
			attribute.String("saga.type", inst.SagaType),
			attribute.String("saga.state", string(inst.CurrentState)),
		))

		notice := saga.TimeoutNotice{
			SagaType:  inst.SagaType,
			State:     inst.CurrentState,
			TimeoutAt: inst.TimeoutAt.UTC(),
		}
		payload, err := json.Marshal(notice)
		if err != nil {
			span.End()
			return err
		}

		env := message.NewDeterministic(inst.CorrelationID, message.EventTimeout, inst.TimeoutAt.UTC().Format(time.RFC3339Nano), payload)
		if err := s.orchestrator.Handle(ctx, env); err != nil {
			log.Printf("Failed to time out saga %s: %v", inst.CorrelationID, err)
		}
		span.End()
	}
	return nil
}
