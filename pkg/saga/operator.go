package saga

import (
	"context"
	"time"

	"github.com/zoff-tech/go-saga/pkg/message"
	"github.com/zoff-tech/go-saga/pkg/store"
)

// Operator exposes the manual-intervention surface: inspecting stuck sagas,
// failed outbox entries and dead letters, and nudging them along.
type Operator struct {
	stores       *store.Stores
	orchestrator *Orchestrator
}

func NewOperator(stores *store.Stores, orchestrator *Orchestrator) *Operator {
	return &Operator{stores: stores, orchestrator: orchestrator}
}

// Inspect returns the saga instance for a correlation id.
func (op *Operator) Inspect(ctx context.Context, correlationID string) (*store.SagaInstance, error) {
	return op.stores.Sagas.Load(ctx, correlationID)
}

// ListStuck returns non-terminal sagas without progress since the cutoff.
func (op *Operator) ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]store.SagaInstance, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	return op.stores.Sagas.ListStuck(ctx, cutoff, limit)
}

// ListDeadLetters returns dead letters of the given kind.
func (op *Operator) ListDeadLetters(ctx context.Context, kind store.DeadLetterKind, limit int) ([]store.DeadLetter, error) {
	return op.stores.DeadLetters.List(ctx, kind, limit)
}

// ListFailedOutbox returns outbox entries that exhausted their publish
// attempts.
func (op *Operator) ListFailedOutbox(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	return op.stores.Outbox.ListFailed(ctx, limit)
}

// RetryOutboxEntry moves a failed outbox entry back to pending so the relay
// picks it up again.
func (op *Operator) RetryOutboxEntry(ctx context.Context, entryID string) error {
	return op.stores.Outbox.ResetForRetry(ctx, entryID)
}

// Cancel aborts a running saga: completed steps are compensated in reverse
// and the instance finishes Compensated. The cancel goes through the normal
// evaluation path, so it is idempotent and safe to repeat.
func (op *Operator) Cancel(ctx context.Context, correlationID string) error {
	env := message.New(correlationID, message.EventCancel, nil)
	return op.orchestrator.Handle(ctx, env)
}

// Compensations returns the compensation log for a saga, oldest first.
func (op *Operator) Compensations(ctx context.Context, correlationID string) ([]store.CompensationEntry, error) {
	return op.stores.CompLog.ListByCorrelation(ctx, correlationID)
}
