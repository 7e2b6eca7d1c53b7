package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Tx is the transactional handle Enqueue and the saga-state writes run
// under. It aliases *sql.Tx so callers keep their existing database/sql
// transaction orchestration; non-SQL backends receive nil.
type Tx = *sql.Tx

var (
	// ErrInstanceNotFound is returned by Load when no saga instance exists
	// for the correlation id.
	ErrInstanceNotFound = errors.New("saga instance not found")
	// ErrVersionConflict is returned by Update when the optimistic version
	// check fails; the caller reloads and retries the evaluation once.
	ErrVersionConflict = errors.New("saga instance version conflict")
)

// OutBoxRepository defines the database operations for outbox entries.
type OutBoxRepository interface {
	// Enqueue writes an entry inside the caller's existing transaction so
	// the business write and the intent-to-publish commit atomically. It
	// never opens its own transaction.
	Enqueue(ctx context.Context, tx Tx, entry *OutboxEntry) error
	// FetchPending retrieves publishable entries (pending, or processing
	// past the lock expiration) ordered by creation, claiming them as
	// processing. Entries whose attempts reached maxAttempts are flagged
	// failed instead of being returned.
	FetchPending(ctx context.Context, batchSize, maxAttempts int) ([]OutboxEntry, error)
	// MarkPublished records the broker acknowledgment.
	MarkPublished(ctx context.Context, entryID string) error
	// SetStatus sets the status of an entry.
	SetStatus(ctx context.Context, entryID string, status Status) error
	// ListFailed returns entries flagged for operator inspection.
	ListFailed(ctx context.Context, limit int) ([]OutboxEntry, error)
	// ResetForRetry moves a failed entry back to pending with a clean
	// attempt count.
	ResetForRetry(ctx context.Context, entryID string) error
}

// SagaStateStore persists saga instances keyed by correlation id.
type SagaStateStore interface {
	Load(ctx context.Context, correlationID string) (*SagaInstance, error)
	// Create inserts a new instance at version 1.
	Create(ctx context.Context, tx Tx, inst *SagaInstance) error
	// Update persists the instance if the stored version still matches
	// inst.Version, then increments it. ErrVersionConflict otherwise.
	Update(ctx context.Context, tx Tx, inst *SagaInstance) error
	// ListExpired returns non-terminal instances whose TimeoutAt has passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]SagaInstance, error)
	// ListStuck returns non-terminal instances not updated since the cutoff.
	ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]SagaInstance, error)
}

// IdempotencyLedger gates duplicate delivery per (consumer, message id).
type IdempotencyLedger interface {
	// TryClaim atomically inserts a record if absent. True means the caller
	// proceeds; false means the message was already handled. Must be a
	// single conditional insert under the unique constraint so concurrent
	// consumers racing on a redelivered message cannot both win. When tx is
	// non-nil the insert joins the caller's transaction, so the claim and
	// the effects it guards commit together.
	TryClaim(ctx context.Context, tx Tx, consumerName, messageID string) (bool, error)
	// Seen reports whether the message was already claimed, without
	// claiming it.
	Seen(ctx context.Context, consumerName, messageID string) (bool, error)
}

// CompensationLogStore records executed compensations.
type CompensationLogStore interface {
	Append(ctx context.Context, tx Tx, entry *CompensationEntry) error
	ListByCorrelation(ctx context.Context, correlationID string) ([]CompensationEntry, error)
}

// DeadLetterStore holds envelopes routed out of the processing loop. Add
// joins the caller's transaction when one is supplied, so an escalation
// commits together with the state write that decided it.
type DeadLetterStore interface {
	Add(ctx context.Context, tx Tx, letter *DeadLetter) error
	List(ctx context.Context, kind DeadLetterKind, limit int) ([]DeadLetter, error)
}

// TxRunner opens the transaction one orchestrator evaluation commits
// under: the state write, its outbox enqueues and its compensation-log
// appends either all land or none do.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
