package store

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"
)

// PostgresIdempotencyLedger dedupes deliveries through a unique
// (consumer_name, message_id) constraint.
type PostgresIdempotencyLedger struct {
	db *sql.DB
}

func NewPostgresIdempotencyLedger(db *sql.DB) *PostgresIdempotencyLedger {
	return &PostgresIdempotencyLedger{db: db}
}

func (p *PostgresIdempotencyLedger) TryClaim(ctx context.Context, tx Tx, consumerName, messageID string) (bool, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "TryClaim")
	defer span.End()

	var run execer = p.db
	if tx != nil {
		run = tx
	}

	// Single conditional insert: concurrent consumers racing on the same
	// redelivered message cannot both see rows affected.
	res, err := run.ExecContext(ctx,
		`INSERT INTO idempotency_records (consumer_name, message_id, processed_at)
         VALUES ($1, $2, $3)
         ON CONFLICT (consumer_name, message_id) DO NOTHING`,
		consumerName, messageID, time.Now())
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return affected == 1, nil
}

func (p *PostgresIdempotencyLedger) Seen(ctx context.Context, consumerName, messageID string) (bool, error) {
	var seen bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (
             SELECT 1 FROM idempotency_records WHERE consumer_name=$1 AND message_id=$2
         )`, consumerName, messageID).Scan(&seen)
	return seen, err
}
