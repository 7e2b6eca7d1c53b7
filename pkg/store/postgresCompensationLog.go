package store

import (
	"context"
	"database/sql"

	"go.opentelemetry.io/otel"
)

// PostgresCompensationLog appends compensation audit entries, sharing the
// orchestrator's transaction when one is supplied.
type PostgresCompensationLog struct {
	db *sql.DB
}

func NewPostgresCompensationLog(db *sql.DB) *PostgresCompensationLog {
	return &PostgresCompensationLog{db: db}
}

func (p *PostgresCompensationLog) Append(ctx context.Context, tx Tx, entry *CompensationEntry) error {
	var run execer = p.db
	if tx != nil {
		run = tx
	}
	_, err := run.ExecContext(ctx,
		`INSERT INTO compensation_log (id, correlation_id, step, action, executed_at, outcome)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.CorrelationID, entry.Step, entry.Action, entry.ExecutedAt, entry.Outcome)
	return err
}

func (p *PostgresCompensationLog) ListByCorrelation(ctx context.Context, correlationID string) ([]CompensationEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ListCompensations")
	defer span.End()

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, correlation_id, step, action, executed_at, outcome
         FROM compensation_log WHERE correlation_id=$1 ORDER BY executed_at`, correlationID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var entries []CompensationEntry
	for rows.Next() {
		var entry CompensationEntry
		if err := rows.Scan(&entry.ID, &entry.CorrelationID, &entry.Step, &entry.Action,
			&entry.ExecutedAt, &entry.Outcome); err != nil {
			span.RecordError(err)
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
