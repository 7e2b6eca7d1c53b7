package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
)

// PostgresOutboxRepository stores outbox entries in an outbox table using
// database/sql.
type PostgresOutboxRepository struct {
	db *sql.DB
}

func NewPostgresOutboxRepository(db *sql.DB) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{db: db}
}

func (p *PostgresOutboxRepository) Enqueue(ctx context.Context, tx Tx, entry *OutboxEntry) error {
	if tx == nil {
		return errors.New("outbox: Enqueue requires the caller's transaction")
	}

	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return fmt.Errorf("outbox: marshal headers: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_entries
             (id, aggregate_id, event_type, topic, payload, headers, status, attempts, available_at, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.AggregateID, entry.EventType, entry.Topic, entry.Payload, headers,
		entry.Status, entry.Attempts, entry.AvailableAt, entry.CreatedAt, entry.UpdatedAt)
	return err
}

func (p *PostgresOutboxRepository) FetchPending(ctx context.Context, batchSize, maxAttempts int) ([]OutboxEntry, error) {
	return p.withTransaction(ctx, "FetchPending", func(ctx context.Context, tx *sql.Tx) ([]OutboxEntry, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, aggregate_id, event_type, topic, payload, headers, attempts FROM outbox_entries
             WHERE (status='pending' OR (status='processing' AND updated_at < $1))
               AND available_at <= $2
             ORDER BY created_at
             FOR UPDATE SKIP LOCKED LIMIT $3`,
			time.Now().Add(-lockExpiration), time.Now(), batchSize)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var entries []OutboxEntry
		for rows.Next() {
			var entry OutboxEntry
			var headers []byte
			if err := rows.Scan(&entry.ID, &entry.AggregateID, &entry.EventType, &entry.Topic,
				&entry.Payload, &headers, &entry.Attempts); err != nil {
				return nil, err
			}
			if len(headers) > 0 {
				if err := json.Unmarshal(headers, &entry.Headers); err != nil {
					return nil, fmt.Errorf("outbox: unmarshal headers for %s: %w", entry.ID, err)
				}
			}
			entries = append(entries, entry)
		}

		if err := rows.Err(); err != nil {
			return nil, err
		}

		// Claim fetched entries; flag the ones out of attempts for operator
		// inspection instead of returning them.
		claimed := entries[:0]
		for _, entry := range entries {
			if entry.Attempts >= maxAttempts {
				if err := p.setStatusTx(ctx, tx, entry.ID, StatusFailed); err != nil {
					return nil, err
				}
				continue
			}
			if err := p.claimTx(ctx, tx, entry.ID); err != nil {
				return nil, err
			}
			claimed = append(claimed, entry)
		}

		return claimed, nil
	})
}

func (p *PostgresOutboxRepository) MarkPublished(ctx context.Context, entryID string) error {
	_, err := p.withTransaction(ctx, "MarkPublished", func(ctx context.Context, tx *sql.Tx) ([]OutboxEntry, error) {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox_entries SET status=$1, published_at=$2, updated_at=$2 WHERE id=$3`,
			StatusPublished, time.Now(), entryID)
		return nil, err
	})
	return err
}

func (p *PostgresOutboxRepository) SetStatus(ctx context.Context, entryID string, status Status) error {
	_, err := p.withTransaction(ctx, "SetStatus", func(ctx context.Context, tx *sql.Tx) ([]OutboxEntry, error) {
		return nil, p.setStatusTx(ctx, tx, entryID, status)
	})
	return err
}

func (p *PostgresOutboxRepository) ListFailed(ctx context.Context, limit int) ([]OutboxEntry, error) {
	return p.withTransaction(ctx, "ListFailed", func(ctx context.Context, tx *sql.Tx) ([]OutboxEntry, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, aggregate_id, event_type, topic, attempts, created_at FROM outbox_entries
             WHERE status='failed' ORDER BY created_at LIMIT $1`, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var entries []OutboxEntry
		for rows.Next() {
			var entry OutboxEntry
			if err := rows.Scan(&entry.ID, &entry.AggregateID, &entry.EventType, &entry.Topic,
				&entry.Attempts, &entry.CreatedAt); err != nil {
				return nil, err
			}
			entry.Status = StatusFailed
			entries = append(entries, entry)
		}
		return entries, rows.Err()
	})
}

func (p *PostgresOutboxRepository) ResetForRetry(ctx context.Context, entryID string) error {
	_, err := p.withTransaction(ctx, "ResetForRetry", func(ctx context.Context, tx *sql.Tx) ([]OutboxEntry, error) {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox_entries SET status=$1, attempts=0, available_at=$2, updated_at=$2 WHERE id=$3`,
			StatusPending, time.Now(), entryID)
		return nil, err
	})
	return err
}

func (p *PostgresOutboxRepository) setStatusTx(ctx context.Context, tx *sql.Tx, entryID string, status Status) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE outbox_entries SET status=$1, updated_at=$2 WHERE id=$3`,
		status, time.Now(), entryID)
	return err
}

func (p *PostgresOutboxRepository) claimTx(ctx context.Context, tx *sql.Tx, entryID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE outbox_entries SET status=$1, attempts = attempts + 1, updated_at=$2 WHERE id=$3`,
		StatusProcessing, time.Now(), entryID)
	return err
}

func (p *PostgresOutboxRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) ([]OutboxEntry, error)) ([]OutboxEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	started := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	entries, err := fn(ctx, tx)
	if err != nil {
		tx.Rollback()
		span.RecordError(err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", spanName, len(entries), time.Since(started))

	return entries, nil
}
