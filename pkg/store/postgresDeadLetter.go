package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
)

// PostgresDeadLetterStore persists envelopes routed out of the loop.
type PostgresDeadLetterStore struct {
	db *sql.DB
}

func NewPostgresDeadLetterStore(db *sql.DB) *PostgresDeadLetterStore {
	return &PostgresDeadLetterStore{db: db}
}

func (p *PostgresDeadLetterStore) Add(ctx context.Context, tx Tx, letter *DeadLetter) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "AddDeadLetter")
	defer span.End()

	envelope, err := json.Marshal(letter.Envelope)
	if err != nil {
		return fmt.Errorf("dead letter: marshal envelope: %w", err)
	}

	var run execer = p.db
	if tx != nil {
		run = tx
	}
	_, err = run.ExecContext(ctx,
		`INSERT INTO dead_letters (id, kind, envelope, reason, created_at)
         VALUES ($1, $2, $3, $4, $5)`,
		letter.ID, letter.Kind, envelope, letter.Reason, letter.CreatedAt)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *PostgresDeadLetterStore) List(ctx context.Context, kind DeadLetterKind, limit int) ([]DeadLetter, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ListDeadLetters")
	defer span.End()

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, kind, envelope, reason, created_at FROM dead_letters
         WHERE kind=$1 ORDER BY created_at LIMIT $2`, kind, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var letter DeadLetter
		var envelope []byte
		if err := rows.Scan(&letter.ID, &letter.Kind, &envelope, &letter.Reason, &letter.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, err
		}
		if err := json.Unmarshal(envelope, &letter.Envelope); err != nil {
			return nil, fmt.Errorf("dead letter: unmarshal envelope for %s: %w", letter.ID, err)
		}
		letters = append(letters, letter)
	}
	return letters, rows.Err()
}
