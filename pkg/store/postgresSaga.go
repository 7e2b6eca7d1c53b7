package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
)

// execer is satisfied by both *sql.DB and *sql.Tx; saga-state writes run
// on the orchestrator's transaction when one is supplied.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresSagaStore persists saga instances in a saga_instances table.
type PostgresSagaStore struct {
	db *sql.DB
}

func NewPostgresSagaStore(db *sql.DB) *PostgresSagaStore {
	return &PostgresSagaStore{db: db}
}

func (p *PostgresSagaStore) Load(ctx context.Context, correlationID string) (*SagaInstance, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "LoadSagaInstance")
	defer span.End()

	row := p.db.QueryRowContext(ctx,
		`SELECT correlation_id, saga_type, current_state, payload, steps, version,
                created_at, updated_at, completed_at, timeout_at
         FROM saga_instances WHERE correlation_id=$1`, correlationID)

	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return inst, nil
}

func (p *PostgresSagaStore) Create(ctx context.Context, tx Tx, inst *SagaInstance) error {
	payload, steps, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	inst.Version = 1
	_, err = p.execer(tx).ExecContext(ctx,
		`INSERT INTO saga_instances
             (correlation_id, saga_type, current_state, payload, steps, version, created_at, updated_at, completed_at, timeout_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		inst.CorrelationID, inst.SagaType, inst.CurrentState, payload, steps,
		inst.Version, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt, inst.TimeoutAt)
	return err
}

func (p *PostgresSagaStore) Update(ctx context.Context, tx Tx, inst *SagaInstance) error {
	payload, steps, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	inst.UpdatedAt = time.Now().UTC()
	res, err := p.execer(tx).ExecContext(ctx,
		`UPDATE saga_instances
         SET current_state=$2, payload=$3, steps=$4, version=version+1, updated_at=$5, completed_at=$6, timeout_at=$7
         WHERE correlation_id=$1 AND version=$8`,
		inst.CorrelationID, inst.CurrentState, payload, steps,
		inst.UpdatedAt, inst.CompletedAt, inst.TimeoutAt, inst.Version)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, inst.CorrelationID, inst.Version)
	}

	inst.Version++
	return nil
}

func (p *PostgresSagaStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]SagaInstance, error) {
	return p.list(ctx, "ListExpired",
		`SELECT correlation_id, saga_type, current_state, payload, steps, version,
                created_at, updated_at, completed_at, timeout_at
         FROM saga_instances
         WHERE completed_at IS NULL AND timeout_at IS NOT NULL AND timeout_at <= $1
         ORDER BY timeout_at LIMIT $2`, now, limit)
}

func (p *PostgresSagaStore) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]SagaInstance, error) {
	return p.list(ctx, "ListStuck",
		`SELECT correlation_id, saga_type, current_state, payload, steps, version,
                created_at, updated_at, completed_at, timeout_at
         FROM saga_instances
         WHERE completed_at IS NULL AND updated_at < $1
         ORDER BY updated_at LIMIT $2`, updatedBefore, limit)
}

func (p *PostgresSagaStore) list(ctx context.Context, spanName, query string, args ...any) ([]SagaInstance, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	started := time.Now()

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var instances []SagaInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		instances = append(instances, *inst)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", spanName, len(instances), time.Since(started))

	return instances, nil
}

func (p *PostgresSagaStore) execer(tx Tx) execer {
	if tx != nil {
		return tx
	}
	return p.db
}

func marshalInstance(inst *SagaInstance) (payload, steps []byte, err error) {
	payload, err = json.Marshal(inst.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("saga store: marshal payload: %w", err)
	}
	steps, err = json.Marshal(inst.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("saga store: marshal steps: %w", err)
	}
	return payload, steps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*SagaInstance, error) {
	var inst SagaInstance
	var payload, steps []byte
	if err := row.Scan(&inst.CorrelationID, &inst.SagaType, &inst.CurrentState, &payload, &steps,
		&inst.Version, &inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt, &inst.TimeoutAt); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &inst.Payload); err != nil {
			return nil, fmt.Errorf("saga store: unmarshal payload for %s: %w", inst.CorrelationID, err)
		}
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &inst.Steps); err != nil {
			return nil, fmt.Errorf("saga store: unmarshal steps for %s: %w", inst.CorrelationID, err)
		}
	}
	return &inst, nil
}

// PostgresTxRunner opens the transaction one orchestrator evaluation
// commits under.
type PostgresTxRunner struct {
	db *sql.DB
}

func NewPostgresTxRunner(db *sql.DB) *PostgresTxRunner {
	return &PostgresTxRunner{db: db}
}

func (r *PostgresTxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "WithinTx")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
