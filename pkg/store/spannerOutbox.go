package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
)

// SpannerOutboxRepository backs the relay for services whose domain writes
// live in Spanner. Enqueue is not supported here: Spanner callers buffer
// the outbox mutation into their own commit; the relay side only reads
// and marks entries.
type SpannerOutboxRepository struct {
	client *spanner.Client
}

func NewSpannerOutboxRepository(client *spanner.Client) *SpannerOutboxRepository {
	return &SpannerOutboxRepository{client: client}
}

// EnqueueMutation returns the insert mutation callers add to the same
// Spanner commit as their domain write.
func EnqueueMutation(entry *OutboxEntry) (*spanner.Mutation, error) {
	headers, err := json.Marshal(entry.Headers)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal headers: %w", err)
	}
	return spanner.Insert("outbox_entries",
		[]string{"id", "aggregate_id", "event_type", "topic", "payload", "headers", "status", "attempts", "available_at", "created_at", "updated_at"},
		[]any{entry.ID, entry.AggregateID, entry.EventType, entry.Topic, entry.Payload, string(headers),
			string(entry.Status), int64(entry.Attempts), entry.AvailableAt, entry.CreatedAt, entry.UpdatedAt},
	), nil
}

func (s *SpannerOutboxRepository) Enqueue(ctx context.Context, tx Tx, entry *OutboxEntry) error {
	return errors.New("outbox: spanner Enqueue runs through EnqueueMutation in the caller's commit")
}

func (s *SpannerOutboxRepository) FetchPending(ctx context.Context, batchSize, maxAttempts int) ([]OutboxEntry, error) {
	stmt := spanner.Statement{
		SQL: `SELECT id, aggregate_id, event_type, topic, payload, headers, attempts FROM outbox_entries
              WHERE (status = @statusPending OR (status = @statusProcessing AND updated_at < @lockExpiration))
                AND available_at <= @now
              ORDER BY created_at
              LIMIT @batchSize`,
		Params: map[string]interface{}{
			"statusPending":    StatusPending,
			"statusProcessing": StatusProcessing,
			"lockExpiration":   time.Now().Add(-lockExpiration),
			"now":              time.Now(),
			"batchSize":        batchSize,
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var entries []OutboxEntry
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var entry OutboxEntry
		var headers string
		var attempts int64
		if err := row.Columns(
			&entry.ID,
			&entry.AggregateID,
			&entry.EventType,
			&entry.Topic,
			&entry.Payload,
			&headers,
			&attempts); err != nil {
			return nil, err
		}
		entry.Attempts = int(attempts)
		if headers != "" {
			if err := json.Unmarshal([]byte(headers), &entry.Headers); err != nil {
				return nil, fmt.Errorf("outbox: unmarshal headers for %s: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}

	// Claim fetched entries; flag the ones out of attempts.
	claimed := entries[:0]
	for _, entry := range entries {
		if entry.Attempts >= maxAttempts {
			if err := s.SetStatus(ctx, entry.ID, StatusFailed); err != nil {
				return nil, err
			}
			continue
		}
		if err := s.setStatusAndIncrementAttempts(ctx, entry.ID, StatusProcessing); err != nil {
			return nil, err
		}
		claimed = append(claimed, entry)
	}

	return claimed, nil
}

func (s *SpannerOutboxRepository) MarkPublished(ctx context.Context, entryID string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE outbox_entries SET status = @status, published_at = CURRENT_TIMESTAMP(), updated_at = CURRENT_TIMESTAMP() WHERE id = @id`,
			Params: map[string]interface{}{
				"status": StatusPublished,
				"id":     entryID,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerOutboxRepository) SetStatus(ctx context.Context, entryID string, status Status) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE outbox_entries SET status = @status, updated_at = CURRENT_TIMESTAMP() WHERE id = @id`,
			Params: map[string]interface{}{
				"status": status,
				"id":     entryID,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerOutboxRepository) setStatusAndIncrementAttempts(ctx context.Context, entryID string, status Status) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE outbox_entries SET status = @status, attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP() WHERE id = @id`,
			Params: map[string]interface{}{
				"status": status,
				"id":     entryID,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerOutboxRepository) ListFailed(ctx context.Context, limit int) ([]OutboxEntry, error) {
	stmt := spanner.Statement{
		SQL: `SELECT id, aggregate_id, event_type, topic, attempts, created_at FROM outbox_entries
              WHERE status = @status ORDER BY created_at LIMIT @limit`,
		Params: map[string]interface{}{
			"status": StatusFailed,
			"limit":  limit,
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var entries []OutboxEntry
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var entry OutboxEntry
		var attempts int64
		if err := row.Columns(&entry.ID, &entry.AggregateID, &entry.EventType, &entry.Topic,
			&attempts, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Attempts = int(attempts)
		entry.Status = StatusFailed
		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *SpannerOutboxRepository) ResetForRetry(ctx context.Context, entryID string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `UPDATE outbox_entries SET status = @status, attempts = 0, available_at = CURRENT_TIMESTAMP(), updated_at = CURRENT_TIMESTAMP() WHERE id = @id`,
			Params: map[string]interface{}{
				"status": StatusPending,
				"id":     entryID,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}
