package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

// MongoOutboxRepository backs the relay for services whose domain writes
// live in MongoDB. As with Spanner, the insert belongs to the producing
// service's own write path; InsertDocument builds the document callers
// add to their session.
type MongoOutboxRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoOutboxRepository(client *mongo.Client, database, collection string) *MongoOutboxRepository {
	return &MongoOutboxRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

// InsertDocument is the outbox document callers insert within their own
// causally-consistent session alongside the domain write.
func InsertDocument(entry *OutboxEntry) bson.M {
	return bson.M{
		"id":           entry.ID,
		"aggregate_id": entry.AggregateID,
		"event_type":   entry.EventType,
		"topic":        entry.Topic,
		"payload":      entry.Payload,
		"headers":      entry.Headers,
		"status":       entry.Status,
		"attempts":     entry.Attempts,
		"available_at": entry.AvailableAt,
		"created_at":   entry.CreatedAt,
		"updated_at":   entry.UpdatedAt,
	}
}

func (m *MongoOutboxRepository) Enqueue(ctx context.Context, tx Tx, entry *OutboxEntry) error {
	return errors.New("outbox: mongo Enqueue runs through InsertDocument in the caller's session")
}

func (m *MongoOutboxRepository) FetchPending(ctx context.Context, batchSize, maxAttempts int) ([]OutboxEntry, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FetchPending")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)
	filter := bson.M{
		"$and": []bson.M{
			{"$or": []bson.M{
				{"status": StatusPending},
				{"status": StatusProcessing, "updated_at": bson.M{"$lt": time.Now().Add(-lockExpiration)}},
			}},
			{"available_at": bson.M{"$lte": time.Now()}},
		},
	}
	opts := options.Find().SetLimit(int64(batchSize)).SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []OutboxEntry
	for cursor.Next(ctx) {
		var doc struct {
			ID          string            `bson:"id"`
			AggregateID string            `bson:"aggregate_id"`
			EventType   string            `bson:"event_type"`
			Topic       string            `bson:"topic"`
			Payload     []byte            `bson:"payload"`
			Headers     map[string]string `bson:"headers"`
			Attempts    int               `bson:"attempts"`
		}
		if err := cursor.Decode(&doc); err != nil {
			span.RecordError(err)
			return nil, err
		}
		entries = append(entries, OutboxEntry{
			ID:          doc.ID,
			AggregateID: doc.AggregateID,
			EventType:   doc.EventType,
			Topic:       doc.Topic,
			Payload:     doc.Payload,
			Headers:     doc.Headers,
			Attempts:    doc.Attempts,
		})
	}

	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Claim fetched entries; flag the ones out of attempts.
	claimed := entries[:0]
	for _, entry := range entries {
		if entry.Attempts >= maxAttempts {
			if err := m.SetStatus(ctx, entry.ID, StatusFailed); err != nil {
				return nil, err
			}
			continue
		}
		if err := m.setStatusAndIncrementAttempts(ctx, entry.ID, StatusProcessing); err != nil {
			return nil, err
		}
		claimed = append(claimed, entry)
	}

	addDBStatsToSpan(span, "mongodb", "FetchPending", len(claimed), time.Since(startTime))

	return claimed, nil
}

func (m *MongoOutboxRepository) MarkPublished(ctx context.Context, entryID string) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "MarkPublished")
	defer span.End()

	collection := m.client.Database(m.database).Collection(m.collection)
	update := bson.M{
		"$set": bson.M{
			"status":       StatusPublished,
			"published_at": time.Now(),
			"updated_at":   time.Now(),
		},
	}
	_, err := collection.UpdateOne(ctx, bson.M{"id": entryID}, update)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *MongoOutboxRepository) SetStatus(ctx context.Context, entryID string, status Status) error {
	collection := m.client.Database(m.database).Collection(m.collection)
	update := bson.M{
		"$set": bson.M{
			"status":     status,
			"updated_at": time.Now(),
		},
	}
	_, err := collection.UpdateOne(ctx, bson.M{"id": entryID}, update)
	return err
}

func (m *MongoOutboxRepository) setStatusAndIncrementAttempts(ctx context.Context, entryID string, status Status) error {
	collection := m.client.Database(m.database).Collection(m.collection)
	update := bson.M{
		"$set": bson.M{
			"status":     status,
			"updated_at": time.Now(),
		},
		"$inc": bson.M{"attempts": 1},
	}
	_, err := collection.UpdateOne(ctx, bson.M{"id": entryID}, update)
	return err
}

func (m *MongoOutboxRepository) ListFailed(ctx context.Context, limit int) ([]OutboxEntry, error) {
	collection := m.client.Database(m.database).Collection(m.collection)
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := collection.Find(ctx, bson.M{"status": StatusFailed}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []OutboxEntry
	for cursor.Next(ctx) {
		var doc struct {
			ID          string    `bson:"id"`
			AggregateID string    `bson:"aggregate_id"`
			EventType   string    `bson:"event_type"`
			Topic       string    `bson:"topic"`
			Attempts    int       `bson:"attempts"`
			CreatedAt   time.Time `bson:"created_at"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, OutboxEntry{
			ID:          doc.ID,
			AggregateID: doc.AggregateID,
			EventType:   doc.EventType,
			Topic:       doc.Topic,
			Attempts:    doc.Attempts,
			CreatedAt:   doc.CreatedAt,
			Status:      StatusFailed,
		})
	}
	return entries, cursor.Err()
}

func (m *MongoOutboxRepository) ResetForRetry(ctx context.Context, entryID string) error {
	collection := m.client.Database(m.database).Collection(m.collection)
	update := bson.M{
		"$set": bson.M{
			"status":       StatusPending,
			"attempts":     0,
			"available_at": time.Now(),
			"updated_at":   time.Now(),
		},
	}
	_, err := collection.UpdateOne(ctx, bson.M{"id": entryID}, update)
	return err
}
