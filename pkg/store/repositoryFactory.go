package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zoff-tech/go-saga/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Stores bundles every durable store the engine runs on.
type Stores struct {
	Outbox      OutBoxRepository
	Sagas       SagaStateStore
	Ledger      IdempotencyLedger
	CompLog     CompensationLogStore
	DeadLetters DeadLetterStore
	Tx          TxRunner
}

var NewSpannerOutboxFactory = func(client *spanner.Client) OutBoxRepository {
	return NewSpannerOutboxRepository(client)
}

var NewMongoOutboxFactory = func(client *mongo.Client, database, collection string) OutBoxRepository {
	return NewMongoOutboxRepository(client, database, collection)
}

// NewOutboxRepository builds the outbox store on its own. Spanner and
// Mongo back relay-only deployments where the outbox lives in the
// producing service's database and the engine state lives elsewhere.
func NewOutboxRepository(ctx context.Context, cfg config.DbSettings) (OutBoxRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresOutboxRepository(db), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerOutboxFactory(client), nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		return NewMongoOutboxFactory(client, cfg.Name, "outbox_entries"), nil
	case "memory":
		return NewMemoryStores(), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

// NewStores builds the full engine store set. Orchestration state needs
// optimistic concurrency and a shared transaction boundary, so it is
// limited to the SQL and in-memory backends.
func NewStores(ctx context.Context, cfg config.DbSettings) (*Stores, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Outbox:      NewPostgresOutboxRepository(db),
			Sagas:       NewPostgresSagaStore(db),
			Ledger:      NewPostgresIdempotencyLedger(db),
			CompLog:     NewPostgresCompensationLog(db),
			DeadLetters: NewPostgresDeadLetterStore(db),
			Tx:          NewPostgresTxRunner(db),
		}, nil
	case "memory":
		mem := NewMemoryStores()
		return &Stores{
			Outbox:      mem,
			Sagas:       mem,
			Ledger:      mem,
			CompLog:     mem,
			DeadLetters: mem,
			Tx:          mem,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported DB type for engine stores: %s", cfg.Type)
	}
}
