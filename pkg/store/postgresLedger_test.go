package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryClaim_FirstDeliveryWins(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresIdempotencyLedger(db)

	mock.ExpectExec(`INSERT INTO idempotency_records .+ ON CONFLICT \(consumer_name, message_id\) DO NOTHING`).
		WithArgs("date-scheduling", "msg-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := ledger.TryClaim(context.Background(), nil, "date-scheduling", "msg-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryClaim_DuplicateLoses(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresIdempotencyLedger(db)

	// The conditional insert touches no rows when the claim exists.
	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WithArgs("date-scheduling", "msg-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := ledger.TryClaim(context.Background(), nil, "date-scheduling", "msg-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestTryClaim_JoinsCallerTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresIdempotencyLedger(db)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WithArgs("date-scheduling", "msg-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	claimed, err := ledger.TryClaim(ctx, tx, "date-scheduling", "msg-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	// Rolling back discards the claim together with the evaluation.
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSeen(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := NewPostgresIdempotencyLedger(db)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("date-scheduling", "msg-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := ledger.Seen(context.Background(), "date-scheduling", "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.NoError(t, mock.ExpectationsWereMet())
}
