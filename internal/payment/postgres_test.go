package payment

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{
	"id", "order_id", "customer_id", "amount", "currency", "payment_method", "status",
	"gateway_transaction_id", "gateway_response", "failure_reason",
	"compensation_status", "compensation_action", "compensation_attempts", "compensation_reason",
	"reserved_at", "captured_at", "refunded_at", "failed_at", "created_at", "updated_at", "version",
}

func reservedRow(version int64) *sqlmock.Rows {
	return sqlmock.NewRows(columns).AddRow(
		"pay-1", "order-1", "customer-1", "262.50", "INR", "UPI", "RESERVED",
		"gw-1", "reserve approved", "",
		"NONE", "", 0, "",
		t0, nil, nil, nil, t0, t0, version,
	)
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_Create(t *testing.T) {
	store, mock := newMockStore(t)
	tx := &Transaction{
		ID: "pay-1", OrderID: "order-1", CustomerID: "customer-1",
		Amount: decimal.RequireFromString("262.50"), Currency: DefaultCurrency, PaymentMethod: MethodUPI,
		Status: StatusPending, CompensationStatus: CompensationNone, CreatedAt: t0, UpdatedAt: t0,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_transactions")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.Create(context.Background(), tx))
	assert.Equal(t, int64(1), tx.Version)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_transactions")).
		WillReturnError(&pq.Error{Code: "23505"})
	assert.ErrorIs(t, store.Create(context.Background(), tx), ErrDuplicate)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetByOrder(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM payment_transactions WHERE order_id = $1")).
		WithArgs("order-1").
		WillReturnRows(reservedRow(2))
	got, err := store.GetByOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, got.Status)
	assert.Equal(t, CompensationNone, got.CompensationStatus)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("262.50")))
	require.NotNil(t, got.ReservedAt)
	assert.Nil(t, got.CapturedAt)

	mock.ExpectQuery(regexp.QuoteMeta("FROM payment_transactions WHERE order_id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = store.GetByOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLocksAndBumpsVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE order_id = $1 FOR UPDATE")).
		WithArgs("order-1").
		WillReturnRows(reservedRow(2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payment_transactions SET")).
		WithArgs("order-1", "CAPTURED", "gw-1", "capture approved", "", "NONE", "", 0, "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), int64(3), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, changed, err := store.Update(context.Background(), "order-1", func(tx *Transaction) (bool, error) {
		tx.Status = StatusCaptured
		tx.GatewayResponse = "capture approved"
		tx.CapturedAt = stamp(t0)
		return true, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(3), got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateGuardRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("order-1").
		WillReturnRows(reservedRow(2))
	mock.ExpectRollback()

	got, changed, err := store.Update(context.Background(), "order-1", func(tx *Transaction) (bool, error) {
		return false, ErrInvalidState
	})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, changed)
	assert.Equal(t, StatusReserved, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindPendingCompensations(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE compensation_status = ANY($1) AND compensation_attempts < $2 AND updated_at < $3 ORDER BY created_at DESC")).
		WithArgs(sqlmock.AnyArg(), MaxCompensationAttempts, t0).
		WillReturnRows(reservedRow(1))

	got, err := store.Find(context.Background(), Query{
		CompensationStatuses: []CompensationStatus{CompensationFailed},
		MaxAttempts:          MaxCompensationAttempts,
		UpdatedBefore:        t0,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pay-1", got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
