package menu

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var holdColumns = []string{"order_id", "dish_id", "quantity"}

func newMockHolds(t *testing.T) (*GormHolds, sqlmock.Sqlmock) {
	t.Helper()
	c, mock := newMockCatalog(t)
	return c.Holds(), mock
}

func TestGormHolds_EmptyPutIsStillHeld(t *testing.T) {
	h, mock := newMockHolds(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `dish_holds` WHERE order_id = \\?").
		WithArgs("order-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO `dish_holds`").
		WithArgs("order-1", "", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, h.Put(ctx, "order-1", nil))

	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `dish_holds` WHERE order_id = \\?").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	held, err := h.Has(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, held)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `dish_holds` WHERE order_id = \\? ORDER BY dish_id FOR UPDATE").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows(holdColumns).AddRow("order-1", "", 0))
	mock.ExpectExec("DELETE FROM `dish_holds` WHERE order_id = \\?").
		WithArgs("order-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	holds, ok, err := h.Take(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, holds)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormHolds_TakeUnknownOrder(t *testing.T) {
	h, mock := newMockHolds(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `dish_holds` WHERE order_id = \\?").
		WithArgs("order-9").
		WillReturnRows(sqlmock.NewRows(holdColumns))
	mock.ExpectCommit()

	holds, ok, err := h.Take(context.Background(), "order-9")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, holds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormHolds_FailedPutRollsBack(t *testing.T) {
	h, mock := newMockHolds(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `dish_holds` WHERE order_id = \\?").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO `dish_holds`").
		WillReturnError(errors.New("deadlock found"))
	mock.ExpectRollback()

	err := h.Put(context.Background(), "order-1", []Hold{{DishID: "dish-a", Quantity: 2}})
	assert.ErrorContains(t, err, "failed to save holds for order order-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
