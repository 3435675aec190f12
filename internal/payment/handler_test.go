package payment

import (
	"context"
	"testing"

	"orderfulfillment/internal/events"
	"orderfulfillment/internal/idempotency"
	"orderfulfillment/internal/messaging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newHandler(t *testing.T) (*EventHandler, *fixture) {
	t.Helper()
	f := newFixture(t)
	return NewEventHandler(f.engine, idempotency.NewMemoryStore(0), zaptest.NewLogger(t)), f
}

func envelope(t *testing.T, orderID string, payload events.Payload) events.Envelope {
	t.Helper()
	env, err := events.New(orderID, payload)
	require.NoError(t, err)
	return env
}

func TestEventHandler_HappyPath(t *testing.T) {
	h, f := newHandler(t)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, envelope(t, "order-1", events.PaymentReservationRequestedData{
		CustomerID: "customer-1",
		Amount:     decimal.RequireFromString("315.00"),
	})))
	require.NoError(t, h.Handle(ctx, envelope(t, "order-1", events.OrderSagaCompletedData{})))

	tx, err := f.store.GetByOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, tx.Status)
	assert.Equal(t, []events.Type{events.PaymentReservationSuccess, events.PaymentCaptured}, f.published.types())
}

func TestEventHandler_DuplicateDeliveryIgnored(t *testing.T) {
	h, f := newHandler(t)
	env := envelope(t, "order-1", events.PaymentReservationRequestedData{
		CustomerID: "customer-1",
		Amount:     decimal.RequireFromString("100"),
	})

	require.NoError(t, h.Handle(context.Background(), env))
	require.NoError(t, h.Handle(context.Background(), env))

	assert.Equal(t, 1, f.gateway.Calls(OpReserve))
	assert.Len(t, f.published.types(), 1)
}

func TestEventHandler_ReleaseOnlyForPaymentFailureOrTimeout(t *testing.T) {
	h, f := newHandler(t)
	ctx := context.Background()
	f.reserve(t, "order-1")

	require.NoError(t, h.Handle(ctx, envelope(t, "order-1", events.InventoryReleaseRequestedData{Reason: events.ReasonOrderCancelled})))
	assert.Zero(t, f.gateway.Calls(OpRelease))

	require.NoError(t, h.Handle(ctx, envelope(t, "order-1", events.InventoryReleaseRequestedData{Reason: events.ReasonSagaTimeout})))
	assert.Equal(t, 1, f.gateway.Calls(OpRelease))

	// Nothing reserved for this order: acknowledged without a processor call.
	require.NoError(t, h.Handle(ctx, envelope(t, "order-2", events.InventoryReleaseRequestedData{Reason: events.ReasonPaymentFailed})))
	assert.Equal(t, 1, f.gateway.Calls(OpRelease))
}

func TestEventHandler_RefundRequested(t *testing.T) {
	h, f := newHandler(t)
	tx := f.capture(t, "order-1")

	require.NoError(t, h.Handle(context.Background(), envelope(t, "order-1", events.PaymentRefundRequestedData{
		PaymentID: tx.ID,
		Reason:    events.ReasonOrderCancelled,
	})))

	got, err := f.store.GetByOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
}

func TestEventHandler_RefusalsAreAcknowledged(t *testing.T) {
	h, f := newHandler(t)
	f.gateway.Script(OpReserve, false)
	f.reserve(t, "order-1")

	// Capture of a failed reservation is refused by state and acknowledged.
	err := h.Handle(context.Background(), envelope(t, "order-1", events.OrderSagaCompletedData{}))
	assert.NoError(t, err)
}

func TestEventHandler_CaptureForUnknownOrderIsPermanent(t *testing.T) {
	h, _ := newHandler(t)

	err := h.Handle(context.Background(), envelope(t, "missing", events.OrderSagaCompletedData{}))
	require.Error(t, err)
	assert.True(t, messaging.IsPermanent(err))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventHandler_IgnoresUnrelatedEvents(t *testing.T) {
	h, f := newHandler(t)

	require.NoError(t, h.Handle(context.Background(), envelope(t, "order-1", events.OrderConfirmedData{CustomerID: "c", CookID: "k"})))
	assert.Empty(t, f.published.types())
}
