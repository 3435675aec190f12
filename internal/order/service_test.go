package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/events"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"
)

type published struct {
	topic string
	env   events.Envelope
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic: topic, env: env})
	return nil
}

func (p *fakePublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Type
	for _, s := range p.sent {
		out = append(out, s.env.EventType)
	}
	return out
}

type fakeCanceller struct {
	orderID string
	reason  string
	err     error
}

func (c *fakeCanceller) OnCancellation(_ context.Context, orderID, reason string) error {
	c.orderID, c.reason = orderID, reason
	return c.err
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *fakePublisher, *fakeCanceller) {
	t.Helper()
	store := NewMemoryStore()
	pub := &fakePublisher{}
	canceller := &fakeCanceller{}
	svc := NewService(store, pub, canceller, zaptest.NewLogger(t), noop.NewTracerProvider().Tracer("test"))
	svc.now = func() time.Time { return t0 }
	return svc, store, pub, canceller
}

func validDelivery() CreateRequest {
	return CreateRequest{
		CustomerID:      "customer-1",
		DeliveryType:    DeliveryTypeDelivery,
		DeliveryAddress: "12 MG Road",
		DeliveryCity:    "Bengaluru",
		DeliveryPincode: "560001",
		Items: []ItemRequest{
			{DishID: "dish-a", Quantity: 2},
			{DishID: "dish-b", Quantity: 1},
		},
	}
}

func TestCreateOrder_PersistsPendingAndPublishes(t *testing.T) {
	svc, store, pub, _ := newTestService(t)

	o, err := svc.CreateOrder(context.Background(), validDelivery())
	require.NoError(t, err)

	assert.Equal(t, StatusPending, o.Status)
	assert.True(t, o.TotalAmount.IsZero())
	assert.False(t, o.Validated)
	assert.Equal(t, DefaultPaymentMethod, o.PaymentMethod)
	assert.Equal(t, t0.Add(deliveryLeadTime), o.EstimatedDeliveryTime)

	stored, err := store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 2)

	require.Equal(t, []events.Type{events.OrderCreationRequested}, pub.types())
	assert.Equal(t, config.OrderEventsTopic, pub.sent[0].topic)
	data, err := events.Decode[events.OrderCreationRequestedData](pub.sent[0].env)
	require.NoError(t, err)
	assert.Equal(t, "customer-1", data.CustomerID)
	assert.Len(t, data.Items, 2)
}

func TestCreateOrder_PickupLeadTime(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	req := CreateRequest{CustomerID: "c", DeliveryType: DeliveryTypePickup, PaymentMethod: "UPI",
		Items: []ItemRequest{{DishID: "d", Quantity: 1}}}

	o, err := svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(pickupLeadTime), o.EstimatedDeliveryTime)
	assert.Equal(t, "UPI", o.PaymentMethod)
}

func TestCreateOrder_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
		want   string
	}{
		{"no items", func(r *CreateRequest) { r.Items = nil }, "at least one item"},
		{"quantity zero", func(r *CreateRequest) { r.Items[0].Quantity = 0 }, "quantity must be between 1 and 10"},
		{"quantity eleven", func(r *CreateRequest) { r.Items[1].Quantity = 11 }, "quantity must be between 1 and 10"},
		{"missing address", func(r *CreateRequest) { r.DeliveryAddress = " " }, "delivery address"},
		{"bad pincode", func(r *CreateRequest) { r.DeliveryPincode = "012345" }, "PIN code"},
		{"unknown delivery type", func(r *CreateRequest) { r.DeliveryType = "DRONE" }, "unknown delivery type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, pub, _ := newTestService(t)
			req := validDelivery()
			tt.mutate(&req)

			_, err := svc.CreateOrder(context.Background(), req)
			require.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
			assert.Empty(t, pub.types())
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	ctx := context.Background()
	o := pendingOrder()
	o.Status = StatusConfirmed
	require.NoError(t, store.Create(ctx, o))

	updated, err := svc.UpdateStatus(ctx, o.ID, StatusPreparing)
	require.NoError(t, err)
	assert.Equal(t, StatusPreparing, updated.Status)
	require.Equal(t, []events.Type{events.OrderStatusUpdated}, pub.types())

	_, err = svc.UpdateStatus(ctx, o.ID, StatusDelivered)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.UpdateStatus(ctx, o.ID, StatusConfirmed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.UpdateStatus(ctx, "missing", StatusPreparing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatus_CancelRoutesToSaga(t *testing.T) {
	svc, store, _, canceller := newTestService(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, pendingOrder()))

	_, err := svc.UpdateStatus(ctx, "order-1", StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, "order-1", canceller.orderID)
	assert.Equal(t, "cancelled by cook", canceller.reason)

	canceller.err = errors.New("nope")
	assert.Error(t, svc.RequestCancellation(ctx, "order-1", ""))
	assert.Equal(t, "cancelled by customer", canceller.reason)
}

func TestAddReview_OnlyDelivered(t *testing.T) {
	svc, store, pub, _ := newTestService(t)
	ctx := context.Background()
	o := pendingOrder()
	o.Status = StatusConfirmed
	require.NoError(t, store.Create(ctx, o))

	_, err := svc.AddReview(ctx, o.ID, decimal.NewFromInt(4), "great")
	assert.ErrorIs(t, err, ErrValidation)

	_, _, err = store.Update(ctx, o.ID, func(o *Order) (bool, error) {
		o.Status = StatusDelivered
		return true, nil
	})
	require.NoError(t, err)

	_, err = svc.AddReview(ctx, o.ID, decimal.RequireFromString("6.0"), "")
	assert.ErrorIs(t, err, ErrValidation)

	reviewed, err := svc.AddReview(ctx, o.ID, decimal.NewFromInt(5), "great")
	require.NoError(t, err)
	assert.True(t, reviewed.Rating.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, []events.Type{events.OrderReviewed}, pub.types())
}
