package saga

import (
	"context"
	"sync"
	"testing"

	"orderfulfillment/internal/events"
	"orderfulfillment/internal/idempotency"
	"orderfulfillment/internal/messaging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []Notification
}

func (s *fakeSender) Send(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, n)
	return nil
}

func newNotifier(t *testing.T) (*Notifier, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	return NewNotifier(sender, idempotency.NewMemoryStore(0), zaptest.NewLogger(t)), sender
}

func TestNotifier_CancellationNotifiesOnce(t *testing.T) {
	n, sender := newNotifier(t)
	env := envelope(t, "order-1", events.OrderCancellationNotificationRequestedData{CustomerID: "cust-1", Reason: "changed mind"})

	require.NoError(t, n.Handle(context.Background(), env))
	require.NoError(t, n.Handle(context.Background(), env))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, Notification{
		OrderID:    "order-1",
		CustomerID: "cust-1",
		Kind:       events.OrderCancellationNotificationRequested,
		Reason:     "changed mind",
	}, sender.sent[0])
}

func TestNotifier_ConfirmationAndRejection(t *testing.T) {
	n, sender := newNotifier(t)

	require.NoError(t, n.Handle(context.Background(), envelope(t, "order-1", events.OrderConfirmedData{CustomerID: "cust-1", CookID: "C1"})))
	require.NoError(t, n.Handle(context.Background(), envelope(t, "order-2", events.OrderRejectedData{CustomerID: "cust-2", Reason: "out of stock"})))
	require.NoError(t, n.Handle(context.Background(), envelope(t, "order-3", events.OrderSagaCompletedData{})))

	require.Len(t, sender.sent, 2)
	assert.Equal(t, events.OrderConfirmed, sender.sent[0].Kind)
	assert.Equal(t, "out of stock", sender.sent[1].Reason)
}

func TestNotifier_FailedSendIsRetried(t *testing.T) {
	n, sender := newNotifier(t)
	env := envelope(t, "order-1", events.OrderConfirmedData{CustomerID: "cust-1"})

	sender.err = assert.AnError
	err := n.Handle(context.Background(), env)
	require.ErrorIs(t, err, assert.AnError)
	assert.False(t, messaging.IsPermanent(err))

	sender.err = nil
	require.NoError(t, n.Handle(context.Background(), env))
	assert.Len(t, sender.sent, 1)
}
