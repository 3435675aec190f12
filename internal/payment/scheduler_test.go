package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type retryCall struct {
	action  Action
	orderID string
	reason  string
}

type chanRetrier chan retryCall

func (c chanRetrier) RetryCompensation(_ context.Context, action Action, orderID, reason string) error {
	c <- retryCall{action: action, orderID: orderID, reason: reason}
	return nil
}

func TestTimerScheduler_Delay(t *testing.T) {
	s := NewTimerScheduler(make(chanRetrier), time.Second, 4*time.Second, zaptest.NewLogger(t))
	defer s.Stop()

	assert.Equal(t, time.Second, s.Delay(1))
	assert.Equal(t, 1500*time.Millisecond, s.Delay(2))
	assert.Equal(t, 4*time.Second, s.Delay(10))
}

func TestTimerScheduler_FiresRetry(t *testing.T) {
	retrier := make(chanRetrier, 1)
	s := NewTimerScheduler(retrier, time.Millisecond, 10*time.Millisecond, zaptest.NewLogger(t))
	defer s.Stop()

	s.Schedule(ActionRefund, "order-1", "ORDER_CANCELLED", 1)

	select {
	case call := <-retrier:
		assert.Equal(t, retryCall{action: ActionRefund, orderID: "order-1", reason: "ORDER_CANCELLED"}, call)
	case <-time.After(2 * time.Second):
		t.Fatal("retry never fired")
	}
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestTimerScheduler_ReplacesAndStops(t *testing.T) {
	retrier := make(chanRetrier, 1)
	s := NewTimerScheduler(retrier, time.Hour, time.Hour, zaptest.NewLogger(t))

	s.Schedule(ActionRelease, "order-1", "PAYMENT_FAILED", 1)
	s.Schedule(ActionRelease, "order-1", "PAYMENT_FAILED", 2)
	s.Schedule(ActionRefund, "order-2", "ORDER_CANCELLED", 1)
	assert.Equal(t, 2, s.Pending())

	s.Stop()
	assert.Zero(t, s.Pending())

	s.Schedule(ActionRefund, "order-3", "ORDER_CANCELLED", 1)
	assert.Zero(t, s.Pending())
	assert.Empty(t, retrier)
}
