package saga

import (
	"context"
	"testing"
	"time"

	"orderfulfillment/internal/events"
	"orderfulfillment/internal/order"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testDeadlines = Deadlines{
	Validation:  30 * time.Second,
	Reservation: 90 * time.Second,
	Capture:     2 * time.Minute,
}

func newSweeper(t *testing.T, f *fixture, d Deadlines) *TimeoutSweeper {
	t.Helper()
	s := NewTimeoutSweeper(f.orders, f.pub, d, zaptest.NewLogger(t), nil)
	s.now = func() time.Time { return f.clock }
	return s
}

func raisedSteps(t *testing.T, pub *recordingPublisher) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, env := range pub.ofType(events.SagaTimeout) {
		out[env.AggregateID] = decode[events.SagaTimeoutData](t, env).Step
	}
	return out
}

func TestTimeoutSweeper_RaisesEachOverdueStepOnce(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "stuck-validating")
	f.validated(t, "stuck-reserving")
	f.confirmed(t, "stuck-capturing")
	f.confirmed(t, "captured")
	require.NoError(t, f.saga.OnPaymentCaptured(context.Background(), "captured"))
	f.pub.reset()

	f.clock = t0.Add(10 * time.Minute)
	f.pending(t, "fresh")

	sweeper := newSweeper(t, f, testDeadlines)
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, map[string]string{
		"stuck-validating": events.StepValidation,
		"stuck-reserving":  events.StepPaymentReservation,
		"stuck-capturing":  events.StepPaymentCapture,
	}, raisedSteps(t, f.pub))

	deadline := decode[events.SagaTimeoutData](t, f.pub.ofType(events.SagaTimeout)[0]).Deadline
	assert.False(t, deadline.IsZero())

	n, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.pub.ofType(events.SagaTimeout), 3)
}

func TestTimeoutSweeper_NothingDueBeforeDeadline(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "order-1")
	f.clock = t0.Add(testDeadlines.Validation)

	n, err := newSweeper(t, f, testDeadlines).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimeoutSweeper_ZeroDeadlineNeverExpires(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "order-1")
	f.clock = t0.Add(24 * time.Hour)

	n, err := newSweeper(t, f, Deadlines{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimeoutSweeper_ForgetsOrdersThatMovedOn(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "order-1")
	f.clock = t0.Add(time.Minute)
	sweeper := newSweeper(t, f, testDeadlines)

	_, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, sweeper.raised, 1)

	require.NoError(t, f.saga.OnTimeout(context.Background(), "order-1", events.StepValidation))
	require.Equal(t, order.StatusRejected, f.get(t, "order-1").Status)

	_, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sweeper.raised)
}

func TestTimeoutSweeper_PublishFailureIsRetriedNextSweep(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "order-1")
	f.clock = t0.Add(time.Minute)
	sweeper := newSweeper(t, f, testDeadlines)

	f.pub.err = assert.AnError
	_, err := sweeper.Sweep(context.Background())
	require.ErrorIs(t, err, assert.AnError)

	f.pub.err = nil
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
