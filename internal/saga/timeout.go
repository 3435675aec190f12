package saga

import (
	"context"
	"sync"
	"time"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/events"
	"orderfulfillment/internal/messaging"
	"orderfulfillment/internal/order"
	"orderfulfillment/internal/platform/observability"

	"go.uber.org/zap"
)

// Deadlines bound how long the saga waits on each collaborator. A zero deadline
// never expires.
type Deadlines struct {
	Validation  time.Duration
	Reservation time.Duration
	Capture     time.Duration
}

// DeadlinesFromConfig reads the saga deadlines out of cfg.
func DeadlinesFromConfig(cfg *config.Config) Deadlines {
	return Deadlines{
		Validation:  cfg.ValidationTimeout,
		Reservation: cfg.ReservationTimeout,
		Capture:     cfg.CaptureTimeout,
	}
}

// TimeoutSweeper looks for orders stuck waiting on a reply and publishes
// SAGA_TIMEOUT for them. It raises each overdue step once per process; the
// orchestrator ignores timeouts for steps an order has already left.
type TimeoutSweeper struct {
	orders    order.Store
	publisher messaging.Publisher
	deadlines Deadlines
	logger    observability.Logger
	metrics   *observability.SagaMetrics
	now       func() time.Time

	mu     sync.Mutex
	raised map[string]struct{}
}

func NewTimeoutSweeper(orders order.Store, publisher messaging.Publisher, deadlines Deadlines,
	logger observability.Logger, metrics *observability.SagaMetrics) *TimeoutSweeper {
	return &TimeoutSweeper{
		orders:    orders,
		publisher: publisher,
		deadlines: deadlines,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
		raised:    make(map[string]struct{}),
	}
}

// overdue reports the step o is waiting on and when it was due, if that is past.
func (t *TimeoutSweeper) overdue(o *order.Order, now time.Time) (string, time.Time, bool) {
	var (
		step     string
		since    time.Time
		deadline time.Duration
	)
	switch {
	case o.Status == order.StatusPending && !o.Validated:
		step, since, deadline = events.StepValidation, o.CreatedAt, t.deadlines.Validation
	case o.Status == order.StatusPending && o.ValidatedAt != nil:
		step, since, deadline = events.StepPaymentReservation, *o.ValidatedAt, t.deadlines.Reservation
	case !o.Status.IsTerminal() && o.PaymentStatus == order.PaymentProcessing && o.ConfirmedAt != nil:
		step, since, deadline = events.StepPaymentCapture, *o.ConfirmedAt, t.deadlines.Capture
	default:
		return "", time.Time{}, false
	}
	if deadline <= 0 {
		return "", time.Time{}, false
	}
	due := since.Add(deadline)
	return step, due, now.After(due)
}

// Sweep raises a timeout for every overdue step not raised before and returns how
// many it published.
func (t *TimeoutSweeper) Sweep(ctx context.Context) (int, error) {
	active, err := t.orders.Find(ctx, order.Query{Statuses: order.ActiveStatuses()})
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	overdue := make(map[string]struct{})
	raised := 0
	for _, o := range active {
		step, due, ok := t.overdue(o, now)
		if !ok {
			continue
		}
		key := o.ID + ":" + step
		overdue[key] = struct{}{}
		if _, done := t.raised[key]; done {
			continue
		}

		err := messaging.PublishEvent(ctx, t.publisher, config.OrderEventsTopic, o.ID,
			events.SagaTimeoutData{Step: step, Deadline: due})
		if err != nil {
			return raised, err
		}
		t.raised[key] = struct{}{}
		t.metrics.TimeoutRaised(ctx, step)
		t.logger.Warn("⏰ Saga timeout raised",
			zap.String("order_id", o.ID),
			zap.String("step", step),
			zap.Time("deadline", due),
		)
		raised++
	}

	// Forget orders that moved on so the map does not grow without bound.
	for key := range t.raised {
		if _, still := overdue[key]; !still {
			delete(t.raised, key)
		}
	}
	return raised, nil
}

// Run calls Sweep every interval until ctx is done.
func (t *TimeoutSweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil {
				t.logger.Error("❌ Saga timeout sweep failed", zap.Error(err))
			}
		}
	}
}
