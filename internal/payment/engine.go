package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/events"
	"orderfulfillment/internal/messaging"
	"orderfulfillment/internal/platform/observability"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errAlreadyCompensated = errors.New("already compensated")

// Scheduler arranges a later compensation attempt.
type Scheduler interface {
	Schedule(action Action, orderID, reason string, attempt int)
}

// Engine owns the payment ledger. Every operation decides from the stored status
// before touching the gateway, so redelivered requests never repeat a processor call
// that already completed. Gateway calls run outside store locks.
type Engine struct {
	store      Store
	gateway    Gateway
	publisher  messaging.Publisher
	logger     observability.Logger
	scheduler  Scheduler
	staleAfter time.Duration
	now        func() time.Time
}

// NewEngine creates an engine. A compensation left IN_PROGRESS for longer than
// staleAfter is assumed abandoned and may be retried.
func NewEngine(store Store, gateway Gateway, publisher messaging.Publisher, logger observability.Logger,
	staleAfter time.Duration) *Engine {
	return &Engine{
		store:      store,
		gateway:    gateway,
		publisher:  publisher,
		logger:     logger,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// UseScheduler sets where failed compensations are rescheduled. Without one, only
// SweepCompensations retries them.
func (e *Engine) UseScheduler(s Scheduler) {
	e.scheduler = s
}

func (e *Engine) publish(ctx context.Context, orderID string, payload events.Payload) error {
	return messaging.PublishEvent(ctx, e.publisher, config.PaymentEventsTopic, orderID, payload)
}

// declined turns a call that never completed into a declined outcome, unless the
// caller gave up.
func declined(ctx context.Context, out Outcome, err error) (Outcome, error) {
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return Outcome{}, err
	}
	return Outcome{Success: false, Response: err.Error()}, nil
}

// ReservePayment holds amount for the order. A second request for the same order
// replays the recorded outcome instead of reserving again.
func (e *Engine) ReservePayment(ctx context.Context, orderID, customerID string, amount decimal.Decimal, method string) error {
	now := e.now()
	tx := &Transaction{
		ID:                 uuid.NewString(),
		OrderID:            orderID,
		CustomerID:         customerID,
		Amount:             amount,
		Currency:           DefaultCurrency,
		PaymentMethod:      ParseMethod(method),
		Status:             StatusPending,
		CompensationStatus: CompensationNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := e.store.Create(ctx, tx)
	switch {
	case errors.Is(err, ErrDuplicate):
		existing, err := e.store.GetByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if existing.Status != StatusPending {
			e.logger.Info("🔁 Replaying reservation outcome",
				zap.String("order_id", orderID),
				zap.String("payment_id", existing.ID),
				zap.String("status", string(existing.Status)),
			)
			return e.publishReservationOutcome(ctx, existing)
		}
		// A previous attempt stopped before recording the verdict.
		tx = existing
	case err != nil:
		return fmt.Errorf("failed to create payment transaction: %w", err)
	}

	out, err := e.gateway.Reserve(ctx, tx)
	if out, err = declined(ctx, out, err); err != nil {
		return err
	}

	result, _, err := e.store.Update(ctx, orderID, func(t *Transaction) (bool, error) {
		if t.Status != StatusPending {
			return false, nil
		}
		at := e.now()
		t.GatewayResponse = out.Response
		t.UpdatedAt = at
		if out.Success {
			t.Status = StatusReserved
			t.GatewayTransactionID = out.GatewayTransactionID
			t.ReservedAt = stamp(at)
		} else {
			t.Status = StatusFailed
			t.FailureReason = "payment reservation declined: " + out.Response
			t.FailedAt = stamp(at)
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to record reservation: %w", err)
	}

	if result.Status == StatusReserved {
		e.logger.Info("💳 Payment reserved",
			zap.String("order_id", orderID),
			zap.String("payment_id", result.ID),
			zap.String("amount", result.Amount.StringFixed(2)),
		)
	} else {
		e.logger.Warn("❌ Payment reservation failed",
			zap.String("order_id", orderID),
			zap.String("reason", result.FailureReason),
		)
	}
	return e.publishReservationOutcome(ctx, result)
}

func (e *Engine) publishReservationOutcome(ctx context.Context, t *Transaction) error {
	if t.ReservedAt != nil {
		return e.publish(ctx, t.OrderID, events.PaymentReservationSuccessData{PaymentID: t.ID})
	}
	return e.publish(ctx, t.OrderID, events.PaymentReservationFailureData{Reason: t.FailureReason})
}

// CapturePayment settles a reservation.
func (e *Engine) CapturePayment(ctx context.Context, orderID string) error {
	t, err := e.store.GetByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if t.Status == StatusCaptured {
		e.logger.Debug("Capture already recorded", zap.String("order_id", orderID))
		return e.publish(ctx, orderID, events.PaymentCapturedData{Amount: t.Amount})
	}
	if t.Status != StatusReserved || t.CompensationStatus != CompensationNone {
		return fmt.Errorf("%w: cannot capture %s payment with compensation %s",
			ErrInvalidState, t.Status, t.CompensationStatus)
	}

	out, err := e.gateway.Capture(ctx, t)
	if out, err = declined(ctx, out, err); err != nil {
		return err
	}

	result, changed, err := e.store.Update(ctx, orderID, func(t *Transaction) (bool, error) {
		if t.Status != StatusReserved || t.CompensationStatus != CompensationNone {
			return false, nil
		}
		at := e.now()
		t.GatewayResponse = out.Response
		t.UpdatedAt = at
		if out.Success {
			t.Status = StatusCaptured
			t.CapturedAt = stamp(at)
		} else {
			t.Status = StatusFailed
			t.FailureReason = "payment capture declined: " + out.Response
			t.FailedAt = stamp(at)
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to record capture: %w", err)
	}
	if !changed {
		if out.Success {
			e.logger.Error("🚨 Capture approved after compensation began",
				zap.String("order_id", orderID),
				zap.String("payment_id", result.ID),
				zap.String("status", string(result.Status)),
				zap.String("compensation_status", string(result.CompensationStatus)),
				zap.String("gateway_response", out.Response),
				zap.Bool("manual_intervention", true),
			)
			return nil
		}
		e.logger.Warn("⚠️ Capture result discarded, transaction moved on",
			zap.String("order_id", orderID),
			zap.String("status", string(result.Status)),
		)
		return nil
	}

	if result.Status == StatusCaptured {
		e.logger.Info("💰 Payment captured", zap.String("order_id", orderID), zap.String("payment_id", result.ID))
		return e.publish(ctx, orderID, events.PaymentCapturedData{Amount: result.Amount})
	}
	e.logger.Warn("❌ Payment capture failed", zap.String("order_id", orderID), zap.String("reason", result.FailureReason))
	return e.publish(ctx, orderID, events.PaymentCaptureFailedData{Reason: result.FailureReason})
}

// RefundPayment returns captured or reserved funds to the customer.
func (e *Engine) RefundPayment(ctx context.Context, orderID, reason string) error {
	return e.compensate(ctx, ActionRefund, orderID, reason)
}

// ReleaseReservation voids a reservation that will never be captured.
func (e *Engine) ReleaseReservation(ctx context.Context, orderID, reason string) error {
	return e.compensate(ctx, ActionRelease, orderID, reason)
}

// RetryCompensation re-drives a failed or abandoned compensation with its recorded reason.
func (e *Engine) RetryCompensation(ctx context.Context, action Action, orderID, reason string) error {
	return e.compensate(ctx, action, orderID, reason)
}

func compensated(action Action, t *Transaction) bool {
	if action == ActionRefund {
		return t.Status == StatusRefunded
	}
	return t.Status == StatusFailed && t.CompensationAction == ActionRelease && t.CompensationStatus == CompensationCompleted
}

func (e *Engine) checkCompensable(action Action, t *Transaction) error {
	if compensated(action, t) {
		return errAlreadyCompensated
	}
	switch {
	case action == ActionRefund && (t.Status == StatusCaptured || t.Status == StatusReserved):
	case action == ActionRelease && t.Status == StatusReserved:
	default:
		return fmt.Errorf("%w: cannot %s a %s payment", ErrInvalidState, action, t.Status)
	}
	if t.CompensationStatus == CompensationInProgress && e.now().Sub(t.UpdatedAt) < e.staleAfter {
		return ErrCompensationInFlight
	}
	if !t.CanRetryCompensation() {
		return ErrCompensationExhausted
	}
	return nil
}

func (e *Engine) compensate(ctx context.Context, action Action, orderID, reason string) error {
	// Record the request first so the sweeper can find it if the claim below never lands.
	if _, _, err := e.store.Update(ctx, orderID, func(t *Transaction) (bool, error) {
		if err := e.checkCompensable(action, t); err != nil {
			return false, err
		}
		if t.CompensationStatus != CompensationNone {
			return false, nil
		}
		t.CompensationStatus = CompensationPending
		t.CompensationAction = action
		t.CompensationReason = reason
		t.UpdatedAt = e.now()
		return true, nil
	}); err != nil {
		return e.compensationRefused(ctx, action, orderID, err)
	}

	claimed, _, err := e.store.Update(ctx, orderID, func(t *Transaction) (bool, error) {
		if err := e.checkCompensable(action, t); err != nil {
			return false, err
		}
		t.CompensationStatus = CompensationInProgress
		t.CompensationAction = action
		if reason != "" {
			t.CompensationReason = reason
		}
		t.CompensationAttempts++
		t.UpdatedAt = e.now()
		return true, nil
	})
	if err != nil {
		return e.compensationRefused(ctx, action, orderID, err)
	}

	var out Outcome
	if action == ActionRefund {
		out, err = e.gateway.Refund(ctx, claimed)
	} else {
		out, err = e.gateway.Release(ctx, claimed)
	}
	if out, err = declined(ctx, out, err); err != nil {
		// Left IN_PROGRESS; the sweeper picks it up once stale.
		return err
	}

	result, changed, err := e.store.Update(ctx, orderID, func(t *Transaction) (bool, error) {
		if t.CompensationStatus != CompensationInProgress || t.CompensationAttempts != claimed.CompensationAttempts {
			return false, nil
		}
		at := e.now()
		t.GatewayResponse = out.Response
		t.UpdatedAt = at
		switch {
		case !out.Success:
			t.CompensationStatus = CompensationFailed
		case action == ActionRefund:
			t.Status = StatusRefunded
			t.CompensationStatus = CompensationCompleted
			t.RefundedAt = stamp(at)
		default:
			t.Status = StatusFailed
			t.FailureReason = "reservation released: " + t.CompensationReason
			t.CompensationStatus = CompensationCompleted
			t.FailedAt = stamp(at)
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", action, err)
	}
	if !changed {
		e.logger.Warn("⚠️ Compensation result discarded, attempt superseded",
			zap.String("order_id", orderID),
			zap.String("action", string(action)),
		)
		return nil
	}

	if out.Success {
		return e.publishCompensated(ctx, action, result)
	}
	return e.compensationFailed(ctx, action, result)
}

func (e *Engine) publishCompensated(ctx context.Context, action Action, t *Transaction) error {
	if action == ActionRefund {
		e.logger.Info("↩️ Payment refunded",
			zap.String("order_id", t.OrderID),
			zap.String("payment_id", t.ID),
			zap.Int("attempt", t.CompensationAttempts),
		)
		return e.publish(ctx, t.OrderID, events.PaymentRefundSuccessData{Amount: t.Amount})
	}
	e.logger.Info("🔓 Payment reservation released",
		zap.String("order_id", t.OrderID),
		zap.String("payment_id", t.ID),
		zap.String("reason", t.CompensationReason),
	)
	return e.publish(ctx, t.OrderID, events.PaymentReservationReleasedData{Reason: t.CompensationReason})
}

func (e *Engine) compensationFailed(ctx context.Context, action Action, t *Transaction) error {
	fields := []zap.Field{
		zap.String("order_id", t.OrderID),
		zap.String("payment_id", t.ID),
		zap.String("action", string(action)),
		zap.Int("attempt", t.CompensationAttempts),
		zap.String("reason", t.GatewayResponse),
	}
	if t.CanRetryCompensation() {
		e.logger.Warn("⚠️ Compensation attempt failed, retry scheduled", fields...)
		if e.scheduler != nil {
			e.scheduler.Schedule(action, t.OrderID, t.CompensationReason, t.CompensationAttempts)
		}
	} else {
		e.logger.Error("🚨 Compensation attempts exhausted", append(fields, zap.Bool("manual_intervention", true))...)
	}

	if action == ActionRefund {
		return e.publish(ctx, t.OrderID, events.PaymentRefundFailureData{
			Reason:   t.GatewayResponse,
			Attempts: t.CompensationAttempts,
		})
	}
	return nil
}

// compensationRefused replays the outcome of a finished compensation and passes
// every other refusal through to the caller.
func (e *Engine) compensationRefused(ctx context.Context, action Action, orderID string, err error) error {
	if !errors.Is(err, errAlreadyCompensated) {
		return err
	}
	t, getErr := e.store.GetByOrder(ctx, orderID)
	if getErr != nil {
		return getErr
	}
	e.logger.Debug("Compensation already completed", zap.String("order_id", orderID), zap.String("action", string(action)))
	return e.publishCompensated(ctx, action, t)
}

// SweepCompensations retries compensations that failed or were abandoned and have
// not been touched for staleAfter. It returns how many were re-driven successfully.
func (e *Engine) SweepCompensations(ctx context.Context) (int, error) {
	due, err := e.store.Find(ctx, Query{
		CompensationStatuses: []CompensationStatus{CompensationPending, CompensationInProgress, CompensationFailed},
		MaxAttempts:          MaxCompensationAttempts,
		UpdatedBefore:        e.now().Add(-e.staleAfter),
	})
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, t := range due {
		if err := e.RetryCompensation(ctx, t.CompensationAction, t.OrderID, t.CompensationReason); err != nil {
			e.logger.Warn("⚠️ Compensation sweep retry failed",
				zap.String("order_id", t.OrderID),
				zap.String("action", string(t.CompensationAction)),
				zap.Error(err),
			)
			continue
		}
		retried++
	}
	return retried, nil
}

// RunSweeper calls SweepCompensations every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.SweepCompensations(ctx); err != nil {
				e.logger.Error("❌ Compensation sweep failed", zap.Error(err))
			} else if n > 0 {
				e.logger.Info("🧹 Compensation sweep re-drove transactions", zap.Int("count", n))
			}
		}
	}
}

func (e *Engine) Get(ctx context.Context, orderID string) (*Transaction, error) {
	return e.store.GetByOrder(ctx, orderID)
}

func (e *Engine) TransactionsByCustomer(ctx context.Context, customerID string) ([]*Transaction, error) {
	return e.store.Find(ctx, Query{CustomerID: customerID})
}

func (e *Engine) TransactionsByStatus(ctx context.Context, statuses ...Status) ([]*Transaction, error) {
	return e.store.Find(ctx, Query{Statuses: statuses})
}

// PendingCompensations lists transactions whose compensation has not reached a final state.
func (e *Engine) PendingCompensations(ctx context.Context) ([]*Transaction, error) {
	return e.store.Find(ctx, Query{
		CompensationStatuses: []CompensationStatus{CompensationPending, CompensationInProgress, CompensationFailed},
	})
}
