package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/events"
	"orderfulfillment/internal/messaging"
	"orderfulfillment/internal/order"
	"orderfulfillment/internal/payment"
	"orderfulfillment/internal/platform/observability"

	"go.uber.org/zap"
)

const (
	defaultValidationReason = "order validation failed"
	captureTimedOut         = "payment capture timed out"
)

// PaymentLedger is the read side of the payment ledger the saga consults when a
// capture result never arrived.
type PaymentLedger interface {
	Get(ctx context.Context, orderID string) (*payment.Transaction, error)
}

// verdict is what a saga step decided after looking at the stored order.
type verdict int

const (
	// discard: the step does not apply to the order as stored.
	discard verdict = iota
	// apply: the order changed and the step's events must be emitted.
	apply
	// replay: the order already reflects this step, emit its events again.
	replay
)

// Orchestrator drives an order from PENDING to a final state. It reacts to events
// from the menu and payment services and owns every write to order status during
// the saga. Each step reads the stored order and decides whether it applies, so a
// stale or repeated event cannot move an order backwards.
type Orchestrator struct {
	orders    order.Store
	payments  PaymentLedger
	publisher messaging.Publisher
	logger    observability.Logger
	metrics   *observability.SagaMetrics
	now       func() time.Time
}

func NewOrchestrator(orders order.Store, payments PaymentLedger, publisher messaging.Publisher,
	logger observability.Logger, metrics *observability.SagaMetrics) *Orchestrator {
	return &Orchestrator{
		orders:    orders,
		payments:  payments,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Orchestrator) emit(ctx context.Context, orderID string, payloads ...events.Payload) error {
	for _, p := range payloads {
		if err := messaging.PublishEvent(ctx, s.publisher, config.OrderEventsTopic, orderID, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Orchestrator) advance(ctx context.Context, orderID string,
	decide func(o *order.Order) (verdict, error)) (*order.Order, verdict, error) {
	v := discard
	o, _, err := s.orders.Update(ctx, orderID, func(o *order.Order) (bool, error) {
		var err error
		v, err = decide(o)
		if err != nil {
			return false, err
		}
		return v == apply, nil
	})
	if err != nil {
		return o, discard, err
	}
	return o, v, nil
}

func (s *Orchestrator) ignored(o *order.Order, step string) {
	s.logger.Debug("Saga step does not apply to order",
		zap.String("order_id", o.ID),
		zap.String("step", step),
		zap.String("status", string(o.Status)),
	)
}

// StartSaga asks the menu service to validate a freshly created order.
func (s *Orchestrator) StartSaga(ctx context.Context, orderID string, req events.OrderCreationRequestedData) error {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != order.StatusPending || o.Validated {
		s.ignored(o, "start")
		return nil
	}

	if err := s.emit(ctx, orderID, events.InventoryValidationRequestedData{
		CustomerID:   req.CustomerID,
		DeliveryType: req.DeliveryType,
		Items:        req.Items,
	}); err != nil {
		return err
	}
	s.metrics.SagaStarted(ctx)
	s.logger.Info("🚀 Order saga started",
		zap.String("order_id", orderID),
		zap.String("customer_id", req.CustomerID),
	)
	return nil
}

// OnValidationSuccess writes the validator's totals onto the order and requests a
// payment reservation for the total.
func (s *Orchestrator) OnValidationSuccess(ctx context.Context, orderID string, resp events.ValidationResponseData) error {
	items := make([]order.Item, len(resp.Items))
	for i, it := range resp.Items {
		items[i] = order.Item{DishID: it.DishID, DishName: it.DishName, UnitPrice: it.UnitPrice, Quantity: it.Quantity}
	}
	validation := order.Validation{
		CookID:      resp.CookID,
		Subtotal:    resp.Subtotal,
		DeliveryFee: resp.DeliveryFee,
		TaxAmount:   resp.TaxAmount,
		TotalAmount: resp.TotalAmount,
		Items:       items,
	}

	now := s.now()
	o, v, err := s.advance(ctx, orderID, func(o *order.Order) (verdict, error) {
		switch {
		case o.Status == order.StatusPending && o.Validated:
			return replay, nil
		case o.Status != order.StatusPending:
			return discard, nil
		}
		if err := o.ApplyValidation(validation, now); err != nil {
			return discard, err
		}
		return apply, nil
	})
	if err != nil {
		return err
	}

	if v == discard {
		// The order timed out before the menu answered, so whatever the validator
		// took from stock has to go back.
		if o.Status == order.StatusRejected && !o.Validated {
			s.logger.Warn("⚠️ Late validation for rejected order, releasing inventory",
				zap.String("order_id", orderID),
			)
			return s.emit(ctx, orderID, events.InventoryReleaseRequestedData{Reason: events.ReasonSagaTimeout})
		}
		s.ignored(o, "validation_success")
		return nil
	}

	if err := s.emit(ctx, orderID, events.PaymentReservationRequestedData{
		CustomerID:    o.CustomerID,
		Amount:        o.TotalAmount,
		PaymentMethod: o.PaymentMethod,
	}); err != nil {
		return err
	}
	s.logger.Info("✅ Order validated",
		zap.String("order_id", orderID),
		zap.String("cook_id", o.CookID),
		zap.String("total", o.TotalAmount.StringFixed(2)),
	)
	return nil
}

// OnValidationFailure rejects the order. Nothing was reserved yet, so there is
// nothing to compensate beyond telling the customer.
func (s *Orchestrator) OnValidationFailure(ctx context.Context, orderID, reason string) error {
	if reason == "" {
		reason = defaultValidationReason
	}
	return s.reject(ctx, orderID, reason, false, events.CompensationValidationFailed)
}

// reject ends a PENDING order. validated selects which stage of the saga the
// order must be in for the rejection to apply.
func (s *Orchestrator) reject(ctx context.Context, orderID, reason string, validated bool, compensation string) error {
	now := s.now()
	o, v, err := s.advance(ctx, orderID, func(o *order.Order) (verdict, error) {
		switch {
		case o.Status == order.StatusRejected && o.Validated == validated && o.CancellationReason == reason:
			return replay, nil
		case o.Status != order.StatusPending || o.Validated != validated:
			return discard, nil
		}
		if err := o.Reject(reason, now); err != nil {
			return discard, err
		}
		return apply, nil
	})
	if err != nil {
		return err
	}
	if v == discard {
		s.ignored(o, "reject")
		return nil
	}

	var payloads []events.Payload
	switch {
	case reason == events.ReasonSagaTimeout:
		payloads = append(payloads, events.InventoryReleaseRequestedData{Reason: events.ReasonSagaTimeout})
	case compensation == events.CompensationReservationFailed:
		payloads = append(payloads, events.InventoryReleaseRequestedData{Reason: events.ReasonPaymentFailed})
	}
	payloads = append(payloads,
		events.OrderRejectedData{CustomerID: o.CustomerID, Reason: reason},
		events.OrderCompensationCompletedData{CompensationType: compensation, Reason: reason},
	)
	if err := s.emit(ctx, orderID, payloads...); err != nil {
		return err
	}

	if v == apply {
		s.metrics.Compensation(ctx, compensation)
		s.metrics.SagaFinished(ctx, "rejected")
	}
	s.logger.Info("❌ Order rejected",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
		zap.String("compensation", compensation),
	)
	return nil
}

// OnReservationSuccess confirms the order and hands it to the cook. The payment
// is captured once ORDER_SAGA_COMPLETED reaches the payment service.
func (s *Orchestrator) OnReservationSuccess(ctx context.Context, orderID, paymentID string) error {
	now := s.now()
	o, v, err := s.advance(ctx, orderID, func(o *order.Order) (verdict, error) {
		switch {
		case o.Status == order.StatusConfirmed && o.PaymentTransactionID == paymentID:
			return replay, nil
		case o.Status != order.StatusPending || !o.Validated:
			return discard, nil
		}
		if err := o.TransitionTo(order.StatusConfirmed, now); err != nil {
			return discard, err
		}
		o.PaymentTransactionID = paymentID
		return apply, nil
	})
	if err != nil {
		return err
	}

	if v == discard {
		// Funds were reserved for an order that already timed out.
		if o.Status == order.StatusRejected && o.Validated && o.PaymentTransactionID == "" {
			s.logger.Warn("⚠️ Late payment reservation for rejected order, refunding",
				zap.String("order_id", orderID),
				zap.String("payment_id", paymentID),
			)
			s.metrics.Compensation(ctx, events.CompensationReservationFailed)
			return s.emit(ctx, orderID, events.PaymentRefundRequestedData{
				PaymentID: paymentID,
				Reason:    events.ReasonSagaTimeout,
			})
		}
		s.ignored(o, "reservation_success")
		return nil
	}

	if err := s.emit(ctx, orderID,
		events.OrderConfirmedData{CustomerID: o.CustomerID, CookID: o.CookID},
		events.OrderSagaCompletedData{},
	); err != nil {
		return err
	}
	if v == apply {
		s.metrics.SagaFinished(ctx, "confirmed")
	}
	s.logger.Info("🎉 Order confirmed",
		zap.String("order_id", orderID),
		zap.String("payment_id", paymentID),
	)
	return nil
}

// OnReservationFailure rejects the order and returns its inventory.
func (s *Orchestrator) OnReservationFailure(ctx context.Context, orderID, reason string) error {
	if reason == "" {
		reason = events.ReasonPaymentFailed
	}
	return s.reject(ctx, orderID, reason, true, events.CompensationReservationFailed)
}

// OnPaymentCaptured marks the customer's payment complete.
func (s *Orchestrator) OnPaymentCaptured(ctx context.Context, orderID string) error {
	now := s.now()
	o, v, err := s.advance(ctx, orderID, func(o *order.Order) (verdict, error) {
		if o.PaymentStatus != order.PaymentProcessing || o.Status.IsTerminal() {
			return discard, nil
		}
		o.PaymentStatus = order.PaymentCompleted
		o.UpdatedAt = now
		return apply, nil
	})
	if err != nil {
		return err
	}
	if v == discard {
		s.ignored(o, "payment_captured")
		return nil
	}
	s.logger.Info("💰 Order payment completed", zap.String("order_id", orderID))
	return nil
}

// OnCaptureFailure cancels the order and returns its inventory. The reservation is
// already void on the processor side, so no refund is requested.
func (s *Orchestrator) OnCaptureFailure(ctx context.Context, orderID, reason string) error {
	return s.failCapture(ctx, orderID, reason, "")
}

// failCapture runs the capture failure branch. A non-empty refundID also asks the
// payment service to give back a reservation that is still held.
func (s *Orchestrator) failCapture(ctx context.Context, orderID, reason, refundID string) error {
	if reason == "" {
		reason = events.ReasonPaymentCaptureFailed
	}
	now := s.now()
	o, v, err := s.advance(ctx, orderID, func(o *order.Order) (verdict, error) {
		switch o.Status {
		case order.StatusCancelled:
			if o.PaymentStatus == order.PaymentFailed && o.CancellationReason == reason {
				return replay, nil
			}
			return discard, nil
		case order.StatusConfirmed, order.StatusPreparing:
			if err := o.Cancel(reason, now); err != nil {
				return discard, err
			}
			o.PaymentStatus = order.PaymentFailed
			return apply, nil
		case order.StatusReadyForPickup, order.StatusOutForDelivery:
			if o.PaymentStatus == order.PaymentFailed {
				return discard, nil
			}
			o.PaymentStatus = order.PaymentFailed
			o.UpdatedAt = now
			return apply, nil
		}
		return discard, nil
	})
	if err != nil {
		return err
	}
	if v == discard {
		s.ignored(o, "capture_failure")
		return nil
	}

	if o.Status != order.StatusCancelled {
		// Food is already out of the kitchen. Someone has to collect by hand.
		s.logger.Error("🚨 Payment capture failed after order left the kitchen",
			zap.String("order_id", orderID),
			zap.String("status", string(o.Status)),
			zap.String("reason", reason),
			zap.Bool("manual_intervention", true),
		)
		return nil
	}

	var payloads []events.Payload
	if refundID != "" {
		payloads = append(payloads, events.PaymentRefundRequestedData{PaymentID: refundID, Reason: events.ReasonSagaTimeout})
	}
	payloads = append(payloads,
		events.InventoryReleaseRequestedData{Reason: events.ReasonPaymentCaptureFailed},
		events.OrderCancellationNotificationRequestedData{CustomerID: o.CustomerID, Reason: reason},
		events.OrderCancelledData{CustomerID: o.CustomerID, CookID: o.CookID, Reason: reason},
		events.OrderCompensationCompletedData{CompensationType: events.CompensationCaptureFailed, Reason: reason},
	)
	if err := s.emit(ctx, orderID, payloads...); err != nil {
		return err
	}

	if v == apply {
		s.metrics.Compensation(ctx, events.CompensationCaptureFailed)
		s.metrics.SagaFinished(ctx, "cancelled")
	}
	s.logger.Warn("🛑 Order cancelled after payment capture failure",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
	)
	return nil
}

// OnCancellation cancels a CONFIRMED or PREPARING order on request and starts its
// compensations. Any other status, CANCELLED included, is refused, so compensations
// are emitted by the one call that cancelled the order.
func (s *Orchestrator) OnCancellation(ctx context.Context, orderID, reason string) error {
	now := s.now()
	o, _, err := s.advance(ctx, orderID, func(o *order.Order) (verdict, error) {
		switch o.Status {
		case order.StatusConfirmed, order.StatusPreparing:
			if err := o.Cancel(reason, now); err != nil {
				return discard, err
			}
			return apply, nil
		}
		return discard, fmt.Errorf("%w: cannot cancel order in status %s", order.ErrInvalidTransition, o.Status)
	})
	if err != nil {
		return err
	}

	var payloads []events.Payload
	if o.PaymentTransactionID != "" {
		payloads = append(payloads, events.PaymentRefundRequestedData{PaymentID: o.PaymentTransactionID, Reason: reason})
	}
	payloads = append(payloads,
		events.InventoryReleaseRequestedData{Reason: events.ReasonOrderCancelled},
		events.OrderCancellationNotificationRequestedData{CustomerID: o.CustomerID, Reason: reason},
		events.OrderCancelledData{CustomerID: o.CustomerID, CookID: o.CookID, Reason: reason},
	)
	if err := s.emit(ctx, orderID, payloads...); err != nil {
		s.logger.Error("❌ Order cancelled but compensations not published",
			zap.String("order_id", orderID),
			zap.Bool("manual_intervention", true),
			zap.Error(err),
		)
		return err
	}

	s.metrics.Compensation(ctx, events.CompensationOrderCancelled)
	s.metrics.SagaFinished(ctx, "cancelled")
	s.logger.Info("🛑 Order cancelled",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
		zap.String("payment_id", o.PaymentTransactionID),
	)
	return nil
}

// OnRefundSucceeded records that the customer has their money back.
func (s *Orchestrator) OnRefundSucceeded(ctx context.Context, orderID string) error {
	now := s.now()
	o, v, err := s.advance(ctx, orderID, func(o *order.Order) (verdict, error) {
		if o.PaymentStatus == order.PaymentRefunded {
			return discard, nil
		}
		o.PaymentStatus = order.PaymentRefunded
		o.UpdatedAt = now
		return apply, nil
	})
	if err != nil {
		return err
	}
	if v == discard {
		s.ignored(o, "refund_success")
		return nil
	}
	s.logger.Info("↩️ Order payment refunded", zap.String("order_id", orderID))
	return nil
}

// OnRefundFailed only reports. The payment service owns refund retries.
func (s *Orchestrator) OnRefundFailed(_ context.Context, orderID, reason string, attempts int) error {
	if attempts >= payment.MaxCompensationAttempts {
		s.logger.Error("🚨 Refund gave up, customer still charged",
			zap.String("order_id", orderID),
			zap.String("reason", reason),
			zap.Int("attempt", attempts),
			zap.Bool("manual_intervention", true),
		)
		return nil
	}
	s.logger.Warn("⚠️ Refund attempt failed",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
		zap.Int("attempt", attempts),
	)
	return nil
}

// OnTimeout routes an overdue step to the branch that would have run had the
// awaited reply been a failure. A timeout for a step the order has already left
// is ignored.
func (s *Orchestrator) OnTimeout(ctx context.Context, orderID, step string) error {
	s.logger.Warn("⏰ Saga step timed out",
		zap.String("order_id", orderID),
		zap.String("step", step),
	)
	switch step {
	case events.StepValidation:
		return s.reject(ctx, orderID, events.ReasonSagaTimeout, false, events.CompensationValidationFailed)
	case events.StepPaymentReservation:
		return s.reject(ctx, orderID, events.ReasonSagaTimeout, true, events.CompensationReservationFailed)
	case events.StepPaymentCapture:
		return s.captureTimedOut(ctx, orderID)
	default:
		return messaging.Permanent(fmt.Errorf("unknown saga step %q", step))
	}
}

// captureTimedOut asks the ledger what became of the capture before compensating,
// since a PAYMENT_CAPTURED may simply have been lost.
func (s *Orchestrator) captureTimedOut(ctx context.Context, orderID string) error {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.PaymentStatus != order.PaymentProcessing || o.Status.IsTerminal() {
		s.ignored(o, "capture_timeout")
		return nil
	}

	tx, err := s.payments.Get(ctx, orderID)
	if err != nil && !errors.Is(err, payment.ErrNotFound) {
		return err
	}
	switch {
	case tx == nil:
		return s.failCapture(ctx, orderID, captureTimedOut, "")
	case tx.Status == payment.StatusCaptured:
		return s.OnPaymentCaptured(ctx, orderID)
	case tx.Status == payment.StatusFailed:
		return s.failCapture(ctx, orderID, tx.FailureReason, "")
	case tx.Status == payment.StatusReserved:
		return s.failCapture(ctx, orderID, captureTimedOut, tx.ID)
	default:
		return s.failCapture(ctx, orderID, captureTimedOut, "")
	}
}
