package payment

import (
	"context"
	"errors"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/events"
	"orderfulfillment/internal/idempotency"
	"orderfulfillment/internal/messaging"
	"orderfulfillment/internal/platform/observability"

	"go.uber.org/zap"
)

const claimPrefix = "payment:"

// EventHandler turns order-topic requests into engine calls.
type EventHandler struct {
	engine *Engine
	claims idempotency.Store
	logger observability.Logger
}

func NewEventHandler(engine *Engine, claims idempotency.Store, logger observability.Logger) *EventHandler {
	return &EventHandler{engine: engine, claims: claims, logger: logger}
}

// Register subscribes the handler to the order topic.
func (h *EventHandler) Register(bus messaging.Bus) error {
	return bus.Subscribe(config.OrderEventsTopic, config.PaymentGroupID, h.Handle)
}

// Handle is a messaging.Handler.
func (h *EventHandler) Handle(ctx context.Context, env events.Envelope) error {
	var op func(context.Context) error

	switch env.EventType {
	case events.PaymentReservationRequested:
		data, err := events.Decode[events.PaymentReservationRequestedData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		op = func(ctx context.Context) error {
			return h.engine.ReservePayment(ctx, env.AggregateID, data.CustomerID, data.Amount, data.PaymentMethod)
		}
	case events.OrderSagaCompleted:
		op = func(ctx context.Context) error {
			return h.engine.CapturePayment(ctx, env.AggregateID)
		}
	case events.PaymentRefundRequested:
		data, err := events.Decode[events.PaymentRefundRequestedData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		op = func(ctx context.Context) error {
			return h.engine.RefundPayment(ctx, env.AggregateID, data.Reason)
		}
	case events.InventoryReleaseRequested:
		data, err := events.Decode[events.InventoryReleaseRequestedData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		if data.Reason != events.ReasonPaymentFailed && data.Reason != events.ReasonSagaTimeout {
			return nil
		}
		op = func(ctx context.Context) error {
			return h.engine.ReleaseReservation(ctx, env.AggregateID, data.Reason)
		}
	default:
		return nil
	}

	if env.AggregateID == "" {
		return messaging.Permanent(errors.New(string(env.EventType) + " without order id"))
	}

	ran, err := idempotency.Once(ctx, h.claims, claimPrefix+env.IdempotencyKey(), func(ctx context.Context) error {
		return h.settle(env, op(ctx))
	})
	if err != nil {
		return err
	}
	if !ran {
		h.logger.Debug("Duplicate payment request ignored",
			zap.String("order_id", env.AggregateID),
			zap.String("event_type", string(env.EventType)),
		)
	}
	return nil
}

// settle decides which engine errors are final. A request the ledger refuses by state
// is acknowledged; only transient failures go back to the bus.
func (h *EventHandler) settle(env events.Envelope, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrCompensationInFlight),
		errors.Is(err, ErrCompensationExhausted):
		h.logger.Warn("⚠️ Payment request refused by ledger state",
			zap.String("order_id", env.AggregateID),
			zap.String("event_type", string(env.EventType)),
			zap.Error(err),
		)
		return nil
	case errors.Is(err, ErrNotFound):
		if env.EventType == events.InventoryReleaseRequested {
			// Nothing was ever reserved.
			return nil
		}
		return messaging.Permanent(err)
	default:
		return err
	}
}
