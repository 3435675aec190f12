package saga

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/events"
	"orderfulfillment/internal/idempotency"
	"orderfulfillment/internal/messaging"
	"orderfulfillment/internal/order"
	"orderfulfillment/internal/platform/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const claimPrefix = "saga:"

// EventHandler feeds the order, menu and payment topics into the orchestrator.
type EventHandler struct {
	saga   *Orchestrator
	claims idempotency.Store
	logger observability.Logger
	tracer observability.Tracer
}

func NewEventHandler(saga *Orchestrator, claims idempotency.Store, logger observability.Logger,
	tracer observability.Tracer) *EventHandler {
	return &EventHandler{saga: saga, claims: claims, logger: logger, tracer: tracer}
}

// Register subscribes the saga group to every topic it listens on.
func (h *EventHandler) Register(bus messaging.Bus) error {
	for _, topic := range []string{config.OrderEventsTopic, config.MenuEventsTopic, config.PaymentEventsTopic} {
		if err := bus.Subscribe(topic, config.SagaGroupID, h.Handle); err != nil {
			return err
		}
	}
	return nil
}

// Handle is a messaging.Handler.
func (h *EventHandler) Handle(ctx context.Context, env events.Envelope) error {
	key := env.IdempotencyKey()
	var op func(context.Context) error

	switch env.EventType {
	case events.OrderCreationRequested:
		data, err := events.Decode[events.OrderCreationRequestedData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		op = func(ctx context.Context) error { return h.saga.StartSaga(ctx, env.AggregateID, data) }
	case events.OrderValidationResponse:
		data, err := events.Decode[events.ValidationResponseData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		op = func(ctx context.Context) error {
			if data.IsValid {
				return h.saga.OnValidationSuccess(ctx, env.AggregateID, data)
			}
			return h.saga.OnValidationFailure(ctx, env.AggregateID, data.Reason)
		}
	case events.PaymentReservationSuccess:
		data, err := events.Decode[events.PaymentReservationSuccessData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		op = func(ctx context.Context) error { return h.saga.OnReservationSuccess(ctx, env.AggregateID, data.PaymentID) }
	case events.PaymentReservationFailure:
		data, err := events.Decode[events.PaymentReservationFailureData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		op = func(ctx context.Context) error { return h.saga.OnReservationFailure(ctx, env.AggregateID, data.Reason) }
	case events.PaymentCaptured:
		op = func(ctx context.Context) error { return h.saga.OnPaymentCaptured(ctx, env.AggregateID) }
	case events.PaymentCaptureFailed:
		data, err := events.Decode[events.PaymentCaptureFailedData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		op = func(ctx context.Context) error { return h.saga.OnCaptureFailure(ctx, env.AggregateID, data.Reason) }
	case events.PaymentRefundSuccess:
		op = func(ctx context.Context) error { return h.saga.OnRefundSucceeded(ctx, env.AggregateID) }
	case events.PaymentRefundFailure:
		data, err := events.Decode[events.PaymentRefundFailureData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		// Each attempt reports separately.
		key += ":" + strconv.Itoa(data.Attempts)
		op = func(ctx context.Context) error {
			return h.saga.OnRefundFailed(ctx, env.AggregateID, data.Reason, data.Attempts)
		}
	case events.SagaTimeout:
		data, err := events.Decode[events.SagaTimeoutData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		key += ":" + data.Step
		op = func(ctx context.Context) error { return h.saga.OnTimeout(ctx, env.AggregateID, data.Step) }
	default:
		return nil
	}

	if env.AggregateID == "" {
		return messaging.Permanent(errors.New(string(env.EventType) + " without order id"))
	}

	ctx, span := h.tracer.Start(ctx, "saga."+strings.ToLower(string(env.EventType)),
		trace.WithAttributes(
			attribute.String("order.id", env.AggregateID),
			attribute.String("event.type", string(env.EventType)),
		),
	)
	defer span.End()

	ran, err := idempotency.Once(ctx, h.claims, claimPrefix+key, func(ctx context.Context) error {
		return h.settle(env, op(ctx))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "saga step failed")
		return err
	}
	if !ran {
		span.SetAttributes(attribute.Bool("saga.duplicate", true))
		h.logger.Debug("Duplicate saga event ignored",
			zap.String("order_id", env.AggregateID),
			zap.String("event_type", string(env.EventType)),
		)
	}
	return nil
}

// settle keeps business refusals from bouncing around the bus. An event for an
// order that does not exist will never succeed.
func (h *EventHandler) settle(env events.Envelope, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, order.ErrInvalidTransition):
		h.logger.Warn("⚠️ Saga event refused by order state",
			zap.String("order_id", env.AggregateID),
			zap.String("event_type", string(env.EventType)),
			zap.Error(err),
		)
		return nil
	case errors.Is(err, order.ErrNotFound):
		return messaging.Permanent(err)
	default:
		return err
	}
}
