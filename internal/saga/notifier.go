package saga

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

const notifyPrefix = "notify:"

// Notification is a customer-facing message about an order.
type Notification struct {
	OrderID    string
	CustomerID string
	Kind       events.Type
	Reason     string
}

// Sender delivers notifications to customers.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the log. It stands in for push and SMS
// delivery, which live outside this service.
type LogSender struct {
	logger observability.Logger
}

func NewLogSender(logger observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.logger.Info("📣 Customer notified",
		zap.String("order_id", n.OrderID),
		zap.String("customer_id", n.CustomerID),
		zap.String("event_type", string(n.Kind)),
		zap.String("reason", n.Reason),
	)
	return nil
}

// Notifier consumes the order topic in its own group and tells customers about
// confirmations, rejections and cancellations.
type Notifier struct {
	sender Sender
	claims idempotency.Store
	logger observability.Logger
}

func NewNotifier(sender Sender, claims idempotency.Store, logger observability.Logger) *Notifier {
	return &Notifier{sender: sender, claims: claims, logger: logger}
}

func (n *Notifier) Register(bus messaging.Bus) error {
	return bus.Subscribe(config.OrderEventsTopic, config.NotificationGroupID, n.Handle)
}

func (n *Notifier) Handle(ctx context.Context, env events.Envelope) error {
	note := Notification{OrderID: env.AggregateID, Kind: env.EventType}

	switch env.EventType {
	case events.OrderCancellationNotificationRequested:
		data, err := events.Decode[events.OrderCancellationNotificationRequestedData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		note.CustomerID, note.Reason = data.CustomerID, data.Reason
	case events.OrderConfirmed:
		data, err := events.Decode[events.OrderConfirmedData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		note.CustomerID = data.CustomerID
	case events.OrderRejected:
		data, err := events.Decode[events.OrderRejectedData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		note.CustomerID, note.Reason = data.CustomerID, data.Reason
	default:
		return nil
	}

	if env.AggregateID == "" {
		return messaging.Permanent(errors.New(string(env.EventType) + " without order id"))
	}

	ran, err := idempotency.Once(ctx, n.claims, notifyPrefix+env.IdempotencyKey(), func(ctx context.Context) error {
		return n.sender.Send(ctx, note)
	})
	if err == nil && !ran {
		n.logger.Debug("Duplicate notification suppressed",
			zap.String("order_id", env.AggregateID),
			zap.String("event_type", string(env.EventType)),
		)
	}
	return err
}
