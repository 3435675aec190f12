package order

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/events"
	"orderfulfillment/internal/messaging"
	"orderfulfillment/internal/platform/observability"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	MinQuantity = 1
	MaxQuantity = 10

	pickupLeadTime   = 30 * time.Minute
	deliveryLeadTime = 60 * time.Minute
)

var pincodePattern = regexp.MustCompile(`^[1-9][0-9]{5}$`)

// ItemRequest is one requested line of a new order.
type ItemRequest struct {
	DishID              string
	Quantity            int
	SpecialInstructions string
}

// CreateRequest carries everything the customer supplies when placing an order.
type CreateRequest struct {
	CustomerID           string
	DeliveryType         DeliveryType
	DeliveryAddress      string
	DeliveryCity         string
	DeliveryPincode      string
	DeliveryInstructions string
	SpecialInstructions  string
	PaymentMethod        string
	Items                []ItemRequest
}

// Validate checks the request shape. Availability and pricing are the validator's job.
func (r CreateRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.CustomerID) == "" {
		problems = append(problems, "customer id is required")
	}
	switch r.DeliveryType {
	case DeliveryTypePickup:
	case DeliveryTypeDelivery:
		if strings.TrimSpace(r.DeliveryAddress) == "" {
			problems = append(problems, "delivery address is required for delivery orders")
		}
		if strings.TrimSpace(r.DeliveryCity) == "" {
			problems = append(problems, "delivery city is required for delivery orders")
		}
		if !pincodePattern.MatchString(r.DeliveryPincode) {
			problems = append(problems, "delivery pincode must be a valid 6-digit PIN code")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown delivery type %q", r.DeliveryType))
	}
	if len(r.Items) == 0 {
		problems = append(problems, "order must contain at least one item")
	}
	for i, it := range r.Items {
		if strings.TrimSpace(it.DishID) == "" {
			problems = append(problems, fmt.Sprintf("item %d: dish id is required", i))
		}
		if it.Quantity < MinQuantity || it.Quantity > MaxQuantity {
			problems = append(problems, fmt.Sprintf("item %d: quantity must be between %d and %d", i, MinQuantity, MaxQuantity))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Canceller runs the saga's cancellation branch for an order.
type Canceller interface {
	OnCancellation(ctx context.Context, orderID, reason string) error
}

// Service exposes the customer and cook facing order operations.
type Service struct {
	store     Store
	publisher messaging.Publisher
	canceller Canceller
	logger    observability.Logger
	tracer    observability.Tracer
	now       func() time.Time
}

func NewService(store Store, publisher messaging.Publisher, canceller Canceller,
	logger observability.Logger, tracer observability.Tracer) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		canceller: canceller,
		logger:    logger,
		tracer:    tracer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateOrder persists a PENDING order with zero totals and asks the saga to start.
func (s *Service) CreateOrder(ctx context.Context, req CreateRequest) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "order.create")
	defer span.End()

	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid order")
		return nil, err
	}

	now := s.now()
	o := &Order{
		ID:                   uuid.NewString(),
		CustomerID:           req.CustomerID,
		Status:               StatusPending,
		DeliveryType:         req.DeliveryType,
		DeliveryAddress:      req.DeliveryAddress,
		DeliveryCity:         req.DeliveryCity,
		DeliveryPincode:      req.DeliveryPincode,
		DeliveryInstructions: req.DeliveryInstructions,
		SpecialInstructions:  req.SpecialInstructions,
		PaymentMethod:        req.PaymentMethod,
		PaymentStatus:        PaymentPending,
		Subtotal:             decimal.Zero,
		DeliveryFee:          decimal.Zero,
		TaxAmount:            decimal.Zero,
		TotalAmount:          decimal.Zero,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if o.PaymentMethod == "" {
		o.PaymentMethod = DefaultPaymentMethod
	}
	if o.DeliveryType == DeliveryTypePickup {
		o.EstimatedDeliveryTime = now.Add(pickupLeadTime)
	} else {
		o.EstimatedDeliveryTime = now.Add(deliveryLeadTime)
	}

	requested := make([]events.ItemRequest, 0, len(req.Items))
	for _, it := range req.Items {
		o.Items = append(o.Items, Item{
			DishID:              it.DishID,
			Quantity:            it.Quantity,
			SpecialInstructions: it.SpecialInstructions,
			UnitPrice:           decimal.Zero,
			TotalPrice:          decimal.Zero,
		})
		requested = append(requested, events.ItemRequest{
			DishID:              it.DishID,
			Quantity:            it.Quantity,
			SpecialInstructions: it.SpecialInstructions,
		})
	}

	span.SetAttributes(
		attribute.String("order.id", o.ID),
		attribute.String("order.customer_id", o.CustomerID),
		attribute.Int("order.items", len(o.Items)),
	)

	if err := s.store.Create(ctx, o); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to save order: %w", err)
	}

	if err := messaging.PublishEvent(ctx, s.publisher, config.OrderEventsTopic, o.ID, events.OrderCreationRequestedData{
		CustomerID:   o.CustomerID,
		DeliveryType: string(o.DeliveryType),
		Items:        requested,
	}); err != nil {
		// The timeout sweeper rejects orders whose saga never started.
		s.logger.Error("❌ Failed to publish order creation", zap.Error(err), zap.String("order_id", o.ID))
		span.SetStatus(codes.Error, err.Error())
		return o, err
	}

	s.logger.Info("🛒 Order created", zap.String("order_id", o.ID), zap.String("customer_id", o.CustomerID))
	span.SetStatus(codes.Ok, "order created")
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByCustomer(ctx context.Context, customerID string) ([]*Order, error) {
	return s.store.Find(ctx, Query{CustomerID: customerID})
}

func (s *Service) ListByCook(ctx context.Context, cookID string) ([]*Order, error) {
	return s.store.Find(ctx, Query{CookID: cookID})
}

func (s *Service) ListActiveByCustomer(ctx context.Context, customerID string) ([]*Order, error) {
	return s.store.Find(ctx, Query{CustomerID: customerID, Statuses: ActiveStatuses()})
}

func (s *Service) ListActiveByCook(ctx context.Context, cookID string) ([]*Order, error) {
	return s.store.Find(ctx, Query{CookID: cookID, Statuses: ActiveStatuses()})
}

// UpdateStatus applies a cook or courier driven transition. CONFIRMED and REJECTED
// belong to the saga, and CANCELLED is routed through the cancellation branch so the
// payment and inventory get compensated.
func (s *Service) UpdateStatus(ctx context.Context, id string, next Status) (*Order, error) {
	switch next {
	case StatusConfirmed, StatusRejected:
		return nil, fmt.Errorf("%w: %s is set by the fulfillment saga", ErrInvalidTransition, next)
	case StatusCancelled:
		if err := s.RequestCancellation(ctx, id, "cancelled by cook"); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, id)
	}

	ctx, span := s.tracer.Start(ctx, "order.update_status")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", id), attribute.String("order.next_status", string(next)))

	var previous Status
	updated, _, err := s.store.Update(ctx, id, func(o *Order) (bool, error) {
		previous = o.Status
		if err := o.TransitionTo(next, s.now()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := messaging.PublishEvent(ctx, s.publisher, config.OrderEventsTopic, id, events.OrderStatusUpdatedData{
		OldStatus:  string(previous),
		NewStatus:  string(next),
		CustomerID: updated.CustomerID,
		CookID:     updated.CookID,
	}); err != nil {
		s.logger.Error("❌ Failed to publish status update", zap.Error(err), zap.String("order_id", id))
	}

	s.logger.Info("📦 Order status updated",
		zap.String("order_id", id),
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
	)
	return updated, nil
}

// RequestCancellation asks the saga to cancel the order and compensate.
func (s *Service) RequestCancellation(ctx context.Context, id, reason string) error {
	if s.canceller == nil {
		return errors.New("order cancellation is not wired")
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by customer"
	}
	return s.canceller.OnCancellation(ctx, id, reason)
}

// AddReview attaches a rating and comment to a delivered order.
func (s *Service) AddReview(ctx context.Context, id string, rating decimal.Decimal, comment string) (*Order, error) {
	updated, _, err := s.store.Update(ctx, id, func(o *Order) (bool, error) {
		if err := o.AddReview(rating, comment, s.now()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if err := messaging.PublishEvent(ctx, s.publisher, config.OrderEventsTopic, id, events.OrderReviewedData{
		CustomerID: updated.CustomerID,
		CookID:     updated.CookID,
		Rating:     rating,
		Comment:    comment,
	}); err != nil {
		s.logger.Error("❌ Failed to publish review", zap.Error(err), zap.String("order_id", id))
	}
	return updated, nil
}
