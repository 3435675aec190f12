package menu

import (
	"context"
	"errors"
	"fmt"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/events"
	"orderfulfillment/internal/idempotency"
	"orderfulfillment/internal/messaging"
	"orderfulfillment/internal/platform/observability"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	claimPrefix  = "menu:"
	deliveryType = "DELIVERY"
	minQuantity  = 1
	maxQuantity  = 10
)

// rejection is a business reason for refusing a cart.
type rejection struct {
	reason string
}

func (r *rejection) Error() string { return r.reason }

func reject(format string, args ...any) error {
	return &rejection{reason: fmt.Sprintf(format, args...)}
}

// Validator answers inventory validation requests and releases inventory held by
// orders that did not go through.
type Validator struct {
	catalog      Catalog
	publisher    messaging.Publisher
	claims       idempotency.Store
	reservations HoldStore
	logger       observability.Logger
	tracer       observability.Tracer
}

func NewValidator(catalog Catalog, publisher messaging.Publisher, claims idempotency.Store,
	reservations HoldStore, logger observability.Logger, tracer observability.Tracer) *Validator {
	return &Validator{
		catalog:      catalog,
		publisher:    publisher,
		claims:       claims,
		reservations: reservations,
		logger:       logger,
		tracer:       tracer,
	}
}

// Register subscribes to the order topic.
func (v *Validator) Register(bus messaging.Bus) error {
	return bus.Subscribe(config.OrderEventsTopic, config.MenuGroupID, v.Handle)
}

func (v *Validator) Handle(ctx context.Context, env events.Envelope) error {
	switch env.EventType {
	case events.InventoryValidationRequested:
		data, err := events.Decode[events.InventoryValidationRequestedData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		return v.once(ctx, env, func(ctx context.Context) error {
			return v.validate(ctx, env.AggregateID, data)
		})
	case events.InventoryReleaseRequested:
		data, err := events.Decode[events.InventoryReleaseRequestedData](env)
		if err != nil {
			return messaging.Permanent(err)
		}
		// Release is once-only through the hold store, so a second request after a
		// late validation still frees what that validation took.
		return v.Release(ctx, env.AggregateID, data.Reason)
	default:
		return nil
	}
}

func (v *Validator) once(ctx context.Context, env events.Envelope, fn func(context.Context) error) error {
	if env.AggregateID == "" {
		return messaging.Permanent(errors.New(string(env.EventType) + " without order id"))
	}
	ran, err := idempotency.Once(ctx, v.claims, claimPrefix+env.IdempotencyKey(), fn)
	if err == nil && !ran {
		v.logger.Debug("Duplicate menu request ignored",
			zap.String("order_id", env.AggregateID),
			zap.String("event_type", string(env.EventType)),
		)
	}
	return err
}

// Quote checks the cart against the catalog and prices it. A business refusal is
// returned as a *rejection.
func (v *Validator) Quote(ctx context.Context, req events.InventoryValidationRequestedData) (events.ValidationResponseData, error) {
	if len(req.Items) == 0 {
		return events.ValidationResponseData{}, reject("order must contain at least one item")
	}

	// Lines for the same dish draw on the same stock.
	wanted := make(map[string]int, len(req.Items))
	for _, it := range req.Items {
		if it.Quantity < minQuantity || it.Quantity > maxQuantity {
			return events.ValidationResponseData{}, reject("quantity for dish %s must be between %d and %d",
				it.DishID, minQuantity, maxQuantity)
		}
		wanted[it.DishID] += it.Quantity
	}

	var (
		cookID   string
		subtotal = decimal.Zero
		items    = make([]events.ValidatedItem, 0, len(req.Items))
	)
	for _, it := range req.Items {
		dish, err := v.catalog.GetDishByID(ctx, it.DishID)
		if errors.Is(err, ErrDishNotFound) {
			return events.ValidationResponseData{}, reject("dish %s not found", it.DishID)
		}
		if err != nil {
			return events.ValidationResponseData{}, err
		}
		if dish.Status != DishActive {
			return events.ValidationResponseData{}, reject("dish %s is not available", dish.Name)
		}
		if dish.AvailableQuantity < wanted[it.DishID] {
			return events.ValidationResponseData{}, reject("insufficient quantity for dish %s", dish.Name)
		}
		if cookID == "" {
			cookID = dish.CookID
		} else if cookID != dish.CookID {
			return events.ValidationResponseData{}, reject("all dishes in an order must be from the same cook")
		}

		subtotal = subtotal.Add(dish.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
		items = append(items, events.ValidatedItem{
			DishID:    dish.ID,
			DishName:  dish.Name,
			UnitPrice: dish.Price,
			Quantity:  it.Quantity,
		})
	}

	q := Price(subtotal, req.DeliveryType == deliveryType)
	return events.ValidationResponseData{
		IsValid:     true,
		CookID:      cookID,
		Subtotal:    q.Subtotal,
		DeliveryFee: q.DeliveryFee,
		TaxAmount:   q.TaxAmount,
		TotalAmount: q.TotalAmount,
		Items:       items,
	}, nil
}

func (v *Validator) validate(ctx context.Context, orderID string, req events.InventoryValidationRequestedData) error {
	ctx, span := v.tracer.Start(ctx, "menu.validate")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.Int("order.items", len(req.Items)))

	resp, err := v.Quote(ctx, req)
	var rej *rejection
	switch {
	case errors.As(err, &rej):
		span.SetAttributes(attribute.Bool("menu.valid", false))
		v.logger.Info("🚫 Order failed inventory validation",
			zap.String("order_id", orderID),
			zap.String("reason", rej.reason),
		)
		return messaging.PublishEvent(ctx, v.publisher, config.MenuEventsTopic, orderID,
			events.ValidationResponseData{IsValid: false, Reason: rej.reason})
	case err != nil:
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Bool("menu.valid", true), attribute.String("order.cook_id", resp.CookID))
	held, err := v.reservations.Has(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !held {
		v.recordUnits(ctx, orderID, req.Items)
	}

	v.logger.Info("✅ Order passed inventory validation",
		zap.String("order_id", orderID),
		zap.String("cook_id", resp.CookID),
		zap.String("total", resp.TotalAmount.StringFixed(2)),
	)
	return messaging.PublishEvent(ctx, v.publisher, config.MenuEventsTopic, orderID, resp)
}

// recordUnits decrements availability unit by unit. A failed decrement does not fail
// the order; it is logged and handed to reconciliation instead.
func (v *Validator) recordUnits(ctx context.Context, orderID string, items []events.ItemRequest) {
	holds := make([]Hold, 0, len(items))
	for _, it := range items {
		recorded := 0
		for recorded < it.Quantity {
			if err := v.catalog.RecordDishOrder(ctx, it.DishID); err != nil {
				missing := it.Quantity - recorded
				v.logger.Warn("⚠️ Failed to record dish order, requesting reconciliation",
					zap.String("order_id", orderID),
					zap.String("dish_id", it.DishID),
					zap.Int("quantity", missing),
					zap.Error(err),
				)
				if pubErr := messaging.PublishEvent(ctx, v.publisher, config.MenuEventsTopic, orderID,
					events.InventoryReconciliationRequestedData{DishID: it.DishID, Quantity: missing, Reason: err.Error()},
				); pubErr != nil {
					v.logger.Error("❌ Failed to publish reconciliation request", zap.String("order_id", orderID), zap.Error(pubErr))
				}
				break
			}
			recorded++
		}
		if recorded > 0 {
			holds = append(holds, Hold{DishID: it.DishID, Quantity: recorded})
		}
	}
	if err := v.reservations.Put(ctx, orderID, holds); err != nil {
		v.logger.Error("❌ Dish orders recorded but holds not saved",
			zap.String("order_id", orderID),
			zap.Bool("manual_intervention", true),
			zap.Error(err),
		)
	}
}

// Release gives back everything recorded for the order. Releasing an order that
// holds nothing is a no-op.
func (v *Validator) Release(ctx context.Context, orderID, reason string) error {
	holds, ok, err := v.reservations.Take(ctx, orderID)
	if err != nil {
		return err
	}
	if !ok {
		v.logger.Debug("No inventory held for order", zap.String("order_id", orderID), zap.String("reason", reason))
		return nil
	}

	for i, h := range holds {
		if err := v.catalog.ReleaseDish(ctx, h.DishID, h.Quantity); err != nil {
			if putErr := v.reservations.Put(ctx, orderID, holds[i:]); putErr != nil {
				v.logger.Error("❌ Unreleased holds lost",
					zap.String("order_id", orderID),
					zap.Bool("manual_intervention", true),
					zap.Error(putErr),
				)
			}
			return fmt.Errorf("release dish %s: %w", h.DishID, err)
		}
	}
	v.logger.Info("📦 Inventory released",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
		zap.Int("dishes", len(holds)),
	)
	return nil
}
