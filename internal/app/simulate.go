package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"orderfulfillment/internal/menu"
	"orderfulfillment/internal/messaging"
	"orderfulfillment/internal/order"
	"orderfulfillment/internal/payment"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SimulationConfig drives a batch of synthetic orders through a running application.
type SimulationConfig struct {
	Orders     int
	CancelRate float64
	Seed       int64
	Settle     time.Duration
}

// SimulationReport counts where the simulated orders ended up.
type SimulationReport struct {
	Placed               int
	Refused              int
	Cancelled            int
	Delivered            int
	Reviewed             int
	OrdersByStatus       map[order.Status]int
	PaymentsByStatus     map[payment.Status]int
	PendingCompensations int
	DeadLetters          int
}

type dishLister interface {
	ListDishes(ctx context.Context) ([]menu.Dish, error)
}

// idler is satisfied by buses that can report when they have drained.
type idler interface {
	WaitIdle(ctx context.Context) error
}

// Simulate places cfg.Orders random carts from the catalog, cancels a share of the
// confirmed ones and walks the rest to delivery. The application must be started.
func (app *Application) Simulate(ctx context.Context, cfg SimulationConfig) (*SimulationReport, error) {
	logger := app.container.Logger()
	rng := rand.New(rand.NewSource(cfg.Seed))

	byCook, err := app.dishesByCook(ctx)
	if err != nil {
		return nil, err
	}
	cooks := make([]string, 0, len(byCook))
	for cook := range byCook {
		cooks = append(cooks, cook)
	}
	sort.Strings(cooks)
	if len(cooks) == 0 {
		return nil, errors.New("catalog has no dishes to order")
	}

	report := &SimulationReport{
		OrdersByStatus:   make(map[order.Status]int),
		PaymentsByStatus: make(map[payment.Status]int),
	}

	placed := make([]string, 0, cfg.Orders)
	for i := 0; i < cfg.Orders; i++ {
		req := randomCart(rng, fmt.Sprintf("sim-customer-%d", i%7), byCook[cooks[rng.Intn(len(cooks))]])
		o, err := app.services.Orders.CreateOrder(ctx, req)
		if err != nil {
			logger.Warn("⚠️ Simulated order refused", zap.Int("index", i), zap.Error(err))
			report.Refused++
			continue
		}
		placed = append(placed, o.ID)
		report.Placed++
	}
	if err := app.settle(ctx, cfg.Settle); err != nil {
		return nil, err
	}

	for _, id := range placed {
		o, err := app.services.Orders.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if o.Status != order.StatusConfirmed {
			continue
		}
		if rng.Float64() < cfg.CancelRate {
			if err := app.services.Orders.RequestCancellation(ctx, id, "customer changed their mind"); err == nil {
				report.Cancelled++
			}
			continue
		}
		if !app.deliver(ctx, o) {
			continue
		}
		report.Delivered++
		rating := decimal.NewFromInt(int64(1 + rng.Intn(5)))
		if _, err := app.services.Orders.AddReview(ctx, id, rating, "simulated review"); err == nil {
			report.Reviewed++
		}
	}
	if err := app.settle(ctx, cfg.Settle); err != nil {
		return nil, err
	}

	for _, id := range placed {
		o, err := app.services.Orders.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		report.OrdersByStatus[o.Status]++
		if tx, err := app.services.Payments.Get(ctx, id); err == nil {
			report.PaymentsByStatus[tx.Status]++
		}
	}
	pending, err := app.services.Payments.PendingCompensations(ctx)
	if err != nil {
		return nil, err
	}
	report.PendingCompensations = len(pending)
	if mb, ok := app.container.Bus().(*messaging.MemoryBus); ok {
		report.DeadLetters = len(mb.DeadLetters())
	}

	logger.Info("🏁 Simulation finished",
		zap.Int("placed", report.Placed),
		zap.Int("cancelled", report.Cancelled),
		zap.Int("delivered", report.Delivered),
	)
	return report, nil
}

func (app *Application) dishesByCook(ctx context.Context) (map[string][]string, error) {
	dishes := DemoMenu()
	if lister, ok := app.services.Catalog.(dishLister); ok {
		listed, err := lister.ListDishes(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list dishes: %w", err)
		}
		dishes = listed
	}
	out := make(map[string][]string)
	for _, d := range dishes {
		if d.Status != menu.DishActive {
			continue
		}
		out[d.CookID] = append(out[d.CookID], d.ID)
	}
	return out, nil
}

func randomCart(rng *rand.Rand, customerID string, dishes []string) order.CreateRequest {
	req := order.CreateRequest{
		CustomerID:    customerID,
		DeliveryType:  order.DeliveryTypePickup,
		PaymentMethod: string(payment.MethodUPI),
	}
	if rng.Intn(2) == 0 {
		req.DeliveryType = order.DeliveryTypeDelivery
		req.DeliveryAddress = "14 Residency Road"
		req.DeliveryCity = "Bengaluru"
		req.DeliveryPincode = "560025"
	}

	picked := rng.Perm(len(dishes))[:1+rng.Intn(min(3, len(dishes)))]
	for _, i := range picked {
		req.Items = append(req.Items, order.ItemRequest{DishID: dishes[i], Quantity: 1 + rng.Intn(3)})
	}
	return req
}

// deliver walks a confirmed order through the kitchen. A capture failure can cancel
// the order underneath, which shows up as a refused transition.
func (app *Application) deliver(ctx context.Context, o *order.Order) bool {
	steps := []order.Status{order.StatusPreparing, order.StatusReadyForPickup, order.StatusDelivered}
	if o.DeliveryType == order.DeliveryTypeDelivery {
		steps = []order.Status{order.StatusPreparing, order.StatusReadyForPickup, order.StatusOutForDelivery, order.StatusDelivered}
	}
	for _, next := range steps {
		if _, err := app.services.Orders.UpdateStatus(ctx, o.ID, next); err != nil {
			return false
		}
	}
	return true
}

func (app *Application) settle(ctx context.Context, limit time.Duration) error {
	bus, ok := app.container.Bus().(idler)
	if !ok {
		return nil
	}
	if limit <= 0 {
		limit = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	return bus.WaitIdle(waitCtx)
}
