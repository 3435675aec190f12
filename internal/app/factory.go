package app

import (
	"context"
	"time"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/menu"
	"orderfulfillment/internal/order"
	"orderfulfillment/internal/payment"
	"orderfulfillment/internal/saga"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Services is the wired business layer.
type Services struct {
	Orders         *order.Service
	OrderStore     order.Store
	Payments       *payment.Engine
	PaymentHandler *payment.EventHandler
	Scheduler      *payment.TimerScheduler
	Catalog        menu.Catalog
	Validator      *menu.Validator
	Saga           *saga.Orchestrator
	SagaHandler    *saga.EventHandler
	Sweeper        *saga.TimeoutSweeper
	Notifier       *saga.Notifier
}

// ServiceFactory creates business logic services with their dependencies
type ServiceFactory struct {
	infra *Container
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(infra *Container) *ServiceFactory {
	return &ServiceFactory{infra: infra}
}

// CreateOrderStore returns the Postgres store when a database is configured.
func (f *ServiceFactory) CreateOrderStore() order.Store {
	if db := f.infra.DB(); db != nil {
		return order.NewPostgresStore(db)
	}
	return order.NewMemoryStore()
}

func (f *ServiceFactory) CreatePaymentStore() payment.Store {
	if db := f.infra.DB(); db != nil {
		return payment.NewPostgresStore(db)
	}
	return payment.NewMemoryStore()
}

// CreateCatalog returns the MySQL catalog and its hold table when configured,
// otherwise an in-memory catalog holding the demo menu.
func (f *ServiceFactory) CreateCatalog(ctx context.Context) (menu.Catalog, menu.HoldStore, error) {
	gdb := f.infra.MenuDB()
	if gdb == nil {
		return menu.NewMemoryCatalog(DemoMenu()...), menu.NewReservations(), nil
	}
	catalog := menu.NewGormCatalog(gdb)
	if err := catalog.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	return catalog, catalog.Holds(), nil
}

// CreateGateway builds the configured processor behind rate limiting and tracing.
func (f *ServiceFactory) CreateGateway() payment.Gateway {
	cfg := f.infra.Config()

	var gw payment.Gateway
	switch cfg.GatewayMode {
	case config.GatewayModeProduction:
		gw = payment.ProductionGateway{}
	default:
		gw = payment.NewProbabilisticGateway(cfg.GatewaySeed, payment.DefaultProfiles(), payment.ContextSleep)
	}
	gw = payment.NewRateLimitedGateway(gw, cfg.GatewayRateLimit, cfg.GatewayBurst)
	return payment.NewInstrumentedGateway(gw, f.infra.Tracer(), f.infra.Metrics())
}

// CreateServices wires every component against the container's bus and stores.
// Nothing is subscribed yet.
func (f *ServiceFactory) CreateServices(ctx context.Context) (*Services, error) {
	return f.CreateServicesWithGateway(ctx, f.CreateGateway())
}

func (f *ServiceFactory) CreateServicesWithGateway(ctx context.Context, gw payment.Gateway) (*Services, error) {
	cfg := f.infra.Config()
	logger := f.infra.Logger()
	tracer := f.infra.Tracer()
	metrics := f.infra.Metrics()
	bus := f.infra.Bus()
	claims := f.infra.Claims()

	catalog, holds, err := f.CreateCatalog(ctx)
	if err != nil {
		return nil, err
	}

	// An IN_PROGRESS compensation older than two full backoff waits is abandoned.
	engine := payment.NewEngine(f.CreatePaymentStore(), gw, bus, logger.With(zap.String("component", "payment")),
		2*cfg.RetryMaxInterval)
	scheduler := payment.NewTimerScheduler(engine, cfg.RetryInitialInterval, cfg.RetryMaxInterval, logger)
	engine.UseScheduler(scheduler)

	orders := f.CreateOrderStore()
	sagaLogger := logger.With(zap.String("component", "saga"))
	orchestrator := saga.NewOrchestrator(orders, engine, bus, sagaLogger, metrics)

	return &Services{
		Orders:         order.NewService(orders, bus, orchestrator, logger, tracer),
		OrderStore:     orders,
		Payments:       engine,
		PaymentHandler: payment.NewEventHandler(engine, claims, logger),
		Scheduler:      scheduler,
		Catalog:        catalog,
		Validator:      menu.NewValidator(catalog, bus, claims, holds, logger.With(zap.String("component", "menu")), tracer),
		Saga:           orchestrator,
		SagaHandler:    saga.NewEventHandler(orchestrator, claims, sagaLogger, tracer),
		Sweeper:        saga.NewTimeoutSweeper(orders, bus, saga.DeadlinesFromConfig(cfg), sagaLogger, metrics),
		Notifier:       saga.NewNotifier(saga.NewLogSender(logger), claims, logger),
	}, nil
}

// DemoMenu is the menu served when no menu database is configured.
func DemoMenu() []menu.Dish {
	now := time.Now().UTC()
	dish := func(id, cook, name, price string, qty int) menu.Dish {
		return menu.Dish{
			ID:                id,
			CookID:            cook,
			Name:              name,
			Price:             decimal.RequireFromString(price),
			Status:            menu.DishActive,
			AvailableQuantity: qty,
			DailyCapacity:     qty,
			UpdatedAt:         now,
		}
	}
	return []menu.Dish{
		dish("dish-dal-makhani", "cook-asha", "Dal Makhani", "180.00", 40),
		dish("dish-butter-naan", "cook-asha", "Butter Naan", "45.00", 120),
		dish("dish-paneer-tikka", "cook-asha", "Paneer Tikka", "240.00", 30),
		dish("dish-veg-biryani", "cook-ravi", "Veg Biryani", "220.00", 35),
		dish("dish-raita", "cook-ravi", "Boondi Raita", "60.00", 60),
		dish("dish-gulab-jamun", "cook-ravi", "Gulab Jamun", "90.00", 50),
	}
}
