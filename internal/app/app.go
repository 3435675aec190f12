package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/payment"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Application holds all the components and manages the application lifecycle
type Application struct {
	ctx       context.Context
	cancel    context.CancelFunc
	container *Container
	services  *Services

	workers sync.WaitGroup
	once    sync.Once
}

// NewApplication creates and fully initializes a new Application instance
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	return newApplication(ctx, cfg, nil)
}

// newApplication uses gw instead of the configured gateway when it is not nil.
func newApplication(ctx context.Context, cfg *config.Config, gw payment.Gateway) (*Application, error) {
	appCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	app := &Application{
		ctx:    appCtx,
		cancel: cancel,
	}

	container, err := NewContainer(app.ctx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}
	app.container = container

	factory := NewServiceFactory(container)
	if gw == nil {
		gw = factory.CreateGateway()
	}
	services, err := factory.CreateServicesWithGateway(app.ctx, gw)
	if err != nil {
		container.Shutdown(context.Background())
		cancel()
		return nil, fmt.Errorf("failed to create services: %w", err)
	}
	app.services = services

	app.startupSpan()
	app.container.Logger().Info("Application initialized successfully")
	return app, nil
}

func (app *Application) startupSpan() {
	_, span := app.container.Tracer().Start(app.ctx, "order-fulfillment-startup")
	defer span.End()
	span.SetAttributes(
		attribute.String("service.name", config.ServiceName),
		attribute.String("bus.driver", app.container.Config().BusDriver),
		attribute.String("gateway.mode", app.container.Config().GatewayMode),
	)
}

// Start subscribes every consumer and launches the background sweepers.
// It returns once everything is running.
func (app *Application) Start() error {
	bus := app.container.Bus()
	if err := app.services.Validator.Register(bus); err != nil {
		return fmt.Errorf("failed to register menu validator: %w", err)
	}
	if err := app.services.PaymentHandler.Register(bus); err != nil {
		return fmt.Errorf("failed to register payment handler: %w", err)
	}
	if err := app.services.SagaHandler.Register(bus); err != nil {
		return fmt.Errorf("failed to register saga handler: %w", err)
	}
	if err := app.services.Notifier.Register(bus); err != nil {
		return fmt.Errorf("failed to register notifier: %w", err)
	}

	interval := app.container.Config().SweepInterval
	app.workers.Add(2)
	go func() {
		defer app.workers.Done()
		app.services.Sweeper.Run(app.ctx, interval)
	}()
	go func() {
		defer app.workers.Done()
		app.services.Payments.RunSweeper(app.ctx, interval)
	}()

	app.container.Logger().Info("🚀 Order fulfillment started",
		zap.String("bus_driver", app.container.Config().BusDriver),
		zap.Duration("sweep_interval", interval),
	)
	return nil
}

// Run starts the application and blocks until it is signalled to stop.
func (app *Application) Run() error {
	if err := app.Start(); err != nil {
		return err
	}
	<-app.ctx.Done()
	app.container.Logger().Info("Context done, stopping order fulfillment.")
	return nil
}

func (app *Application) Services() *Services   { return app.services }
func (app *Application) Container() *Container { return app.container }

// Shutdown gracefully shuts down all application components
func (app *Application) Shutdown() {
	app.once.Do(func() {
		if app.container != nil {
			app.container.Logger().Info("Starting application shutdown...")
		}

		if app.cancel != nil {
			app.cancel()
		}
		app.workers.Wait()

		if app.services != nil {
			app.services.Scheduler.Stop()
		}
		if app.container != nil {
			app.container.Shutdown(context.Background())
		}
	})
}
