package app

import (
	"context"
	"database/sql"
	"fmt"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/idempotency"
	"orderfulfillment/internal/menu"
	"orderfulfillment/internal/messaging"
	"orderfulfillment/internal/platform/kafka"
	"orderfulfillment/internal/platform/observability"
	"orderfulfillment/internal/platform/postgres"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Container holds expensive-to-create singleton resources and dependencies
type Container struct {
	config  *config.Config
	logger  *zap.Logger
	tracer  observability.Tracer
	metrics *observability.SagaMetrics
	bus     messaging.Bus
	db      *sql.DB
	menuDB  *gorm.DB
	redis   *redis.Client
	claims  idempotency.Store

	shutdowns []observability.ShutdownFunc
}

// NewContainer creates and initializes all infrastructure components
func NewContainer(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{
		config: cfg,
		logger: observability.NewConsoleLogger(),
	}

	// Later steps may have opened connections by the time one fails.
	fail := func(err error) (*Container, error) {
		c.Shutdown(context.Background())
		return nil, err
	}

	if err := c.setupObservability(ctx); err != nil {
		return fail(err)
	}
	if err := c.setupBus(); err != nil {
		return fail(err)
	}
	if err := c.setupStorage(ctx); err != nil {
		return fail(err)
	}
	if err := c.setupIdempotency(ctx); err != nil {
		return fail(err)
	}
	return c, nil
}

// setupObservability configures OpenTelemetry logging, tracing and metrics. Exporter
// failures are logged and the service keeps running without them.
func (c *Container) setupObservability(ctx context.Context) error {
	observability.SetupPropagation()

	if c.config.TelemetryEnabled() {
		logShutdown, err := observability.SetupLoggingSDK(ctx, c.config)
		if err != nil {
			c.logger.Error("Failed to setup OpenTelemetry logging", zap.Error(err))
		}
		c.addShutdown(logShutdown)

		_, traceShutdown, err := observability.SetupTracingSDK(ctx, c.config)
		if err != nil {
			c.logger.Error("Failed to setup OpenTelemetry tracing", zap.Error(err))
		}
		c.addShutdown(traceShutdown)

		metricShutdown, err := observability.SetupMetricsSDK(ctx, c.config)
		if err != nil {
			c.logger.Error("Failed to setup OpenTelemetry metrics", zap.Error(err))
		}
		c.addShutdown(metricShutdown)

		c.logger = observability.NewOTelLogger()
		c.logger.Info("Logger re-initialized with OpenTelemetry bridge")
	}

	c.tracer = otel.Tracer(config.ServiceName)

	metrics, err := observability.NewSagaMetrics()
	if err != nil {
		return fmt.Errorf("failed to register saga metrics: %w", err)
	}
	c.metrics = metrics
	return nil
}

func (c *Container) addShutdown(fn observability.ShutdownFunc) {
	if fn != nil {
		c.shutdowns = append(c.shutdowns, fn)
	}
}

func (c *Container) setupBus() error {
	switch c.config.BusDriver {
	case config.BusDriverKafka:
		c.bus = kafka.NewBus(c.config.KafkaBroker, otel.GetTracerProvider(), kafka.BusConfig{
			MaxRedeliveries: c.config.BusMaxRedeliveries,
			RetryInitial:    c.config.RetryInitialInterval,
			RetryMax:        c.config.RetryMaxInterval,
		}, c.logger, c.metrics)
	case config.BusDriverMemory:
		c.bus = messaging.NewMemoryBus(c.logger, c.metrics, c.config.BusMaxRedeliveries)
	default:
		return fmt.Errorf("unknown bus driver %q", c.config.BusDriver)
	}
	c.logger.Info("Message bus ready", zap.String("driver", c.config.BusDriver))
	return nil
}

// setupStorage opens the order/payment database and the menu database when they
// are configured. Without them the factory falls back to in-memory stores.
func (c *Container) setupStorage(ctx context.Context) error {
	if c.config.DatabaseURL != "" {
		db, err := postgres.Open(ctx, c.config.DatabaseURL)
		if err != nil {
			return err
		}
		c.db = db
	}
	if c.config.MenuDatabaseDSN != "" {
		gdb, err := menu.OpenMySQL(c.config.MenuDatabaseDSN)
		if err != nil {
			return err
		}
		c.menuDB = gdb
	}
	c.logger.Info("Storage ready",
		zap.Bool("postgres", c.db != nil),
		zap.Bool("menu_mysql", c.menuDB != nil),
	)
	return nil
}

func (c *Container) setupIdempotency(ctx context.Context) error {
	if c.config.RedisAddr == "" {
		c.claims = idempotency.NewMemoryStore(c.config.IdempotencyTTL)
		return nil
	}

	c.redis = idempotency.NewRedisClient(c.config.RedisAddr, c.config.RedisPassword)
	store := idempotency.NewRedisStore(c.redis, c.config.IdempotencyTTL)
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", c.config.RedisAddr, err)
	}
	c.claims = store
	return nil
}

// Shutdown gracefully shuts down all infrastructure components
func (c *Container) Shutdown(ctx context.Context) {
	c.logger.Info("Shutting down infrastructure...")

	if c.bus != nil {
		if err := c.bus.Close(); err != nil {
			c.logger.Error("Failed to close message bus", zap.Error(err))
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close postgres", zap.Error(err))
		}
	}
	if c.menuDB != nil {
		if sqlDB, err := c.menuDB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				c.logger.Error("Failed to close menu database", zap.Error(err))
			}
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Error("Failed to close redis", zap.Error(err))
		}
	}

	for _, fn := range c.shutdowns {
		if err := fn(ctx); err != nil {
			c.logger.Error("Failed to shutdown OTel pipeline", zap.Error(err))
		}
	}

	c.logger.Info("Infrastructure shutdown complete")
	// Sync on stdout returns EINVAL on some platforms.
	_ = c.logger.Sync()
}

// Getters for accessing infrastructure components
func (c *Container) Config() *config.Config              { return c.config }
func (c *Container) Logger() *zap.Logger                 { return c.logger }
func (c *Container) Tracer() observability.Tracer        { return c.tracer }
func (c *Container) Metrics() *observability.SagaMetrics { return c.metrics }
func (c *Container) Bus() messaging.Bus                  { return c.bus }
func (c *Container) DB() *sql.DB                         { return c.db }
func (c *Container) MenuDB() *gorm.DB                    { return c.menuDB }
func (c *Container) Claims() idempotency.Store           { return c.claims }
