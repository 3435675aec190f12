package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Service configuration constants
const (
	ServiceName    = "order-fulfillment"
	ServiceVersion = "0.1.0"
)

// Topics and consumer groups
const (
	OrderEventsTopic      = "order-events"
	MenuEventsTopic       = "menu-events"
	PaymentEventsTopic    = "payment-events"
	DeadLetterEventsTopic = "dead-letter-events"

	SagaGroupID         = "order-saga-group"
	PaymentGroupID      = "payment-service-group"
	MenuGroupID         = "menu-service-group"
	NotificationGroupID = "notification-group"

	BatchTimeout = 10 * time.Millisecond
	BatchSize    = 100
)

// OpenTelemetry configuration constants
const (
	LogsPath       = "/otlp/v1/logs"
	TracesPath     = "/otlp/v1/traces"
	MetricsPath    = "/otlp/v1/metrics"
	ExportTimeout  = 30 * time.Second
	MaxQueueSize   = 2048
	MetricInterval = 15 * time.Second
)

const (
	BusDriverKafka  = "kafka"
	BusDriverMemory = "memory"

	GatewayModeMock       = "mock"
	GatewayModeProduction = "production"
)

// Config holds environment-specific configuration
type Config struct {
	BusDriver            string        `mapstructure:"bus_driver"`
	KafkaBroker          string        `mapstructure:"kafka_broker"`
	BusMaxRedeliveries   int           `mapstructure:"bus_max_redeliveries"`
	OtelEndpoint         string        `mapstructure:"otel_endpoint"`
	OtelAuthHeader       string        `mapstructure:"otel_auth_header"`
	DatabaseURL          string        `mapstructure:"database_url"`
	MenuDatabaseDSN      string        `mapstructure:"menu_database_dsn"`
	RedisAddr            string        `mapstructure:"redis_addr"`
	RedisPassword        string        `mapstructure:"redis_password"`
	IdempotencyTTL       time.Duration `mapstructure:"idempotency_ttl"`
	GatewayMode          string        `mapstructure:"gateway_mode"`
	GatewaySeed          int64         `mapstructure:"gateway_seed"`
	GatewayRateLimit     float64       `mapstructure:"gateway_rate_limit"`
	GatewayBurst         int           `mapstructure:"gateway_burst"`
	ValidationTimeout    time.Duration `mapstructure:"saga_validation_timeout"`
	ReservationTimeout   time.Duration `mapstructure:"saga_reservation_timeout"`
	CaptureTimeout       time.Duration `mapstructure:"saga_capture_timeout"`
	SweepInterval        time.Duration `mapstructure:"saga_sweep_interval"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
}

var keys = []string{
	"bus_driver", "kafka_broker", "bus_max_redeliveries",
	"otel_endpoint", "otel_auth_header",
	"database_url", "menu_database_dsn",
	"redis_addr", "redis_password", "idempotency_ttl",
	"gateway_mode", "gateway_seed", "gateway_rate_limit", "gateway_burst",
	"saga_validation_timeout", "saga_reservation_timeout", "saga_capture_timeout", "saga_sweep_interval",
	"retry_initial_interval", "retry_max_interval",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bus_driver", BusDriverKafka)
	v.SetDefault("kafka_broker", "localhost:9092")
	v.SetDefault("bus_max_redeliveries", 5)
	v.SetDefault("idempotency_ttl", 24*time.Hour)
	v.SetDefault("gateway_mode", GatewayModeMock)
	v.SetDefault("gateway_seed", 1)
	v.SetDefault("gateway_rate_limit", 50.0)
	v.SetDefault("gateway_burst", 10)
	v.SetDefault("saga_validation_timeout", 30*time.Second)
	v.SetDefault("saga_reservation_timeout", 60*time.Second)
	v.SetDefault("saga_capture_timeout", 2*time.Minute)
	v.SetDefault("saga_sweep_interval", 5*time.Second)
	v.SetDefault("retry_initial_interval", 2*time.Second)
	v.SetDefault("retry_max_interval", 30*time.Second)
}

// LoadConfig loads configuration from environment variables, optionally layered
// over a YAML file, with sensible defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about during Unmarshal.
	for _, key := range keys {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.BusDriver {
	case BusDriverKafka:
		if c.KafkaBroker == "" {
			return fmt.Errorf("KAFKA_BROKER cannot be empty when BUS_DRIVER=kafka")
		}
	case BusDriverMemory:
	default:
		return fmt.Errorf("unknown BUS_DRIVER %q", c.BusDriver)
	}

	switch c.GatewayMode {
	case GatewayModeMock, GatewayModeProduction:
	default:
		return fmt.Errorf("unknown GATEWAY_MODE %q", c.GatewayMode)
	}

	if c.OtelEndpoint != "" && c.OtelAuthHeader == "" {
		return fmt.Errorf("OTEL_AUTH_HEADER is required when OTEL_ENDPOINT is set")
	}
	if c.ValidationTimeout <= 0 || c.ReservationTimeout <= 0 || c.CaptureTimeout <= 0 {
		return fmt.Errorf("saga step timeouts must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SAGA_SWEEP_INTERVAL must be positive")
	}
	if c.BusMaxRedeliveries < 1 {
		return fmt.Errorf("BUS_MAX_REDELIVERIES must be at least 1")
	}
	if c.GatewayRateLimit <= 0 || c.GatewayBurst < 1 {
		return fmt.Errorf("gateway rate limit and burst must be positive")
	}
	// Compensations are considered abandoned after twice the longest backoff wait.
	if c.RetryInitialInterval <= 0 {
		return fmt.Errorf("RETRY_INITIAL_INTERVAL must be positive")
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		return fmt.Errorf("RETRY_MAX_INTERVAL must not be shorter than RETRY_INITIAL_INTERVAL")
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must be positive")
	}
	return nil
}

// TelemetryEnabled reports whether OTLP exporters should be configured.
func (c *Config) TelemetryEnabled() bool {
	return c.OtelEndpoint != ""
}
