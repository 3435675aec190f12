package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, BusDriverKafka, cfg.BusDriver)
	assert.Equal(t, "localhost:9092", cfg.KafkaBroker)
	assert.Equal(t, GatewayModeMock, cfg.GatewayMode)
	assert.Equal(t, 30*time.Second, cfg.ValidationTimeout)
	assert.Equal(t, 5, cfg.BusMaxRedeliveries)
	assert.False(t, cfg.TelemetryEnabled())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("BUS_DRIVER", "memory")
	t.Setenv("SAGA_RESERVATION_TIMEOUT", "90s")
	t.Setenv("GATEWAY_SEED", "42")
	t.Setenv("DATABASE_URL", "postgres://saga@localhost/orders?sslmode=disable")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, BusDriverMemory, cfg.BusDriver)
	assert.Equal(t, 90*time.Second, cfg.ReservationTimeout)
	assert.Equal(t, int64(42), cfg.GatewaySeed)
	assert.Equal(t, "postgres://saga@localhost/orders?sslmode=disable", cfg.DatabaseURL)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "bus_driver: memory\ngateway_mode: production\nsaga_sweep_interval: 1s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, BusDriverMemory, cfg.BusDriver)
	assert.Equal(t, GatewayModeProduction, cfg.GatewayMode)
	assert.Equal(t, time.Second, cfg.SweepInterval)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown bus", map[string]string{"BUS_DRIVER": "carrier-pigeon"}, "unknown BUS_DRIVER"},
		{"unknown gateway", map[string]string{"GATEWAY_MODE": "razorpay"}, "unknown GATEWAY_MODE"},
		{"otel without auth", map[string]string{"OTEL_ENDPOINT": "otlp.example.com"}, "OTEL_AUTH_HEADER"},
		{"zero timeout", map[string]string{"SAGA_CAPTURE_TIMEOUT": "0s"}, "timeouts must be positive"},
		{"zero retry interval", map[string]string{"RETRY_INITIAL_INTERVAL": "0s"}, "RETRY_INITIAL_INTERVAL must be positive"},
		{"retry max below initial", map[string]string{"RETRY_INITIAL_INTERVAL": "10s", "RETRY_MAX_INTERVAL": "5s"}, "RETRY_MAX_INTERVAL must not be shorter"},
		{"zero retry max", map[string]string{"RETRY_MAX_INTERVAL": "0s"}, "RETRY_MAX_INTERVAL must not be shorter"},
		{"zero idempotency ttl", map[string]string{"IDEMPOTENCY_TTL": "0s"}, "IDEMPOTENCY_TTL must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
