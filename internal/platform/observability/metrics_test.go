package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestSagaMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewSagaMetricsWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.SagaStarted(ctx)
	m.SagaStarted(ctx)
	m.Compensation(ctx, "PAYMENT_RESERVATION_FAILED")
	m.GatewayCall(ctx, "reserve", true, 120)
	m.DeadLettered(ctx, "order-events")

	got := collect(t, reader)

	started, ok := got["saga.started"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, started.DataPoints, 1)
	assert.Equal(t, int64(2), started.DataPoints[0].Value)

	assert.Contains(t, got, "saga.compensations")
	assert.Contains(t, got, "payment.gateway.calls")
	assert.Contains(t, got, "payment.gateway.latency")
	assert.Contains(t, got, "bus.dead_lettered")
}

func TestSagaMetrics_NilIsNoop(t *testing.T) {
	var m *SagaMetrics
	assert.NotPanics(t, func() {
		m.SagaStarted(context.Background())
		m.SagaFinished(context.Background(), "COMPLETED")
		m.GatewayCall(context.Background(), "capture", false, 10)
		m.TimeoutRaised(context.Background(), "VALIDATION")
	})
}
