package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "order-fulfillment"

// SagaMetrics holds the instruments recorded by the saga, the payment engine and the bus.
type SagaMetrics struct {
	sagasStarted   metric.Int64Counter
	sagasFinished  metric.Int64Counter
	compensations  metric.Int64Counter
	gatewayCalls   metric.Int64Counter
	gatewayLatency metric.Float64Histogram
	deadLettered   metric.Int64Counter
	timeoutsRaised metric.Int64Counter
}

// NewSagaMetrics registers instruments against the global MeterProvider. With telemetry
// disabled the global provider is a no-op and recording costs nothing.
func NewSagaMetrics() (*SagaMetrics, error) {
	return NewSagaMetricsWithMeter(otel.Meter(meterName))
}

// NewSagaMetricsWithMeter registers instruments against the given meter.
func NewSagaMetricsWithMeter(meter metric.Meter) (*SagaMetrics, error) {
	m := &SagaMetrics{}
	var err error

	if m.sagasStarted, err = meter.Int64Counter("saga.started",
		metric.WithDescription("Sagas started")); err != nil {
		return nil, fmt.Errorf("saga.started: %w", err)
	}
	if m.sagasFinished, err = meter.Int64Counter("saga.finished",
		metric.WithDescription("Sagas reaching a terminal outcome")); err != nil {
		return nil, fmt.Errorf("saga.finished: %w", err)
	}
	if m.compensations, err = meter.Int64Counter("saga.compensations",
		metric.WithDescription("Compensation chains triggered")); err != nil {
		return nil, fmt.Errorf("saga.compensations: %w", err)
	}
	if m.gatewayCalls, err = meter.Int64Counter("payment.gateway.calls",
		metric.WithDescription("Payment gateway calls")); err != nil {
		return nil, fmt.Errorf("payment.gateway.calls: %w", err)
	}
	if m.gatewayLatency, err = meter.Float64Histogram("payment.gateway.latency",
		metric.WithDescription("Payment gateway call latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("payment.gateway.latency: %w", err)
	}
	if m.deadLettered, err = meter.Int64Counter("bus.dead_lettered",
		metric.WithDescription("Messages routed to the dead-letter topic")); err != nil {
		return nil, fmt.Errorf("bus.dead_lettered: %w", err)
	}
	if m.timeoutsRaised, err = meter.Int64Counter("saga.timeouts",
		metric.WithDescription("Saga steps that exceeded their deadline")); err != nil {
		return nil, fmt.Errorf("saga.timeouts: %w", err)
	}
	return m, nil
}

// A nil *SagaMetrics is valid and records nothing.

func (m *SagaMetrics) SagaStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.sagasStarted.Add(ctx, 1)
}

func (m *SagaMetrics) SagaFinished(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sagasFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *SagaMetrics) Compensation(ctx context.Context, compensationType string) {
	if m == nil {
		return
	}
	m.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("type", compensationType)))
}

func (m *SagaMetrics) GatewayCall(ctx context.Context, operation string, success bool, latencyMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	)
	m.gatewayCalls.Add(ctx, 1, attrs)
	m.gatewayLatency.Record(ctx, latencyMs, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *SagaMetrics) DeadLettered(ctx context.Context, topic string) {
	if m == nil {
		return
	}
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *SagaMetrics) TimeoutRaised(ctx context.Context, step string) {
	if m == nil {
		return
	}
	m.timeoutsRaised.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}
