package payment

import (
	"context"
	"fmt"
	"time"

	"orderfulfillment/internal/platform/observability"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// RateLimitedGateway bounds the call rate towards the processor. Calls wait for a
// token and give up when ctx is done.
type RateLimitedGateway struct {
	next    Gateway
	limiter *rate.Limiter
}

func NewRateLimitedGateway(next Gateway, perSecond float64, burst int) *RateLimitedGateway {
	return &RateLimitedGateway{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (g *RateLimitedGateway) wait(ctx context.Context, op Operation) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("gateway %s rate limited: %w", op, err)
	}
	return nil
}

func (g *RateLimitedGateway) Reserve(ctx context.Context, t *Transaction) (Outcome, error) {
	if err := g.wait(ctx, OpReserve); err != nil {
		return Outcome{}, err
	}
	return g.next.Reserve(ctx, t)
}

func (g *RateLimitedGateway) Capture(ctx context.Context, t *Transaction) (Outcome, error) {
	if err := g.wait(ctx, OpCapture); err != nil {
		return Outcome{}, err
	}
	return g.next.Capture(ctx, t)
}

func (g *RateLimitedGateway) Refund(ctx context.Context, t *Transaction) (Outcome, error) {
	if err := g.wait(ctx, OpRefund); err != nil {
		return Outcome{}, err
	}
	return g.next.Refund(ctx, t)
}

func (g *RateLimitedGateway) Release(ctx context.Context, t *Transaction) (Outcome, error) {
	if err := g.wait(ctx, OpRelease); err != nil {
		return Outcome{}, err
	}
	return g.next.Release(ctx, t)
}

// InstrumentedGateway wraps every call in a client span and records call metrics.
type InstrumentedGateway struct {
	next    Gateway
	tracer  observability.Tracer
	metrics *observability.SagaMetrics
}

func NewInstrumentedGateway(next Gateway, tracer observability.Tracer, metrics *observability.SagaMetrics) *InstrumentedGateway {
	return &InstrumentedGateway{next: next, tracer: tracer, metrics: metrics}
}

type gatewayCall func(ctx context.Context, t *Transaction) (Outcome, error)

func (g *InstrumentedGateway) observe(ctx context.Context, op Operation, t *Transaction, call gatewayCall) (Outcome, error) {
	ctx, span := g.tracer.Start(ctx, "payment.gateway."+string(op),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("order.id", t.OrderID),
			attribute.String("payment.id", t.ID),
			attribute.String("payment.amount", t.Amount.StringFixed(2)),
		),
	)
	defer span.End()

	start := time.Now()
	out, err := call(ctx, t)
	elapsed := out.Latency
	if elapsed == 0 {
		elapsed = time.Since(start)
	}

	span.SetAttributes(attribute.Bool("payment.gateway.success", err == nil && out.Success))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !out.Success:
		span.SetStatus(codes.Error, out.Response)
	}
	g.metrics.GatewayCall(ctx, string(op), err == nil && out.Success, float64(elapsed.Microseconds())/1000)
	return out, err
}

func (g *InstrumentedGateway) Reserve(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.observe(ctx, OpReserve, t, g.next.Reserve)
}

func (g *InstrumentedGateway) Capture(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.observe(ctx, OpCapture, t, g.next.Capture)
}

func (g *InstrumentedGateway) Refund(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.observe(ctx, OpRefund, t, g.next.Refund)
}

func (g *InstrumentedGateway) Release(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.observe(ctx, OpRelease, t, g.next.Release)
}
