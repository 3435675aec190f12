package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrGatewayNotConfigured is returned by every call on a gateway with no processor behind it.
var ErrGatewayNotConfigured = errors.New("payment gateway not configured")

// Operation names a gateway call.
type Operation string

const (
	OpReserve Operation = "reserve"
	OpCapture Operation = "capture"
	OpRefund  Operation = "refund"
	OpRelease Operation = "release"
)

// Outcome is the processor's verdict on one call. A declined call is a successful
// round trip with Success false; errors are reserved for calls that never completed.
type Outcome struct {
	Success              bool
	GatewayTransactionID string
	Response             string
	Latency              time.Duration
}

type Gateway interface {
	Reserve(ctx context.Context, t *Transaction) (Outcome, error)
	Capture(ctx context.Context, t *Transaction) (Outcome, error)
	Refund(ctx context.Context, t *Transaction) (Outcome, error)
	Release(ctx context.Context, t *Transaction) (Outcome, error)
}

// ProductionGateway stands in for a real processor integration.
type ProductionGateway struct{}

func (ProductionGateway) Reserve(context.Context, *Transaction) (Outcome, error) {
	return Outcome{}, ErrGatewayNotConfigured
}

func (ProductionGateway) Capture(context.Context, *Transaction) (Outcome, error) {
	return Outcome{}, ErrGatewayNotConfigured
}

func (ProductionGateway) Refund(context.Context, *Transaction) (Outcome, error) {
	return Outcome{}, ErrGatewayNotConfigured
}

func (ProductionGateway) Release(context.Context, *Transaction) (Outcome, error) {
	return Outcome{}, ErrGatewayNotConfigured
}

// Profile is the success probability and latency range of one simulated operation.
type Profile struct {
	SuccessRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
}

func DefaultProfiles() map[Operation]Profile {
	return map[Operation]Profile{
		OpReserve: {SuccessRate: 0.90, MinLatency: 100 * time.Millisecond, MaxLatency: 300 * time.Millisecond},
		OpCapture: {SuccessRate: 0.95, MinLatency: 50 * time.Millisecond, MaxLatency: 150 * time.Millisecond},
		OpRefund:  {SuccessRate: 0.80, MinLatency: 200 * time.Millisecond, MaxLatency: 500 * time.Millisecond},
		OpRelease: {SuccessRate: 0.98, MinLatency: 50 * time.Millisecond, MaxLatency: 50 * time.Millisecond},
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProbabilisticGateway simulates a processor that declines a fixed fraction of calls.
// It is deterministic for a given seed and call order.
type ProbabilisticGateway struct {
	mu       sync.Mutex
	rng      *rand.Rand
	profiles map[Operation]Profile
	sleep    SleepFunc
}

func NewProbabilisticGateway(seed int64, profiles map[Operation]Profile, sleep SleepFunc) *ProbabilisticGateway {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	if sleep == nil {
		sleep = ContextSleep
	}
	return &ProbabilisticGateway{
		rng:      rand.New(rand.NewSource(seed)),
		profiles: profiles,
		sleep:    sleep,
	}
}

func (g *ProbabilisticGateway) draw(op Operation) (bool, time.Duration) {
	p := g.profiles[op]
	g.mu.Lock()
	defer g.mu.Unlock()

	latency := p.MinLatency
	if span := p.MaxLatency - p.MinLatency; span > 0 {
		latency += time.Duration(g.rng.Int63n(int64(span) + 1))
	}
	return g.rng.Float64() < p.SuccessRate, latency
}

func (g *ProbabilisticGateway) call(ctx context.Context, op Operation, t *Transaction) (Outcome, error) {
	ok, latency := g.draw(op)
	if err := g.sleep(ctx, latency); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Success: ok, Latency: latency}
	if ok {
		out.GatewayTransactionID = t.GatewayTransactionID
		if op == OpReserve {
			out.GatewayTransactionID = "gw_" + uuid.NewString()
		}
		out.Response = fmt.Sprintf("%s approved", op)
	} else {
		out.Response = fmt.Sprintf("%s declined by processor", op)
	}
	return out, nil
}

func (g *ProbabilisticGateway) Reserve(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.call(ctx, OpReserve, t)
}

func (g *ProbabilisticGateway) Capture(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.call(ctx, OpCapture, t)
}

func (g *ProbabilisticGateway) Refund(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.call(ctx, OpRefund, t)
}

func (g *ProbabilisticGateway) Release(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.call(ctx, OpRelease, t)
}

// ScriptedGateway answers each operation from a queue of verdicts, approving once a
// queue is empty. Calls are recorded for assertions.
type ScriptedGateway struct {
	mu      sync.Mutex
	scripts map[Operation][]bool
	calls   map[Operation]int
}

func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{
		scripts: make(map[Operation][]bool),
		calls:   make(map[Operation]int),
	}
}

// Script appends verdicts for op.
func (g *ScriptedGateway) Script(op Operation, verdicts ...bool) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[op] = append(g.scripts[op], verdicts...)
	return g
}

func (g *ScriptedGateway) Calls(op Operation) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *ScriptedGateway) call(ctx context.Context, op Operation, t *Transaction) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls[op]++
	ok := true
	if q := g.scripts[op]; len(q) > 0 {
		ok, g.scripts[op] = q[0], q[1:]
	}
	if !ok {
		return Outcome{Response: fmt.Sprintf("%s declined (scripted)", op)}, nil
	}
	id := t.GatewayTransactionID
	if op == OpReserve {
		id = fmt.Sprintf("gw_%s_%d", t.OrderID, g.calls[op])
	}
	return Outcome{Success: true, GatewayTransactionID: id, Response: fmt.Sprintf("%s approved (scripted)", op)}, nil
}

func (g *ScriptedGateway) Reserve(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.call(ctx, OpReserve, t)
}

func (g *ScriptedGateway) Capture(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.call(ctx, OpCapture, t)
}

func (g *ScriptedGateway) Refund(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.call(ctx, OpRefund, t)
}

func (g *ScriptedGateway) Release(ctx context.Context, t *Transaction) (Outcome, error) {
	return g.call(ctx, OpRelease, t)
}
