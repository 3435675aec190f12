package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"orderfulfillment/internal/events"
	"orderfulfillment/internal/platform/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

type delivery struct {
	raw      []byte
	carrier  propagation.MapCarrier
	attempts int
}

type memorySubscription struct {
	topic   string
	group   string
	handler Handler

	mu     sync.Mutex
	queue  []delivery
	notify chan struct{}
}

func (s *memorySubscription) push(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) pop() (delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return delivery{}, false
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d, true
}

// MemoryBus is an in-process Bus. Messages go through the same codec as the Kafka
// transport and a failed delivery is appended to the back of the group's queue, so
// redeliveries interleave with newer messages the way a broker would.
type MemoryBus struct {
	codec           *events.Codec
	logger          observability.Logger
	metrics         *observability.SagaMetrics
	maxRedeliveries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.RWMutex
	subs        map[string][]*memorySubscription
	deadLetters []DeadLetter
	closed      bool

	pending atomic.Int64
}

// NewMemoryBus creates an in-process bus. maxRedeliveries bounds how many times a
// nacked message is retried before it is dead-lettered.
func NewMemoryBus(logger observability.Logger, metrics *observability.SagaMetrics, maxRedeliveries int) *MemoryBus {
	ctx, cancel := context.WithCancel(context.Background())
	if maxRedeliveries < 1 {
		maxRedeliveries = 1
	}
	return &MemoryBus{
		codec:           events.MustCodec(),
		logger:          logger,
		metrics:         metrics,
		maxRedeliveries: maxRedeliveries,
		ctx:             ctx,
		cancel:          cancel,
		subs:            make(map[string][]*memorySubscription),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, env events.Envelope) error {
	raw, err := b.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.EventType, err)
	}
	return b.PublishRaw(ctx, topic, raw)
}

// PublishRaw delivers already-encoded bytes, which lets tests inject malformed messages.
func (b *MemoryBus) PublishRaw(ctx context.Context, topic string, raw []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for _, sub := range b.subs[topic] {
		b.pending.Add(1)
		sub.push(delivery{raw: raw, carrier: carrier})
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, existing := range b.subs[topic] {
		if existing.group == group {
			return fmt.Errorf("group %s already subscribed to %s", group, topic)
		}
	}

	sub := &memorySubscription{
		topic:   topic,
		group:   group,
		handler: h,
		notify:  make(chan struct{}, 1),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.consume(sub)
	return nil
}

func (b *MemoryBus) consume(sub *memorySubscription) {
	defer b.wg.Done()
	for {
		if b.ctx.Err() != nil {
			return
		}
		d, ok := sub.pop()
		if !ok {
			select {
			case <-b.ctx.Done():
				return
			case <-sub.notify:
				continue
			}
		}
		b.deliver(sub, d)
	}
}

func (b *MemoryBus) deliver(sub *memorySubscription, d delivery) {
	ctx := otel.GetTextMapPropagator().Extract(b.ctx, d.carrier)
	d.attempts++

	env, err := b.codec.Unmarshal(d.raw)
	if err == nil {
		err = sub.handler(ctx, env)
	}

	switch {
	case err == nil:
		b.pending.Add(-1)
	case IsPermanent(err):
		b.deadLetter(ctx, sub, d, err)
	case d.attempts >= b.maxRedeliveries:
		b.deadLetter(ctx, sub, d, fmt.Errorf("redelivery budget exhausted: %w", err))
	default:
		b.logger.Warn("🔁 Handler failed, message will be redelivered",
			zap.String("topic", sub.topic),
			zap.String("group", sub.group),
			zap.Int("attempt", d.attempts),
			zap.Error(err),
		)
		if b.ctx.Err() != nil {
			b.pending.Add(-1)
			return
		}
		sub.push(d)
	}
}

func (b *MemoryBus) deadLetter(ctx context.Context, sub *memorySubscription, d delivery, cause error) {
	defer b.pending.Add(-1)

	b.logger.Error("☠️ Message dead-lettered",
		zap.String("topic", sub.topic),
		zap.String("group", sub.group),
		zap.Int("attempt", d.attempts),
		zap.Error(cause),
	)
	b.metrics.DeadLettered(ctx, sub.topic)

	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, DeadLetter{
		Topic:    sub.topic,
		Group:    sub.group,
		Payload:  d.raw,
		Reason:   cause.Error(),
		Attempts: d.attempts,
		FailedAt: time.Now().UTC(),
	})
	b.mu.Unlock()
}

// DeadLetters returns a copy of everything routed to the dead-letter topic so far.
func (b *MemoryBus) DeadLetters() []DeadLetter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// WaitIdle blocks until every published message has been acknowledged or
// dead-lettered, including messages published by handlers along the way.
func (b *MemoryBus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if b.pending.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bus not idle, %d messages pending: %w", b.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}
