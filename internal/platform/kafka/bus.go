package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/events"
	"orderfulfillment/internal/messaging"
	"orderfulfillment/internal/platform/observability"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WriterFactory and ReaderFactory let tests swap the broker clients.
type (
	WriterFactory func(topic string) (Producer, error)
	ReaderFactory func(topic, group string) Consumer
)

// BusConfig configures the Kafka transport.
type BusConfig struct {
	MaxRedeliveries int
	RetryInitial    time.Duration
	RetryMax        time.Duration
}

// Bus implements messaging.Bus on Kafka consumer groups. A nacked message is retried
// in place with exponential backoff because a partition cannot skip ahead without
// committing; once the budget is spent it is copied to the dead-letter topic and
// committed.
type Bus struct {
	cfg       BusConfig
	codec     *events.Codec
	logger    observability.Logger
	tracer    observability.Tracer
	metrics   *observability.SagaMetrics
	newWriter WriterFactory
	newReader ReaderFactory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	writers map[string]Producer
	readers []Consumer
	closed  bool
}

// NewBus creates a Kafka bus against broker. tp is used for the producer spans.
func NewBus(broker string, tp trace.TracerProvider, cfg BusConfig, logger observability.Logger, metrics *observability.SagaMetrics) *Bus {
	return NewBusWithClients(cfg, logger, metrics,
		func(topic string) (Producer, error) { return NewTracedWriter(broker, topic, tp) },
		func(topic, group string) Consumer { return NewGroupReader(broker, topic, group) },
	)
}

// NewBusWithClients creates a bus on top of caller-supplied client factories.
func NewBusWithClients(cfg BusConfig, logger observability.Logger, metrics *observability.SagaMetrics,
	newWriter WriterFactory, newReader ReaderFactory) *Bus {
	if cfg.MaxRedeliveries < 1 {
		cfg.MaxRedeliveries = 1
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 100 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:       cfg,
		codec:     events.MustCodec(),
		logger:    logger,
		tracer:    otel.Tracer(config.ServiceName),
		metrics:   metrics,
		newWriter: newWriter,
		newReader: newReader,
		ctx:       ctx,
		cancel:    cancel,
		writers:   make(map[string]Producer),
	}
}

func (b *Bus) writer(topic string) (Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}
	if w, ok := b.writers[topic]; ok {
		return w, nil
	}
	w, err := b.newWriter(topic)
	if err != nil {
		return nil, fmt.Errorf("create writer for %s: %w", topic, err)
	}
	b.writers[topic] = w
	return w, nil
}

// Publish writes env keyed by its aggregate id so all events of one order share a partition.
func (b *Bus) Publish(ctx context.Context, topic string, env events.Envelope) error {
	payload, err := b.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.EventType, err)
	}
	w, err := b.writer(topic)
	if err != nil {
		return err
	}

	msg := kafkago.Message{
		Key:   []byte(env.AggregateID),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "event-type", Value: []byte(env.EventType)},
		},
	}
	if err := w.WriteMessage(ctx, msg); err != nil {
		b.logger.Error("❌ Failed to publish event",
			zap.Error(err),
			zap.String("topic", topic),
			zap.String("event_type", string(env.EventType)),
			zap.String("order_id", env.AggregateID),
		)
		return err
	}

	b.logger.Debug("📤 Event published",
		zap.String("topic", topic),
		zap.String("event_type", string(env.EventType)),
		zap.String("order_id", env.AggregateID),
	)
	return nil
}

func (b *Bus) Subscribe(topic, group string, h messaging.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return messaging.ErrClosed
	}

	reader := b.newReader(topic, group)
	b.readers = append(b.readers, reader)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(topic, group, reader, h)
	}()
	return nil
}

func (b *Bus) consume(topic, group string, reader Consumer, h messaging.Handler) {
	b.logger.Info("Kafka consumer started. Waiting for messages...",
		zap.String("topic", topic),
		zap.String("group", group),
	)

	for {
		msg, err := reader.FetchMessage(b.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || b.ctx.Err() != nil {
				b.logger.Info("Context done, exiting Kafka read loop.", zap.String("topic", topic))
				return
			}
			b.logger.Error("❌ Error reading from Kafka", zap.Error(err), zap.String("topic", topic))
			continue
		}

		if !b.process(topic, group, msg, h) {
			return
		}
		if err := reader.CommitMessages(b.ctx, msg); err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Error("❌ Failed to commit offset",
				zap.Error(err),
				zap.String("topic", topic),
				zap.Int64("offset", msg.Offset),
			)
		}
	}
}

// process runs h for one message until it acknowledges, fails permanently or runs
// out of attempts. It reports false only when the bus is shutting down, in which
// case the offset must not be committed.
func (b *Bus) process(topic, group string, msg kafkago.Message, h messaging.Handler) bool {
	ctx := extractTraceContext(b.ctx, msg.Headers)

	env, err := b.codec.Unmarshal(msg.Value)
	if err != nil {
		b.deadLetter(ctx, topic, group, msg, 1, err)
		return true
	}

	ctx, span := b.tracer.Start(ctx, fmt.Sprintf("%s process", topic),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.consumer.group.name", group),
			attribute.String("event.type", string(env.EventType)),
			attribute.String("order.id", env.AggregateID),
		),
	)
	defer span.End()

	attempts := 0
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.RetryInitial
	policy.MaxInterval = b.cfg.RetryMax
	policy.MaxElapsedTime = 0

	operation := func() error {
		attempts++
		err := h(ctx, env)
		if err != nil && messaging.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Warn("🔁 Handler failed, redelivering",
			zap.Error(err),
			zap.String("topic", topic),
			zap.String("event_type", string(env.EventType)),
			zap.String("order_id", env.AggregateID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
		)
	}

	err = backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.cfg.MaxRedeliveries-1)), b.ctx),
		notify,
	)
	if err == nil {
		return true
	}
	if b.ctx.Err() != nil {
		return false
	}
	span.RecordError(err)
	b.deadLetter(ctx, topic, group, msg, attempts, err)
	return true
}

func (b *Bus) deadLetter(ctx context.Context, topic, group string, msg kafkago.Message, attempts int, cause error) {
	b.metrics.DeadLettered(ctx, topic)
	b.logger.Error("☠️ Message dead-lettered",
		zap.Error(cause),
		zap.String("topic", topic),
		zap.String("group", group),
		zap.Int64("offset", msg.Offset),
		zap.Int("attempt", attempts),
	)

	payload, err := json.Marshal(messaging.DeadLetter{
		Topic:    topic,
		Group:    group,
		Payload:  msg.Value,
		Reason:   cause.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		b.logger.Error("❌ Failed to encode dead letter", zap.Error(err))
		return
	}

	w, err := b.writer(config.DeadLetterEventsTopic)
	if err == nil {
		err = w.WriteMessage(ctx, kafkago.Message{Key: msg.Key, Value: payload})
	}
	if err != nil {
		b.logger.Error("❌ Failed to publish dead letter", zap.Error(err), zap.String("topic", topic))
	}
}

// extractTraceContext extracts OpenTelemetry trace context from Kafka message headers
func extractTraceContext(ctx context.Context, headers []kafkago.Header) context.Context {
	propagator := otel.GetTextMapPropagator()
	carrier := propagation.MapCarrier{}

	for _, header := range headers {
		carrier[header.Key] = string(header.Value)
	}

	return propagator.Extract(ctx, carrier)
}

// Close stops every consumer loop, then closes readers and writers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()

	var errs error
	for _, r := range b.readers {
		errs = errors.Join(errs, r.Close())
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, w := range b.writers {
		if err := w.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	return errs
}
