package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"orderfulfillment/internal/config"
	"orderfulfillment/internal/events"
	"orderfulfillment/internal/messaging"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafkago.Message
	closed   bool
}

func (w *fakeWriter) WriteMessage(_ context.Context, msg kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = append(w.messages, msg)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafkago.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafkago.Message(nil), w.messages...)
}

type fakeReader struct {
	msgs      chan kafkago.Message
	mu        sync.Mutex
	committed []int64
}

func newFakeReader(msgs ...kafkago.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafkago.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkago.Message, error) {
	select {
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkago.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fixture struct {
	bus     *Bus
	writers map[string]*fakeWriter
	mu      sync.Mutex
}

func newFixture(t *testing.T, reader *fakeReader, maxRedeliveries int) *fixture {
	t.Helper()
	f := &fixture{writers: map[string]*fakeWriter{}}
	f.bus = NewBusWithClients(
		BusConfig{MaxRedeliveries: maxRedeliveries, RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond},
		zaptest.NewLogger(t), nil,
		func(topic string) (Producer, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			w := &fakeWriter{}
			f.writers[topic] = w
			return w, nil
		},
		func(string, string) Consumer { return reader },
	)
	t.Cleanup(func() { _ = f.bus.Close() })
	return f
}

func (f *fixture) writer(topic string) *fakeWriter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writers[topic]
}

func encoded(t *testing.T, offset int64, payload events.Payload) kafkago.Message {
	t.Helper()
	env, err := events.New("order-1", payload)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{Offset: offset, Key: []byte("order-1"), Value: raw}
}

func TestBus_PublishKeysByAggregate(t *testing.T) {
	f := newFixture(t, newFakeReader(), 3)

	require.NoError(t, messaging.PublishEvent(context.Background(), f.bus, config.OrderEventsTopic, "order-42",
		events.OrderConfirmedData{CustomerID: "c-1", CookID: "k-1"}))

	msgs := f.writer(config.OrderEventsTopic).written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "order-42", string(msgs[0].Key))
	assert.Equal(t, "event-type", msgs[0].Headers[0].Key)
	assert.Equal(t, string(events.OrderConfirmed), string(msgs[0].Headers[0].Value))
}

func TestBus_CommitsAfterAck(t *testing.T) {
	reader := newFakeReader(encoded(t, 7, events.OrderSagaCompletedData{}))
	f := newFixture(t, reader, 3)

	handled := make(chan events.Envelope, 1)
	require.NoError(t, f.bus.Subscribe(config.OrderEventsTopic, config.PaymentGroupID, func(_ context.Context, env events.Envelope) error {
		handled <- env
		return nil
	}))

	select {
	case env := <-handled:
		assert.Equal(t, events.OrderSagaCompleted, env.EventType)
	case <-time.After(2 * time.Second):
		t.Fatal("message not handled")
	}
	assert.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{7}, reader.commits())
}

func TestBus_RetriesThenDeadLetters(t *testing.T) {
	reader := newFakeReader(encoded(t, 3, events.PaymentCapturedData{}))
	f := newFixture(t, reader, 3)

	var mu sync.Mutex
	calls := 0
	require.NoError(t, f.bus.Subscribe(config.PaymentEventsTopic, config.SagaGroupID, func(context.Context, events.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("order store unavailable")
	}))

	assert.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()

	dlq := f.writer(config.DeadLetterEventsTopic)
	require.NotNil(t, dlq)
	msgs := dlq.written()
	require.Len(t, msgs, 1)

	var dl messaging.DeadLetter
	require.NoError(t, json.Unmarshal(msgs[0].Value, &dl))
	assert.Equal(t, config.PaymentEventsTopic, dl.Topic)
	assert.Equal(t, 3, dl.Attempts)
}

func TestBus_PoisonMessageDeadLetteredOnce(t *testing.T) {
	reader := newFakeReader(kafkago.Message{Offset: 1, Value: []byte("not json")})
	f := newFixture(t, reader, 5)

	calls := 0
	require.NoError(t, f.bus.Subscribe(config.OrderEventsTopic, config.SagaGroupID, func(context.Context, events.Envelope) error {
		calls++
		return nil
	}))

	assert.Eventually(t, func() bool { return len(reader.commits()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, calls)
	require.NotNil(t, f.writer(config.DeadLetterEventsTopic))
	assert.Len(t, f.writer(config.DeadLetterEventsTopic).written(), 1)
}
