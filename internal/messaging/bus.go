package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderfulfillment/internal/events"
)

// Handler processes one envelope. Returning nil acknowledges the message, any other
// error negatively acknowledges it and the bus redelivers. Errors marked Permanent
// are acknowledged and routed to the dead-letter topic instead.
type Handler func(ctx context.Context, env events.Envelope) error

// Publisher sends envelopes to a named topic with at-least-once delivery.
type Publisher interface {
	Publish(ctx context.Context, topic string, env events.Envelope) error
}

// Bus is a topic-based pub/sub transport. Every consumer group subscribed to a topic
// receives each message; within a group messages are handled one at a time.
type Bus interface {
	Publisher
	Subscribe(topic, group string, h Handler) error
	Close() error
}

// DeadLetter is what lands on the dead-letter topic when a message cannot be handled.
type DeadLetter struct {
	Topic    string    `json:"topic"`
	Group    string    `json:"group"`
	Payload  []byte    `json:"payload"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
}

// ErrClosed is returned by operations on a bus that has been closed.
var ErrClosed = errors.New("bus closed")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err should skip redelivery. Malformed and unknown
// events are always permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, events.ErrMalformed) || errors.Is(err, events.ErrUnknownEventType)
}

// PublishEvent wraps payload in an envelope for aggregateID and publishes it.
func PublishEvent(ctx context.Context, p Publisher, topic, aggregateID string, payload events.Payload) error {
	env, err := events.New(aggregateID, payload)
	if err != nil {
		return err
	}
	if err := p.Publish(ctx, topic, env); err != nil {
		return fmt.Errorf("publish %s to %s: %w", env.EventType, topic, err)
	}
	return nil
}
