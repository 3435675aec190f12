package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is written into every envelope produced by this module.
const EnvelopeVersion = "1.0"

// Envelope is the wire wrapper shared by every topic.
type Envelope struct {
	EventID     string          `json:"eventId"`
	EventType   Type            `json:"eventType"`
	AggregateID string          `json:"aggregateId,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Data        json.RawMessage `json:"data"`
}

// New wraps payload in an envelope for the given aggregate. An empty aggregateID
// is encoded as an absent aggregateId.
func New(aggregateID string, payload Payload) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", payload.EventType(), err)
	}
	return Envelope{
		EventID:     uuid.NewString(),
		EventType:   payload.EventType(),
		AggregateID: aggregateID,
		Timestamp:   time.Now().UTC(),
		Version:     EnvelopeVersion,
		Data:        data,
	}, nil
}

// IdempotencyKey identifies the logical event for redelivery detection.
func (e Envelope) IdempotencyKey() string {
	return string(e.EventType) + ":" + e.AggregateID
}

// Payload decodes the data section into the typed payload registered for the
// envelope's event type.
func (e Envelope) Payload() (Payload, error) {
	factory, ok := registry[e.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.EventType)
	}
	p := factory()
	data := e.Data
	if len(data) == 0 || string(data) == "null" {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformed, e.EventType, err)
	}
	return p, nil
}

// Decode is the generic form of Envelope.Payload for callers that know the type.
func Decode[T Payload](e Envelope) (T, error) {
	var zero T
	p, err := e.Payload()
	if err != nil {
		return zero, err
	}
	typed, ok := any(p).(*T)
	if !ok {
		return zero, fmt.Errorf("%w: %s does not decode to %T", ErrMalformed, e.EventType, zero)
	}
	return *typed, nil
}
