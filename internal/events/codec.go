package events

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrMalformed        = errors.New("malformed event")
	ErrUnknownEventType = errors.New("unknown event type")
)

//go:embed schema/envelope.json
var envelopeSchema string

const envelopeSchemaURL = "https://orderfulfillment.local/schemas/envelope.json"

// Codec converts envelopes to and from their JSON wire form. Inbound messages are
// checked against the embedded envelope schema before they are decoded.
type Codec struct {
	schema *jsonschema.Schema
}

// NewCodec compiles the embedded schema.
func NewCodec() (*Codec, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(envelopeSchemaURL, bytes.NewReader([]byte(envelopeSchema))); err != nil {
		return nil, fmt.Errorf("envelope schema load failed: %w", err)
	}
	compiled, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("envelope schema compile failed: %w", err)
	}
	return &Codec{schema: compiled}, nil
}

// MustCodec is NewCodec for package-level wiring where the embedded schema is known good.
func MustCodec() *Codec {
	c, err := NewCodec()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Codec) Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal validates raw against the schema and decodes it. Every failure wraps
// ErrMalformed or ErrUnknownEventType so consumers can treat it as a poison message.
func (c *Codec) Unmarshal(raw []byte) (Envelope, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return Envelope{}, fmt.Errorf("%w: schema validation failed: %v", ErrMalformed, err)
	}

	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !Known(e.EventType) {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEventType, e.EventType)
	}
	return e, nil
}
