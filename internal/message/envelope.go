// Package message defines the closed set of commands the UI sends to the
// worker dispatcher and the events the dispatcher sends back, plus the JSON
// envelope both travel in.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for envelopes that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Envelope is the wire form of every command and event.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload under the given type tag.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	if strings.TrimSpace(typ) == "" {
		return Envelope{}, fmt.Errorf("%w: type is required", ErrMalformed)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{Type: typ, Payload: body}, nil
}

// Validate checks that the envelope carries a type.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: type is required", ErrMalformed)
	}
	return nil
}

// DecodePayload unmarshals the payload into dst. An absent payload
// leaves dst untouched.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// ParseEnvelope decodes raw JSON into an envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
