package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the type-specific body of a command.
type Payload interface {
	CommandType() string
}

// Command is an immutable request to change a dashboard document.
type Command struct {
	Type          string  `json:"type"`
	CorrelationID string  `json:"correlationId,omitempty"`
	CausationID   string  `json:"causationId,omitempty"`
	Payload       Payload `json:"payload,omitempty"`
}

// NewCommand wraps a payload in a command of the matching type.
func NewCommand(p Payload) Command {
	return Command{Type: p.CommandType(), Payload: p}
}

// WithCorrelationID returns a copy of the command carrying id.
func (c Command) WithCorrelationID(id string) Command {
	c.CorrelationID = id
	return c
}

// Events that are not tied to one command type.
const (
	EventCommandStarted = "CommandStarted"
	EventCommandFailed  = "CommandFailed"
)

// Event is the outcome (terminal) or progress notice of a command.
type Event struct {
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId"`
	CausationID   string    `json:"causationId,omitempty"`
	CommandType   string    `json:"commandType,omitempty"`
	Dashboard     ObjRef    `json:"dashboard"`
	Revision      uint64    `json:"revision,omitempty"`
	Terminal      bool      `json:"terminal"`
	Payload       any       `json:"payload,omitempty"`
	Error         *Failure  `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Failed reports whether the event is a failure outcome.
func (e Event) Failed() bool { return e.Error != nil }

type payloadDecoder func(json.RawMessage) (Payload, error)

var payloadDecoders = map[string]payloadDecoder{}

func registerPayload[T Payload]() {
	var zero T
	payloadDecoders[zero.CommandType()] = func(raw json.RawMessage) (Payload, error) {
		var p T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
}

// DecodePayload decodes raw JSON into the payload type registered for typ.
// The boolean is false when no payload type is known for typ.
func DecodePayload(typ string, raw json.RawMessage) (Payload, bool, error) {
	dec, ok := payloadDecoders[typ]
	if !ok {
		return nil, false, nil
	}
	p, err := dec(raw)
	if err != nil {
		return nil, true, InvalidArguments(CodeInvalidPayload, "decoding %s payload: %v", typ, err)
	}
	return p, true, nil
}

// CommandTypes returns every command type with a registered payload.
func CommandTypes() []string {
	out := make([]string, 0, len(payloadDecoders))
	for typ := range payloadDecoders {
		out = append(out, typ)
	}
	return out
}

// UnmarshalJSON decodes the payload using the registry. Unknown types keep a
// nil payload so the dispatcher can report UnknownCommand.
func (c *Command) UnmarshalJSON(b []byte) error {
	var wire struct {
		Type          string          `json:"type"`
		CorrelationID string          `json:"correlationId"`
		CausationID   string          `json:"causationId"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	if wire.Type == "" {
		return fmt.Errorf("model: command type is required")
	}
	p, _, err := DecodePayload(wire.Type, wire.Payload)
	if err != nil {
		return err
	}
	*c = Command{Type: wire.Type, CorrelationID: wire.CorrelationID, CausationID: wire.CausationID, Payload: p}
	return nil
}
