package types

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingAction is returned when a frame has no usable "action" field.
var ErrMissingAction = errors.New("message has no action")

// ErrSendUnsupported is returned by connections that can only receive. The
// connection stays usable for reading.
var ErrSendUnsupported = errors.New("transport does not support sending")

// Message is a realtime frame. On the wire it is a flat JSON object whose
// "action" field selects the listener-facing variant; every other field is
// carried untouched in Fields.
type Message struct {
	Action string
	Fields map[string]any
}

// NewMessage builds a message for the given action. The fields map is copied.
func NewMessage(action string, fields map[string]any) Message {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "action" {
			continue
		}
		cp[k] = v
	}
	return Message{Action: action, Fields: cp}
}

// Get returns a payload field.
func (m Message) Get(key string) (any, bool) {
	v, ok := m.Fields[key]
	return v, ok
}

// String returns a string payload field, or "" when absent or not a string.
func (m Message) String(key string) string {
	s, _ := m.Fields[key].(string)
	return s
}

// MarshalJSON writes the message as a flat object.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Action == "" {
		return nil, ErrMissingAction
	}
	out := make(map[string]any, len(m.Fields)+1)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["action"] = m.Action
	return json.Marshal(out)
}

// UnmarshalJSON reads a flat object and splits off the action discriminator.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	action, _ := raw["action"].(string)
	if action == "" {
		return ErrMissingAction
	}
	delete(raw, "action")
	m.Action = action
	m.Fields = raw
	return nil
}

// decodeInto copies the payload fields into a typed struct.
func (m Message) decodeInto(v any) error {
	data, err := json.Marshal(m.Fields)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Action, err)
	}
	return nil
}

// Listener receives every inbound message delivered after its registration.
type Listener func(msg Message) error

// ConnState is the state of the realtime connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateOpen
	StateDegraded
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText lets ConnState render by name in JSON.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Conn abstracts a transport connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Dialer opens a new transport connection. A Channel calls it once per
// connection attempt.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
