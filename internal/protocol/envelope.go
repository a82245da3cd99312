package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// MessageType discriminates the payload carried by an Envelope.
type MessageType int

const (
	TypeAuth MessageType = iota
	TypeAck
	TypeError
	TypeListUsers
	TypePrivateMsg
	TypeGroupMsg
	TypeCreateGroup
	TypeAddToGroup
	TypeFileChunk
	TypePing
	TypePong
	// TypeRouted is used on the node bus only and is never written to a client.
	TypeRouted
)

var typeNames = [...]string{
	TypeAuth:        "Auth",
	TypeAck:         "Ack",
	TypeError:       "Error",
	TypeListUsers:   "ListUsers",
	TypePrivateMsg:  "PrivateMsg",
	TypeGroupMsg:    "GroupMsg",
	TypeCreateGroup: "CreateGroup",
	TypeAddToGroup:  "AddToGroup",
	TypeFileChunk:   "FileChunk",
	TypePing:        "Ping",
	TypePong:        "Pong",
	TypeRouted:      "Routed",
}

// ErrUnknownType is returned when a type tag is outside the closed MessageType set.
var ErrUnknownType = errors.New("unknown message type")

// Valid reports whether t is a member of the closed tag set.
func (t MessageType) Valid() bool {
	return t >= TypeAuth && t <= TypeRouted
}

func (t MessageType) String() string {
	if !t.Valid() {
		return "Unknown(" + strconv.Itoa(int(t)) + ")"
	}
	return typeNames[t]
}

// ParseMessageType resolves a type name, case-sensitively.
func ParseMessageType(name string) (MessageType, error) {
	for i, n := range typeNames {
		if n == name {
			return MessageType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// MarshalJSON always emits the string name.
func (t MessageType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(t))
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts either the string name or the integer tag.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		parsed, err := ParseMessageType(name)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}

	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("message type must be a string or integer: %w", err)
	}
	parsed := MessageType(n)
	if !parsed.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownType, n)
	}
	*t = parsed
	return nil
}

// Envelope is the outer wire message. Payload holds a JSON-encoded sub-message
// whose shape is selected by Type. Envelopes are treated as immutable values.
type Envelope struct {
	Type    MessageType `json:"type"`
	From    string      `json:"from,omitempty"`
	To      string      `json:"to,omitempty"`
	Payload string      `json:"payload"`
}

// NewEnvelope serializes msg into the payload of a new envelope.
func NewEnvelope(t MessageType, from, to string, msg any) (Envelope, error) {
	payload := "{}"
	if msg != nil {
		raw, err := json.Marshal(msg)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		payload = string(raw)
	}
	return Envelope{Type: t, From: from, To: to, Payload: payload}, nil
}

// WithFrom returns a copy of e with the sender replaced.
func (e Envelope) WithFrom(from string) Envelope {
	e.From = from
	return e
}

// DecodePayload unmarshals the embedded sub-message into v.
func (e Envelope) DecodePayload(v any) error {
	if e.Payload == "" {
		return fmt.Errorf("%s payload is empty", e.Type)
	}
	if err := json.Unmarshal([]byte(e.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Marshal encodes the envelope as a JSON document.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope from a frame payload.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e, nil
}

// RoutedEnvelope wraps an Envelope for transport between nodes over the bus.
// When Targets is non-empty the receiving node delivers only to those local users.
type RoutedEnvelope struct {
	OriginNode   string   `json:"originNode"`
	TargetNode   string   `json:"targetNode"`
	EnvelopeJSON string   `json:"envelopeJson"`
	Targets      []string `json:"targets,omitempty"`
}

// NewRoutedEnvelope copies env verbatim into a bus record.
func NewRoutedEnvelope(origin, target string, env Envelope, targets []string) (RoutedEnvelope, error) {
	raw, err := Marshal(env)
	if err != nil {
		return RoutedEnvelope{}, err
	}
	return RoutedEnvelope{
		OriginNode:   origin,
		TargetNode:   target,
		EnvelopeJSON: string(raw),
		Targets:      targets,
	}, nil
}

// Envelope decodes the wrapped client envelope.
func (r RoutedEnvelope) Envelope() (Envelope, error) {
	return Unmarshal([]byte(r.EnvelopeJSON))
}
