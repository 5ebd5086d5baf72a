package net

import (
	"encoding/json"
	"fmt"

	"sketchweave/internal/state"
)

// Event names on the wire.
const (
	EventDrawLine         = "draw-line"
	EventClearCanvas      = "clear-canvas"
	EventCursorMove       = "cursor-move"
	EventUserConnected    = "user-connected"
	EventUserDisconnected = "user-disconnected"
	EventUserCount        = "user-count"
)

// Envelope is the frame every event travels in.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DrawLine carries one segment. ID is empty client→server and holds the
// sender's connection id server→client.
type DrawLine struct {
	ID            string       `json:"id,omitempty"`
	CurrentPoint  *state.Point `json:"currentPoint"`
	PreviousPoint *state.Point `json:"previousPoint,omitempty"`
}

// NewDrawLine builds the outbound payload for a locally captured segment.
func NewDrawLine(seg state.Segment) DrawLine {
	current := seg.Current
	m := DrawLine{CurrentPoint: &current}
	if seg.Previous != nil {
		previous := *seg.Previous
		m.PreviousPoint = &previous
	}
	return m
}

// Validate checks the only required field.
func (m *DrawLine) Validate() error {
	if m.CurrentPoint == nil {
		return &ValidationError{Field: "currentPoint", Message: "currentPoint is required"}
	}
	if !m.CurrentPoint.Finite() {
		return &ValidationError{Field: "currentPoint", Message: "currentPoint must be finite"}
	}
	if m.PreviousPoint != nil && !m.PreviousPoint.Finite() {
		return &ValidationError{Field: "previousPoint", Message: "previousPoint must be finite"}
	}
	return nil
}

// Segment converts a validated payload back into a Segment.
func (m *DrawLine) Segment() state.Segment {
	seg := state.Segment{Current: *m.CurrentPoint}
	if m.PreviousPoint != nil {
		previous := *m.PreviousPoint
		seg.Previous = &previous
	}
	return seg
}

// Cursor is a pointer position broadcast so peers can show each other's cursors.
type Cursor struct {
	ID string  `json:"id,omitempty"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Validate rejects positions that cannot be placed on a surface.
func (m *Cursor) Validate() error {
	if !(state.Point{X: m.X, Y: m.Y}).Finite() {
		return &ValidationError{Field: "x", Message: "cursor position must be finite"}
	}
	return nil
}

// ValidationError represents a message validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Encode wraps data in an envelope of the given type.
func Encode(eventType string, data any) ([]byte, error) {
	env := Envelope{Type: eventType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// mustEncode is for payloads that cannot fail to marshal (strings, ints, empty).
func mustEncode(eventType string, data any) []byte {
	b, err := Encode(eventType, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses an envelope. The payload is left raw for the handler.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, &ValidationError{Field: "type", Message: "type is required"}
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return &ValidationError{Field: "data", Message: "data is required"}
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}
