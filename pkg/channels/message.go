// Package channels defines the JSON frames exchanged on device channels and
// the per-channel batch queue.
package channels

import (
	"encoding/json"
	"errors"
	"fmt"
)

// BatchType is the discriminator of a batch envelope.
const BatchType = "batch"

// ErrParse marks an inbound frame that is not valid JSON.
var ErrParse = errors.New("parse error")

// Batch is the envelope that carries several messages in one frame.
// Format: {"type":"batch","messages":[...]}.
type Batch struct {
	Type     string            `json:"type"`
	Messages []json.RawMessage `json:"messages"`
}

// Encode serialises an outbound message. Values that are already
// json.RawMessage or []byte are validated and passed through.
func Encode(v any) (json.RawMessage, error) {
	switch raw := v.(type) {
	case json.RawMessage:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid JSON message")
		}
		return raw, nil
	case []byte:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid JSON message")
		}
		return json.RawMessage(raw), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	return data, nil
}

// EncodeBatch builds the frame for a queue flush: the bare message when
// there is exactly one, otherwise a batch envelope preserving order.
func EncodeBatch(msgs []json.RawMessage) ([]byte, error) {
	switch len(msgs) {
	case 0:
		return nil, fmt.Errorf("empty batch")
	case 1:
		return msgs[0], nil
	}

	return json.Marshal(Batch{Type: BatchType, Messages: msgs})
}

// Message is an inbound frame that parsed as JSON.
type Message struct {
	Raw   json.RawMessage
	Value any
}

// Decode parses an inbound frame. Any JSON value is accepted; errors wrap ErrParse.
func Decode(data []byte) (*Message, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	return &Message{Raw: json.RawMessage(data), Value: v}, nil
}

// Object returns the message as a JSON object, or nil for other shapes.
func (m *Message) Object() map[string]any {
	obj, _ := m.Value.(map[string]any)
	return obj
}

// Type returns the "type" discriminator, or "".
func (m *Message) Type() string {
	return m.stringField("type")
}

// Status returns the "status" field ("ok", "error", ...), or "".
func (m *Message) Status() string {
	return m.stringField("status")
}

// IsError reports whether the device answered with status "error".
func (m *Message) IsError() bool {
	return m.Status() == "error"
}

// HasStandardFields reports whether the frame is an object carrying a
// "type" or "status" discriminator. Frames that are not objects report true
// since there is nothing to check.
func (m *Message) HasStandardFields() bool {
	obj, ok := m.Value.(map[string]any)
	if !ok {
		return true
	}

	_, hasType := obj["type"]
	_, hasStatus := obj["status"]

	return hasType || hasStatus
}

// Unmarshal decodes the raw frame into v.
func (m *Message) Unmarshal(v any) error {
	return json.Unmarshal(m.Raw, v)
}

func (m *Message) stringField(key string) string {
	if s, ok := m.Object()[key].(string); ok {
		return s
	}

	return ""
}
