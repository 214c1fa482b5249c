// Package protocol defines the frame format exchanged with the signaling relay.
//
// Every WebSocket text message carries exactly one Frame. The payload is kept
// as raw JSON so the relay can forward it without knowing its schema.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventJoin announces the local user's identity to the relay so frames
// addressed to that user are routed to this connection.
const EventJoin = "join"

// MaxFrameSize bounds a single frame. SDP blobs are the largest payloads and
// stay well below this.
const MaxFrameSize = 64 * 1024

var ErrEmptyEvent = errors.New("frame has no event")

// Frame is one relay message.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is the payload of EventJoin.
type JoinPayload struct {
	UserID string `json:"userId"`
}

// Route holds the addressing fields every routed payload carries. Older
// clients use from/to instead of senderId/receiverId, so both are accepted.
type Route struct {
	SenderID   string `json:"senderId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
}

// Sender returns the normalized sender id.
func (r Route) Sender() string {
	if r.SenderID != "" {
		return r.SenderID
	}
	return r.From
}

// Receiver returns the normalized receiver id.
func (r Route) Receiver() string {
	if r.ReceiverID != "" {
		return r.ReceiverID
	}
	return r.To
}

// Encode marshals payload and wraps it in a Frame.
func Encode(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	frame := Frame{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		frame.Payload = raw
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", event, err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", len(data), MaxFrameSize)
	}
	return data, nil
}

// Decode parses one Frame.
func Decode(data []byte) (*Frame, error) {
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes (max %d)", len(data), MaxFrameSize)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Event == "" {
		return nil, ErrEmptyEvent
	}
	return &frame, nil
}

// PeekRoute extracts the addressing fields from a frame payload.
func PeekRoute(payload json.RawMessage) (Route, error) {
	var r Route
	if len(payload) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(payload, &r); err != nil {
		return r, fmt.Errorf("decode route: %w", err)
	}
	return r, nil
}
