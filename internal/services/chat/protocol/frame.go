// Package protocol defines the V2 chat envelope: the frame shape, the typed
// inbound commands and the outbound events.
package protocol

import (
	"bytes"
	"encoding/json"
	"log"
)

// Frame is the wire envelope shared by every message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound command types.
const (
	TypeMessageCreate  = "message.create"
	TypeHistoryRequest = "history.request"
	TypeMembersRequest = "members.request"
	TypeTypingStart    = "typing.start"
	TypeTypingStop     = "typing.stop"
	TypeMessageRead    = "message.read"
	TypeModeSwitch     = "mode.switch"
)

// Transport heartbeat types. These never reach the dispatch table.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Outbound event types.
const (
	TypeSessionConnected   = "session.connected"
	TypeResponseSuccess    = "response.success"
	TypeResponseError      = "response.error"
	TypeMessageNew         = "message.new"
	TypeMessageReadUpdate  = "message.read.update"
	TypeModeChanged        = "mode.changed"
	TypeNotificationSystem = "notification.system"
)

// WebSocket close codes used by the transport.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseReplaced        = 4000
)

// IsHeartbeat reports whether a frame type is handled by the transport loop.
func IsHeartbeat(frameType string) bool {
	return frameType == TypePing || frameType == TypePong
}

// NewFrame builds a frame with payload marshaled to JSON.
func NewFrame(frameType, requestID string, payload any) Frame {
	return Frame{
		Type:      frameType,
		RequestID: requestID,
		Payload:   mustJSON(payload),
	}
}

// Encode marshals a frame for the socket.
func Encode(frame Frame) ([]byte, error) {
	return json.Marshal(frame)
}

// DecodeFrame parses one envelope. Payload is left undecoded.
func DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("protocol: marshal frame payload: %v", err)
		return nil
	}
	return b
}
