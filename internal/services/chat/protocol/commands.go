package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
)

const (
	// MaxContentRunes bounds message.create content.
	MaxContentRunes = 4000
	// MaxReadMessageIDs bounds one message.read batch.
	MaxReadMessageIDs = 200
	// DefaultHistoryLimit applies when history.request omits limit.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps history.request limit.
	MaxHistoryLimit = 200
)

// Command is one decoded inbound request. The concrete types below are the
// only implementations.
type Command interface {
	CommandType() string
}

// MessageCreate posts a chat message to the room.
type MessageCreate struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HistoryRequest fetches a page of messages older than BeforeMessageID.
type HistoryRequest struct {
	BeforeMessageID string `json:"before_message_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// MembersRequest lists the clients attached to the room.
type MembersRequest struct{}

// TypingStart announces that the sender started typing.
type TypingStart struct{}

// TypingStop announces that the sender stopped typing.
type TypingStop struct{}

// MessageRead marks messages as read by the sender.
type MessageRead struct {
	MessageIDs []string `json:"message_ids"`
}

// ModeSwitch asks to move the room between AI and human service.
type ModeSwitch struct {
	Mode string `json:"mode"`
}

func (MessageCreate) CommandType() string  { return TypeMessageCreate }
func (HistoryRequest) CommandType() string { return TypeHistoryRequest }
func (MembersRequest) CommandType() string { return TypeMembersRequest }
func (TypingStart) CommandType() string    { return TypeTypingStart }
func (TypingStop) CommandType() string     { return TypeTypingStop }
func (MessageRead) CommandType() string    { return TypeMessageRead }
func (ModeSwitch) CommandType() string     { return TypeModeSwitch }

// Decode resolves frame into its typed command. Unknown types fail with
// UNKNOWN_TYPE; malformed payloads fail with INVALID_PAYLOAD.
func Decode(frame Frame) (Command, error) {
	switch frame.Type {
	case TypeMessageCreate:
		var cmd MessageCreate
		if err := decodePayload(frame, &cmd); err != nil {
			return nil, err
		}
		cmd.Content = strings.TrimSpace(cmd.Content)
		if cmd.Content == "" {
			return nil, invalidPayload("content is required")
		}
		if utf8.RuneCountInString(cmd.Content) > MaxContentRunes {
			return nil, invalidPayload(fmt.Sprintf("content must be at most %d characters", MaxContentRunes))
		}
		return cmd, nil

	case TypeHistoryRequest:
		var cmd HistoryRequest
		if err := decodePayload(frame, &cmd); err != nil {
			return nil, err
		}
		if cmd.Limit < 0 {
			return nil, invalidPayload("limit must be >= 0")
		}
		if cmd.Limit == 0 {
			cmd.Limit = DefaultHistoryLimit
		}
		if cmd.Limit > MaxHistoryLimit {
			cmd.Limit = MaxHistoryLimit
		}
		cmd.BeforeMessageID = strings.TrimSpace(cmd.BeforeMessageID)
		return cmd, nil

	case TypeMembersRequest:
		var cmd MembersRequest
		return cmd, decodePayload(frame, &cmd)

	case TypeTypingStart:
		var cmd TypingStart
		return cmd, decodePayload(frame, &cmd)

	case TypeTypingStop:
		var cmd TypingStop
		return cmd, decodePayload(frame, &cmd)

	case TypeMessageRead:
		var cmd MessageRead
		if err := decodePayload(frame, &cmd); err != nil {
			return nil, err
		}
		if len(cmd.MessageIDs) == 0 {
			return nil, invalidPayload("message_ids must be a non-empty list")
		}
		if len(cmd.MessageIDs) > MaxReadMessageIDs {
			return nil, invalidPayload(fmt.Sprintf("message_ids must hold at most %d ids", MaxReadMessageIDs))
		}
		for i, messageID := range cmd.MessageIDs {
			messageID = strings.TrimSpace(messageID)
			if messageID == "" {
				return nil, invalidPayload("message_ids must not contain empty ids")
			}
			cmd.MessageIDs[i] = messageID
		}
		return cmd, nil

	case TypeModeSwitch:
		var cmd ModeSwitch
		if err := decodePayload(frame, &cmd); err != nil {
			return nil, err
		}
		cmd.Mode = strings.ToLower(strings.TrimSpace(cmd.Mode))
		if cmd.Mode == "" {
			return nil, invalidPayload("mode is required")
		}
		return cmd, nil

	default:
		return nil, apperrors.WithMetadata(apperrors.CodeUnknownType, "unsupported frame type", map[string]string{
			"type": frame.Type,
		})
	}
}

// decodePayload unmarshals frame.Payload into dst, treating a missing payload
// as an empty object.
func decodePayload(frame Frame, dst any) error {
	payload := bytes.TrimSpace(frame.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}
	if payload[0] != '{' {
		return invalidPayload(fmt.Sprintf("invalid %s payload", frame.Type))
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidPayload, fmt.Sprintf("invalid %s payload", frame.Type), err)
	}
	return nil
}

func invalidPayload(message string) error {
	return apperrors.New(apperrors.CodeInvalidPayload, message)
}
