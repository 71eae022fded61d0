package protocol

import "time"

// Message is the wire form of a chat message.
type Message struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	Content   string         `json:"content"`
	Type      string         `json:"type"`
	SenderID  string         `json:"sender_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Connected is sent once after a connection is attached.
type Connected struct {
	RoomID                   string    `json:"room_id"`
	ClientID                 string    `json:"client_id"`
	IdentityID               string    `json:"identity_id"`
	SessionID                string    `json:"session_id"`
	Role                     string    `json:"role"`
	Mode                     string    `json:"mode"`
	AssignedAgentID          string    `json:"assigned_agent_id,omitempty"`
	ExpiresAt                time.Time `json:"expires_at"`
	HeartbeatIntervalSeconds int       `json:"heartbeat_interval_seconds"`
}

// Error is the payload of response.error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageNew carries one message to every room member.
type MessageNew struct {
	Message Message `json:"message"`
}

// MessageCreated answers a message.create request.
type MessageCreated struct {
	MessageID string `json:"message_id"`
}

// History answers a history.request.
type History struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// Members answers a members.request. RemoteClientIDs come from the presence
// mirror and are informational only.
type Members struct {
	ClientIDs       []string `json:"client_ids"`
	RemoteClientIDs []string `json:"remote_client_ids,omitempty"`
}

// Typing is broadcast for typing.start and typing.stop.
type Typing struct {
	ClientID   string `json:"client_id"`
	IdentityID string `json:"identity_id"`
}

// ReadUpdate is broadcast after messages are marked read.
type ReadUpdate struct {
	IdentityID string   `json:"identity_id"`
	ClientID   string   `json:"client_id"`
	MessageIDs []string `json:"message_ids"`
}

// ModeChanged is broadcast after a mode switch.
type ModeChanged struct {
	Mode            string `json:"mode"`
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`
	ChangedBy       string `json:"changed_by"`
}

// Notification levels.
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// Notification is a system message that is not part of the history.
type Notification struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Ack is the empty success payload for fire-and-forget commands.
type Ack struct {
	Status string `json:"status"`
}

// ErrorFrame builds a response.error frame.
func ErrorFrame(requestID, code, message string) Frame {
	return NewFrame(TypeResponseError, requestID, Error{Code: code, Message: message})
}

// SuccessFrame builds a response.success frame.
func SuccessFrame(requestID string, payload any) Frame {
	return NewFrame(TypeResponseSuccess, requestID, payload)
}

// NotificationFrame builds a notification.system frame.
func NotificationFrame(level, message string) Frame {
	return NewFrame(TypeNotificationSystem, "", Notification{Level: level, Message: message})
}
