// Package collab declares the collaborators the chat transport calls but does
// not implement: chat history persistence and AI answer generation.
package collab

import (
	"context"
	"errors"
	"time"
)

// ErrMessageNotFound is returned when a referenced message does not exist.
var ErrMessageNotFound = errors.New("message not found")

// MessageType classifies the author of a message.
type MessageType string

const (
	MessageTypeUser      MessageType = "user"
	MessageTypeAgent     MessageType = "agent"
	MessageTypeAssistant MessageType = "assistant"
	MessageTypeSystem    MessageType = "system"
)

// Message is a persisted chat message.
type Message struct {
	ID        string
	RoomID    string
	Content   string
	Type      MessageType
	SenderID  string
	Metadata  map[string]any
	CreatedAt time.Time
}

// NewMessage is the input of HistoryStore.AddMessage.
type NewMessage struct {
	RoomID   string
	Content  string
	Type     MessageType
	SenderID string
	Metadata map[string]any
}

// HistoryStore persists messages and read state.
type HistoryStore interface {
	AddMessage(ctx context.Context, msg NewMessage) (Message, error)
	// GetMessageHistory returns up to limit messages older than
	// beforeMessageID (or the newest when empty), oldest first.
	GetMessageHistory(ctx context.Context, roomID, beforeMessageID string, limit int) ([]Message, error)
	MarkMessagesAsRead(ctx context.Context, roomID, identityID string, messageIDs []string) error
}

// UserContext describes who asked a question.
type UserContext struct {
	IdentityID string
	ClientID   string
	EndUserRef string
}

// AnswerRequest is the input of AnswerGenerator.GenerateResponse.
type AnswerRequest struct {
	RoomID           string
	UserQuery        string
	KnowledgeBaseRef string
	UserContext      UserContext
}

// Answer is a generated assistant reply.
type Answer struct {
	Content  string
	Metadata map[string]any
}

// AnswerGenerator produces assistant replies. Calls may be slow and may fail.
type AnswerGenerator interface {
	GenerateResponse(ctx context.Context, req AnswerRequest) (Answer, error)
}
