// Package memory keeps chat history in process. It backs offline runs and
// tests; retention per room is bounded.
package memory

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/kbchat/internal/platform/id"
	"github.com/louisbranch/kbchat/internal/services/chat/collab"
)

const maxRoomMessages = 1000

// History is an in-process collab.HistoryStore.
type History struct {
	mu    sync.Mutex
	rooms map[string]*room
	now   func() time.Time
}

type room struct {
	mu       sync.Mutex
	messages []collab.Message
	reads    map[string]map[string]time.Time
}

// NewHistory creates an empty history. A nil now uses time.Now.
func NewHistory(now func() time.Time) *History {
	if now == nil {
		now = time.Now
	}
	return &History{rooms: make(map[string]*room), now: now}
}

func (h *History) room(roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{reads: make(map[string]map[string]time.Time)}
		h.rooms[roomID] = r
	}
	return r
}

// AddMessage appends msg to its room.
func (h *History) AddMessage(ctx context.Context, msg collab.NewMessage) (collab.Message, error) {
	if err := ctx.Err(); err != nil {
		return collab.Message{}, err
	}
	if strings.TrimSpace(msg.RoomID) == "" {
		return collab.Message{}, fmt.Errorf("room id is required")
	}
	messageID, err := id.NewID()
	if err != nil {
		return collab.Message{}, err
	}
	stored := collab.Message{
		ID:        messageID,
		RoomID:    msg.RoomID,
		Content:   msg.Content,
		Type:      msg.Type,
		SenderID:  msg.SenderID,
		Metadata:  maps.Clone(msg.Metadata),
		CreatedAt: h.now().UTC(),
	}

	r := h.room(msg.RoomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, stored)
	if len(r.messages) > maxRoomMessages {
		r.messages = r.messages[len(r.messages)-maxRoomMessages:]
	}
	return stored, nil
}

// GetMessageHistory returns up to limit messages before beforeMessageID,
// oldest first.
func (h *History) GetMessageHistory(ctx context.Context, roomID, beforeMessageID string, limit int) ([]collab.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	r := h.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	end := len(r.messages)
	if beforeMessageID != "" {
		end = -1
		for i, msg := range r.messages {
			if msg.ID == beforeMessageID {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, collab.ErrMessageNotFound
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	history := make([]collab.Message, end-start)
	copy(history, r.messages[start:end])
	return history, nil
}

// MarkMessagesAsRead records that identityID read messageIDs.
func (h *History) MarkMessagesAsRead(ctx context.Context, roomID, identityID string, messageIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	now := h.now().UTC()
	r := h.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	read, ok := r.reads[identityID]
	if !ok {
		read = make(map[string]time.Time)
		r.reads[identityID] = read
	}
	for _, messageID := range messageIDs {
		if _, seen := read[messageID]; !seen {
			read[messageID] = now
		}
	}
	return nil
}

// ReadBy lists the message ids identityID has read in roomID.
func (h *History) ReadBy(roomID, identityID string) []string {
	r := h.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.reads[identityID]))
	for messageID := range r.reads[identityID] {
		ids = append(ids, messageID)
	}
	return ids
}

var _ collab.HistoryStore = (*History)(nil)
