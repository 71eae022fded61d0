package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/louisbranch/kbchat/internal/services/chat/collab"
)

func TestHistoryPagesBackwards(t *testing.T) {
	h := NewHistory(nil)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		msg, err := h.AddMessage(ctx, collab.NewMessage{RoomID: "room-7", Content: fmt.Sprintf("m%d", i), Type: collab.MessageTypeUser})
		if err != nil {
			t.Fatalf("add message: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	latest, err := h.GetMessageHistory(ctx, "room-7", "", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(latest) != 2 || latest[0].Content != "m3" || latest[1].Content != "m4" {
		t.Fatalf("latest = %+v, want m3 m4", latest)
	}

	older, err := h.GetMessageHistory(ctx, "room-7", ids[3], 10)
	if err != nil {
		t.Fatalf("history before: %v", err)
	}
	if len(older) != 3 || older[0].Content != "m0" || older[2].Content != "m2" {
		t.Fatalf("older = %+v, want m0..m2", older)
	}

	if _, err := h.GetMessageHistory(ctx, "room-7", "missing", 10); !errors.Is(err, collab.ErrMessageNotFound) {
		t.Fatalf("err = %v, want %v", err, collab.ErrMessageNotFound)
	}
}

func TestHistoryRetentionIsBounded(t *testing.T) {
	h := NewHistory(nil)
	ctx := context.Background()
	for i := 0; i < maxRoomMessages+10; i++ {
		if _, err := h.AddMessage(ctx, collab.NewMessage{RoomID: "room-7", Content: "x"}); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}
	all, err := h.GetMessageHistory(ctx, "room-7", "", maxRoomMessages*2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != maxRoomMessages {
		t.Fatalf("len = %d, want %d", len(all), maxRoomMessages)
	}
}

func TestMarkMessagesAsRead(t *testing.T) {
	h := NewHistory(nil)
	if err := h.MarkMessagesAsRead(context.Background(), "room-7", "identity-1", []string{"m1", "m2", "m1"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := len(h.ReadBy("room-7", "identity-1")); got != 2 {
		t.Fatalf("read count = %d, want 2", got)
	}
	if err := h.MarkMessagesAsRead(context.Background(), "room-7", "", []string{"m1"}); err == nil {
		t.Fatal("expected error for empty identity")
	}
}
