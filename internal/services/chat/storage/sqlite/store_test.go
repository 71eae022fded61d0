package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/kbchat/internal/services/chat/collab"
	"github.com/louisbranch/kbchat/internal/services/chat/session"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestAddMessageAndHistory(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	var ids []string
	for i := 0; i < 5; i++ {
		msg, err := store.AddMessage(ctx, collab.NewMessage{
			RoomID:   "room-7",
			Content:  fmt.Sprintf("m%d", i),
			Type:     collab.MessageTypeUser,
			SenderID: "identity-a",
			Metadata: map[string]any{"n": float64(i)},
		})
		if err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
		ids = append(ids, msg.ID)
	}
	if _, err := store.AddMessage(ctx, collab.NewMessage{RoomID: "room-8", Content: "other", Type: collab.MessageTypeUser}); err != nil {
		t.Fatalf("add other room: %v", err)
	}

	latest, err := store.GetMessageHistory(ctx, "room-7", "", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(latest) != 2 || latest[0].Content != "m3" || latest[1].Content != "m4" {
		t.Fatalf("latest = %+v, want m3 m4", latest)
	}
	if latest[1].Metadata["n"] != float64(4) {
		t.Fatalf("metadata = %v, want n=4", latest[1].Metadata)
	}
	if !latest[0].CreatedAt.Equal(now) {
		t.Fatalf("created at = %v, want %v", latest[0].CreatedAt, now)
	}

	older, err := store.GetMessageHistory(ctx, "room-7", ids[2], 10)
	if err != nil {
		t.Fatalf("history before: %v", err)
	}
	if len(older) != 2 || older[0].Content != "m0" || older[1].Content != "m1" {
		t.Fatalf("older = %+v, want m0 m1", older)
	}

	if _, err := store.GetMessageHistory(ctx, "room-8", ids[2], 10); !errors.Is(err, collab.ErrMessageNotFound) {
		t.Fatalf("cross-room cursor err = %v, want %v", err, collab.ErrMessageNotFound)
	}
}

func TestAddMessageValidation(t *testing.T) {
	store := openTempStore(t)
	if _, err := store.AddMessage(context.Background(), collab.NewMessage{Content: "x", Type: collab.MessageTypeUser}); err == nil {
		t.Fatal("expected error for missing room id")
	}
	if _, err := store.AddMessage(context.Background(), collab.NewMessage{RoomID: "room-7", Content: "x"}); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestMarkMessagesAsReadIsIdempotent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	if err := store.MarkMessagesAsRead(ctx, "room-7", "identity-a", []string{"m1", "m2"}); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := store.MarkMessagesAsRead(ctx, "room-7", "identity-a", []string{"m2", "m3"}); err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	ids, err := store.ReadMessageIDs(ctx, "room-7", "identity-a")
	if err != nil {
		t.Fatalf("read ids: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("read ids = %v, want 3 entries", ids)
	}
}

func TestRecordSessionUpserts(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	joined := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := session.Session{
		ID:         "s1",
		RoomID:     "room-7",
		IdentityID: "identity-a",
		ClientID:   "a",
		JoinedAt:   joined,
		ExpiresAt:  joined.Add(30 * time.Minute),
	}
	if err := store.RecordSession(ctx, sess); err != nil {
		t.Fatalf("record open: %v", err)
	}
	left := joined.Add(5 * time.Minute)
	sess.LeftAt = &left
	if err := store.RecordSession(ctx, sess); err != nil {
		t.Fatalf("record closed: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.LeftAt == nil || !got.LeftAt.Equal(left) {
		t.Fatalf("left at = %v, want %v", got.LeftAt, left)
	}
	if !got.JoinedAt.Equal(joined) {
		t.Fatalf("joined at = %v, want %v", got.JoinedAt, joined)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := first.AddMessage(context.Background(), collab.NewMessage{RoomID: "room-7", Content: "kept", Type: collab.MessageTypeUser}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_ = first.Close()

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	history, err := second.GetMessageHistory(context.Background(), "room-7", "", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Content != "kept" {
		t.Fatalf("history = %+v, want the kept message", history)
	}
}
