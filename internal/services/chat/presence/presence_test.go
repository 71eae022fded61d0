package presence

import (
	"context"
	"errors"
	"testing"
	"time"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestMemoryStoreExpiresRecords(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(c.Now)
	ctx := context.Background()

	if err := store.Put(ctx, Record{RoomID: "room-7", ClientID: "a", Role: "end_user"}, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	c.now = c.now.Add(59 * time.Second)
	if _, err := store.Get(ctx, "room-7", "a"); err != nil {
		t.Fatalf("get before ttl: %v", err)
	}
	c.now = c.now.Add(time.Second)
	if _, err := store.Get(ctx, "room-7", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get at ttl = %v, want %v", err, ErrNotFound)
	}
}

func TestMemoryStoreScanIsScopedToRoom(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	for _, rec := range []Record{
		{RoomID: "room-7", ClientID: "b"},
		{RoomID: "room-7", ClientID: "a"},
		{RoomID: "room-8", ClientID: "c"},
	} {
		if err := store.Put(ctx, rec, time.Minute); err != nil {
			t.Fatalf("put %s: %v", rec.ClientID, err)
		}
	}

	records, err := store.Scan(ctx, "room-7")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 2 || records[0].ClientID != "a" || records[1].ClientID != "b" {
		t.Fatalf("records = %+v, want clients a and b", records)
	}
}

func TestMemoryStoreRemoveIsIdempotent(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	_ = store.Put(ctx, Record{RoomID: "room-7", ClientID: "a"}, 0)

	if err := store.Remove(ctx, "room-7", "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove(ctx, "room-7", "a"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if _, err := store.Get(ctx, "room-7", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after remove = %v, want %v", err, ErrNotFound)
	}
}

func TestMemoryStoreRejectsMissingKey(t *testing.T) {
	store := NewMemoryStore(nil)
	if err := store.Put(context.Background(), Record{RoomID: "room-7"}, time.Minute); err == nil {
		t.Fatal("expected error for missing client id")
	}
}
