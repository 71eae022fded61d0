package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/kbchat/internal/services/chat/presence"
	"github.com/louisbranch/kbchat/internal/services/chat/registry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeSocket struct {
	mu    sync.Mutex
	pings int
	fail  bool
}

func (s *fakeSocket) Send(context.Context, []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("write: connection reset")
	}
	s.pings++
	return nil
}

func (s *fakeSocket) Close(int, string) error { return nil }
func (s *fakeSocket) Closed() bool            { return false }

type fakeEvictor struct {
	reg     *registry.Registry
	reasons map[string]string
}

func (e *fakeEvictor) Evict(conn *registry.Connection, reason string) {
	e.reasons[conn.ClientID] = reason
	e.reg.Remove(conn)
}

func setup(t *testing.T, cfg Config, opts ...Option) (*Monitor, *registry.Registry, *fakeEvictor, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := registry.New(registry.WithClock(c.Now))
	evictor := &fakeEvictor{reg: reg, reasons: make(map[string]string)}
	m := New(cfg, reg, evictor, append([]Option{WithClock(c.Now)}, opts...)...)
	t.Cleanup(m.Close)
	return m, reg, evictor, c
}

func TestSilentPeerEvictedAtNinetySeconds(t *testing.T) {
	m, reg, evictor, c := setup(t, Config{Interval: 30 * time.Second, Timeout: 60 * time.Second, MaxRetryAttempts: 3})
	start := c.Now()
	socket := &fakeSocket{}
	conn, _ := reg.Register("room-7", "client-a", socket, registry.RoleEndUser)
	ctx := context.Background()

	c.Set(start.Add(30 * time.Second))
	m.Sweep(ctx, "room-7")
	if socket.pings != 1 {
		t.Fatalf("pings = %d, want 1", socket.pings)
	}
	m.Touch(ctx, conn) // first and last pong

	c.Set(start.Add(60 * time.Second))
	m.Sweep(ctx, "room-7")
	if _, ok := evictor.reasons["client-a"]; ok {
		t.Fatal("evicted at T+60s, want still alive")
	}

	c.Set(start.Add(89 * time.Second))
	m.Sweep(ctx, "room-7")
	if _, ok := evictor.reasons["client-a"]; ok {
		t.Fatal("evicted at T+89s, want still alive")
	}

	c.Set(start.Add(90 * time.Second))
	m.Sweep(ctx, "room-7")
	if evictor.reasons["client-a"] != ReasonTimeout {
		t.Fatalf("reason = %q, want %q", evictor.reasons["client-a"], ReasonTimeout)
	}
	if !reg.IsEmpty("room-7") {
		t.Fatal("expected evicted connection to be unregistered")
	}
}

func TestPingFailuresCountTowardRetryBudget(t *testing.T) {
	m, reg, evictor, c := setup(t, Config{Interval: 30 * time.Second, Timeout: time.Hour, MaxRetryAttempts: 2})
	socket := &fakeSocket{fail: true}
	reg.Register("room-7", "client-a", socket, registry.RoleEndUser)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		c.Set(c.Now().Add(30 * time.Second))
		m.Sweep(ctx, "room-7")
		if _, ok := evictor.reasons["client-a"]; ok {
			t.Fatalf("evicted after %d failures, want retry", i)
		}
	}
	c.Set(c.Now().Add(30 * time.Second))
	m.Sweep(ctx, "room-7")
	if evictor.reasons["client-a"] != ReasonPingFailed {
		t.Fatalf("reason = %q, want %q", evictor.reasons["client-a"], ReasonPingFailed)
	}
}

func TestTouchResetsPingFailures(t *testing.T) {
	m, reg, evictor, c := setup(t, Config{Interval: 30 * time.Second, Timeout: time.Hour, MaxRetryAttempts: 1})
	socket := &fakeSocket{fail: true}
	conn, _ := reg.Register("room-7", "client-a", socket, registry.RoleEndUser)
	ctx := context.Background()

	c.Set(c.Now().Add(30 * time.Second))
	m.Sweep(ctx, "room-7")
	m.Touch(ctx, conn)
	c.Set(c.Now().Add(30 * time.Second))
	m.Sweep(ctx, "room-7")
	if _, ok := evictor.reasons["client-a"]; ok {
		t.Fatal("expected touch to reset the failure budget")
	}
}

func TestMissingPresenceLeaseEvicts(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := presence.NewMemoryStore(c.Now)
	m, reg, evictor, _ := setup(t, Config{Interval: 30 * time.Second, Timeout: 60 * time.Second}, WithPresence(store, "node-1"))
	ctx := context.Background()

	kept, _ := reg.Register("room-7", "kept", &fakeSocket{}, registry.RoleEndUser)
	reg.Register("room-7", "lost", &fakeSocket{}, registry.RoleEndUser)
	m.Touch(ctx, kept)

	m.Sweep(ctx, "room-7")
	if evictor.reasons["lost"] != ReasonLeaseLost {
		t.Fatalf("reason = %q, want %q", evictor.reasons["lost"], ReasonLeaseLost)
	}
	if _, ok := evictor.reasons["kept"]; ok {
		t.Fatal("expected connection with a lease to stay")
	}
	record, err := store.Get(ctx, "room-7", "kept")
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if record.NodeID != "node-1" {
		t.Fatalf("node id = %q, want %q", record.NodeID, "node-1")
	}
}

func TestEnsureAndRelease(t *testing.T) {
	m, reg, _, _ := setup(t, Config{Interval: time.Hour, Timeout: 2 * time.Hour})
	conn, _ := reg.Register("room-7", "client-a", &fakeSocket{}, registry.RoleEndUser)

	m.Ensure("room-7")
	m.Ensure("room-7")
	if !m.Watching("room-7") {
		t.Fatal("expected sweeper to run")
	}
	m.Release("room-7")
	if !m.Watching("room-7") {
		t.Fatal("expected sweeper to keep running while the room has connections")
	}
	reg.Remove(conn)
	m.Release("room-7")
	if m.Watching("room-7") {
		t.Fatal("expected sweeper to stop for an empty room")
	}
}

func TestEnsureAfterCloseIsNoop(t *testing.T) {
	m, _, _, _ := setup(t, Config{Interval: time.Hour, Timeout: 2 * time.Hour})
	m.Close()
	m.Ensure("room-7")
	if m.Watching("room-7") {
		t.Fatal("expected closed monitor to ignore Ensure")
	}
}
