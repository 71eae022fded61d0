package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
)

type fakeSocket struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	code   int
}

func (s *fakeSocket) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("socket closed")
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSocket) Close(code int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.code = code
	return nil
}

func (s *fakeSocket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestRegisterRejectsDuplicateLiveConnection(t *testing.T) {
	reg := New()
	if _, err := reg.Register("room-1", "client-1", &fakeSocket{}, RoleEndUser); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := reg.Register("room-1", "client-1", &fakeSocket{}, RoleEndUser)
	if apperrors.CodeOf(err) != apperrors.CodeDuplicateConnection {
		t.Fatalf("code = %q, want %q", apperrors.CodeOf(err), apperrors.CodeDuplicateConnection)
	}
}

func TestRegisterRequiresKey(t *testing.T) {
	reg := New()
	if _, err := reg.Register("", "client-1", &fakeSocket{}, RoleEndUser); err == nil {
		t.Fatal("expected error for empty room id")
	}
	if _, err := reg.Register("room-1", " ", &fakeSocket{}, RoleEndUser); err == nil {
		t.Fatal("expected error for empty client id")
	}
}

func TestRegisterRejectsClosedSocket(t *testing.T) {
	reg := New()
	socket := &fakeSocket{closed: true}
	if _, err := reg.Register("room-1", "client-1", socket, RoleEndUser); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v, want %v", err, ErrConnectionClosed)
	}
	if !reg.IsEmpty("room-1") {
		t.Fatal("expected room to stay empty")
	}
}

func TestReplaceRetiresPreviousConnection(t *testing.T) {
	reg := New()
	old, err := reg.Register("room-1", "client-1", &fakeSocket{}, RoleEndUser)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	next, previous, err := reg.Replace("room-1", "client-1", &fakeSocket{}, RoleEndUser)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if previous != old {
		t.Fatal("expected replace to return the previous connection")
	}
	if old.Alive() {
		t.Fatal("expected previous connection to be retired")
	}
	if next.Generation() <= old.Generation() {
		t.Fatalf("generation = %d, want > %d", next.Generation(), old.Generation())
	}
	if err := old.Send(context.Background(), []byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("send on retired = %v, want %v", err, ErrConnectionClosed)
	}

	conns := reg.Lookup("room-1")
	if len(conns) != 1 || conns[0] != next {
		t.Fatalf("lookup = %v, want only the replacement", conns)
	}
}

func TestRemoveIgnoresStaleConnection(t *testing.T) {
	reg := New()
	old, _ := reg.Register("room-1", "client-1", &fakeSocket{}, RoleEndUser)
	next, _, _ := reg.Replace("room-1", "client-1", &fakeSocket{}, RoleEndUser)

	if reg.Remove(old) {
		t.Fatal("expected stale remove to report false")
	}
	got, ok := reg.Get("room-1", "client-1")
	if !ok || got != next {
		t.Fatal("expected replacement to stay registered")
	}
	if !reg.Remove(next) {
		t.Fatal("expected current remove to report true")
	}
	if !reg.IsEmpty("room-1") {
		t.Fatal("expected room to be empty")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg := New()
	conn, _ := reg.Register("room-1", "client-1", &fakeSocket{}, RoleAgent)

	if removed := reg.Unregister("room-1", "client-1"); removed != conn {
		t.Fatal("expected unregister to return the connection")
	}
	if removed := reg.Unregister("room-1", "client-1"); removed != nil {
		t.Fatal("expected second unregister to be a no-op")
	}
	if removed := reg.Unregister("missing", "client-1"); removed != nil {
		t.Fatal("expected unregister of unknown room to be a no-op")
	}
	if conn.Alive() {
		t.Fatal("expected unregistered connection to be dead")
	}
}

func TestRetiredConnectionCannotBeReRegisteredThroughItsSocket(t *testing.T) {
	reg := New()
	socket := &fakeSocket{}
	conn, _ := reg.Register("room-1", "client-1", socket, RoleEndUser)
	reg.Remove(conn)
	_ = conn.Close(1001, "evicted")

	if _, err := reg.Register("room-1", "client-1", socket, RoleEndUser); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v, want %v", err, ErrConnectionClosed)
	}
}

func TestTouchIgnoresOlderTimestamps(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := New(WithClock(func() time.Time { return start }))
	conn, _ := reg.Register("room-1", "client-1", &fakeSocket{}, RoleEndUser)

	conn.Touch(start.Add(30 * time.Second))
	conn.Touch(start.Add(10 * time.Second))
	if got := conn.LastHeartbeat(); !got.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("last heartbeat = %v, want %v", got, start.Add(30*time.Second))
	}
}

func TestRoomsAreIndependent(t *testing.T) {
	reg := New()
	reg.Register("room-1", "client-1", &fakeSocket{}, RoleEndUser)
	reg.Register("room-2", "client-1", &fakeSocket{}, RoleEndUser)

	if got := len(reg.Lookup("room-1")); got != 1 {
		t.Fatalf("room-1 size = %d, want 1", got)
	}
	reg.Unregister("room-1", "client-1")
	if !reg.IsEmpty("room-1") || reg.IsEmpty("room-2") {
		t.Fatal("expected only room-1 to be empty")
	}
	if rooms := reg.Rooms(); len(rooms) != 1 || rooms[0] != "room-2" {
		t.Fatalf("rooms = %v, want [room-2]", rooms)
	}
}

func TestConcurrentMutationsNeverDuplicateClients(t *testing.T) {
	reg := New()
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				clientID := fmt.Sprintf("client-%d", i%5)
				switch (worker + i) % 3 {
				case 0:
					_, _ = reg.Register("room-1", clientID, &fakeSocket{}, RoleEndUser)
				case 1:
					_, _, _ = reg.Replace("room-1", clientID, &fakeSocket{}, RoleEndUser)
				default:
					reg.Unregister("room-1", clientID)
				}
				seen := make(map[string]bool)
				for _, conn := range reg.Lookup("room-1") {
					if seen[conn.ClientID] {
						t.Errorf("duplicate live connection for %s", conn.ClientID)
						return
					}
					seen[conn.ClientID] = true
				}
			}
		}(worker)
	}
	wg.Wait()
}
