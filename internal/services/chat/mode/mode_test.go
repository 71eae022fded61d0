package mode

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := OpenBoltStore(filepath.Join(t.TempDir(), "modes.db"))
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = bolt.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestDefaultStateIsAI(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			state, err := NewController(store, nil).State(context.Background(), "room-7")
			if err != nil {
				t.Fatalf("state: %v", err)
			}
			if state.Mode != ModeAI || state.AssignedAgentID != "" {
				t.Fatalf("state = %+v, want AI without agent", state)
			}
		})
	}
}

func TestTakeoverAndRelease(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctrl := NewController(store, nil)
			ctx := context.Background()

			state, err := ctrl.Takeover(ctx, "room-7", "agent-1")
			if err != nil {
				t.Fatalf("takeover: %v", err)
			}
			if state.Mode != ModeHuman || state.AssignedAgentID != "agent-1" {
				t.Fatalf("state = %+v, want HUMAN assigned to agent-1", state)
			}
			if _, err := ctrl.Takeover(ctx, "room-7", "agent-1"); err != nil {
				t.Fatalf("repeat takeover: %v", err)
			}

			_, err = ctrl.Takeover(ctx, "room-7", "agent-2")
			if apperrors.CodeOf(err) != apperrors.CodeOperationNotAllowed {
				t.Fatalf("second agent code = %q, want %q", apperrors.CodeOf(err), apperrors.CodeOperationNotAllowed)
			}
			_, err = ctrl.Release(ctx, "room-7", "agent-2")
			if apperrors.CodeOf(err) != apperrors.CodeOperationNotAllowed {
				t.Fatalf("foreign release code = %q, want %q", apperrors.CodeOf(err), apperrors.CodeOperationNotAllowed)
			}

			state, err = ctrl.Switch(ctx, "room-7", "agent-1", ModeAI)
			if err != nil {
				t.Fatalf("release: %v", err)
			}
			if state.Mode != ModeAI || state.AssignedAgentID != "" {
				t.Fatalf("state = %+v, want AI without agent", state)
			}
		})
	}
}

func TestConcurrentTakeoverAssignsExactlyOneAgent(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctrl := NewController(store, nil)
			ctx := context.Background()

			const agents = 16
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				winners  []string
				rejected int
			)
			for i := 0; i < agents; i++ {
				wg.Add(1)
				go func(agentID string) {
					defer wg.Done()
					_, err := ctrl.Takeover(ctx, "room-7", agentID)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						rejected++
						return
					}
					winners = append(winners, agentID)
				}(fmt.Sprintf("agent-%d", i))
			}
			wg.Wait()

			if len(winners) != 1 || rejected != agents-1 {
				t.Fatalf("winners = %v rejected = %d, want exactly one winner", winners, rejected)
			}
			state, err := ctrl.State(ctx, "room-7")
			if err != nil {
				t.Fatalf("state: %v", err)
			}
			if state.AssignedAgentID != winners[0] {
				t.Fatalf("assigned = %q, want %q", state.AssignedAgentID, winners[0])
			}
		})
	}
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modes.db")
	store, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := NewController(store, nil).Takeover(context.Background(), "room-7", "agent-1"); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	state, err := reopened.Get(context.Background(), "room-7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Mode != ModeHuman || state.AssignedAgentID != "agent-1" {
		t.Fatalf("state = %+v, want HUMAN assigned to agent-1", state)
	}
}

func TestParse(t *testing.T) {
	if got, err := Parse(" HUMAN "); err != nil || got != ModeHuman {
		t.Fatalf("Parse(HUMAN) = %q, %v", got, err)
	}
	if _, err := Parse("robot"); apperrors.CodeOf(err) != apperrors.CodeInvalidPayload {
		t.Fatalf("code = %q, want %q", apperrors.CodeOf(err), apperrors.CodeInvalidPayload)
	}
}

func TestOpenBoltStoreRequiresPath(t *testing.T) {
	if _, err := OpenBoltStore(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMemoryStoreGetDoesNotRetainRooms(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		state, err := store.Get(ctx, fmt.Sprintf("room-%d", i))
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if state.Mode != ModeAI {
			t.Fatalf("mode = %q, want %q", state.Mode, ModeAI)
		}
	}
	store.mu.Lock()
	rooms := len(store.rooms)
	store.mu.Unlock()
	if rooms != 0 {
		t.Fatalf("rooms retained = %d, want 0", rooms)
	}
}
