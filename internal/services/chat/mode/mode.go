// Package mode decides whether a room is answered by the AI responder or by a
// human agent.
package mode

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
)

// Mode is the serving mode of a room.
type Mode string

const (
	ModeAI    Mode = "ai"
	ModeHuman Mode = "human"
)

// Parse converts a wire value into a Mode.
func Parse(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeAI:
		return ModeAI, nil
	case ModeHuman:
		return ModeHuman, nil
	default:
		return "", apperrors.New(apperrors.CodeInvalidPayload, fmt.Sprintf("unknown mode %q", value))
	}
}

// State is the single mode row of a room. Rooms without a row are in AI mode.
type State struct {
	RoomID          string    `json:"room_id"`
	Mode            Mode      `json:"mode"`
	AssignedAgentID string    `json:"assigned_agent_id,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// DefaultState is the state of a room that never switched.
func DefaultState(roomID string) State {
	return State{RoomID: roomID, Mode: ModeAI}
}

// Store persists room states. Update must apply fn as one atomic
// read-modify-write for the room; when fn fails nothing is written.
type Store interface {
	Get(ctx context.Context, roomID string) (State, error)
	Update(ctx context.Context, roomID string, fn func(State) (State, error)) (State, error)
}

// Controller runs the AI <-> HUMAN state machine over a Store.
type Controller struct {
	store Store
	now   func() time.Time
}

// NewController creates a controller. A nil now uses time.Now.
func NewController(store Store, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{store: store, now: now}
}

// State returns the current state of roomID.
func (c *Controller) State(ctx context.Context, roomID string) (State, error) {
	return c.store.Get(ctx, roomID)
}

// Takeover moves roomID to HUMAN with agentID assigned. Repeating a takeover
// by the assigned agent is a no-op; a takeover by any other agent while one
// is assigned fails with OPERATION_NOT_ALLOWED.
func (c *Controller) Takeover(ctx context.Context, roomID, agentID string) (State, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return State{}, apperrors.New(apperrors.CodeOperationNotAllowed, "only agents can take over a room")
	}
	return c.store.Update(ctx, roomID, func(current State) (State, error) {
		if current.Mode == ModeHuman {
			if current.AssignedAgentID == agentID {
				return current, nil
			}
			return State{}, apperrors.WithMetadata(apperrors.CodeOperationNotAllowed, "room is already assigned to another agent", map[string]string{
				"room_id":           roomID,
				"assigned_agent_id": current.AssignedAgentID,
			})
		}
		current.Mode = ModeHuman
		current.AssignedAgentID = agentID
		current.UpdatedAt = c.now().UTC()
		return current, nil
	})
}

// Release returns roomID to AI mode and clears the assigned agent. Only the
// assigned agent may release; releasing an AI room is a no-op.
func (c *Controller) Release(ctx context.Context, roomID, agentID string) (State, error) {
	agentID = strings.TrimSpace(agentID)
	return c.store.Update(ctx, roomID, func(current State) (State, error) {
		if current.Mode != ModeHuman {
			return current, nil
		}
		if current.AssignedAgentID != agentID {
			return State{}, apperrors.New(apperrors.CodeOperationNotAllowed, "only the assigned agent can release the room")
		}
		current.Mode = ModeAI
		current.AssignedAgentID = ""
		current.UpdatedAt = c.now().UTC()
		return current, nil
	})
}

// Switch applies a requested transition on behalf of agentID.
func (c *Controller) Switch(ctx context.Context, roomID, agentID string, target Mode) (State, error) {
	switch target {
	case ModeHuman:
		return c.Takeover(ctx, roomID, agentID)
	case ModeAI:
		return c.Release(ctx, roomID, agentID)
	default:
		return State{}, apperrors.New(apperrors.CodeInvalidPayload, fmt.Sprintf("unknown mode %q", target))
	}
}

// MemoryStore keeps room states in process, one lock per room.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	mu    sync.Mutex
	state State
	set   bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]*memoryRoom)}
}

func (s *MemoryStore) room(roomID string) *memoryRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		r = &memoryRoom{}
		s.rooms[roomID] = r
	}
	return r
}

// Get returns the state of roomID.
func (s *MemoryStore) Get(ctx context.Context, roomID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		return DefaultState(roomID), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.set {
		return DefaultState(roomID), nil
	}
	return r.state, nil
}

// Update applies fn under the room lock.
func (s *MemoryStore) Update(ctx context.Context, roomID string, fn func(State) (State, error)) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	r := s.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	current := DefaultState(roomID)
	if r.set {
		current = r.state
	}
	next, err := fn(current)
	if err != nil {
		return State{}, err
	}
	next.RoomID = roomID
	r.state = next
	r.set = true
	return next, nil
}
