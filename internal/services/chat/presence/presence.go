// Package presence mirrors local connections into a shared store so transport
// nodes can discover each other's clients. The mirror is never used to decide
// delivery; the local registry is authoritative for that.
package presence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Get when no fresh record exists.
var ErrNotFound = errors.New("presence record not found")

// Record is the soft lease a node holds for one connection.
type Record struct {
	RoomID          string    `json:"room_id"`
	ClientID        string    `json:"client_id"`
	Role            string    `json:"role"`
	NodeID          string    `json:"node_id,omitempty"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Store is a key/value mirror with per-record TTL.
type Store interface {
	Put(ctx context.Context, record Record, ttl time.Duration) error
	Get(ctx context.Context, roomID, clientID string) (Record, error)
	Scan(ctx context.Context, roomID string) ([]Record, error)
	Remove(ctx context.Context, roomID, clientID string) error
	Ping(ctx context.Context) error
}

// Validate checks that a record carries its key.
func (r Record) Validate() error {
	if strings.TrimSpace(r.RoomID) == "" {
		return errors.New("room id is required")
	}
	if strings.TrimSpace(r.ClientID) == "" {
		return errors.New("client id is required")
	}
	return nil
}

type entry struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]entry
	now   func() time.Time
}

// NewMemoryStore creates an empty store. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		rooms: make(map[string]map[string]entry),
		now:   now,
	}
}

// Put stores record until ttl elapses. A non-positive ttl never expires.
func (s *MemoryStore) Put(ctx context.Context, record Record, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := record.Validate(); err != nil {
		return err
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	clients, ok := s.rooms[record.RoomID]
	if !ok {
		clients = make(map[string]entry)
		s.rooms[record.RoomID] = clients
	}
	clients[record.ClientID] = entry{record: record, expiresAt: expiresAt}
	return nil
}

// Get returns the fresh record for (roomID, clientID) or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, roomID, clientID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[roomID][clientID]
	if !ok || e.expired(now) {
		return Record{}, ErrNotFound
	}
	return e.record, nil
}

// Scan lists fresh records for roomID ordered by client id.
func (s *MemoryStore) Scan(ctx context.Context, roomID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()

	s.mu.Lock()
	records := make([]Record, 0, len(s.rooms[roomID]))
	for clientID, e := range s.rooms[roomID] {
		if e.expired(now) {
			delete(s.rooms[roomID], clientID)
			continue
		}
		records = append(records, e.record)
	}
	if len(s.rooms[roomID]) == 0 {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ClientID < records[j].ClientID })
	return records, nil
}

// Remove deletes the record for (roomID, clientID). Missing keys are ignored.
func (s *MemoryStore) Remove(ctx context.Context, roomID, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clients, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(s.rooms, roomID)
	}
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
