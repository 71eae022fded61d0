// Package registry tracks the live sockets attached to each chat room.
//
// The registry is the only holder of socket references. Every other
// component addresses a connection by its (room, client) key and reaches the
// socket through a *Connection obtained here.
package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
)

// ErrConnectionClosed is returned when sending on a connection that was
// unregistered or replaced.
var ErrConnectionClosed = errors.New("connection closed")

// Role identifies the actor kind behind a connection.
type Role string

const (
	RoleEndUser Role = "end_user"
	RoleAgent   Role = "agent"
)

// Socket is the transport handle owned by a connection.
type Socket interface {
	Send(ctx context.Context, data []byte) error
	Close(code int, reason string) error
	Closed() bool
}

// Connection is one registered socket. It stops accepting sends once it is
// removed from the registry and is never reused.
type Connection struct {
	RoomID      string
	ClientID    string
	Role        Role
	ConnectedAt time.Time

	socket     Socket
	generation uint64

	mu            sync.Mutex
	lastHeartbeat time.Time
	alive         bool
}

// Generation orders connections registered for the same key.
func (c *Connection) Generation() uint64 {
	return c.generation
}

// Alive reports whether the connection is still registered.
func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// LastHeartbeat returns the last time the peer proved liveness.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Touch records peer liveness at now. Touching a dead connection is a no-op.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	if c.alive && now.After(c.lastHeartbeat) {
		c.lastHeartbeat = now
	}
	c.mu.Unlock()
}

// Send writes one encoded frame to the socket.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	if !c.Alive() {
		return ErrConnectionClosed
	}
	return c.socket.Send(ctx, data)
}

// Close closes the underlying socket with a WebSocket close code.
func (c *Connection) Close(code int, reason string) error {
	return c.socket.Close(code, reason)
}

// retire marks the connection dead and reports whether it was alive.
func (c *Connection) retire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.alive
	c.alive = false
	return was
}

type room struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	dropped bool
}

// Registry maps room -> client -> connection with one lock per room.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room

	generation atomic.Uint64
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for connect and heartbeat stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lockRoom returns the room for roomID locked for writing, creating it when
// create is set. A room dropped concurrently is retried.
func (r *Registry) lockRoom(roomID string, create bool) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[roomID]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			rm = &room{conns: make(map[string]*Connection)}
			r.rooms[roomID] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.dropped {
			return rm
		}
		rm.mu.Unlock()
	}
}

// unlockRoom releases rm, dropping it from the index when it is empty.
func (r *Registry) unlockRoom(roomID string, rm *room) {
	if len(rm.conns) > 0 {
		rm.mu.Unlock()
		return
	}
	rm.dropped = true
	rm.mu.Unlock()

	r.mu.Lock()
	if r.rooms[roomID] == rm {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
}

func (r *Registry) newConnection(roomID, clientID string, socket Socket, role Role) *Connection {
	now := r.now()
	return &Connection{
		RoomID:        roomID,
		ClientID:      clientID,
		Role:          role,
		ConnectedAt:   now,
		socket:        socket,
		generation:    r.generation.Add(1),
		lastHeartbeat: now,
		alive:         true,
	}
}

func validateKey(roomID, clientID string, socket Socket) error {
	if strings.TrimSpace(roomID) == "" {
		return apperrors.New(apperrors.CodeInvalidIdentity, "room id is required")
	}
	if strings.TrimSpace(clientID) == "" {
		return apperrors.New(apperrors.CodeInvalidIdentity, "client id is required")
	}
	if socket == nil || socket.Closed() {
		return ErrConnectionClosed
	}
	return nil
}

// Register adds a connection for (roomID, clientID). It fails with a
// DUPLICATE_CONNECTION error when a live connection already holds the key.
func (r *Registry) Register(roomID, clientID string, socket Socket, role Role) (*Connection, error) {
	if err := validateKey(roomID, clientID, socket); err != nil {
		return nil, err
	}
	rm := r.lockRoom(roomID, true)
	defer r.unlockRoom(roomID, rm)

	if existing, ok := rm.conns[clientID]; ok && existing.Alive() {
		return nil, apperrors.WithMetadata(apperrors.CodeDuplicateConnection, "connection already registered", map[string]string{
			"room_id":   roomID,
			"client_id": clientID,
		})
	}
	conn := r.newConnection(roomID, clientID, socket, role)
	rm.conns[clientID] = conn
	return conn, nil
}

// Replace registers a connection for (roomID, clientID), retiring any
// connection already holding the key. The retired connection is returned so
// the caller can close its socket.
func (r *Registry) Replace(roomID, clientID string, socket Socket, role Role) (*Connection, *Connection, error) {
	if err := validateKey(roomID, clientID, socket); err != nil {
		return nil, nil, err
	}
	rm := r.lockRoom(roomID, true)
	defer r.unlockRoom(roomID, rm)

	previous := rm.conns[clientID]
	if previous != nil {
		previous.retire()
	}
	conn := r.newConnection(roomID, clientID, socket, role)
	rm.conns[clientID] = conn
	return conn, previous, nil
}

// Unregister removes whatever connection holds (roomID, clientID). Removing a
// missing key is not an error; the removed connection, if any, is returned.
func (r *Registry) Unregister(roomID, clientID string) *Connection {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return nil
	}
	defer r.unlockRoom(roomID, rm)

	conn, ok := rm.conns[clientID]
	if !ok {
		return nil
	}
	delete(rm.conns, clientID)
	conn.retire()
	return conn
}

// Remove unregisters conn only if it still holds its key. It reports whether
// conn was the registered connection. conn is retired either way.
func (r *Registry) Remove(conn *Connection) bool {
	if conn == nil {
		return false
	}
	conn.retire()

	rm := r.lockRoom(conn.RoomID, false)
	if rm == nil {
		return false
	}
	defer r.unlockRoom(conn.RoomID, rm)

	if rm.conns[conn.ClientID] != conn {
		return false
	}
	delete(rm.conns, conn.ClientID)
	return true
}

// Get returns the connection registered for (roomID, clientID).
func (r *Registry) Get(roomID, clientID string) (*Connection, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	conn, ok := rm.conns[clientID]
	if !ok || !conn.Alive() {
		return nil, false
	}
	return conn, true
}

// Lookup returns a snapshot of the live connections in roomID.
func (r *Registry) Lookup(roomID string) []*Connection {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	conns := make([]*Connection, 0, len(rm.conns))
	for _, conn := range rm.conns {
		if conn.Alive() {
			conns = append(conns, conn)
		}
	}
	return conns
}

// IsEmpty reports whether roomID has no registered connections.
func (r *Registry) IsEmpty(roomID string) bool {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return true
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.conns) == 0
}

// Rooms lists the room ids that currently hold connections.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms))
	for roomID := range r.rooms {
		ids = append(ids, roomID)
	}
	return ids
}
