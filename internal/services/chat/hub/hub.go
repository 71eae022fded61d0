// Package hub attaches transport sockets to rooms and owns the one path that
// tears a connection down.
//
// Every disconnect, whether a client close, a policy violation, a heartbeat
// eviction or a failed delivery, goes through Detach. Detach unregisters the
// connection, stops watching it, closes its session and drops its presence
// lease. The last two steps are skipped when a newer connection already holds
// the same key, so a replaced socket can never close its successor's session.
package hub

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/kbchat/internal/platform/timeouts"
	"github.com/louisbranch/kbchat/internal/services/chat/heartbeat"
	"github.com/louisbranch/kbchat/internal/services/chat/presence"
	"github.com/louisbranch/kbchat/internal/services/chat/protocol"
	"github.com/louisbranch/kbchat/internal/services/chat/registry"
	"github.com/louisbranch/kbchat/internal/services/chat/session"
)

const keyLockStripes = 64

// Config holds hub settings.
type Config struct {
	NodeID    string
	Heartbeat heartbeat.Config
}

// Admission is the identity a transport proved while connecting.
type Admission struct {
	RoomID     string
	ClientID   string
	EndUserRef string
	AgentRef   string
}

// Attachment is the result of a successful Attach.
type Attachment struct {
	Conn     *registry.Connection
	Identity session.Identity
	Session  session.Session
}

// Hub composes the registry, session manager, presence mirror and heartbeat
// monitor.
type Hub struct {
	registry *registry.Registry
	sessions *session.Manager
	presence presence.Store
	monitor  *heartbeat.Monitor
	nodeID   string

	keyLocks [keyLockStripes]sync.Mutex
}

// Option configures a Hub.
type Option func(*hubOptions)

type hubOptions struct {
	now func() time.Time
}

// WithClock overrides the heartbeat time source.
func WithClock(now func() time.Time) Option {
	return func(o *hubOptions) { o.now = now }
}

// New creates a hub. store may be nil, in which case no presence is mirrored.
func New(cfg Config, reg *registry.Registry, sessions *session.Manager, store presence.Store, opts ...Option) *Hub {
	options := hubOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	h := &Hub{
		registry: reg,
		sessions: sessions,
		presence: store,
		nodeID:   strings.TrimSpace(cfg.NodeID),
	}
	monitorOpts := []heartbeat.Option{heartbeat.WithClock(options.now)}
	if store != nil {
		monitorOpts = append(monitorOpts, heartbeat.WithPresence(store, h.nodeID))
	}
	h.monitor = heartbeat.New(cfg.Heartbeat, reg, h, monitorOpts...)
	return h
}

// Monitor exposes the heartbeat monitor for sweeps and tests.
func (h *Hub) Monitor() *heartbeat.Monitor {
	return h.monitor
}

// Attach validates the admission, opens or resumes the session and registers
// socket. A connection already holding the key is closed with CloseReplaced.
func (h *Hub) Attach(ctx context.Context, adm Admission, socket registry.Socket) (*Attachment, error) {
	roomID := strings.TrimSpace(adm.RoomID)
	clientID := strings.TrimSpace(adm.ClientID)
	if socket == nil || socket.Closed() {
		return nil, registry.ErrConnectionClosed
	}

	identity, err := h.sessions.CreateOrUpdateIdentity(clientID, adm.EndUserRef, adm.AgentRef)
	if err != nil {
		return nil, err
	}
	role := registry.RoleEndUser
	if identity.IsAgent() {
		role = registry.RoleAgent
	}

	unlock := h.lockKey(roomID, clientID)
	sess, err := h.sessions.CreateSession(roomID, identity.ID, clientID)
	if err != nil {
		unlock()
		return nil, err
	}
	conn, previous, err := h.registry.Replace(roomID, clientID, socket, role)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("register connection: %w", err)
	}
	h.monitor.Touch(ctx, conn)
	unlock()

	if previous != nil {
		log.Printf("hub: replacing connection room=%q client=%q", roomID, clientID)
		h.Detach(previous, protocol.CloseReplaced, "replaced by a newer connection")
	}
	h.monitor.Ensure(roomID)
	return &Attachment{Conn: conn, Identity: identity, Session: sess}, nil
}

// Touch records proof of life for conn.
func (h *Hub) Touch(ctx context.Context, conn *registry.Connection) {
	h.monitor.Touch(ctx, conn)
}

// Detach is the single cancellation path for a connection. It is safe to
// call more than once and from several goroutines.
func (h *Hub) Detach(conn *registry.Connection, code int, reason string) {
	if conn == nil {
		return
	}
	unlock := h.lockKey(conn.RoomID, conn.ClientID)
	if h.registry.Remove(conn) {
		h.sessions.CloseSession(conn.RoomID, conn.ClientID)
		if h.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeouts.PresenceCall)
			if err := h.presence.Remove(ctx, conn.RoomID, conn.ClientID); err != nil {
				log.Printf("hub: remove presence room=%q client=%q: %v", conn.RoomID, conn.ClientID, err)
			}
			cancel()
		}
	}
	unlock()
	h.monitor.Forget(conn)
	h.monitor.Release(conn.RoomID)

	if err := conn.Close(code, reason); err != nil {
		log.Printf("hub: close socket room=%q client=%q: %v", conn.RoomID, conn.ClientID, err)
	}
}

// Evict detaches a connection that stopped responding.
func (h *Hub) Evict(conn *registry.Connection, reason string) {
	h.Detach(conn, protocol.CloseGoingAway, reason)
}

// lockKey serializes attach and detach for one (room, client) key.
func (h *Hub) lockKey(roomID, clientID string) func() {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(roomID))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(clientID))
	mu := &h.keyLocks[hasher.Sum32()%keyLockStripes]
	mu.Lock()
	return mu.Unlock
}

// Close detaches every connection and stops the heartbeat sweepers.
func (h *Hub) Close() {
	for _, roomID := range h.registry.Rooms() {
		for _, conn := range h.registry.Lookup(roomID) {
			h.Detach(conn, protocol.CloseGoingAway, "server shutting down")
		}
	}
	h.monitor.Close()
}
