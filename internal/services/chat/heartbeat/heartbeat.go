// Package heartbeat pings room connections and evicts the silent ones.
//
// One sweeper goroutine runs per room while the room has connections. Each
// sweep evicts connections whose last proof of life is at least Timeout old
// and pings the rest, so a peer that stops answering right after a pong is
// evicted one interval plus one timeout later.
package heartbeat

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/louisbranch/kbchat/internal/platform/timeouts"
	"github.com/louisbranch/kbchat/internal/services/chat/presence"
	"github.com/louisbranch/kbchat/internal/services/chat/protocol"
	"github.com/louisbranch/kbchat/internal/services/chat/registry"
)

// Eviction reasons.
const (
	ReasonTimeout    = "heartbeat timeout"
	ReasonPingFailed = "ping failed"
	ReasonLeaseLost  = "presence lease lost"
)

// Config holds the liveness settings.
type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	MaxRetryAttempts int
}

// Connections lists the live connections of a room.
type Connections interface {
	Lookup(roomID string) []*registry.Connection
	IsEmpty(roomID string) bool
}

// Evictor tears down a dead connection through the hub's single
// cancellation path.
type Evictor interface {
	Evict(conn *registry.Connection, reason string)
}

// Monitor owns the per-room sweepers and ping failure counters.
type Monitor struct {
	cfg      Config
	conns    Connections
	presence presence.Store
	evictor  Evictor
	nodeID   string
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	failuresMu sync.Mutex
	failures   map[*registry.Connection]int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithPresence refreshes and checks presence leases during sweeps.
func WithPresence(store presence.Store, nodeID string) Option {
	return func(m *Monitor) {
		m.presence = store
		m.nodeID = nodeID
	}
}

// New creates a monitor. Sweepers start on the first Ensure.
func New(cfg Config, conns Connections, evictor Evictor, opts ...Option) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		cfg:      cfg,
		conns:    conns,
		evictor:  evictor,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		rooms:    make(map[string]context.CancelFunc),
		failures: make(map[*registry.Connection]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure starts the sweeper for roomID if it is not running.
func (m *Monitor) Ensure(roomID string) {
	if m == nil || m.cfg.Interval <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.rooms[roomID]; ok {
		return
	}
	roomCtx, cancel := context.WithCancel(m.ctx)
	m.rooms[roomID] = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(roomCtx, roomID)
	}()
}

// Release stops the sweeper for roomID once the room has no connections.
func (m *Monitor) Release(roomID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.rooms[roomID]
	if !ok || !m.conns.IsEmpty(roomID) {
		return
	}
	delete(m.rooms, roomID)
	cancel()
}

// Watching reports whether a sweeper runs for roomID.
func (m *Monitor) Watching(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[roomID]
	return ok
}

// Close stops every sweeper and waits for them to exit.
func (m *Monitor) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.closed = true
	for roomID, cancel := range m.rooms {
		cancel()
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// Touch records proof of life from conn and renews its presence lease.
func (m *Monitor) Touch(ctx context.Context, conn *registry.Connection) {
	now := m.now()
	conn.Touch(now)
	m.failuresMu.Lock()
	delete(m.failures, conn)
	m.failuresMu.Unlock()
	m.renewLease(ctx, conn, now)
}

// Forget drops the monitor's state for conn. The hub calls it while
// detaching.
func (m *Monitor) Forget(conn *registry.Connection) {
	if m == nil {
		return
	}
	m.failuresMu.Lock()
	delete(m.failures, conn)
	m.failuresMu.Unlock()
}

func (m *Monitor) run(ctx context.Context, roomID string) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, roomID)
		}
	}
}

// Sweep runs one liveness pass over roomID.
func (m *Monitor) Sweep(ctx context.Context, roomID string) {
	now := m.now()
	ping, err := protocol.Encode(protocol.Frame{Type: protocol.TypePing})
	if err != nil {
		log.Printf("heartbeat: encode ping: %v", err)
		return
	}
	for _, conn := range m.conns.Lookup(roomID) {
		if now.Sub(conn.LastHeartbeat()) >= m.cfg.Timeout {
			m.evict(conn, ReasonTimeout)
			continue
		}
		if m.leaseLost(ctx, conn) {
			m.evict(conn, ReasonLeaseLost)
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, timeouts.SocketWrite)
		err := conn.Send(sendCtx, ping)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, registry.ErrConnectionClosed) {
			continue
		}
		m.failuresMu.Lock()
		m.failures[conn]++
		failures := m.failures[conn]
		m.failuresMu.Unlock()
		log.Printf("heartbeat: ping room=%q client=%q failed (%d/%d): %v", roomID, conn.ClientID, failures, m.cfg.MaxRetryAttempts, err)
		if failures > m.cfg.MaxRetryAttempts {
			m.evict(conn, ReasonPingFailed)
		}
	}
}

func (m *Monitor) evict(conn *registry.Connection, reason string) {
	log.Printf("heartbeat: evicting room=%q client=%q: %s", conn.RoomID, conn.ClientID, reason)
	m.Forget(conn)
	if m.evictor != nil {
		m.evictor.Evict(conn, reason)
	}
}

func (m *Monitor) leaseLost(ctx context.Context, conn *registry.Connection) bool {
	if m.presence == nil {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, timeouts.PresenceCall)
	defer cancel()
	_, err := m.presence.Get(callCtx, conn.RoomID, conn.ClientID)
	if errors.Is(err, presence.ErrNotFound) {
		return true
	}
	if err != nil {
		// An unreachable store says nothing about this peer.
		log.Printf("heartbeat: presence lookup room=%q client=%q: %v", conn.RoomID, conn.ClientID, err)
	}
	return false
}

func (m *Monitor) renewLease(ctx context.Context, conn *registry.Connection, now time.Time) {
	if m.presence == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, timeouts.PresenceCall)
	defer cancel()
	if err := m.presence.Put(callCtx, LeaseRecord(conn, m.nodeID, now), m.cfg.Timeout); err != nil {
		log.Printf("heartbeat: renew lease room=%q client=%q: %v", conn.RoomID, conn.ClientID, err)
	}
}

// LeaseRecord builds the presence record for conn.
func LeaseRecord(conn *registry.Connection, nodeID string, now time.Time) presence.Record {
	return presence.Record{
		RoomID:          conn.RoomID,
		ClientID:        conn.ClientID,
		Role:            string(conn.Role),
		NodeID:          nodeID,
		ConnectedAt:     conn.ConnectedAt,
		LastHeartbeatAt: now,
	}
}
