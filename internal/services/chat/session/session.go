// Package session binds transport clients to logical identities and room
// memberships with an expiry.
package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
	"github.com/louisbranch/kbchat/internal/platform/id"
	"github.com/louisbranch/kbchat/internal/platform/timeouts"
)

// DefaultTTL is the session lifetime extended on every activity.
const DefaultTTL = 30 * time.Minute

// Identity is the logical actor behind one or more client connections.
type Identity struct {
	ID           string    `json:"identity_id"`
	ClientID     string    `json:"client_id"`
	EndUserRef   string    `json:"end_user_ref,omitempty"`
	AgentRef     string    `json:"agent_ref,omitempty"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// IsAgent reports whether the identity is a human agent.
func (i Identity) IsAgent() bool {
	return i.AgentRef != ""
}

// Ref returns whichever external reference the identity carries.
func (i Identity) Ref() string {
	if i.AgentRef != "" {
		return i.AgentRef
	}
	return i.EndUserRef
}

// Session is one membership of a client in a room.
type Session struct {
	ID         string     `json:"session_id"`
	RoomID     string     `json:"room_id"`
	IdentityID string     `json:"identity_id"`
	ClientID   string     `json:"client_id"`
	JoinedAt   time.Time  `json:"joined_at"`
	LeftAt     *time.Time `json:"left_at,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Active reports whether the session is open and unexpired at now. A session
// is still valid at exactly ExpiresAt.
func (s Session) Active(now time.Time) bool {
	return s.LeftAt == nil && !now.After(s.ExpiresAt)
}

// Journal records session transitions for audit. Failures are logged and do
// not affect the in-memory state.
type Journal interface {
	RecordSession(ctx context.Context, s Session) error
}

// Releaser drops the presence lease of a closed session.
type Releaser interface {
	Remove(ctx context.Context, roomID, clientID string) error
}

type identityKey struct {
	clientID string
	ref      string
	agent    bool
}

type sessionKey struct {
	roomID   string
	clientID string
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
	dropped  bool
}

// Manager owns identities and sessions. Sessions are sharded by room so one
// room's traffic never waits on another's.
type Manager struct {
	ttl      time.Duration
	now      func() time.Time
	journal  Journal
	releaser Releaser

	identityMu   sync.Mutex
	identities   map[string]*Identity
	identityByID map[identityKey]string

	roomsMu sync.Mutex
	rooms   map[string]*shard
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithJournal records session transitions.
func WithJournal(journal Journal) Option {
	return func(m *Manager) { m.journal = journal }
}

// WithReleaser releases presence leases when expired sessions are swept.
func WithReleaser(releaser Releaser) Option {
	return func(m *Manager) { m.releaser = releaser }
}

// NewManager creates a manager with the given options.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		ttl:          DefaultTTL,
		now:          time.Now,
		identities:   make(map[string]*Identity),
		identityByID: make(map[identityKey]string),
		rooms:        make(map[string]*shard),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOrUpdateIdentity looks up the identity for (clientID, ref), creating
// it when missing, and stamps its activity time. Exactly one of endUserRef and
// agentRef must be set.
func (m *Manager) CreateOrUpdateIdentity(clientID, endUserRef, agentRef string) (Identity, error) {
	clientID = strings.TrimSpace(clientID)
	endUserRef = strings.TrimSpace(endUserRef)
	agentRef = strings.TrimSpace(agentRef)
	if clientID == "" {
		return Identity{}, apperrors.New(apperrors.CodeInvalidIdentity, "client id is required")
	}
	if (endUserRef == "") == (agentRef == "") {
		return Identity{}, apperrors.New(apperrors.CodeInvalidIdentity, "exactly one of end_user_ref or agent_ref is required")
	}

	key := identityKey{clientID: clientID, ref: endUserRef, agent: agentRef != ""}
	if key.agent {
		key.ref = agentRef
	}
	now := m.now()

	m.identityMu.Lock()
	defer m.identityMu.Unlock()
	if identityID, ok := m.identityByID[key]; ok {
		identity := m.identities[identityID]
		identity.LastActiveAt = now
		return *identity, nil
	}

	identityID, err := id.NewID()
	if err != nil {
		return Identity{}, apperrors.Wrap(apperrors.CodeInternal, "generate identity id", err)
	}
	identity := &Identity{
		ID:           identityID,
		ClientID:     clientID,
		EndUserRef:   endUserRef,
		AgentRef:     agentRef,
		LastActiveAt: now,
	}
	m.identities[identityID] = identity
	m.identityByID[key] = identityID
	return *identity, nil
}

// Identity returns the identity with identityID.
func (m *Manager) Identity(identityID string) (Identity, bool) {
	m.identityMu.Lock()
	defer m.identityMu.Unlock()
	identity, ok := m.identities[identityID]
	if !ok {
		return Identity{}, false
	}
	return *identity, true
}

// lockShard returns the locked shard for roomID, creating it if needed.
func (m *Manager) lockShard(roomID string) *shard {
	for {
		m.roomsMu.Lock()
		s, ok := m.rooms[roomID]
		if !ok {
			s = &shard{sessions: make(map[string]*Session)}
			m.rooms[roomID] = s
		}
		m.roomsMu.Unlock()

		s.mu.Lock()
		if !s.dropped {
			return s
		}
		s.mu.Unlock()
	}
}

func (m *Manager) existingShard(roomID string) *shard {
	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()
	return m.rooms[roomID]
}

// CreateSession attaches clientID to roomID. An active session for the same
// key and identity is returned unchanged instead of being duplicated.
func (m *Manager) CreateSession(roomID, identityID, clientID string) (Session, error) {
	roomID = strings.TrimSpace(roomID)
	clientID = strings.TrimSpace(clientID)
	if roomID == "" || clientID == "" || strings.TrimSpace(identityID) == "" {
		return Session{}, apperrors.New(apperrors.CodeInvalidIdentity, "room, identity and client ids are required")
	}
	if _, ok := m.Identity(identityID); !ok {
		return Session{}, apperrors.New(apperrors.CodeInvalidIdentity, "unknown identity")
	}
	now := m.now()

	s := m.lockShard(roomID)
	var closed *Session
	if existing, ok := s.sessions[clientID]; ok && existing.Active(now) {
		if existing.IdentityID == identityID {
			current := *existing
			s.mu.Unlock()
			return current, nil
		}
		leftAt := now
		existing.LeftAt = &leftAt
		snapshot := *existing
		closed = &snapshot
	}

	sessionID, err := id.NewID()
	if err != nil {
		s.mu.Unlock()
		return Session{}, apperrors.Wrap(apperrors.CodeInternal, "generate session id", err)
	}
	created := &Session{
		ID:         sessionID,
		RoomID:     roomID,
		IdentityID: identityID,
		ClientID:   clientID,
		JoinedAt:   now,
		ExpiresAt:  now.Add(m.ttl),
	}
	s.sessions[clientID] = created
	current := *created
	s.mu.Unlock()

	if closed != nil {
		m.record(*closed)
	}
	m.record(current)
	return current, nil
}

// Get returns the latest session for (roomID, clientID), open or closed.
func (m *Manager) Get(roomID, clientID string) (Session, bool) {
	s := m.existingShard(roomID)
	if s == nil {
		return Session{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[clientID]
	if !ok {
		return Session{}, false
	}
	return *existing, true
}

// ValidateSession reports whether an active, unexpired session exists for
// (roomID, clientID) and belongs to the identity carrying expectedRef.
func (m *Manager) ValidateSession(roomID, clientID, expectedRef string) bool {
	expectedRef = strings.TrimSpace(expectedRef)
	if expectedRef == "" {
		return false
	}
	current, ok := m.Get(roomID, clientID)
	if !ok || !current.Active(m.now()) {
		return false
	}
	identity, ok := m.Identity(current.IdentityID)
	if !ok {
		return false
	}
	return identity.Ref() == expectedRef
}

// Touch extends an active session's expiry and refreshes its identity's
// activity time. It reports whether the session was active.
func (m *Manager) Touch(roomID, clientID string) bool {
	s := m.existingShard(roomID)
	if s == nil {
		return false
	}
	now := m.now()

	s.mu.Lock()
	existing, ok := s.sessions[clientID]
	if !ok || !existing.Active(now) {
		s.mu.Unlock()
		return false
	}
	existing.ExpiresAt = now.Add(m.ttl)
	identityID := existing.IdentityID
	s.mu.Unlock()

	m.identityMu.Lock()
	if identity, ok := m.identities[identityID]; ok {
		identity.LastActiveAt = now
	}
	m.identityMu.Unlock()
	return true
}

// CloseSession sets LeftAt on the open session for (roomID, clientID). The
// session is kept for audit. Closing a closed or missing session is a no-op.
func (m *Manager) CloseSession(roomID, clientID string) {
	s := m.existingShard(roomID)
	if s == nil {
		return
	}
	now := m.now()

	s.mu.Lock()
	existing, ok := s.sessions[clientID]
	if !ok || existing.LeftAt != nil {
		s.mu.Unlock()
		return
	}
	existing.LeftAt = &now
	closed := *existing
	s.mu.Unlock()

	m.record(closed)
}

// CleanupExpiredSessions closes every session whose expiry has passed,
// releases its presence lease and returns the sessions it closed.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) []Session {
	now := m.now()

	m.roomsMu.Lock()
	shards := make(map[string]*shard, len(m.rooms))
	for roomID, s := range m.rooms {
		shards[roomID] = s
	}
	m.roomsMu.Unlock()

	var closed []Session
	for _, s := range shards {
		s.mu.Lock()
		for _, existing := range s.sessions {
			if existing.LeftAt != nil || !now.After(existing.ExpiresAt) {
				continue
			}
			leftAt := now
			existing.LeftAt = &leftAt
			closed = append(closed, *existing)
		}
		s.mu.Unlock()
	}

	for _, sess := range closed {
		m.record(sess)
		if m.releaser == nil {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, timeouts.PresenceCall)
		if err := m.releaser.Remove(callCtx, sess.RoomID, sess.ClientID); err != nil {
			log.Printf("session: release presence room=%q client=%q: %v", sess.RoomID, sess.ClientID, err)
		}
		cancel()
	}
	m.pruneRooms()
	return closed
}

// pruneRooms drops shards whose sessions have all been closed for longer than
// one TTL.
func (m *Manager) pruneRooms() {
	cutoff := m.now().Add(-m.ttl)

	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()
	for roomID, s := range m.rooms {
		s.mu.Lock()
		for clientID, existing := range s.sessions {
			if existing.LeftAt != nil && existing.LeftAt.Before(cutoff) {
				delete(s.sessions, clientID)
			}
		}
		if len(s.sessions) == 0 {
			s.dropped = true
			delete(m.rooms, roomID)
		}
		s.mu.Unlock()
	}
}

func (m *Manager) record(sess Session) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.Collaborator)
	defer cancel()
	if err := m.journal.RecordSession(ctx, sess); err != nil {
		log.Printf("session: record session=%q room=%q: %v", sess.ID, sess.RoomID, err)
	}
}
