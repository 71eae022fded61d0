package server

import (
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	apperrors "github.com/louisbranch/kbchat/internal/platform/errors"
	"github.com/louisbranch/kbchat/internal/services/chat/answer"
	"github.com/louisbranch/kbchat/internal/services/chat/broadcast"
	"github.com/louisbranch/kbchat/internal/services/chat/collab"
	"github.com/louisbranch/kbchat/internal/services/chat/dispatch"
	"github.com/louisbranch/kbchat/internal/services/chat/heartbeat"
	"github.com/louisbranch/kbchat/internal/services/chat/hub"
	"github.com/louisbranch/kbchat/internal/services/chat/mode"
	"github.com/louisbranch/kbchat/internal/services/chat/presence"
	"github.com/louisbranch/kbchat/internal/services/chat/registry"
	"github.com/louisbranch/kbchat/internal/services/chat/session"
	"github.com/louisbranch/kbchat/internal/services/chat/storage/memory"
)

// runtimeDeps are the stores and collaborators behind one chat runtime.
// journal may be nil.
type runtimeDeps struct {
	history  collab.HistoryStore
	journal  session.Journal
	modes    mode.Store
	presence presence.Store
	answers  collab.AnswerGenerator
}

// chatRuntime wires the connection lifecycle, delivery and dispatch for one
// process.
type chatRuntime struct {
	registry    *registry.Registry
	sessions    *session.Manager
	modes       *mode.Controller
	hub         *hub.Hub
	broadcaster *broadcast.Broadcaster
	dispatcher  *dispatch.Dispatcher

	heartbeatInterval int
}

func newChatRuntime(config Config, deps runtimeDeps) *chatRuntime {
	reg := registry.New()
	sessionOpts := []session.Option{
		session.WithTTL(config.SessionTTL),
		session.WithReleaser(deps.presence),
	}
	if deps.journal != nil {
		sessionOpts = append(sessionOpts, session.WithJournal(deps.journal))
	}
	sessions := session.NewManager(sessionOpts...)
	modes := mode.NewController(deps.modes, nil)

	h := hub.New(hub.Config{
		NodeID: config.NodeID,
		Heartbeat: heartbeat.Config{
			Interval:         config.HeartbeatInterval,
			Timeout:          config.ConnectionTimeout,
			MaxRetryAttempts: config.MaxRetryAttempts,
		},
	}, reg, sessions, deps.presence)

	b := broadcast.New(reg, h, broadcast.Config{
		MaxRetryAttempts: config.MaxRetryAttempts,
		RetryInterval:    config.RetryInterval,
	})

	d := dispatch.New(dispatch.Config{
		KnowledgeBaseRef: config.KnowledgeBaseRef,
	}, dispatch.Deps{
		Sessions:    sessions,
		Modes:       modes,
		Members:     reg,
		Presence:    deps.presence,
		Broadcaster: b,
		History:     deps.history,
		Answers:     deps.answers,
	})

	return &chatRuntime{
		registry:          reg,
		sessions:          sessions,
		modes:             modes,
		hub:               h,
		broadcaster:       b,
		dispatcher:        d,
		heartbeatInterval: int(config.HeartbeatInterval.Seconds()),
	}
}

func (c *chatRuntime) close() {
	c.dispatcher.Close()
	c.hub.Close()
}

// memoryDeps backs a runtime with in-process stores only.
func memoryDeps() runtimeDeps {
	return runtimeDeps{
		history:  memory.NewHistory(nil),
		modes:    mode.NewMemoryStore(),
		presence: presence.NewMemoryStore(nil),
		answers:  answer.Disabled{},
	}
}

// NewHandler creates chat routes for tests and offline paths. Identities are
// read from query parameters and every store is in memory.
func NewHandler() http.Handler {
	return newHandler(queryAuthorizer{}, newChatRuntime(Config{}.normalized(), memoryDeps()), nil)
}

// NewHandlerWithAuthorizer creates chat routes that admit connections
// through authorizer, backed by in-memory stores.
func NewHandlerWithAuthorizer(authorizer wsAuthorizer) http.Handler {
	return newHandler(authorizer, newChatRuntime(Config{}.normalized(), memoryDeps()), nil)
}

func newHandler(authorizer wsAuthorizer, chat *chatRuntime, allowedOrigins []string) http.Handler {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if authorizer == nil {
			http.Error(w, "websocket admission is not configured", http.StatusServiceUnavailable)
			return
		}

		admission, err := authorizer.Admit(r)
		if err != nil {
			log.Printf("chat: websocket rejected host=%q remote=%s path=%q: %v", r.Host, r.RemoteAddr, r.URL.Path, err)
			if apperrors.CodeOf(err) == apperrors.CodeInvalidPayload {
				http.Error(w, "room_id and client_id are required", http.StatusBadRequest)
				return
			}
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("chat: websocket upgrade remote=%s: %v", r.RemoteAddr, err)
			return
		}
		chat.serveConn(r.Context(), conn, admission)
	})

	return mux
}

// originChecker returns nil (same-origin only) when allowed is empty. A "*"
// entry accepts every origin.
func originChecker(allowed []string) func(*http.Request) bool {
	hosts := make(map[string]bool)
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		hosts[strings.ToLower(strings.TrimSuffix(origin, "/"))] = true
	}
	if len(hosts) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return hosts[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
	}
}
