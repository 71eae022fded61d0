// Package server hosts the chat WebSocket endpoint and its gRPC health surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"

	platformgrpc "github.com/louisbranch/kbchat/internal/platform/grpc"
	"github.com/louisbranch/kbchat/internal/platform/timeouts"
	"github.com/louisbranch/kbchat/internal/services/chat/answer"
	"github.com/louisbranch/kbchat/internal/services/chat/collab"
	"github.com/louisbranch/kbchat/internal/services/chat/grant"
	"github.com/louisbranch/kbchat/internal/services/chat/mode"
	"github.com/louisbranch/kbchat/internal/services/chat/presence"
	redisstore "github.com/louisbranch/kbchat/internal/services/chat/presence/redis"
	"github.com/louisbranch/kbchat/internal/services/chat/session"
	"github.com/louisbranch/kbchat/internal/services/chat/storage/memory"
	"github.com/louisbranch/kbchat/internal/services/chat/storage/sqlite"
)

const (
	tokenCookieName = "kb_token"
	tokenQueryParam = "token"

	maxFramePayloadBytes   = 64 * 1024
	maxFrameBytes          = 2 * maxFramePayloadBytes
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	defaultHeartbeatInterval      = 30 * time.Second
	defaultConnectionTimeout      = 60 * time.Second
	defaultRetryInterval          = time.Second
	defaultSessionCleanupInterval = time.Minute

	// HealthService is the gRPC health service name of the transport.
	HealthService = "chat.transport"
)

// Config defines the inputs for the chat transport boundary.
type Config struct {
	HTTPAddr string
	// GRPCAddr serves the health service only. Empty disables it.
	GRPCAddr string
	NodeID   string

	HeartbeatInterval      time.Duration
	ConnectionTimeout      time.Duration
	MaxRetryAttempts       int
	RetryInterval          time.Duration
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration

	// ChatDBPath stores history and the session journal in SQLite. Empty
	// keeps history in memory.
	ChatDBPath string
	// ModeDBPath stores room modes in bbolt. Empty keeps them in memory.
	ModeDBPath string
	// Redis mirrors presence across processes when Redis.Addr is set.
	Redis redisstore.Config

	Grant             grant.Config
	InsecureAdmission bool
	AllowedOrigins    []string

	Answer           answer.Config
	KnowledgeBaseRef string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (c Config) normalized() Config {
	c.HTTPAddr = strings.TrimSpace(c.HTTPAddr)
	c.GRPCAddr = strings.TrimSpace(c.GRPCAddr)
	c.NodeID = strings.TrimSpace(c.NodeID)
	if c.NodeID == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.NodeID = hostname
		}
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = defaultConnectionTimeout
	}
	if c.MaxRetryAttempts < 0 {
		c.MaxRetryAttempts = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = session.DefaultTTL
	}
	if c.SessionCleanupInterval <= 0 {
		c.SessionCleanupInterval = defaultSessionCleanupInterval
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = timeouts.Shutdown
	}
	return c
}

func (c Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http address is required")
	}
	if c.ConnectionTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("connection timeout %s must exceed heartbeat interval %s", c.ConnectionTimeout, c.HeartbeatInterval)
	}
	return nil
}

// Server hosts the chat HTTP/WebSocket process and its health endpoint.
type Server struct {
	httpAddr        string
	grpcAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	grpcServer      *gogrpc.Server
	health          *health.Server
	chat            *chatRuntime
	closers         []io.Closer

	sweeperStop context.CancelFunc
	sweeperDone chan struct{}
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured chat server. ctx bounds the
// startup checks against the stores.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	config = config.normalized()
	if err := config.validate(); err != nil {
		return nil, err
	}

	authorizer, err := newAuthorizer(config)
	if err != nil {
		return nil, err
	}

	s := &Server{
		httpAddr:        config.HTTPAddr,
		grpcAddr:        config.GRPCAddr,
		shutdownTimeout: config.ShutdownTimeout,
	}
	deps, err := s.openStores(ctx, config)
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.chat = newChatRuntime(config, deps)
	s.sweeperStop, s.sweeperDone = startSessionSweeper(s.chat, config.SessionCleanupInterval)
	s.httpServer = &http.Server{
		Addr:              config.HTTPAddr,
		Handler:           newHandler(authorizer, s.chat, config.AllowedOrigins),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.GRPCAddr != "" {
		s.grpcServer, s.health = platformgrpc.NewHealthServer(HealthService)
	}
	return s, nil
}

func newAuthorizer(config Config) (wsAuthorizer, error) {
	if config.InsecureAdmission {
		log.Printf("chat: insecure admission enabled; identities are read from query parameters")
		return queryAuthorizer{}, nil
	}
	verifier, err := grant.NewVerifier(config.Grant)
	if err != nil {
		return nil, fmt.Errorf("configure admission: %w", err)
	}
	return grantAuthorizer{verifier: verifier}, nil
}

// openStores opens every configured store. Stores opened before a failure
// are registered in s.closers.
func (s *Server) openStores(ctx context.Context, config Config) (runtimeDeps, error) {
	var deps runtimeDeps

	if config.ChatDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(config.ChatDBPath), 0o755); err != nil {
			return deps, fmt.Errorf("create chat storage dir: %w", err)
		}
		store, err := sqlite.Open(config.ChatDBPath)
		if err != nil {
			return deps, fmt.Errorf("open chat storage: %w", err)
		}
		s.closers = append(s.closers, store)
		deps.history = store
		deps.journal = store
	} else {
		deps.history = memory.NewHistory(nil)
	}

	if config.ModeDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(config.ModeDBPath), 0o755); err != nil {
			return deps, fmt.Errorf("create mode storage dir: %w", err)
		}
		store, err := mode.OpenBoltStore(config.ModeDBPath)
		if err != nil {
			return deps, fmt.Errorf("open mode storage: %w", err)
		}
		s.closers = append(s.closers, store)
		deps.modes = store
	} else {
		deps.modes = mode.NewMemoryStore()
	}

	if strings.TrimSpace(config.Redis.Addr) != "" {
		store, err := redisstore.Open(config.Redis)
		if err != nil {
			return deps, fmt.Errorf("open presence store: %w", err)
		}
		s.closers = append(s.closers, store)
		deps.presence = store
	} else {
		deps.presence = presence.NewMemoryStore(nil)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeouts.PresenceCall)
	err := deps.presence.Ping(pingCtx)
	cancel()
	if err != nil {
		return deps, fmt.Errorf("presence store unreachable: %w", err)
	}

	deps.answers = newAnswerGenerator(config.Answer)
	return deps, nil
}

func newAnswerGenerator(config answer.Config) collab.AnswerGenerator {
	if !config.Enabled() {
		log.Printf("chat: answer generation is not configured; AI replies will fail with a notification")
		return answer.Disabled{}
	}
	return answer.NewOpenAI(config)
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server, and the gRPC health server when
// configured, until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 2)
	if s.grpcServer != nil {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc %s: %w", s.grpcAddr, err)
		}
		log.Printf("chat health listening on %s", lis.Addr())
		go func() {
			serveErr <- s.grpcServer.Serve(lis)
		}()
	}

	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, gogrpc.ErrServerStopped) {
			return nil
		}
		_ = s.shutdown()
		return fmt.Errorf("serve: %w", err)
	}
}

func (s *Server) shutdown() error {
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close detaches every connection, stops background workers and releases
// the stores.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.sweeperStop != nil {
		s.sweeperStop()
	}
	if s.sweeperDone != nil {
		<-s.sweeperDone
	}
	if s.chat != nil {
		s.chat.close()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	s.closeStores()
}

func (s *Server) closeStores() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			log.Printf("chat: close store: %v", err)
		}
	}
	s.closers = nil
}
