// Package chat parses chat command flags and composes transport entrypoints.
package chat

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/kbchat/internal/platform/cmd"
	platformgrpc "github.com/louisbranch/kbchat/internal/platform/grpc"
	"github.com/louisbranch/kbchat/internal/services/chat/answer"
	server "github.com/louisbranch/kbchat/internal/services/chat/app"
	"github.com/louisbranch/kbchat/internal/services/chat/grant"
	redisstore "github.com/louisbranch/kbchat/internal/services/chat/presence/redis"
)

const healthCheckTimeout = 3 * time.Second

// Config holds chat command configuration.
type Config struct {
	HTTPAddr string `env:"KBCHAT_CHAT_HTTP_ADDR" envDefault:":8086"`
	GRPCAddr string `env:"KBCHAT_CHAT_GRPC_ADDR" envDefault:":8087"`
	NodeID   string `env:"KBCHAT_NODE_ID"`

	HeartbeatIntervalSeconds int           `env:"KBCHAT_HEARTBEAT_INTERVAL_SECONDS" envDefault:"30"`
	ConnectionTimeoutSeconds int           `env:"KBCHAT_CONNECTION_TIMEOUT_SECONDS" envDefault:"60"`
	MaxRetryAttempts         int           `env:"KBCHAT_MAX_RETRY_ATTEMPTS"         envDefault:"3"`
	RetryIntervalSeconds     int           `env:"KBCHAT_RETRY_INTERVAL_SECONDS"     envDefault:"1"`
	SessionTTL               time.Duration `env:"KBCHAT_SESSION_TTL"                envDefault:"30m"`
	SessionCleanupInterval   time.Duration `env:"KBCHAT_SESSION_CLEANUP_INTERVAL"   envDefault:"1m"`

	ChatDBPath     string `env:"KBCHAT_CHAT_DB_PATH"     envDefault:"data/chat.db"`
	ModeDBPath     string `env:"KBCHAT_MODE_DB_PATH"     envDefault:"data/modes.db"`
	RedisAddr      string `env:"KBCHAT_REDIS_ADDR"`
	RedisPassword  string `env:"KBCHAT_REDIS_PASSWORD"`
	RedisDB        int    `env:"KBCHAT_REDIS_DB"         envDefault:"0"`
	RedisKeyPrefix string `env:"KBCHAT_REDIS_KEY_PREFIX" envDefault:"kbchat:presence:"`

	InsecureAdmission bool     `env:"KBCHAT_INSECURE_ADMISSION"`
	AllowedOrigins    []string `env:"KBCHAT_ALLOWED_ORIGINS" envSeparator:","`

	AIResponsesURL   string `env:"KBCHAT_AI_RESPONSES_URL"`
	AIAPIKey         string `env:"KBCHAT_AI_API_KEY"`
	AIModel          string `env:"KBCHAT_AI_MODEL"           envDefault:"gpt-4.1-mini"`
	KnowledgeBaseRef string `env:"KBCHAT_KNOWLEDGE_BASE_REF" envDefault:"default"`

	// HealthCheck queries a running server's gRPC health endpoint and exits.
	HealthCheck bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "node id recorded in presence leases")
	fs.IntVar(&cfg.HeartbeatIntervalSeconds, "heartbeat-interval-seconds", cfg.HeartbeatIntervalSeconds, "seconds between heartbeat pings")
	fs.IntVar(&cfg.ConnectionTimeoutSeconds, "connection-timeout-seconds", cfg.ConnectionTimeoutSeconds, "seconds without proof of life before eviction")
	fs.IntVar(&cfg.MaxRetryAttempts, "max-retry-attempts", cfg.MaxRetryAttempts, "send retries before a recipient is evicted")
	fs.IntVar(&cfg.RetryIntervalSeconds, "retry-interval-seconds", cfg.RetryIntervalSeconds, "base backoff between send retries")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "session lifetime without activity")
	fs.DurationVar(&cfg.SessionCleanupInterval, "session-cleanup-interval", cfg.SessionCleanupInterval, "interval between expired session sweeps")
	fs.StringVar(&cfg.ChatDBPath, "db-path", cfg.ChatDBPath, "SQLite path for history and session audit (empty keeps memory)")
	fs.StringVar(&cfg.ModeDBPath, "mode-db-path", cfg.ModeDBPath, "bbolt path for room modes (empty keeps memory)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for presence (empty keeps memory)")
	fs.BoolVar(&cfg.InsecureAdmission, "insecure-admission", cfg.InsecureAdmission, "admit identities from query parameters (development only)")
	fs.StringVar(&cfg.KnowledgeBaseRef, "knowledge-base-ref", cfg.KnowledgeBaseRef, "knowledge base passed to the answer generator")
	fs.BoolVar(&cfg.HealthCheck, "healthcheck", false, "check the gRPC health endpoint and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.HeartbeatIntervalSeconds <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.ConnectionTimeoutSeconds <= c.HeartbeatIntervalSeconds {
		return fmt.Errorf("connection timeout (%ds) must exceed heartbeat interval (%ds)", c.ConnectionTimeoutSeconds, c.HeartbeatIntervalSeconds)
	}
	if c.MaxRetryAttempts < 0 {
		return errors.New("max retry attempts must be >= 0")
	}
	if c.RetryIntervalSeconds < 0 {
		return errors.New("retry interval must be >= 0")
	}
	return nil
}

// serverConfig maps command configuration onto the transport.
func (c Config) serverConfig(grantConfig grant.Config) server.Config {
	return server.Config{
		HTTPAddr:               c.HTTPAddr,
		GRPCAddr:               c.GRPCAddr,
		NodeID:                 c.NodeID,
		HeartbeatInterval:      time.Duration(c.HeartbeatIntervalSeconds) * time.Second,
		ConnectionTimeout:      time.Duration(c.ConnectionTimeoutSeconds) * time.Second,
		MaxRetryAttempts:       c.MaxRetryAttempts,
		RetryInterval:          time.Duration(c.RetryIntervalSeconds) * time.Second,
		SessionTTL:             c.SessionTTL,
		SessionCleanupInterval: c.SessionCleanupInterval,
		ChatDBPath:             c.ChatDBPath,
		ModeDBPath:             c.ModeDBPath,
		Redis: redisstore.Config{
			Addr:      c.RedisAddr,
			Password:  c.RedisPassword,
			DB:        c.RedisDB,
			KeyPrefix: c.RedisKeyPrefix,
		},
		Grant:             grantConfig,
		InsecureAdmission: c.InsecureAdmission,
		AllowedOrigins:    c.AllowedOrigins,
		Answer: answer.Config{
			ResponsesURL: c.AIResponsesURL,
			APIKey:       c.AIAPIKey,
			Model:        c.AIModel,
		},
		KnowledgeBaseRef: c.KnowledgeBaseRef,
	}
}

// Run builds the chat app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	if cfg.HealthCheck {
		return platformgrpc.CheckHealth(ctx, dialAddr(cfg.GRPCAddr), server.HealthService, healthCheckTimeout, nil)
	}

	var grantConfig grant.Config
	if !cfg.InsecureAdmission {
		loaded, err := grant.LoadConfigFromEnv(nil)
		if err != nil {
			return fmt.Errorf("load grant config: %w", err)
		}
		grantConfig = loaded
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(ctx context.Context) error {
		if err := server.Run(ctx, cfg.serverConfig(grantConfig)); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		log.Printf("chat server stopped")
		return nil
	})
}

// dialAddr turns a listen address into one a local client can dial.
func dialAddr(listenAddr string) string {
	listenAddr = strings.TrimSpace(listenAddr)
	if strings.HasPrefix(listenAddr, ":") {
		return "127.0.0.1" + listenAddr
	}
	return listenAddr
}
