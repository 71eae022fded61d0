// Package redis stores presence records in Redis so several transport nodes
// can see each other's connections.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/kbchat/internal/services/chat/presence"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "kbchat:presence:"
	scanBatchSize    = 100
)

// Config describes a Redis connection for presence.
type Config struct {
	Addr      string `env:"KBCHAT_REDIS_ADDR"`
	Password  string `env:"KBCHAT_REDIS_PASSWORD"`
	DB        int    `env:"KBCHAT_REDIS_DB" envDefault:"0"`
	KeyPrefix string `env:"KBCHAT_REDIS_KEY_PREFIX" envDefault:"kbchat:presence:"`
}

// Store implements presence.Store over a Redis client. Each record is a JSON
// string under prefix+room+":"+client with the lease TTL set on write.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

// Open dials Redis with cfg. The connection is verified lazily; call Ping to
// check reachability.
func Open(cfg Config) (*Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return New(client, cfg.KeyPrefix), nil
}

// New wraps an existing client. An empty prefix uses the default.
func New(client goredis.UniversalClient, prefix string) *Store {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Close releases the Redis client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Put writes record with ttl as its expiry.
func (s *Store) Put(ctx context.Context, record presence.Record, ttl time.Duration) error {
	if err := record.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(record.RoomID, record.ClientID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("put presence record: %w", err)
	}
	return nil
}

// Get returns the record for (roomID, clientID) or presence.ErrNotFound.
func (s *Store) Get(ctx context.Context, roomID, clientID string) (presence.Record, error) {
	payload, err := s.client.Get(ctx, s.key(roomID, clientID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return presence.Record{}, presence.ErrNotFound
	}
	if err != nil {
		return presence.Record{}, fmt.Errorf("get presence record: %w", err)
	}
	var record presence.Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return presence.Record{}, fmt.Errorf("decode presence record: %w", err)
	}
	return record, nil
}

// Scan lists the records of roomID ordered by client id. Keys that expire
// between SCAN and MGET are skipped.
func (s *Store) Scan(ctx context.Context, roomID string) ([]presence.Record, error) {
	pattern := s.prefix + escapeGlob(roomID) + ":*"
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence records: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load presence records: %w", err)
	}
	records := make([]presence.Record, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record presence.Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		// Room ids may contain ':' so the glob can match a longer room.
		if record.RoomID != roomID {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ClientID < records[j].ClientID })
	return records, nil
}

// Remove deletes the record for (roomID, clientID).
func (s *Store) Remove(ctx context.Context, roomID, clientID string) error {
	if err := s.client.Del(ctx, s.key(roomID, clientID)).Err(); err != nil {
		return fmt.Errorf("remove presence record: %w", err)
	}
	return nil
}

// Ping checks that Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *Store) key(roomID, clientID string) string {
	return s.prefix + roomID + ":" + clientID
}

func escapeGlob(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ presence.Store = (*Store)(nil)
