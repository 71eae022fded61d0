package mode

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const roomModeBucket = "room_mode"

// BoltStore keeps room states in a BoltDB file. Each Update runs in a single
// read-write transaction, which bbolt serializes.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens or creates the store at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(roomModeBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the state of roomID.
func (s *BoltStore) Get(ctx context.Context, roomID string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	if strings.TrimSpace(roomID) == "" {
		return State{}, fmt.Errorf("room id is required")
	}

	state := DefaultState(roomID)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(roomModeBucket))
		if bucket == nil {
			return fmt.Errorf("room mode bucket is missing")
		}
		payload := bucket.Get([]byte(roomID))
		if payload == nil {
			return nil
		}
		return json.Unmarshal(payload, &state)
	})
	if err != nil {
		return State{}, fmt.Errorf("get room mode: %w", err)
	}
	return state, nil
}

// Update applies fn inside one bbolt write transaction.
func (s *BoltStore) Update(ctx context.Context, roomID string, fn func(State) (State, error)) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	if strings.TrimSpace(roomID) == "" {
		return State{}, fmt.Errorf("room id is required")
	}

	var next State
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(roomModeBucket))
		if bucket == nil {
			return fmt.Errorf("room mode bucket is missing")
		}
		current := DefaultState(roomID)
		if payload := bucket.Get([]byte(roomID)); payload != nil {
			if err := json.Unmarshal(payload, &current); err != nil {
				return fmt.Errorf("decode room mode: %w", err)
			}
		}

		updated, err := fn(current)
		if err != nil {
			return err
		}
		updated.RoomID = roomID
		payload, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("encode room mode: %w", err)
		}
		if err := bucket.Put([]byte(roomID), payload); err != nil {
			return err
		}
		next = updated
		return nil
	})
	if err != nil {
		return State{}, err
	}
	return next, nil
}

var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
