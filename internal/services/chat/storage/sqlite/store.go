// Package sqlite persists chat history, read state and the session audit
// journal in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/kbchat/internal/platform/id"
	sqlitemigrate "github.com/louisbranch/kbchat/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/kbchat/internal/services/chat/collab"
	"github.com/louisbranch/kbchat/internal/services/chat/session"
	"github.com/louisbranch/kbchat/internal/services/chat/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed chat persistence.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens a chat SQLite store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, now: time.Now}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AddMessage persists one chat message.
func (s *Store) AddMessage(ctx context.Context, msg collab.NewMessage) (collab.Message, error) {
	if err := ctx.Err(); err != nil {
		return collab.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return collab.Message{}, fmt.Errorf("storage is not configured")
	}
	msg.RoomID = strings.TrimSpace(msg.RoomID)
	if msg.RoomID == "" {
		return collab.Message{}, fmt.Errorf("room id is required")
	}
	if msg.Type == "" {
		return collab.Message{}, fmt.Errorf("message type is required")
	}

	metadata := ""
	if len(msg.Metadata) > 0 {
		encoded, err := json.Marshal(msg.Metadata)
		if err != nil {
			return collab.Message{}, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(encoded)
	}
	messageID, err := id.NewID()
	if err != nil {
		return collab.Message{}, err
	}
	createdAt := s.now().UTC()

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO chat_messages (
	id,
	room_id,
	content,
	message_type,
	sender_id,
	metadata_json,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		messageID,
		msg.RoomID,
		msg.Content,
		string(msg.Type),
		msg.SenderID,
		metadata,
		createdAt.UnixMilli(),
	)
	if err != nil {
		return collab.Message{}, fmt.Errorf("add message: %w", err)
	}
	return collab.Message{
		ID:        messageID,
		RoomID:    msg.RoomID,
		Content:   msg.Content,
		Type:      msg.Type,
		SenderID:  msg.SenderID,
		Metadata:  msg.Metadata,
		CreatedAt: time.UnixMilli(createdAt.UnixMilli()).UTC(),
	}, nil
}

// GetMessageHistory returns up to limit messages older than beforeMessageID,
// oldest first.
func (s *Store) GetMessageHistory(ctx context.Context, roomID, beforeMessageID string, limit int) ([]collab.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	var (
		rows *sql.Rows
		err  error
	)
	beforeMessageID = strings.TrimSpace(beforeMessageID)
	if beforeMessageID == "" {
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT id, room_id, content, message_type, sender_id, metadata_json, created_at
FROM chat_messages
WHERE room_id = ?
ORDER BY seq DESC
LIMIT ?
`, roomID, limit)
	} else {
		var beforeSeq int64
		err = s.sqlDB.QueryRowContext(ctx,
			`SELECT seq FROM chat_messages WHERE room_id = ? AND id = ?`,
			roomID, beforeMessageID,
		).Scan(&beforeSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, collab.ErrMessageNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve cursor: %w", err)
		}
		rows, err = s.sqlDB.QueryContext(ctx, `
SELECT id, room_id, content, message_type, sender_id, metadata_json, created_at
FROM chat_messages
WHERE room_id = ? AND seq < ?
ORDER BY seq DESC
LIMIT ?
`, roomID, beforeSeq, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var history []collab.Message
	for rows.Next() {
		var (
			msg         collab.Message
			messageType string
			metadata    string
			createdAt   int64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Content, &messageType, &msg.SenderID, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Type = collab.MessageType(messageType)
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", msg.ID, err)
			}
		}
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// MarkMessagesAsRead records read receipts. Re-marking a message keeps its
// first read time.
func (s *Store) MarkMessagesAsRead(ctx context.Context, roomID, identityID string, messageIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	readAt := s.now().UTC().UnixMilli()
	for _, messageID := range messageIDs {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO chat_message_reads (room_id, identity_id, message_id, read_at)
VALUES (?, ?, ?, ?)
`, roomID, identityID, messageID, readAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("mark read: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReadMessageIDs lists the ids identityID has read in roomID.
func (s *Store) ReadMessageIDs(ctx context.Context, roomID, identityID string) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT message_id FROM chat_message_reads
WHERE room_id = ? AND identity_id = ?
ORDER BY message_id
`, roomID, identityID)
	if err != nil {
		return nil, fmt.Errorf("query reads: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var messageID string
		if err := rows.Scan(&messageID); err != nil {
			return nil, fmt.Errorf("scan read: %w", err)
		}
		ids = append(ids, messageID)
	}
	return ids, rows.Err()
}

// RecordSession upserts the audit row of a session.
func (s *Store) RecordSession(ctx context.Context, sess session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	var leftAt sql.NullInt64
	if sess.LeftAt != nil {
		leftAt = sql.NullInt64{Int64: sess.LeftAt.UTC().UnixMilli(), Valid: true}
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO chat_sessions (session_id, room_id, identity_id, client_id, joined_at, left_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
	left_at = excluded.left_at,
	expires_at = excluded.expires_at
`,
		sess.ID,
		sess.RoomID,
		sess.IdentityID,
		sess.ClientID,
		sess.JoinedAt.UTC().UnixMilli(),
		leftAt,
		sess.ExpiresAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// GetSession loads the audit row of a session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (session.Session, error) {
	var (
		sess      session.Session
		joinedAt  int64
		leftAt    sql.NullInt64
		expiresAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT session_id, room_id, identity_id, client_id, joined_at, left_at, expires_at
FROM chat_sessions
WHERE session_id = ?
`, sessionID).Scan(&sess.ID, &sess.RoomID, &sess.IdentityID, &sess.ClientID, &joinedAt, &leftAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.JoinedAt = time.UnixMilli(joinedAt).UTC()
	sess.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if leftAt.Valid {
		t := time.UnixMilli(leftAt.Int64).UTC()
		sess.LeftAt = &t
	}
	return sess, nil
}

var (
	_ collab.HistoryStore = (*Store)(nil)
	_ session.Journal     = (*Store)(nil)
)
