// Package sqlite implements store.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"chatrelay/internal/store"
)

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
`

// Store keeps messages in a single SQLite table. created_at is stored as Unix
// nanoseconds so cursor comparisons are exact.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Create inserts a message stamped with the current time.
func (s *Store) Create(ctx context.Context, roomID, senderID, content string) (store.Message, error) {
	if roomID == "" || senderID == "" || content == "" {
		return store.Message{}, store.ErrInvalidMessage
	}

	msg := store.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, room_id, sender_id, content, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, msg.RoomID, msg.SenderID, msg.Content, msg.CreatedAt.UnixNano(),
	)
	if err != nil {
		return store.Message{}, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

// FindPage returns the newest messages of a room, optionally older than before.
func (s *Store) FindPage(ctx context.Context, roomID string, limit int, before *time.Time) ([]store.Message, error) {
	if limit <= 0 {
		return []store.Message{}, nil
	}

	var (
		query strings.Builder
		args  = []any{roomID}
	)
	query.WriteString("SELECT id, room_id, sender_id, content, created_at FROM messages WHERE room_id = ?")
	if before != nil {
		query.WriteString(" AND created_at < ?")
		args = append(args, before.UnixNano())
	}
	query.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]store.Message, 0)
	for rows.Next() {
		var (
			msg       store.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
