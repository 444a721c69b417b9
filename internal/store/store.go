// Package store defines the durable message store used for persistence and
// paginated history.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidMessage = errors.New("invalid message")

// Message is immutable once created. CreatedAt is the pagination cursor.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists messages and pages through a room's history newest first.
type Store interface {
	Create(ctx context.Context, roomID, senderID, content string) (Message, error)
	// FindPage returns at most limit messages of the room, ordered by CreatedAt
	// descending. A non-nil before restricts the page to messages strictly
	// older than it.
	FindPage(ctx context.Context, roomID string, limit int, before *time.Time) ([]Message, error)
}
