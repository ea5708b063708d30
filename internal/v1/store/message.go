// Package store holds the relational repositories this core owns outright:
// non-general messages, notifications, friendships, call history, and the
// subscription flags the hourly expiry scheduler consults (spec.md §3).
// User profile, report, and rating CRUD remain external collaborators.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the kinds of content a Message can carry.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageGif   MessageType = "gif"
	MessageAudio MessageType = "audio"
	MessageVideo MessageType = "video"
	MessageFile  MessageType = "file"
)

// GeneralRoomID is the special broadcast lobby: its messages never reach
// this repository, only the bounded KV list (spec.md §9).
const GeneralRoomID = "general"

// Message is a persisted chat message for a non-general room.
type Message struct {
	ID               string
	Content          string
	SenderID         string
	ReceiverID       string
	RoomID           string
	Type             MessageType
	SenderUsername   string
	ReceiverUsername string
	Timestamp        int64
}

// MessageRepository persists non-general-room messages.
type MessageRepository struct {
	db *sql.DB
}

// NewMessageRepository returns a MessageRepository backed by db.
func NewMessageRepository(db *sql.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create persists one message. Callers must not pass GeneralRoomID: that
// room's history lives only in the bounded KV list.
func (r *MessageRepository) Create(ctx context.Context, msg Message) (Message, error) {
	if msg.RoomID == GeneralRoomID {
		return Message{}, fmt.Errorf("store: general room messages are not persisted relationally")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, room_id, sender_id, receiver_id, sender_username, receiver_username, content, type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.ReceiverID, msg.SenderUsername, msg.ReceiverUsername, msg.Content, msg.Type, now,
	)
	if err != nil {
		return Message{}, fmt.Errorf("store: create message: %w", err)
	}
	msg.Timestamp = now.UnixMilli()
	return msg, nil
}

// ListByRoom returns the most recent messages for a room, oldest first,
// capped at limit.
func (r *MessageRepository) ListByRoom(ctx context.Context, roomID string, limit int) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, room_id, sender_id, receiver_id, COALESCE(sender_username, ''), COALESCE(receiver_username, ''), content, type, created_at
		 FROM (
		   SELECT * FROM messages WHERE room_id = $1 ORDER BY created_at DESC LIMIT $2
		 ) recent ORDER BY created_at ASC`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var createdAt time.Time
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.ReceiverID, &m.SenderUsername, &m.ReceiverUsername, &m.Content, &m.Type, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Timestamp = createdAt.UnixMilli()
		out = append(out, m)
	}
	return out, rows.Err()
}
