// Package roomstore implements durable create/lookup of pairing records,
// backed by Postgres with a thin Redis read-through cache (spec.md §4.B).
package roomstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/logging"
)

// RoomType enumerates the kinds of pairing a Room records.
type RoomType string

const (
	Chat      RoomType = "CHAT"
	Call      RoomType = "CALL"
	VideoCall RoomType = "VIDEO_CALL"
)

const cacheTTL = 24 * time.Hour

// ErrRoomNotFound is returned when no room matches the lookup.
var ErrRoomNotFound = errors.New("roomstore: room not found")

// Slot is one occupant of a Room: either anonymous or, once identified,
// backed by a stable user id too.
type Slot struct {
	AnonID string
	UserID string // empty when still anonymous
}

// Room is the durable pairing record. Once created the (user1, user2) tuple
// is immutable.
type Room struct {
	ID        string   `json:"id"`
	Type      RoomType `json:"type"`
	User1     Slot     `json:"user1"`
	User2     Slot     `json:"user2"`
	CreatedAt int64    `json:"createdAt"`
	UpdatedAt int64    `json:"updatedAt"`
}

func cacheKey(roomID string) string { return "room:cache:" + roomID }

// Store is the read-through Room repository.
type Store struct {
	db  *sql.DB
	bus *bus.Service
}

// NewStore returns a Store backed by db for durability and svc for caching.
func NewStore(db *sql.DB, svc *bus.Service) *Store {
	return &Store{db: db, bus: svc}
}

// CreateRoom persists exactly one row and caches it.
func (s *Store) CreateRoom(ctx context.Context, user1, user2 Slot, roomType RoomType) (*Room, error) {
	id := uuid.NewString()
	now := time.Now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, type, user1_anon_id, user1_user_id, user2_anon_id, user2_user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, $7)`,
		id, roomType, user1.AnonID, user1.UserID, user2.AnonID, user2.UserID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("roomstore: create room: %w", err)
	}

	room := &Room{
		ID:        id,
		Type:      roomType,
		User1:     user1,
		User2:     user2,
		CreatedAt: now.UnixMilli(),
		UpdatedAt: now.UnixMilli(),
	}
	s.cache(ctx, room)
	return room, nil
}

// GetRoom looks up a room by id, preferring the cache.
func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	if cached, ok := s.fromCache(ctx, id); ok {
		return cached, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, user1_anon_id, COALESCE(user1_user_id, ''), user2_anon_id, COALESCE(user2_user_id, ''), created_at, updated_at
		 FROM rooms WHERE id = $1`, id)

	room, err := scanRoom(row)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, room)
	return room, nil
}

// GetRoomByUsers finds the most recent room pairing a and b, in either
// slot ordering.
func (s *Store) GetRoomByUsers(ctx context.Context, a, b string) (*Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, user1_anon_id, COALESCE(user1_user_id, ''), user2_anon_id, COALESCE(user2_user_id, ''), created_at, updated_at
		 FROM rooms
		 WHERE (user1_user_id = $1 AND user2_user_id = $2) OR (user1_user_id = $2 AND user2_user_id = $1)
		 ORDER BY created_at DESC LIMIT 1`, a, b)

	room, err := scanRoom(row)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, room)
	return room, nil
}

// GetRoomByUser finds the most recent room of the given type that userID
// occupies.
func (s *Store) GetRoomByUser(ctx context.Context, userID string, roomType RoomType) (*Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, user1_anon_id, COALESCE(user1_user_id, ''), user2_anon_id, COALESCE(user2_user_id, ''), created_at, updated_at
		 FROM rooms
		 WHERE type = $1 AND (user1_user_id = $2 OR user2_user_id = $2)
		 ORDER BY created_at DESC LIMIT 1`, roomType, userID)

	room, err := scanRoom(row)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, room)
	return room, nil
}

func scanRoom(row *sql.Row) (*Room, error) {
	var room Room
	var createdAt, updatedAt time.Time
	err := row.Scan(&room.ID, &room.Type,
		&room.User1.AnonID, &room.User1.UserID,
		&room.User2.AnonID, &room.User2.UserID,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomstore: scan room: %w", err)
	}
	room.CreatedAt = createdAt.UnixMilli()
	room.UpdatedAt = updatedAt.UnixMilli()
	return &room, nil
}

func (s *Store) cache(ctx context.Context, room *Room) {
	data, err := json.Marshal(room)
	if err != nil {
		return
	}
	if err := s.bus.Set(ctx, cacheKey(room.ID), string(data), cacheTTL); err != nil {
		logging.Warn(ctx, "roomstore: cache write failed")
	}
}

func (s *Store) fromCache(ctx context.Context, id string) (*Room, bool) {
	raw, err := s.bus.Get(ctx, cacheKey(id))
	if err != nil || raw == "" {
		return nil, false
	}
	var room Room
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return nil, false
	}
	return &room, true
}
