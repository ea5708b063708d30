package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrAlreadyFriends is returned by Create when the pair is already linked.
var ErrAlreadyFriends = errors.New("store: already friends")

// FriendshipRepository backs the match.FriendChecker interface and the
// socket layer's friend_request handling. The source's friendship schema is
// treated here purely as a boolean lookup (spec.md §9 open question i).
type FriendshipRepository struct {
	db *sql.DB
}

// NewFriendshipRepository returns a FriendshipRepository backed by db.
func NewFriendshipRepository(db *sql.DB) *FriendshipRepository {
	return &FriendshipRepository{db: db}
}

// IsFriend reports whether a and b are linked, in either direction.
func (r *FriendshipRepository) IsFriend(ctx context.Context, a, b string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM friendships
		   WHERE (user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1)
		 )`, a, b).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: is friend: %w", err)
	}
	return exists, nil
}

// Create links userID and friendID. Friendship rows are directional; callers
// that want a symmetric relationship insert both directions.
func (r *FriendshipRepository) Create(ctx context.Context, userID, friendID string) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO friendships (id, user_id, friend_id) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, friend_id) DO NOTHING`,
		uuid.NewString(), userID, friendID)
	if err != nil {
		return fmt.Errorf("store: create friendship: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAlreadyFriends
	}
	return nil
}
