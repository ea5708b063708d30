package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification is a single, possibly still-undelivered alert for a user.
type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	Priority  string
	Data      map[string]any
	IsSent    bool
	CreatedAt int64
	UpdatedAt int64
}

// NotificationRepository persists Notification rows; delivery itself is the
// notify package's concern (spec.md §4.H).
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository returns a NotificationRepository backed by db.
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create persists n with the given isSent flag, set by the caller based on
// whether the recipient was present at creation time.
func (r *NotificationRepository) Create(ctx context.Context, n Notification, isSent bool) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	data, err := json.Marshal(n.Data)
	if err != nil {
		return Notification{}, fmt.Errorf("store: marshal notification data: %w", err)
	}
	now := time.Now()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, priority, data, is_sent, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, n.Priority, data, isSent, now,
	)
	if err != nil {
		return Notification{}, fmt.Errorf("store: create notification: %w", err)
	}
	n.IsSent = isSent
	n.CreatedAt = now.UnixMilli()
	n.UpdatedAt = now.UnixMilli()
	return n, nil
}

// ListUnsent returns every undelivered notification for userID, oldest first.
func (r *NotificationRepository) ListUnsent(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, type, title, message, priority, data, is_sent, created_at, updated_at
		 FROM notifications WHERE user_id = $1 AND is_sent = false ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list unsent notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var data []byte
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Priority, &data, &n.IsSent, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: scan notification: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("store: unmarshal notification data: %w", err)
			}
		}
		n.CreatedAt = createdAt.UnixMilli()
		n.UpdatedAt = updatedAt.UnixMilli()
		out = append(out, n)
	}
	return out, rows.Err()
}

// Delete removes a notification row, called once it has been successfully
// published to the user's SSE channel.
func (r *NotificationRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete notification: %w", err)
	}
	return nil
}
