package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SubscriptionRepository tracks the minimal `isPro`/`proEnd` flags the
// subscription-expiry scheduler needs (spec.md §4.I); the authoritative
// profile lives in an external collaborator.
type SubscriptionRepository struct {
	db *sql.DB
}

// NewSubscriptionRepository returns a SubscriptionRepository backed by db.
func NewSubscriptionRepository(db *sql.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// ExpireDue clears isPro for every user whose proEnd has passed, returning
// the number of rows updated.
func (r *SubscriptionRepository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_subscriptions SET is_pro = false WHERE is_pro = true AND pro_end <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("store: expire due subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return n, nil
}
