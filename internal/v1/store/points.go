package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PointsLedger credits engagement points earned from room-state heartbeats
// (spec.md §4.C.1). It implements presence.PointsLedger.
type PointsLedger struct {
	db *sql.DB
}

// NewPointsLedger returns a PointsLedger backed by db.
func NewPointsLedger(db *sql.DB) *PointsLedger {
	return &PointsLedger{db: db}
}

// Credit adds amount to userID's running total, creating the row on first
// credit.
func (p *PointsLedger) Credit(ctx context.Context, userID string, amount int) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO user_points (user_id, total) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET total = user_points.total + $2`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("store: credit points: %w", err)
	}
	return nil
}
