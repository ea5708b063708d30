package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallRecord is one completed call-namespace pairing (spec.md §4.F "Call
// namespace", S6).
type CallRecord struct {
	ID          string
	InitiatorID string
	ReceiverID  string
	DurationSec int
	StartedAt   time.Time
	EndedAt     time.Time
}

// CallRepository persists call history rows.
type CallRepository struct {
	db *sql.DB
}

// NewCallRepository returns a CallRepository backed by db.
func NewCallRepository(db *sql.DB) *CallRepository {
	return &CallRepository{db: db}
}

// Create persists one completed call's duration and timestamps.
func (r *CallRepository) Create(ctx context.Context, rec CallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (id, initiator_id, receiver_id, duration_sec, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.InitiatorID, rec.ReceiverID, rec.DurationSec, rec.StartedAt, rec.EndedAt)
	if err != nil {
		return fmt.Errorf("store: create call record: %w", err)
	}
	return nil
}
