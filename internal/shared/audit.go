package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ActivityLog records one state transition for the audit trail. Before and
// after snapshots carry whatever fields the emitting module considers part of
// the entity's externally visible state.
type ActivityLog struct {
	Action      string
	Entity      string
	EntityID    string
	BranchID    int64
	PerformedBy int64
	BeforeState map[string]any
	AfterState  map[string]any
	Reason      string
	Notes       string
	At          time.Time
}

// ActivityRecorder is implemented by anything able to persist activity logs.
type ActivityRecorder interface {
	Record(ctx context.Context, log ActivityLog) error
}

// ActivityLogger writes records into activity_logs.
type ActivityLogger struct {
	pool *pgxpool.Pool
}

// NewActivityLogger returns a new ActivityLogger.
func NewActivityLogger(pool *pgxpool.Pool) *ActivityLogger {
	return &ActivityLogger{pool: pool}
}

// Record persists the log entry.
func (l *ActivityLogger) Record(ctx context.Context, log ActivityLog) error {
	if l == nil {
		return errors.New("activity logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("activity log requires action/entity/entity_id")
	}
	beforeJSON, err := json.Marshal(log.BeforeState)
	if err != nil {
		return err
	}
	afterJSON, err := json.Marshal(log.AfterState)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO activity_logs (action, entity, entity_id, branch_id, performed_by, before_state, after_state, reason, notes, occurred_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE(NULLIF($10, '0001-01-01 00:00:00+00'::timestamptz), NOW()))`,
		log.Action, log.Entity, log.EntityID, log.BranchID, log.PerformedBy, beforeJSON, afterJSON, log.Reason, log.Notes, log.At)
	return err
}
