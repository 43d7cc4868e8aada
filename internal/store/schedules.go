package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Schedule is a cron-fired submission template; firing one enqueues an
// execution with source "trigger" (lowest priority corridor).
type Schedule struct {
	ID        string
	AgentID   string
	CronExpr  string
	Payload   json.RawMessage
	Enabled   bool
	LastRunAt time.Time
}

// ListEnabledSchedules returns every schedule the cron loop should
// consider for firing.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, cron_expr, payload, enabled, last_run_at
		FROM schedules WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var payload string
		var enabled int
		var lastRun sql.NullInt64
		if err := rows.Scan(&sc.ID, &sc.AgentID, &sc.CronExpr, &payload, &enabled, &lastRun); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Payload = json.RawMessage(payload)
		sc.Enabled = enabled != 0
		if lastRun.Valid {
			sc.LastRunAt = time.Unix(0, lastRun.Int64)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// RecordScheduleRun stamps last_run_at after a schedule fires.
func (s *Store) RecordScheduleRun(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_run_at = ? WHERE id = ?`, now.UnixNano(), id)
	return err
}

// CreateSchedule registers a new cron-fired submission template.
func (s *Store) CreateSchedule(ctx context.Context, id, agentID, cronExpr string, payload json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO schedules (id, agent_id, cron_expr, payload, enabled)
		VALUES (?, ?, ?, ?, 1)`, id, agentID, cronExpr, string(payload))
	return err
}
