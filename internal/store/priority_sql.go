package store

import (
	"context"
	"fmt"
	"time"
)

// RecoverAtBoot rewrites any row left RUNNING or CANCEL_REQUESTED back
// to PENDING and clears its lease. Runs once, before any worker polls.
// A row in RUNNING after a clean boot is by definition abandoned by a
// previous process; the node-event log is untouched, so the next
// worker to lease the row drives the executor's replay path instead of
// re-running completed nodes.
func (s *Store) RecoverAtBoot(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin recovery tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE executions
		SET status = ?, lease_token = NULL, lease_expires_at = NULL
		WHERE status IN (?, ?)`, StatusPending, StatusRunning, StatusCancelRequested); err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE inference_queue
		SET status = ?, lease_token = NULL, lease_expires_at = NULL
		WHERE status IN (?, ?)`, StatusPending, StatusRunning, StatusCancelRequested); err != nil {
		return fmt.Errorf("recover inference_queue: %w", err)
	}
	return tx.Commit()
}

// AgeQueuedPriorities boosts the effective priority of every PENDING
// row older than threshold, capped per tier. Two single UPDATE
// statements, one per queue table, inside one transaction. Any error
// is returned to the caller to log; the aging loop itself must never
// let this kill the process.
func (s *Store) AgeQueuedPriorities(ctx context.Context, threshold time.Duration, boost, cap int, now time.Time) error {
	cutoff := now.Add(-threshold).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin aging tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE executions
		SET effective_priority = MIN(effective_priority + ?, ?)
		WHERE status = ? AND enqueue_ts < ? AND effective_priority < ?`,
		boost, cap, StatusPending, cutoff, cap); err != nil {
		return fmt.Errorf("age executions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE inference_queue
		SET effective_priority = MIN(effective_priority + ?, ?)
		WHERE status = ? AND enqueue_ts < ? AND effective_priority < ?`,
		boost, cap, StatusPending, cutoff, cap); err != nil {
		return fmt.Errorf("age inference_queue: %w", err)
	}
	return tx.Commit()
}
