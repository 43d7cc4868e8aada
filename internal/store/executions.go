package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/goclawd/internal/coerr"
)

// ExecutionRow is the in-memory projection of one executions table row.
type ExecutionRow struct {
	ID                 string
	ParentID           string
	AgentID             string
	Status              string
	BasePriority        int
	EffectivePriority   int
	Source              string
	Input               json.RawMessage
	EnqueueTS           time.Time
	LeaseToken          string
	LeaseExpiresAt      time.Time
	StartedAt           time.Time
	CompletedAt         time.Time
	FinalResult         json.RawMessage
	ErrorLog            string
	FailureFingerprint  string
	FailureCount        int
}

// EnqueueExecution inserts a new PENDING execution row and its seed
// input_start node event inside a single transaction, per the
// execution-row-only seed-event decision.
func (s *Store) EnqueueExecution(ctx context.Context, id, parentID, agentID string, input json.RawMessage, source string, basePriority, effectivePriority int, now time.Time) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var parent any
		if parentID != "" {
			parent = parentID
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO executions
			(id, parent_id, agent_id, status, base_priority, effective_priority, source, input, enqueue_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, parent, agentID, StatusPending, basePriority, effectivePriority, source, string(input), now.UnixNano()); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO node_events
			(execution_id, node_id, seq, status, ts, output)
			VALUES (?, 'input_start', 0, 'COMPLETED', ?, ?)`,
			id, now.UnixNano(), string(input)); err != nil {
			return fmt.Errorf("insert seed node event: %w", err)
		}

		return tx.Commit()
	})
}

// ClaimNextPendingExecution performs the atomic leased pop: a single
// statement that claims the highest-priority PENDING row and stamps a
// lease, so no other worker can observe it between selection and
// update. Returns ok=false when no row is eligible.
func (s *Store) ClaimNextPendingExecution(ctx context.Context, leaseToken string, leaseTTL time.Duration, now time.Time) (*ExecutionRow, bool, error) {
	var id string
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT id FROM executions
			WHERE status = ?
			ORDER BY effective_priority DESC, enqueue_ts ASC, id ASC
			LIMIT 1`, StatusPending)
		if err := row.Scan(&id); err != nil {
			return err
		}

		leaseExpiry := now.Add(leaseTTL).UnixNano()
		res, err := tx.ExecContext(ctx, `UPDATE executions
			SET status = ?, lease_token = ?, lease_expires_at = ?, started_at = ?
			WHERE id = ? AND status = ?`,
			StatusRunning, leaseToken, leaseExpiry, now.UnixNano(), id, StatusPending)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return sql.ErrNoRows
		}
		return tx.Commit()
	})
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim execution: %w", err)
	}
	row, err := s.GetExecution(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// GetExecution loads one execution row by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*ExecutionRow, error) {
	var r ExecutionRow
	var parentID, leaseToken, finalResult, errorLog, fingerprint sql.NullString
	var leaseExpiresAt, startedAt, completedAt sql.NullInt64
	var enqueueTS int64
	var input string

	row := s.db.QueryRowContext(ctx, `SELECT id, parent_id, agent_id, status, base_priority,
		effective_priority, source, input, enqueue_ts, lease_token, lease_expires_at,
		started_at, completed_at, final_result, error_log, failure_fingerprint, failure_count
		FROM executions WHERE id = ?`, id)
	if err := row.Scan(&r.ID, &parentID, &r.AgentID, &r.Status, &r.BasePriority, &r.EffectivePriority,
		&r.Source, &input, &enqueueTS, &leaseToken, &leaseExpiresAt, &startedAt, &completedAt,
		&finalResult, &errorLog, &fingerprint, &r.FailureCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("execution %s: %w", id, err)
		}
		return nil, fmt.Errorf("scan execution %s: %w", id, err)
	}

	r.ParentID = parentID.String
	r.Input = json.RawMessage(input)
	r.EnqueueTS = time.Unix(0, enqueueTS)
	r.LeaseToken = leaseToken.String
	if leaseExpiresAt.Valid {
		r.LeaseExpiresAt = time.Unix(0, leaseExpiresAt.Int64)
	}
	if startedAt.Valid {
		r.StartedAt = time.Unix(0, startedAt.Int64)
	}
	if completedAt.Valid {
		r.CompletedAt = time.Unix(0, completedAt.Int64)
	}
	if finalResult.Valid {
		r.FinalResult = json.RawMessage(finalResult.String)
	}
	r.ErrorLog = errorLog.String
	r.FailureFingerprint = fingerprint.String
	return &r, nil
}

// CompleteExecution writes the terminal COMPLETED status, clearing the
// lease. Returns LeaseLostError if leaseToken no longer matches the row
// (someone else — recovery, typically — has already reclaimed it).
func (s *Store) CompleteExecution(ctx context.Context, id, leaseToken string, finalResult json.RawMessage, now time.Time) error {
	return s.finalizeExecution(ctx, id, leaseToken, StatusCompleted, finalResult, "", now)
}

// FailExecution writes the terminal FAILED status with a diagnostic,
// plus an error fingerprint for repeated-failure accounting.
func (s *Store) FailExecution(ctx context.Context, id, leaseToken, errorLog, fingerprint string, now time.Time) error {
	err := s.finalizeExecution(ctx, id, leaseToken, StatusFailed, nil, errorLog, now)
	if err != nil {
		return err
	}
	_, execErr := s.db.ExecContext(ctx, `UPDATE executions
		SET failure_fingerprint = ?, failure_count = failure_count + 1
		WHERE id = ?`, fingerprint, id)
	return execErr
}

// CancelExecutionTerminal writes the CANCELED terminal status. Unlike
// Complete/Fail it does not require the caller's lease token, since a
// canceled row may be finalized by the worker that observed the
// cancellation signal mid-run even if its lease has since lapsed.
func (s *Store) CancelExecutionTerminal(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE executions
		SET status = ?, completed_at = ?, lease_token = NULL, lease_expires_at = NULL
		WHERE id = ? AND status != ?`, StatusCanceled, now.UnixNano(), id, StatusCompleted)
	return err
}

func (s *Store) finalizeExecution(ctx context.Context, id, leaseToken, status string, finalResult json.RawMessage, errorLog string, now time.Time) error {
	var result any
	if finalResult != nil {
		result = string(finalResult)
	}
	var errLog any
	if errorLog != "" {
		errLog = errorLog
	}
	res, err := s.db.ExecContext(ctx, `UPDATE executions
		SET status = ?, completed_at = ?, final_result = ?, error_log = ?,
		    lease_token = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_token = ?`,
		status, now.UnixNano(), result, errLog, id, leaseToken)
	if err != nil {
		return fmt.Errorf("finalize execution %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &coerr.LeaseLostError{RowID: id}
	}
	return nil
}

// RequestCancelExecution durably flips a row to CANCEL_REQUESTED. A
// no-op on rows already in a terminal state, satisfying the spec's
// idempotent-cancel requirement.
func (s *Store) RequestCancelExecution(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE executions
		SET status = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusCancelRequested, id, StatusPending, StatusRunning)
	return err
}
