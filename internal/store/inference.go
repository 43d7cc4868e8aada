package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/goclawd/internal/coerr"
)

// InferenceRow is the in-memory projection of one inference_queue row.
type InferenceRow struct {
	ID                string
	ParentID          string
	Status            string
	BasePriority      int
	EffectivePriority int
	Source            string
	ModelID           string
	Prompt            json.RawMessage
	Parameters        json.RawMessage
	EnqueueTS         time.Time
	LeaseToken        string
	LeaseExpiresAt    time.Time
	StartedAt         time.Time
	CompletedAt       time.Time
	Result            json.RawMessage
	TokensPerSecond   float64
	ErrorLog          string
}

// EnqueueInference inserts a new PENDING inference row. No seed node
// event is written — inference rows carry their payload in their own
// columns, per the spec's execution-row-only seed decision.
func (s *Store) EnqueueInference(ctx context.Context, id, parentID, modelID string, prompt, parameters json.RawMessage, source string, basePriority, effectivePriority int, now time.Time) error {
	return retryOnBusy(ctx, func() error {
		var parent any
		if parentID != "" {
			parent = parentID
		}
		_, err := s.db.ExecContext(ctx, `INSERT INTO inference_queue
			(id, parent_id, status, base_priority, effective_priority, source, model_id, prompt, parameters, enqueue_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, parent, StatusPending, basePriority, effectivePriority, source, modelID,
			string(prompt), string(parameters), now.UnixNano())
		if err != nil {
			return fmt.Errorf("insert inference: %w", err)
		}
		return nil
	})
}

// ClaimNextPendingInference is the inference-queue counterpart of
// ClaimNextPendingExecution.
func (s *Store) ClaimNextPendingInference(ctx context.Context, leaseToken string, leaseTTL time.Duration, now time.Time) (*InferenceRow, bool, error) {
	var id string
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT id FROM inference_queue
			WHERE status = ?
			ORDER BY effective_priority DESC, enqueue_ts ASC, id ASC
			LIMIT 1`, StatusPending)
		if err := row.Scan(&id); err != nil {
			return err
		}

		leaseExpiry := now.Add(leaseTTL).UnixNano()
		res, err := tx.ExecContext(ctx, `UPDATE inference_queue
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
		return nil, false, fmt.Errorf("claim inference: %w", err)
	}
	row, err := s.GetInference(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

// GetInference loads one inference_queue row by id.
func (s *Store) GetInference(ctx context.Context, id string) (*InferenceRow, error) {
	var r InferenceRow
	var parentID, leaseToken, result, errorLog sql.NullString
	var leaseExpiresAt, startedAt, completedAt sql.NullInt64
	var tps sql.NullFloat64
	var enqueueTS int64
	var prompt, parameters string

	row := s.db.QueryRowContext(ctx, `SELECT id, parent_id, status, base_priority, effective_priority,
		source, model_id, prompt, parameters, enqueue_ts, lease_token, lease_expires_at,
		started_at, completed_at, result, tokens_per_second, error_log
		FROM inference_queue WHERE id = ?`, id)
	if err := row.Scan(&r.ID, &parentID, &r.Status, &r.BasePriority, &r.EffectivePriority,
		&r.Source, &r.ModelID, &prompt, &parameters, &enqueueTS, &leaseToken, &leaseExpiresAt,
		&startedAt, &completedAt, &result, &tps, &errorLog); err != nil {
		return nil, fmt.Errorf("scan inference %s: %w", id, err)
	}

	r.ParentID = parentID.String
	r.Prompt = json.RawMessage(prompt)
	r.Parameters = json.RawMessage(parameters)
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
	if result.Valid {
		r.Result = json.RawMessage(result.String)
	}
	r.TokensPerSecond = tps.Float64
	r.ErrorLog = errorLog.String
	return &r, nil
}

// CompleteInference writes the terminal COMPLETED status with the
// model runner's result and measured throughput.
func (s *Store) CompleteInference(ctx context.Context, id, leaseToken string, result json.RawMessage, tokensPerSecond float64, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE inference_queue
		SET status = ?, completed_at = ?, result = ?, tokens_per_second = ?,
		    lease_token = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_token = ?`,
		StatusCompleted, now.UnixNano(), string(result), tokensPerSecond, id, leaseToken)
	if err != nil {
		return fmt.Errorf("complete inference %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &coerr.LeaseLostError{RowID: id}
	}
	return nil
}

// FailInference writes the terminal FAILED status with a diagnostic.
func (s *Store) FailInference(ctx context.Context, id, leaseToken, errorLog string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE inference_queue
		SET status = ?, completed_at = ?, error_log = ?,
		    lease_token = NULL, lease_expires_at = NULL
		WHERE id = ? AND lease_token = ?`,
		StatusFailed, now.UnixNano(), errorLog, id, leaseToken)
	if err != nil {
		return fmt.Errorf("fail inference %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &coerr.LeaseLostError{RowID: id}
	}
	return nil
}

// CancelInferenceTerminal writes the CANCELED terminal status.
func (s *Store) CancelInferenceTerminal(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE inference_queue
		SET status = ?, completed_at = ?, lease_token = NULL, lease_expires_at = NULL
		WHERE id = ? AND status != ?`, StatusCanceled, now.UnixNano(), id, StatusCompleted)
	return err
}

// RequestCancelInference durably flips a row to CANCEL_REQUESTED;
// idempotent no-op on terminal rows.
func (s *Store) RequestCancelInference(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE inference_queue
		SET status = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusCancelRequested, id, StatusPending, StatusRunning)
	return err
}
