package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Node event status values.
const (
	NodeEventStarted   = "STARTED"
	NodeEventCompleted = "COMPLETED"
	NodeEventFailed    = "FAILED"
)

// NodeEvent is one append-only row in the node-event log, totally
// ordered by Seq within an execution.
type NodeEvent struct {
	ExecutionID string
	NodeID      string
	Seq         int64
	Status      string
	Timestamp   time.Time
	Output      json.RawMessage
	ErrorLog    string
}

// AppendNodeEvent writes the next event in sequence for executionID.
// The sequence number is computed inside the same transaction as the
// insert so concurrent appends for the same execution (which cannot
// happen under this program's one-worker-per-row model, but is cheap
// to guard anyway) never collide.
func (s *Store) AppendNodeEvent(ctx context.Context, executionID, nodeID, status string, output json.RawMessage, errorLog string, now time.Time) (int64, error) {
	var seq int64
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var maxSeq sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM node_events WHERE execution_id = ?`, executionID).Scan(&maxSeq); err != nil {
			return err
		}
		seq = maxSeq.Int64 + 1

		var out any
		if output != nil {
			out = string(output)
		}
		var errLog any
		if errorLog != "" {
			errLog = errorLog
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO node_events
			(execution_id, node_id, seq, status, ts, output, error_log)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			executionID, nodeID, seq, status, now.UnixNano(), out, errLog); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("append node event for %s/%s: %w", executionID, nodeID, err)
	}
	return seq, nil
}

// ListNodeEvents returns every event for executionID in commit order.
func (s *Store) ListNodeEvents(ctx context.Context, executionID string) ([]NodeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT execution_id, node_id, seq, status, ts, output, error_log
		FROM node_events WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list node events for %s: %w", executionID, err)
	}
	defer rows.Close()

	var out []NodeEvent
	for rows.Next() {
		var e NodeEvent
		var ts int64
		var output, errorLog sql.NullString
		if err := rows.Scan(&e.ExecutionID, &e.NodeID, &e.Seq, &e.Status, &ts, &output, &errorLog); err != nil {
			return nil, fmt.Errorf("scan node event: %w", err)
		}
		e.Timestamp = time.Unix(0, ts)
		if output.Valid {
			e.Output = json.RawMessage(output.String)
		}
		e.ErrorLog = errorLog.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestCompletedByNode reduces a node-event log to, for each node id,
// the most recent COMPLETED event — the set step B of the node
// execution contract and the replay path both need.
func LatestCompletedByNode(events []NodeEvent) map[string]NodeEvent {
	out := make(map[string]NodeEvent)
	for _, e := range events {
		if e.Status != NodeEventCompleted {
			continue
		}
		out[e.NodeID] = e
	}
	return out
}
