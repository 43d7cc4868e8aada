package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/goclawd/internal/coerr"
	"github.com/basket/goclawd/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "goclawd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenConfiguresWAL(t *testing.T) {
	st := openTestStore(t)
	var journal string
	if err := st.DB().QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected wal journal mode, got %q", journal)
	}

	requiredTables := []string{"executions", "inference_queue", "node_events", "schedules", "meta"}
	for _, table := range requiredTables {
		var name string
		err := st.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestEnqueueExecutionSeedsInputStartEvent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Unix(1000, 0)

	input := json.RawMessage(`{"x":1}`)
	if err := st.EnqueueExecution(ctx, "exec-1", "", "agent-a", input, "chat", 90, 90, now); err != nil {
		t.Fatalf("enqueue execution: %v", err)
	}

	var count int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM node_events WHERE execution_id = ? AND node_id = 'input_start'`, "exec-1").Scan(&count); err != nil {
		t.Fatalf("count seed events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one seed input_start event, got %d", count)
	}

	row, err := st.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if row.Status != store.StatusPending {
		t.Fatalf("expected PENDING, got %s", row.Status)
	}
	if row.EffectivePriority != 90 {
		t.Fatalf("expected effective priority 90, got %d", row.EffectivePriority)
	}
}

func TestClaimNextPendingExecutionOrdersByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Unix(2000, 0)

	mustEnqueue := func(id string, prio int, ts time.Time) {
		if err := st.EnqueueExecution(ctx, id, "", "agent-a", json.RawMessage(`{}`), "chat", prio, prio, ts); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	mustEnqueue("low", 50, now)
	mustEnqueue("high-later", 90, now.Add(time.Second))
	mustEnqueue("high-earlier", 90, now)

	row, ok, err := st.ClaimNextPendingExecution(ctx, "lease-1", time.Minute, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Fatalf("expected a claimable row")
	}
	if row.ID != "high-earlier" {
		t.Fatalf("expected high-earlier claimed first, got %s", row.ID)
	}
	if row.Status != store.StatusRunning {
		t.Fatalf("expected claimed row to be RUNNING, got %s", row.Status)
	}
	if row.LeaseToken != "lease-1" {
		t.Fatalf("expected lease token stamped, got %q", row.LeaseToken)
	}
}

func TestClaimNextPendingExecutionNoneEligible(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	_, ok, err := st.ClaimNextPendingExecution(ctx, "lease-1", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatalf("expected no claimable row on an empty queue")
	}
}

func TestCompleteExecutionRejectsStaleLease(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Unix(3000, 0)

	if err := st.EnqueueExecution(ctx, "exec-1", "", "agent-a", json.RawMessage(`{}`), "chat", 90, 90, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := st.ClaimNextPendingExecution(ctx, "real-lease", time.Minute, now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	err := st.CompleteExecution(ctx, "exec-1", "wrong-lease", json.RawMessage(`{}`), now)
	var leaseLost *coerr.LeaseLostError
	if err == nil {
		t.Fatalf("expected LeaseLostError, got nil")
	}
	if !asLeaseLost(err, &leaseLost) {
		t.Fatalf("expected LeaseLostError, got %v", err)
	}
}

func asLeaseLost(err error, target **coerr.LeaseLostError) bool {
	le, ok := err.(*coerr.LeaseLostError)
	if ok {
		*target = le
	}
	return ok
}

func TestRequestCancelExecutionIsIdempotentOnTerminalRows(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Unix(4000, 0)

	if err := st.EnqueueExecution(ctx, "exec-1", "", "agent-a", json.RawMessage(`{}`), "chat", 90, 90, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := st.ClaimNextPendingExecution(ctx, "lease-1", time.Minute, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.CompleteExecution(ctx, "exec-1", "lease-1", json.RawMessage(`{"ok":true}`), now); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := st.RequestCancelExecution(ctx, "exec-1"); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	row, err := st.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if row.Status != store.StatusCompleted {
		t.Fatalf("expected terminal row to stay COMPLETED, got %s", row.Status)
	}
}

func TestFailExecutionRecordsFingerprintAndCount(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Unix(5000, 0)

	if err := st.EnqueueExecution(ctx, "exec-1", "", "agent-a", json.RawMessage(`{}`), "chat", 90, 90, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := st.ClaimNextPendingExecution(ctx, "lease-1", time.Minute, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.FailExecution(ctx, "exec-1", "lease-1", "boom", "fp-abc", now); err != nil {
		t.Fatalf("fail: %v", err)
	}

	row, err := st.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if row.Status != store.StatusFailed {
		t.Fatalf("expected FAILED, got %s", row.Status)
	}
	if row.FailureFingerprint != "fp-abc" {
		t.Fatalf("expected fingerprint fp-abc, got %q", row.FailureFingerprint)
	}
	if row.FailureCount != 1 {
		t.Fatalf("expected failure_count 1, got %d", row.FailureCount)
	}
}

func TestAgeQueuedPrioritiesBoostsOldRowsAndRespectsCap(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	enqueuedAt := time.Unix(1000, 0)
	now := enqueuedAt.Add(10 * time.Minute)

	if err := st.EnqueueExecution(ctx, "old-low", "", "agent-a", json.RawMessage(`{}`), "trigger", 30, 30, enqueuedAt); err != nil {
		t.Fatalf("enqueue old-low: %v", err)
	}
	if err := st.EnqueueExecution(ctx, "old-near-cap", "", "agent-a", json.RawMessage(`{}`), "manual_run", 70, 60, enqueuedAt); err != nil {
		t.Fatalf("enqueue old-near-cap: %v", err)
	}
	if err := st.EnqueueExecution(ctx, "fresh", "", "agent-a", json.RawMessage(`{}`), "trigger", 30, 30, now); err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}

	if err := st.AgeQueuedPriorities(ctx, 5*time.Minute, 10, 65, now); err != nil {
		t.Fatalf("age queued priorities: %v", err)
	}

	old, err := st.GetExecution(ctx, "old-low")
	if err != nil {
		t.Fatalf("get old-low: %v", err)
	}
	if old.EffectivePriority != 40 {
		t.Fatalf("expected old-low boosted to 40, got %d", old.EffectivePriority)
	}

	nearCap, err := st.GetExecution(ctx, "old-near-cap")
	if err != nil {
		t.Fatalf("get old-near-cap: %v", err)
	}
	if nearCap.EffectivePriority != 65 {
		t.Fatalf("expected old-near-cap capped at 65, got %d", nearCap.EffectivePriority)
	}

	fresh, err := st.GetExecution(ctx, "fresh")
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if fresh.EffectivePriority != 30 {
		t.Fatalf("expected fresh row untouched, got %d", fresh.EffectivePriority)
	}
}

func TestRecoverAtBootRequeuesOrphanedRunningRows(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Unix(6000, 0)

	if err := st.EnqueueExecution(ctx, "exec-1", "", "agent-a", json.RawMessage(`{}`), "chat", 90, 90, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, _, err := st.ClaimNextPendingExecution(ctx, "crashed-lease", time.Minute, now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := st.RecoverAtBoot(ctx); err != nil {
		t.Fatalf("recover at boot: %v", err)
	}

	row, err := st.GetExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if row.Status != store.StatusPending {
		t.Fatalf("expected row requeued to PENDING after recovery, got %s", row.Status)
	}
	if row.LeaseToken != "" {
		t.Fatalf("expected lease token cleared after recovery, got %q", row.LeaseToken)
	}
}
