package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

func insertLock(t *testing.T, st *Store, key, token, agent string, acquired, expires time.Time) {
	t.Helper()
	_, err := st.db.Exec(
		`INSERT INTO locks (lock_key, owner_token, owner_agent, acquired_at, expires_at, version)
		 VALUES (?, ?, ?, ?, ?, 1)`,
		key, token, agent, fmtTime(acquired), fmtTime(expires),
	)
	if err != nil {
		t.Fatalf("insert lock: %v", err)
	}
}

func TestOrphanedLocksClassification(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	old := t0.Add(-2 * core.LockTTL)

	// No session row at all.
	insertLock(t, st, "session:ghost", "tok-1", "a", old, old.Add(core.LockTTL))

	// Session exists but went stale.
	claimOne(t, st, "s-stale", old)
	if err := st.RecoverStaleSession(ctx, "s-stale", "watchdog", old.Add(time.Minute)); err != nil {
		t.Fatalf("recover: %v", err)
	}
	insertLock(t, st, "session:s-stale", "tok-2", "a", old, old.Add(core.LockTTL))

	// Session holds a different token than the lock row.
	claimOne(t, st, "s-mismatch", old)
	if _, err := st.db.Exec(`UPDATE locks SET owner_token = 'drifted' WHERE lock_key = 'session:s-mismatch'`); err != nil {
		t.Fatal(err)
	}

	// Healthy live session, must not be reported.
	claimOne(t, st, "s-live", t0)

	orphans, err := st.OrphanedLocks(ctx, t0.Add(time.Minute), core.LockTTL)
	if err != nil {
		t.Fatalf("orphaned locks: %v", err)
	}
	reasons := map[string]string{}
	for _, o := range orphans {
		reasons[o.Key] = o.Reason
	}
	if reasons["session:ghost"] != "no_session" {
		t.Fatalf("ghost lock: %+v", reasons)
	}
	if reasons["session:s-stale"] != "session_stale" {
		t.Fatalf("stale lock: %+v", reasons)
	}
	if reasons["session:s-mismatch"] != "token_mismatch" {
		t.Fatalf("mismatch lock: %+v", reasons)
	}
	if _, ok := reasons["session:s-live"]; ok {
		t.Fatalf("live lock must not be orphaned: %+v", reasons)
	}
}

func TestOrphanedLocksMinAge(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	// A fresh lock with no session yet may be a claim mid-flight.
	insertLock(t, st, "session:young", "tok", "a", t0, t0.Add(core.LockTTL))

	orphans, err := st.OrphanedLocks(ctx, t0.Add(time.Minute), core.LockTTL)
	if err != nil {
		t.Fatalf("orphaned locks: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("young lock must be left alone: %+v", orphans)
	}

	orphans, err = st.OrphanedLocks(ctx, t0.Add(2*core.LockTTL), core.LockTTL)
	if err != nil {
		t.Fatalf("orphaned locks: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Reason != "no_session" {
		t.Fatalf("aged lock must be reported: %+v", orphans)
	}
}

func TestDeleteLockAndCounts(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	insertLock(t, st, "session:ghost", "tok", "a", t0, t0.Add(core.LockTTL))

	n, err := st.CountOrphanedLocks(ctx)
	if err != nil || n != 1 {
		t.Fatalf("count orphans: %v n=%d", err, n)
	}
	if err := st.DeleteLock(ctx, "session:ghost"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	n, err = st.CountOrphanedLocks(ctx)
	if err != nil || n != 0 {
		t.Fatalf("count after delete: %v n=%d", err, n)
	}
}

func TestLockEventCounting(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	st.LogLockEvent(ctx, core.LockEvent{LockKey: "session:s1", Type: core.LockEventMissOrConflict, Actor: "a"}, t0)
	st.LogLockEvent(ctx, core.LockEvent{LockKey: "session:s1", Type: core.LockEventHeartbeatMismatch, Actor: "a"}, t0.Add(time.Minute))
	st.LogLockEvent(ctx, core.LockEvent{LockKey: "session:s1", Type: core.LockEventStaleRecoveryFailed, Actor: "w"}, t0.Add(time.Minute))

	n, err := st.CountLockConflictEvents(ctx, t0)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	// stale_recovery_failed is diagnostic, not a conflict.
	if n != 2 {
		t.Fatalf("expected 2 conflict events, got %d", n)
	}

	n, err = st.CountLockConflictEvents(ctx, t0.Add(30*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("window filter broken: %v n=%d", err, n)
	}
}

func TestInsertAlertDedupe(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	alert := core.Alert{Key: "orphaned_locks", Level: "warning", Value: 2, Threshold: 1, Source: "lock_monitor", Message: "orphans"}

	inserted, err := st.InsertAlert(ctx, alert, t0)
	if err != nil || !inserted {
		t.Fatalf("insert: %v inserted=%v", err, inserted)
	}
	inserted, err = st.InsertAlert(ctx, alert, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("unresolved alert with the same key must be suppressed")
	}

	if _, err := st.db.Exec(`UPDATE alerts SET resolved_at = ? WHERE alert_key = 'orphaned_locks'`, fmtTime(t0.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	inserted, err = st.InsertAlert(ctx, alert, t0.Add(2*time.Hour))
	if err != nil || !inserted {
		t.Fatalf("insert after resolution: %v inserted=%v", err, inserted)
	}

	alerts, err := st.ListAlerts(ctx, t0)
	if err != nil || len(alerts) != 2 {
		t.Fatalf("list: %v %+v", err, alerts)
	}
}

func TestDeadLetterRecoverRoundTrip(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	enqueue(t, st, storage.EnqueueRequest{TaskID: "T", SessionID: "S", Type: "a", MaxRetries: 1}, t0)
	claim, _ := st.ClaimTask(ctx, "S", "", "", "w", t0)
	res, err := st.CompleteTask(ctx, storage.CompleteRequest{
		TaskID: "T", SessionID: "S", LockToken: claim.LockToken, Agent: "w",
		Outcome: core.TaskOutcome{OK: false, ErrorCode: "EFAIL"},
	}, t0.Add(time.Second))
	if err != nil || res.FinalStatus != core.TaskDead {
		t.Fatalf("kill task: %v %+v", err, res)
	}

	rec, err := st.RecoverDeadLetter(ctx, "T", true, t0.Add(time.Minute))
	if err != nil || !rec.Recovered || rec.RetryCount != 0 {
		t.Fatalf("recover: %v %+v", err, rec)
	}
	task, _ := st.GetTask(ctx, "T")
	if task.Status != core.TaskPending || task.RetryCount != 0 {
		t.Fatalf("task not reset: %+v", task)
	}
	dl, err := st.DeadLetterByTask(ctx, "T")
	if err != nil || dl.Status != core.DeadLetterResolved {
		t.Fatalf("dead letter not resolved: %v %+v", err, dl)
	}

	// No-op while already resolved.
	rec, err = st.RecoverDeadLetter(ctx, "T", true, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if rec.Recovered || rec.Reason != core.ReasonNotFound {
		t.Fatalf("expected recovered:false, got %+v", rec)
	}
}
