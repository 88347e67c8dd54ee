package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
	"github.com/mistakeknot/ordinate/internal/storage/sqlite"
)

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.NewInMemory()
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func claimSession(t *testing.T, st storage.Store, sessionID string, now time.Time) core.ClaimResult {
	t.Helper()
	res, err := st.EnqueueTask(context.Background(), storage.EnqueueRequest{
		TaskID: sessionID + "-task", SessionID: sessionID, Type: "a",
	}, now)
	if err != nil || !res.OK {
		t.Fatalf("enqueue: %v %+v", err, res)
	}
	claim, err := st.ClaimTask(context.Background(), sessionID, "", "", "agent", now)
	if err != nil || !claim.OK {
		t.Fatalf("claim: %v %+v", err, claim)
	}
	return claim
}

type recordingBus struct {
	mu     sync.Mutex
	events []any
}

func (b *recordingBus) Broadcast(sessionID string, event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func TestWatchdogSweepRecoversStaleSessions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	claimSession(t, st, "dead-session", t0)
	liveClaim := claimSession(t, st, "live-session", t0)

	// The live session keeps heartbeating; the dead one goes silent.
	beat := t0.Add(2 * core.HeartbeatInterval)
	if ok, err := st.HeartbeatLock(ctx, "live-session", liveClaim.LockToken, "agent", beat); err != nil || !ok {
		t.Fatalf("heartbeat: %v ok=%v", err, ok)
	}

	bus := &recordingBus{}
	w := NewWatchdog(st, bus, 0)
	sweepAt := t0.Add(core.LockTTL + time.Second)
	w.now = func() time.Time { return sweepAt }

	stats := w.RunSweep(ctx)
	if stats.Scanned != 1 || stats.Recovered != 1 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	sess, err := st.GetSession(ctx, "dead-session")
	if err != nil || sess.Status != core.SessionStale {
		t.Fatalf("dead session not recovered: %v %+v", err, sess)
	}
	sess, err = st.GetSession(ctx, "live-session")
	if err != nil || sess.Status != core.SessionRunning {
		t.Fatalf("live session must be untouched: %v %+v", err, sess)
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.events) != 1 {
		t.Fatalf("expected one broadcast, got %+v", bus.events)
	}

	// A second sweep finds nothing.
	stats = w.RunSweep(ctx)
	if stats.Scanned != 0 {
		t.Fatalf("second sweep must be empty: %+v", stats)
	}
}

func TestWatchdogStartStop(t *testing.T) {
	st := newTestStore(t)
	w := NewWatchdog(st, nil, 10*time.Millisecond)
	w.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	w.Stop()
}
