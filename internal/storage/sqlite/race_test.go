package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

// newRaceStore creates a file-backed store with WAL mode, suitable for
// concurrent access from multiple goroutines. In-memory ":memory:" doesn't
// work because each connection gets a separate DB.
func newRaceStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "race.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Ten concurrent claimants on one session: exactly one may win the lease.
func TestConcurrentClaimSingleWinner(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	enqueue(t, st, storage.EnqueueRequest{TaskID: "t1", SessionID: "s1", Type: "a"}, t0)

	const claimants = 10
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := st.ClaimTask(ctx, "s1", "", "", "agent", t0)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if res.OK {
				winners.Add(1)
			} else if res.Reason != core.ReasonBusy && res.Reason != core.ReasonDupeOrOwned {
				t.Errorf("unexpected loser outcome: %+v", res)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners.Load())
	}
}

// Concurrent enqueues with one dedupe key must insert exactly one task.
func TestConcurrentEnqueueDedupe(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()

	const workers = 10
	var inserted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := st.EnqueueTask(ctx, storage.EnqueueRequest{
				SessionID: "s1", Type: "index", DedupeKey: "idx:main",
			}, t0)
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			if res.OK {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()

	if inserted.Load() != 1 {
		t.Fatalf("expected exactly 1 insert, got %d", inserted.Load())
	}
}

// Heartbeats race a takeover: after the takeover commits, the old token
// must never renew again.
func TestHeartbeatTakeoverRace(t *testing.T) {
	st := newRaceStore(t)
	ctx := context.Background()
	enqueue(t, st, storage.EnqueueRequest{TaskID: "t1", SessionID: "s1", Type: "a"}, t0)
	first, err := st.ClaimTask(ctx, "s1", "", "", "agent-a", t0)
	if err != nil || !first.OK {
		t.Fatalf("claim: %v %+v", err, first)
	}

	expired := t0.Add(core.LockTTL + time.Second)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			st.HeartbeatLock(ctx, "s1", first.LockToken, "agent-a", expired)
		}
	}()
	var takeover core.ClaimResult
	go func() {
		defer wg.Done()
		takeover, _ = st.ClaimTask(ctx, "s1", "", "", "agent-b", expired)
	}()
	wg.Wait()

	if takeover.OK {
		// After the takeover, the old token is dead for good.
		ok, err := st.HeartbeatLock(ctx, "s1", first.LockToken, "agent-a", expired.Add(time.Second))
		if err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		if ok {
			t.Fatal("old token renewed after takeover")
		}
		lock, err := st.GetLock(ctx, core.LockKeyFor("s1"))
		if err != nil || lock.OwnerToken != takeover.LockToken {
			t.Fatalf("lock not held by takeover winner: %v %+v", err, lock)
		}
	}
}
