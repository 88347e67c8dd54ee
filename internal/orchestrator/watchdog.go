package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

const watchdogAgent = "watchdog"

// Watchdog runs a background goroutine that periodically recovers sessions
// whose agent died without releasing the lease. A session is stale only
// when BOTH its heartbeat is older than twice the heartbeat interval AND
// its lease has expired; either signal alone is survivable.
type Watchdog struct {
	store    storage.Store
	bus      Broadcaster
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatchdog creates a watchdog. Call Start() to begin sweeping.
func NewWatchdog(store storage.Store, bus Broadcaster, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = core.HeartbeatInterval
	}
	return &Watchdog{
		store:    store,
		bus:      bus,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.RunSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// SweepStats reports one sweep pass.
type SweepStats struct {
	Scanned   int `json:"scanned"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// RunSweep recovers every stale session it can. One bad session never
// stops the rest of the pass: the failure is recorded as a diagnostic
// lock event and the sweep moves on.
func (w *Watchdog) RunSweep(ctx context.Context) SweepStats {
	now := w.now()
	heartbeatBefore := now.Add(-2 * core.HeartbeatInterval)

	stale, err := w.store.StaleSessions(ctx, heartbeatBefore, now)
	if err != nil {
		log.Printf("[watchdog] scan: %v", err)
		return SweepStats{}
	}

	stats := SweepStats{Scanned: len(stale)}
	for _, sess := range stale {
		if err := w.store.RecoverStaleSession(ctx, sess.ID, watchdogAgent, w.now()); err != nil {
			stats.Failed++
			log.Printf("[watchdog] recover %s: %v", sess.ID, err)
			w.store.LogLockEvent(ctx, core.LockEvent{
				LockKey:   core.LockKeyFor(sess.ID),
				SessionID: sess.ID,
				Type:      core.LockEventStaleRecoveryFailed,
				Actor:     watchdogAgent,
			}, w.now())
			continue
		}
		stats.Recovered++
		if w.bus != nil {
			w.bus.Broadcast(sess.ID, map[string]any{
				"type":       string(core.EventSessionStale),
				"session_id": sess.ID,
			})
		}
	}
	if stats.Scanned > 0 {
		log.Printf("[watchdog] swept %d stale session(s): %d recovered, %d failed",
			stats.Scanned, stats.Recovered, stats.Failed)
	}
	return stats
}
