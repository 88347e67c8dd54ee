package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

const monitorAgent = "lock-monitor"

// LockMonitor periodically audits lock health: it recovers orphaned lock
// rows and evaluates windowed metrics against the alert thresholds.
type LockMonitor struct {
	store      storage.Store
	bus        Broadcaster
	thresholds Thresholds
	interval   time.Duration
	window     time.Duration
	now        func() time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewLockMonitor(store storage.Store, bus Broadcaster, thresholds Thresholds, interval, window time.Duration) *LockMonitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = time.Hour
	}
	return &LockMonitor{
		store:      store,
		bus:        bus,
		thresholds: thresholds,
		interval:   interval,
		window:     window,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Start launches the background monitor goroutine.
func (m *LockMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Run(ctx)
			}
		}
	}()
}

// Stop cancels the monitor goroutine and waits for it to finish.
func (m *LockMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

// RunReport summarizes one monitor pass.
type RunReport struct {
	OrphansFound     int          `json:"orphans_found"`
	OrphansRecovered int          `json:"orphans_recovered"`
	Alerts           []core.Alert `json:"alerts,omitempty"`
}

// Run executes one audit pass. Orphan recovery and alert evaluation are
// independent; a failure in one never blocks the other.
func (m *LockMonitor) Run(ctx context.Context) RunReport {
	var report RunReport
	now := m.now()

	orphans, err := m.store.OrphanedLocks(ctx, now, core.LockTTL)
	if err != nil {
		log.Printf("[monitor] orphan scan: %v", err)
	}
	report.OrphansFound = len(orphans)
	for _, o := range orphans {
		// An expired lock whose session still matches is reclaimed by the
		// next takeover; deleting it here would race the claim path.
		if o.Reason == "expired" {
			continue
		}
		if err := m.store.DeleteLock(ctx, o.Key); err != nil {
			log.Printf("[monitor] delete orphan %s: %v", o.Key, err)
			continue
		}
		report.OrphansRecovered++
		m.store.LogLockEvent(ctx, core.LockEvent{
			LockKey:   o.Key,
			SessionID: o.SessionID,
			Type:      core.LockEventOrphanRecovered,
			Actor:     monitorAgent,
			Payload:   `{"reason":"` + o.Reason + `"}`,
		}, m.now())
	}
	if report.OrphansRecovered > 0 {
		log.Printf("[monitor] recovered %d orphaned lock(s)", report.OrphansRecovered)
	}

	metrics, err := m.store.MetricsSnapshot(ctx, m.window, now)
	if err != nil {
		log.Printf("[monitor] metrics: %v", err)
		return report
	}
	for _, alert := range m.thresholds.Evaluate(metrics, now) {
		inserted, err := m.store.InsertAlert(ctx, alert, now)
		if err != nil {
			log.Printf("[monitor] alert %s: %v", alert.Key, err)
			continue
		}
		if !inserted {
			continue
		}
		report.Alerts = append(report.Alerts, alert)
		log.Printf("[monitor] alert %s: %s", alert.Level, alert.Message)
		if m.bus != nil {
			m.bus.Broadcast("", map[string]any{
				"type":  "alert",
				"key":   alert.Key,
				"level": alert.Level,
				"value": alert.Value,
			})
		}
	}
	return report
}
