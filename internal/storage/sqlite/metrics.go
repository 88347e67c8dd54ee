package sqlite

import (
	"context"
	"log"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

// MetricsSnapshot builds the point-in-time health read model over the
// trailing window. Each counter is computed independently and fails open
// to zero when its table is absent, so a partially deployed schema still
// yields a usable snapshot.
func (s *Store) MetricsSnapshot(ctx context.Context, window time.Duration, now time.Time) (core.Metrics, error) {
	if window <= 0 {
		window = 60 * time.Minute
	}
	since := fmtTime(now.Add(-window))

	m := core.Metrics{
		WindowMinutes: int(window / time.Minute),
		At:            now.UTC(),
		EventCounts:   map[string]int{},
	}

	rows, err := s.db.Query(
		`SELECT event_type, COUNT(*) FROM event_log WHERE created_at >= ? GROUP BY event_type`, since,
	)
	if err != nil {
		return m, classify("metrics events", err)
	}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return m, classify("metrics events", err)
		}
		m.EventCounts[typ] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return m, classify("metrics events", err)
	}

	m.StaleRecovered = m.EventCounts[string(core.EventSessionStale)]
	m.RetryAttempts = m.EventCounts[string(core.EventTaskRetryScheduled)]
	m.RetryLimitReached = m.EventCounts[string(core.EventTaskDead)]

	m.LockExpired = s.safeCount(
		`SELECT COUNT(*) FROM lock_events WHERE event_type IN (?, ?) AND created_at >= ?`,
		core.LockEventMissOrConflict, core.LockEventTakeoverFailed, since,
	)
	m.StaleRecoveryFailed = s.safeCount(
		`SELECT COUNT(*) FROM lock_events WHERE event_type = ? AND created_at >= ?`,
		core.LockEventStaleRecoveryFailed, since,
	)
	m.LockConflictEvents = s.safeCount(
		`SELECT COUNT(*) FROM lock_events WHERE event_type IN (?, ?, ?, ?) AND created_at >= ?`,
		core.LockEventMissOrConflict, core.LockEventTakeoverFailed,
		core.LockEventHeartbeatMismatch, core.LockEventReleaseMismatch, since,
	)
	m.DuplicateSuppressed = s.safeCount(
		`SELECT COUNT(*) FROM tasks WHERE dedupe_key IS NOT NULL AND created_at >= ?
		   AND status IN ('pending', 'claimed', 'running')
		   AND EXISTS (SELECT 1 FROM tasks t2 WHERE t2.session_id = tasks.session_id
		                AND t2.dedupe_key = tasks.dedupe_key AND t2.task_id != tasks.task_id)`,
		since,
	)
	m.DeadLettersOpen = s.safeCount(`SELECT COUNT(*) FROM dead_letters WHERE status = 'open'`)
	m.OrphanedLocks = s.safeCount(
		`SELECT COUNT(*) FROM locks l
		 LEFT JOIN sessions s ON l.lock_key = 'session:' || s.session_id
		 WHERE s.session_id IS NULL OR s.status = 'stale' OR s.lock_token IS NULL OR s.lock_token != l.owner_token`,
	)
	m.StaleOrphanLocks = s.safeCount(
		`SELECT COUNT(*) FROM locks l
		 JOIN sessions s ON l.lock_key = 'session:' || s.session_id
		 WHERE s.status = 'stale'`,
	)
	return m, nil
}

// safeCount runs a COUNT query and returns zero on any failure. Metrics
// are advisory; a broken counter must not take the snapshot down.
func (s *Store) safeCount(query string, args ...any) int {
	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		if cerr := classify("metrics count", err); !storage.IsMissingTable(cerr) {
			log.Printf("[store] metrics count failed: %v", cerr)
		}
		return 0
	}
	return n
}
