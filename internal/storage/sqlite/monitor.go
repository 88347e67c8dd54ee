package sqlite

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

// Minimum lock age before a lock with no matching session can be called
// orphaned. Younger rows may belong to a claim still in flight.
const orphanMinAge = core.LockTTL

// LogLockEvent appends a diagnostic lock observation. Diagnostics never
// block the operation that produced them: any failure is logged and
// swallowed.
func (s *Store) LogLockEvent(ctx context.Context, ev core.LockEvent, now time.Time) {
	_, err := s.db.Exec(
		`INSERT INTO lock_events (lock_key, session_id, event_type, actor_agent, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.LockKey, nullable(ev.SessionID), ev.Type, ev.Actor, nullable(ev.Payload), fmtTime(now),
	)
	if err != nil && !storage.IsMissingTable(classify("log lock event", err)) {
		log.Printf("[store] lock event %s dropped: %v", ev.Type, err)
	}
}

// OrphanedLocks finds lock rows older than minAge whose owning session is
// missing, stale, or no longer holds the lock's token. Expired-but-owned
// locks are reported too so the monitor can count them, with a reason that
// lets auto-recovery skip them.
func (s *Store) OrphanedLocks(ctx context.Context, now time.Time, minAge time.Duration) ([]core.OrphanLock, error) {
	if minAge <= 0 {
		minAge = orphanMinAge
	}
	rows, err := s.db.Query(
		`SELECT l.lock_key, l.owner_token, l.owner_agent, l.acquired_at, l.expires_at, l.version,
		        s.session_id, s.status, s.lock_token
		 FROM locks l
		 LEFT JOIN sessions s ON l.lock_key = 'session:' || s.session_id
		 WHERE l.acquired_at < ?`,
		fmtTime(now.Add(-minAge)),
	)
	if err != nil {
		return nil, classify("orphaned locks", err)
	}
	defer rows.Close()

	var out []core.OrphanLock
	for rows.Next() {
		var o core.OrphanLock
		var acquiredAt, expiresAt string
		var sessionID, sessionStatus, lockToken sql.NullString
		if err := rows.Scan(&o.Key, &o.OwnerToken, &o.OwnerAgent, &acquiredAt, &expiresAt, &o.Version,
			&sessionID, &sessionStatus, &lockToken); err != nil {
			return nil, classify("scan orphaned lock", err)
		}
		o.AcquiredAt = parseTime(acquiredAt)
		o.ExpiresAt = parseTime(expiresAt)
		o.SessionID = sessionID.String
		o.SessionStatus = core.SessionStatus(sessionStatus.String)

		switch {
		case !sessionID.Valid:
			o.Reason = "no_session"
		case core.SessionStatus(sessionStatus.String) == core.SessionStale:
			o.Reason = "session_stale"
		case !lockToken.Valid || lockToken.String != o.OwnerToken:
			o.Reason = "token_mismatch"
		case o.Expired(now):
			o.Reason = "expired"
		default:
			continue
		}
		out = append(out, o)
	}
	return out, classify("orphaned locks", rows.Err())
}

func (s *Store) DeleteLock(ctx context.Context, lockKey string) error {
	_, err := s.db.Exec(`DELETE FROM locks WHERE lock_key = ?`, lockKey)
	return classify("delete lock", err)
}

// CountOrphanedLocks counts lock rows with no session or a stale session,
// the cheap variant used by the metrics snapshot.
func (s *Store) CountOrphanedLocks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM locks l
		 LEFT JOIN sessions s ON l.lock_key = 'session:' || s.session_id
		 WHERE s.session_id IS NULL OR s.status = 'stale' OR s.lock_token IS NULL OR s.lock_token != l.owner_token`,
	).Scan(&n)
	if err != nil {
		return 0, classify("count orphaned locks", err)
	}
	return n, nil
}

func (s *Store) CountLockConflictEvents(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM lock_events WHERE created_at >= ? AND event_type IN (?, ?, ?, ?)`,
		fmtTime(since),
		core.LockEventMissOrConflict, core.LockEventTakeoverFailed,
		core.LockEventHeartbeatMismatch, core.LockEventReleaseMismatch,
	).Scan(&n)
	if err != nil {
		cerr := classify("count lock conflicts", err)
		if storage.IsMissingTable(cerr) {
			return 0, nil
		}
		return 0, cerr
	}
	return n, nil
}

// InsertAlert persists a threshold breach unless an unresolved alert with
// the same key already exists in the window. Returns whether a row was
// written.
func (s *Store) InsertAlert(ctx context.Context, alert core.Alert, now time.Time) (bool, error) {
	dup, err := s.HasUnresolvedAlert(ctx, alert.Key, now.Add(-24*time.Hour))
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}
	_, err = s.db.Exec(
		`INSERT INTO alerts (alert_key, level, value, threshold, source, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.Key, alert.Level, alert.Value, alert.Threshold, alert.Source, alert.Message, fmtTime(now),
	)
	if err != nil {
		cerr := classify("insert alert", err)
		if storage.IsMissingTable(cerr) {
			return false, nil
		}
		return false, cerr
	}
	return true, nil
}

func (s *Store) HasUnresolvedAlert(ctx context.Context, key string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM alerts WHERE alert_key = ? AND resolved_at IS NULL AND created_at >= ?`,
		key, fmtTime(since),
	).Scan(&n)
	if err != nil {
		cerr := classify("check alert", err)
		if storage.IsMissingTable(cerr) {
			return false, nil
		}
		return false, cerr
	}
	return n > 0, nil
}

func (s *Store) ListAlerts(ctx context.Context, since time.Time) ([]core.Alert, error) {
	rows, err := s.db.Query(
		`SELECT alert_id, alert_key, level, value, threshold, source, message, created_at, resolved_at
		 FROM alerts WHERE created_at >= ? ORDER BY created_at DESC`,
		fmtTime(since),
	)
	if err != nil {
		cerr := classify("list alerts", err)
		if storage.IsMissingTable(cerr) {
			return nil, nil
		}
		return nil, cerr
	}
	defer rows.Close()

	var out []core.Alert
	for rows.Next() {
		var (
			a         core.Alert
			createdAt string
			resolved  sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Key, &a.Level, &a.Value, &a.Threshold, &a.Source, &a.Message, &createdAt, &resolved); err != nil {
			return nil, classify("scan alert", err)
		}
		a.CreatedAt = parseTime(createdAt)
		a.ResolvedAt = parseTime(resolved.String)
		out = append(out, a)
	}
	return out, classify("list alerts", rows.Err())
}
