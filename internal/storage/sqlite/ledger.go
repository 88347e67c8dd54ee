package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
)

// nextSeqTx computes MAX(event_seq)+1 for a session inside the same
// transaction as the insert that will use it. Two concurrent claimants may
// compute the same value; only one insert wins, the other collides on the
// idempotency key.
func nextSeqTx(tx *sql.Tx, sessionID string) (uint64, error) {
	var seq uint64
	err := tx.QueryRow(
		`SELECT COALESCE(MAX(event_seq), 0) FROM event_log WHERE session_id = ?`,
		sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, classify("next seq", err)
	}
	return seq + 1, nil
}

// appendEventTx inserts one ledger row. A KindConstraint error means the
// idempotency key already exists: the operation was already applied and
// the caller must re-derive the outcome instead of failing.
func appendEventTx(tx *sql.Tx, entry core.LedgerEntry, now time.Time) error {
	if entry.Status == "" {
		entry.Status = "ok"
	}
	_, err := tx.Exec(
		`INSERT INTO event_log (session_id, event_seq, event_type, actor_agent, idempotency_key, payload, status, error_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Seq, string(entry.Type), entry.Actor, entry.IdempotencyKey,
		nullable(entry.Payload), entry.Status, nullable(entry.ErrorCode), fmtTime(now),
	)
	if err != nil {
		return classify("append event", err)
	}
	return nil
}

func (s *Store) SessionEvents(ctx context.Context, sessionID string, sinceSeq uint64) ([]core.LedgerEntry, error) {
	rows, err := s.db.Query(
		`SELECT session_id, event_seq, event_type, actor_agent, idempotency_key, payload, status, error_code, created_at
		 FROM event_log
		 WHERE session_id = ? AND event_seq > ?
		 ORDER BY event_seq ASC`,
		sessionID, sinceSeq,
	)
	if err != nil {
		return nil, classify("session events", err)
	}
	defer rows.Close()

	var out []core.LedgerEntry
	for rows.Next() {
		var (
			e                  core.LedgerEntry
			eventType          string
			payload, errorCode sql.NullString
			createdAt          string
		)
		if err := rows.Scan(&e.SessionID, &e.Seq, &eventType, &e.Actor, &e.IdempotencyKey, &payload, &e.Status, &errorCode, &createdAt); err != nil {
			return nil, classify("scan event", err)
		}
		e.Type = core.EventType(eventType)
		e.Payload = payload.String
		e.ErrorCode = errorCode.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, classify("session events", rows.Err())
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
