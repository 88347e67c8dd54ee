package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
)

// ensureSessionTx creates the session row as idle if it does not exist.
// Sessions come into being on first claim attempt and are never deleted.
func ensureSessionTx(tx *sql.Tx, sessionID, namespace string, now time.Time) error {
	if namespace == "" {
		namespace = "default"
	}
	_, err := tx.Exec(
		`INSERT INTO sessions (session_id, namespace, status, phase, heartbeat_at, updated_at)
		 VALUES (?, ?, 'idle', 'idle', ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sessionID, namespace, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return classify("ensure session", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (core.Session, error) {
	row := s.db.QueryRow(
		`SELECT session_id, namespace, status, phase, heartbeat_at, lock_token, lock_expires_at, inflight_task_id, checkpoint_seq, updated_at
		 FROM sessions WHERE session_id = ?`,
		sessionID,
	)
	return scanSession(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (core.Session, error) {
	var (
		sess                                              core.Session
		status                                            string
		heartbeatAt, lockToken, lockExpiresAt, inflightID sql.NullString
		updatedAt                                         string
	)
	err := row.Scan(&sess.ID, &sess.Namespace, &status, &sess.Phase, &heartbeatAt, &lockToken, &lockExpiresAt, &inflightID, &sess.CheckpointSeq, &updatedAt)
	if err != nil {
		return core.Session{}, classify("scan session", err)
	}
	sess.Status = core.SessionStatus(status)
	sess.HeartbeatAt = parseTime(heartbeatAt.String)
	sess.LockToken = lockToken.String
	sess.LockExpiresAt = parseTime(lockExpiresAt.String)
	sess.InflightTask = inflightID.String
	sess.UpdatedAt = parseTime(updatedAt)
	return sess, nil
}
