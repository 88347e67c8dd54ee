package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

// StaleSessions returns running/waiting sessions whose heartbeat is older
// than heartbeatBefore AND whose lease has expired before lockExpiredBefore.
// Both conditions are required: a session mid-heartbeat-delay but still
// inside its lease window is not stale.
func (s *Store) StaleSessions(ctx context.Context, heartbeatBefore, lockExpiredBefore time.Time) ([]core.Session, error) {
	rows, err := s.db.Query(
		`SELECT session_id, namespace, status, phase, heartbeat_at, lock_token, lock_expires_at, inflight_task_id, checkpoint_seq, updated_at
		 FROM sessions
		 WHERE status IN ('running', 'waiting')
		   AND heartbeat_at IS NOT NULL AND heartbeat_at < ?
		   AND lock_expires_at IS NOT NULL AND lock_expires_at < ?`,
		fmtTime(heartbeatBefore), fmtTime(lockExpiredBefore),
	)
	if err != nil {
		return nil, classify("stale sessions", err)
	}
	defer rows.Close()

	var out []core.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, classify("stale sessions", rows.Err())
}

// RecoverStaleSession demotes one stale session: status to stale, lease
// mirror cleared, an idempotent session_stale ledger event, the in-flight
// task re-queued (or dead-lettered once its retry budget is spent), and
// the lock row deleted, all in one transaction.
// Re-running the sweep on an already recovered session is a no-op thanks
// to the stale:<session> idempotency key.
func (s *Store) RecoverStaleSession(ctx context.Context, sessionID, agent string, now time.Time) error {
	return s.inTx(ctx, "recover stale session", func(tx *sql.Tx) error {
		var heartbeatAt, lockExpiresAt, inflightID sql.NullString
		err := tx.QueryRow(
			`SELECT heartbeat_at, lock_expires_at, inflight_task_id FROM sessions WHERE session_id = ?`,
			sessionID,
		).Scan(&heartbeatAt, &lockExpiresAt, &inflightID)
		if err != nil {
			return classify("read session", err)
		}

		if _, err := tx.Exec(
			`UPDATE sessions SET status = 'stale', phase = 'stale', heartbeat_at = ?, updated_at = ?,
			        lock_token = NULL, lock_expires_at = NULL
			 WHERE session_id = ?`,
			fmtTime(now), fmtTime(now), sessionID,
		); err != nil {
			return classify("demote session", err)
		}

		seq, err := nextSeqTx(tx, sessionID)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]string{
			"heartbeat_at":    heartbeatAt.String,
			"lock_expires_at": lockExpiresAt.String,
		})
		if err := appendEventTx(tx, core.LedgerEntry{
			SessionID:      sessionID,
			Seq:            seq,
			Type:           core.EventSessionStale,
			Actor:          agent,
			IdempotencyKey: core.StaleKey(sessionID),
			Payload:        string(payload),
		}, now); err != nil && !storage.IsConstraint(err) {
			return err
		}

		if inflightID.Valid && inflightID.String != "" {
			if err := requeueInterruptedTx(tx, sessionID, inflightID.String, agent, now); err != nil {
				return err
			}
			if _, err := tx.Exec(
				`UPDATE sessions SET inflight_task_id = NULL WHERE session_id = ?`, sessionID,
			); err != nil {
				return classify("clear inflight", err)
			}
		}

		if _, err := tx.Exec(`DELETE FROM locks WHERE lock_key = ?`, core.LockKeyFor(sessionID)); err != nil {
			return classify("delete stale lock", err)
		}
		return nil
	})
}

// requeueInterruptedTx charges a stale interruption against the in-flight
// task's retry budget, exactly as a reported failure would be. While
// retries remain the task goes back to pending for immediate re-claim;
// once the bumped count reaches max_retries it goes dead with an open
// dead letter, so a worker that keeps claiming and going stale cannot
// loop past the budget.
func requeueInterruptedTx(tx *sql.Tx, sessionID, taskID, agent string, now time.Time) error {
	var status string
	var retryCount, maxRetries, generation int
	var payload, errorCode sql.NullString
	err := tx.QueryRow(
		`SELECT status, retry_count, max_retries, generation, payload, error_code FROM tasks WHERE task_id = ?`,
		taskID,
	).Scan(&status, &retryCount, &maxRetries, &generation, &payload, &errorCode)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return classify("read inflight task", err)
	}
	if status != string(core.TaskClaimed) && status != string(core.TaskRunning) {
		return nil
	}

	if retryCount+1 < maxRetries {
		if _, err := tx.Exec(
			`UPDATE tasks SET status = 'pending', owner_agent = NULL, retry_count = retry_count + 1, next_retry_at = ?
			 WHERE task_id = ?`,
			fmtTime(now), taskID,
		); err != nil {
			return classify("requeue inflight task", err)
		}
		return nil
	}

	if _, err := tx.Exec(
		`UPDATE tasks SET status = 'dead', owner_agent = NULL, retry_count = ?, finished_at = ?,
		        last_error = 'stale session interrupted final attempt'
		 WHERE task_id = ?`,
		retryCount+1, fmtTime(now), taskID,
	); err != nil {
		return classify("dead inflight task", err)
	}

	seq, err := nextSeqTx(tx, sessionID)
	if err != nil {
		return err
	}
	deadPayload, _ := json.Marshal(map[string]any{
		"task_id": taskID, "final_status": string(core.TaskDead),
		"retry_count": retryCount, "will_retry": false,
	})
	if err := appendEventTx(tx, core.LedgerEntry{
		SessionID:      sessionID,
		Seq:            seq,
		Type:           core.EventTaskDead,
		Actor:          agent,
		IdempotencyKey: core.FinalizeKey(taskID, generation, retryCount),
		Payload:        string(deadPayload),
		Status:         "error",
		ErrorCode:      errorCode.String,
	}, now); err != nil && !storage.IsConstraint(err) {
		return err
	}

	addDeadLetterTx(tx, core.DeadLetter{
		TaskID:    taskID,
		SessionID: sessionID,
		Reason:    "retry limit reached",
		Payload:   payload.String,
		ErrorCode: errorCode.String,
	}, now)
	return nil
}
