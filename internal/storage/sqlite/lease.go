package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

// ClaimTask acquires the session lease and claims the next due task in one
// atomic transaction. Winning the lease with nothing to do rolls the lease
// back (the no_task outcome leaves no lock row behind).
//
// The conditional update on (lock_key, owner_token) is the sole
// compare-and-swap primitive: takeover of an expired lease succeeds for
// exactly one of any number of concurrent callers.
func (s *Store) ClaimTask(ctx context.Context, sessionID, namespace, taskType, agent string, now time.Time) (core.ClaimResult, error) {
	lockKey := core.LockKeyFor(sessionID)
	token := uuid.NewString()
	expiresAt := now.Add(core.LockTTL)

	var res core.ClaimResult
	err := s.inTx(ctx, "claim task", func(tx *sql.Tx) error {
		if err := ensureSessionTx(tx, sessionID, namespace, now); err != nil {
			return err
		}

		var ownerToken string
		var lockExpires string
		err := tx.QueryRow(
			`SELECT owner_token, expires_at FROM locks WHERE lock_key = ?`, lockKey,
		).Scan(&ownerToken, &lockExpires)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.Exec(
				`INSERT INTO locks (lock_key, owner_token, owner_agent, acquired_at, expires_at, version)
				 VALUES (?, ?, ?, ?, ?, 1)`,
				lockKey, token, agent, fmtTime(now), fmtTime(expiresAt),
			); err != nil {
				return classify("insert lock", err)
			}
		case err != nil:
			return classify("read lock", err)
		default:
			if parseTime(lockExpires).After(now) {
				res = core.ClaimResult{Reason: core.ReasonBusy, SessionID: sessionID}
				return nil
			}
			cas, err := tx.Exec(
				`UPDATE locks SET owner_token = ?, owner_agent = ?, acquired_at = ?, expires_at = ?, version = version + 1
				 WHERE lock_key = ? AND owner_token = ?`,
				token, agent, fmtTime(now), fmtTime(expiresAt), lockKey, ownerToken,
			)
			if err != nil {
				return classify("takeover lock", err)
			}
			// Zero rows means a concurrent takeover already won.
			if n, _ := cas.RowsAffected(); n == 0 {
				res = core.ClaimResult{Reason: core.ReasonBusy, SessionID: sessionID}
				return nil
			}
		}

		task, reattach, err := nextClaimableTx(tx, sessionID, taskType, now)
		if err != nil {
			return err
		}
		if task == nil {
			// Nothing to do: release the lease we just acquired.
			if _, err := tx.Exec(
				`DELETE FROM locks WHERE lock_key = ? AND owner_token = ?`, lockKey, token,
			); err != nil {
				return classify("release unused lock", err)
			}
			res = core.ClaimResult{Reason: core.ReasonNoTask, SessionID: sessionID}
			return nil
		}

		seq, err := nextSeqTx(tx, sessionID)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{
			"task_id": task.ID, "task_type": task.Type, "priority": task.Priority,
		})
		evErr := appendEventTx(tx, core.LedgerEntry{
			SessionID:      sessionID,
			Seq:            seq,
			Type:           core.EventTaskClaimed,
			Actor:          agent,
			IdempotencyKey: core.ClaimKey(task.ID, task.Generation, task.RetryCount),
			Payload:        string(payload),
		}, now)
		if evErr != nil {
			if !storage.IsConstraint(evErr) {
				return evErr
			}
			// Claim event already recorded. If the task is mid-flight this
			// is a takeover of an interrupted session: re-attach to it.
			if reattach {
				if err := mirrorLeaseTx(tx, sessionID, task.ID, token, now, expiresAt, seq-1); err != nil {
					return err
				}
				res = core.ClaimResult{
					OK: true, SessionID: sessionID, TaskID: task.ID,
					LockToken: token, TTL: core.LockTTL, Takeover: true,
				}
				return nil
			}
			// Someone else already owns this claim.
			if _, err := tx.Exec(
				`UPDATE locks SET version = version + 1 WHERE lock_key = ? AND owner_token = ?`,
				lockKey, token,
			); err != nil {
				return classify("bump lock version", err)
			}
			res = core.ClaimResult{Reason: core.ReasonDupeOrOwned, SessionID: sessionID}
			return nil
		}

		if !reattach {
			if _, err := tx.Exec(
				`UPDATE tasks SET status = ?, owner_agent = ? WHERE task_id = ?`,
				string(core.TaskClaimed), agent, task.ID,
			); err != nil {
				return classify("claim task row", err)
			}
		}
		if err := mirrorLeaseTx(tx, sessionID, task.ID, token, now, expiresAt, seq); err != nil {
			return err
		}
		res = core.ClaimResult{
			OK: true, SessionID: sessionID, TaskID: task.ID,
			LockToken: token, TTL: core.LockTTL, Takeover: reattach,
		}
		return nil
	})
	if err != nil {
		return core.ClaimResult{Reason: core.ReasonError, SessionID: sessionID}, err
	}

	switch res.Reason {
	case core.ReasonBusy:
		s.LogLockEvent(ctx, core.LockEvent{
			LockKey: lockKey, SessionID: sessionID,
			Type: core.LockEventMissOrConflict, Actor: agent,
		}, now)
	case core.ReasonDupeOrOwned:
		s.LogLockEvent(ctx, core.LockEvent{
			LockKey: lockKey, SessionID: sessionID,
			Type: core.LockEventTakeoverFailed, Actor: agent,
		}, now)
	}
	return res, nil
}

// nextClaimableTx picks the single highest-priority due task, or falls back
// to the session's interrupted in-flight task so a crashed owner's work can
// be re-claimed. reattach reports which path matched.
func nextClaimableTx(tx *sql.Tx, sessionID, taskType string, now time.Time) (task *core.Task, reattach bool, err error) {
	query := `SELECT task_id, task_type, priority, payload, status, retry_count, generation FROM tasks
		 WHERE session_id = ? AND status = 'pending'
		   AND (next_retry_at IS NULL OR next_retry_at <= ?)`
	args := []any{sessionID, fmtTime(now)}
	if taskType != "" {
		query += ` AND task_type = ?`
		args = append(args, taskType)
	}
	query += ` ORDER BY priority ASC, created_at ASC LIMIT 1`

	t, err := scanClaimCandidate(tx.QueryRow(query, args...))
	if err == nil {
		return t, false, nil
	}
	if !storage.IsNotFound(err) {
		return nil, false, err
	}

	t, err = scanClaimCandidate(tx.QueryRow(
		`SELECT t.task_id, t.task_type, t.priority, t.payload, t.status, t.retry_count, t.generation
		 FROM tasks t
		 JOIN sessions s ON s.session_id = t.session_id AND s.inflight_task_id = t.task_id
		 WHERE s.session_id = ? AND t.status IN ('claimed', 'running')`,
		sessionID,
	))
	if err == nil {
		return t, true, nil
	}
	if storage.IsNotFound(err) {
		return nil, false, nil
	}
	return nil, false, err
}

func scanClaimCandidate(row scanner) (*core.Task, error) {
	var t core.Task
	var payload sql.NullString
	var status string
	if err := row.Scan(&t.ID, &t.Type, &t.Priority, &payload, &status, &t.RetryCount, &t.Generation); err != nil {
		return nil, classify("scan claim candidate", err)
	}
	t.Payload = payload.String
	t.Status = core.TaskStatus(status)
	return &t, nil
}

// mirrorLeaseTx copies the lease state onto the session row so readers see
// a consistent owner without joining the lock table.
func mirrorLeaseTx(tx *sql.Tx, sessionID, taskID, token string, now, expiresAt time.Time, checkpointSeq uint64) error {
	_, err := tx.Exec(
		`UPDATE sessions SET status = 'running', phase = 'running', inflight_task_id = ?, checkpoint_seq = ?,
		        heartbeat_at = ?, lock_token = ?, lock_expires_at = ?, updated_at = ?
		 WHERE session_id = ?`,
		taskID, checkpointSeq, fmtTime(now), token, fmtTime(expiresAt), fmtTime(now), sessionID,
	)
	if err != nil {
		return classify("mirror lease", err)
	}
	return nil
}

// HeartbeatLock extends the lease via CAS on (lock_key, owner_token). A
// token mismatch means the lease was lost to a takeover: the caller must
// stop, not retry. The session mirror update is filtered by the same token
// so a heartbeat can never resurrect a session it no longer owns.
func (s *Store) HeartbeatLock(ctx context.Context, sessionID, token, agent string, now time.Time) (bool, error) {
	lockKey := core.LockKeyFor(sessionID)
	expiresAt := now.Add(core.LockTTL)

	renewed := false
	err := s.inTx(ctx, "heartbeat", func(tx *sql.Tx) error {
		cas, err := tx.Exec(
			`UPDATE locks SET expires_at = ?, version = version + 1
			 WHERE lock_key = ? AND owner_token = ?`,
			fmtTime(expiresAt), lockKey, token,
		)
		if err != nil {
			return classify("heartbeat lock", err)
		}
		if n, _ := cas.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.Exec(
			`UPDATE sessions SET heartbeat_at = ?, lock_expires_at = ?, updated_at = ?
			 WHERE session_id = ? AND lock_token = ?`,
			fmtTime(now), fmtTime(expiresAt), fmtTime(now), sessionID, token,
		); err != nil {
			return classify("heartbeat session", err)
		}
		renewed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !renewed {
		s.LogLockEvent(ctx, core.LockEvent{
			LockKey: lockKey, SessionID: sessionID,
			Type: core.LockEventHeartbeatMismatch, Actor: agent,
		}, now)
	}
	return renewed, nil
}

// ReleaseLock deletes the lock row on exact token match and clears the
// session's lease mirror. A mismatch mutates nothing.
func (s *Store) ReleaseLock(ctx context.Context, sessionID, token, agent string, now time.Time) (core.ReleaseResult, error) {
	lockKey := core.LockKeyFor(sessionID)

	var res core.ReleaseResult
	err := s.inTx(ctx, "release lock", func(tx *sql.Tx) error {
		var ownerToken string
		err := tx.QueryRow(`SELECT owner_token FROM locks WHERE lock_key = ?`, lockKey).Scan(&ownerToken)
		if err == sql.ErrNoRows || (err == nil && ownerToken != token) {
			res = core.ReleaseResult{Reason: core.ReasonLockMismatch}
			return nil
		}
		if err != nil {
			return classify("read lock", err)
		}
		if _, err := tx.Exec(`DELETE FROM locks WHERE lock_key = ? AND owner_token = ?`, lockKey, token); err != nil {
			return classify("delete lock", err)
		}
		if _, err := tx.Exec(
			`UPDATE sessions SET status = 'waiting', phase = 'idle', lock_token = NULL, lock_expires_at = NULL, updated_at = ?
			 WHERE session_id = ? AND lock_token = ?`,
			fmtTime(now), sessionID, token,
		); err != nil {
			return classify("clear session lease", err)
		}
		res = core.ReleaseResult{OK: true}
		return nil
	})
	if err != nil {
		return core.ReleaseResult{Reason: core.ReasonError}, err
	}
	if !res.OK {
		s.LogLockEvent(ctx, core.LockEvent{
			LockKey: lockKey, SessionID: sessionID,
			Type: core.LockEventReleaseMismatch, Actor: agent,
		}, now)
	}
	return res, nil
}

func (s *Store) GetLock(ctx context.Context, lockKey string) (core.Lock, error) {
	var l core.Lock
	var acquiredAt, expiresAt string
	err := s.db.QueryRow(
		`SELECT lock_key, owner_token, owner_agent, acquired_at, expires_at, version
		 FROM locks WHERE lock_key = ?`, lockKey,
	).Scan(&l.Key, &l.OwnerToken, &l.OwnerAgent, &acquiredAt, &expiresAt, &l.Version)
	if err != nil {
		return core.Lock{}, classify("get lock", err)
	}
	l.AcquiredAt = parseTime(acquiredAt)
	l.ExpiresAt = parseTime(expiresAt)
	return l, nil
}
