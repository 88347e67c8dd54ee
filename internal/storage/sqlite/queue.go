package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

// Retry backoff for failed tasks: delay = base * factor^retry_count,
// plus up to jitterMax of random jitter.
const (
	retryBackoffBase   = time.Second
	retryBackoffFactor = 2
	retryJitterMax     = 100 * time.Millisecond
)

func nextRetryDelay(retryCount int) time.Duration {
	delay := retryBackoffBase
	for i := 0; i < retryCount; i++ {
		delay *= retryBackoffFactor
	}
	return delay + time.Duration(rand.Float64()*float64(retryJitterMax))
}

// EnqueueTask adds a task to a session's queue. When a dedupe key is given
// and an active task already carries it, the enqueue is suppressed and the
// existing task's identifier is returned.
func (s *Store) EnqueueTask(ctx context.Context, req storage.EnqueueRequest, now time.Time) (core.EnqueueResult, error) {
	taskID := req.TaskID
	if taskID == "" {
		taskID = fmt.Sprintf("%s-%s", req.Type, uuid.NewString()[:8])
	}
	priority := req.Priority
	if priority == 0 {
		priority = 5
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	var res core.EnqueueResult
	err := s.inTx(ctx, "enqueue task", func(tx *sql.Tx) error {
		if err := ensureSessionTx(tx, req.SessionID, "", now); err != nil {
			return err
		}
		if req.DedupeKey != "" {
			var existing string
			err := tx.QueryRow(
				`SELECT task_id FROM tasks
				 WHERE session_id = ? AND dedupe_key = ? AND status IN ('pending', 'claimed', 'running')`,
				req.SessionID, req.DedupeKey,
			).Scan(&existing)
			if err == nil {
				res = core.EnqueueResult{Reason: core.ReasonDuplicate, TaskID: existing}
				return nil
			}
			if err != sql.ErrNoRows {
				return classify("check dedupe", err)
			}
		}

		if _, err := tx.Exec(
			`INSERT INTO tasks (task_id, session_id, task_type, priority, payload, status, dedupe_key, retry_count, max_retries, created_at)
			 VALUES (?, ?, ?, ?, ?, 'pending', ?, 0, ?, ?)`,
			taskID, req.SessionID, req.Type, priority, nullable(req.Payload), nullable(req.DedupeKey), maxRetries, fmtTime(now),
		); err != nil {
			return classify("insert task", err)
		}

		seq, err := nextSeqTx(tx, req.SessionID)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]any{
			"task_id": taskID, "task_type": req.Type, "priority": priority,
		})
		if err := appendEventTx(tx, core.LedgerEntry{
			SessionID:      req.SessionID,
			Seq:            seq,
			Type:           core.EventTaskEnqueued,
			Actor:          "orchestrator",
			IdempotencyKey: core.EnqueueKey(taskID),
			Payload:        string(payload),
		}, now); err != nil {
			return err
		}
		res = core.EnqueueResult{OK: true, TaskID: taskID}
		return nil
	})
	if err != nil {
		return core.EnqueueResult{Reason: core.ReasonError}, err
	}
	return res, nil
}

// StartTask moves a claimed task to running. Any other current status is
// rejected as invalid_status.
func (s *Store) StartTask(ctx context.Context, taskID, agent string, now time.Time) (core.StartResult, error) {
	var res core.StartResult
	err := s.inTx(ctx, "start task", func(tx *sql.Tx) error {
		var sessionID, status string
		var retryCount, generation int
		err := tx.QueryRow(`SELECT session_id, status, retry_count, generation FROM tasks WHERE task_id = ?`, taskID).Scan(&sessionID, &status, &retryCount, &generation)
		if err == sql.ErrNoRows {
			res = core.StartResult{Reason: core.ReasonNotFound}
			return nil
		}
		if err != nil {
			return classify("read task", err)
		}
		if status != string(core.TaskClaimed) {
			res = core.StartResult{Reason: core.ReasonInvalidStatus, CurrentStatus: core.TaskStatus(status)}
			return nil
		}
		if _, err := tx.Exec(
			`UPDATE tasks SET status = 'running', started_at = ? WHERE task_id = ? AND status = 'claimed'`,
			fmtTime(now), taskID,
		); err != nil {
			return classify("start task row", err)
		}

		seq, err := nextSeqTx(tx, sessionID)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]string{"task_id": taskID})
		if err := appendEventTx(tx, core.LedgerEntry{
			SessionID:      sessionID,
			Seq:            seq,
			Type:           core.EventTaskStarted,
			Actor:          agent,
			IdempotencyKey: core.StartKey(taskID, generation, retryCount),
			Payload:        string(payload),
		}, now); err != nil && !storage.IsConstraint(err) {
			return err
		}
		res = core.StartResult{OK: true}
		return nil
	})
	if err != nil {
		return core.StartResult{Reason: core.ReasonError}, err
	}
	return res, nil
}

// CompleteTask finalizes a task under the caller's lease token: ledger
// insert, task transition, dead-letter escalation, session update and lock
// release all commit or roll back together. A finalize that already
// committed is detected by the idempotency key and replayed as success
// without touching any row again.
func (s *Store) CompleteTask(ctx context.Context, req storage.CompleteRequest, now time.Time) (core.CompleteResult, error) {
	lockKey := core.LockKeyFor(req.SessionID)

	var res core.CompleteResult
	err := s.inTx(ctx, "complete task", func(tx *sql.Tx) error {
		var status, lastErrorCode sql.NullString
		var retryCount, maxRetries, generation int
		err := tx.QueryRow(
			`SELECT status, error_code, retry_count, max_retries, generation FROM tasks WHERE task_id = ? AND session_id = ?`,
			req.TaskID, req.SessionID,
		).Scan(&status, &lastErrorCode, &retryCount, &maxRetries, &generation)
		if err == sql.ErrNoRows {
			res = core.CompleteResult{Reason: core.ReasonNotFound}
			return nil
		}
		if err != nil {
			return classify("read task", err)
		}

		finalStatus, willRetry := finalizeStatus(req.Outcome, retryCount, maxRetries)

		seq, err := nextSeqTx(tx, req.SessionID)
		if err != nil {
			return err
		}
		eventType := core.EventTaskCompleted
		eventStatus := "ok"
		switch {
		case willRetry:
			eventType = core.EventTaskRetryScheduled
			eventStatus = "error"
		case finalStatus == core.TaskDead:
			eventType = core.EventTaskDead
			eventStatus = "error"
		}
		payload, _ := json.Marshal(map[string]any{
			"task_id": req.TaskID, "final_status": string(finalStatus),
			"error_code": req.Outcome.ErrorCode, "retry_count": retryCount, "will_retry": willRetry,
		})
		evErr := appendEventTx(tx, core.LedgerEntry{
			SessionID:      req.SessionID,
			Seq:            seq,
			Type:           eventType,
			Actor:          req.Agent,
			IdempotencyKey: core.FinalizeKey(req.TaskID, generation, retryCount),
			Payload:        string(payload),
			Status:         eventStatus,
			ErrorCode:      req.Outcome.ErrorCode,
		}, now)
		if evErr != nil {
			if !storage.IsConstraint(evErr) {
				return evErr
			}
			// Already finalized: report the committed outcome as success.
			res = core.CompleteResult{
				OK:          true,
				FinalStatus: core.TaskStatus(status.String),
				RetryCount:  retryCount,
			}
			return nil
		}

		// Ownership check after the idempotency insert, so a retried
		// finalize still resolves after its lease was released.
		var ownerToken string
		err = tx.QueryRow(`SELECT owner_token FROM locks WHERE lock_key = ?`, lockKey).Scan(&ownerToken)
		if err == sql.ErrNoRows || (err == nil && ownerToken != req.LockToken) {
			// A failure finalize bumps retry_count, so its replay computes
			// a fresh key and lands here after the lease release. The
			// committed outcome for the previous attempt, recorded by the
			// same agent, is re-derived instead of failing the caller.
			if retryCount > 0 {
				var prevType string
				perr := tx.QueryRow(
					`SELECT event_type FROM event_log WHERE idempotency_key = ? AND actor_agent = ?`,
					core.FinalizeKey(req.TaskID, generation, retryCount-1), req.Agent,
				).Scan(&prevType)
				if perr == nil {
					res = core.CompleteResult{
						OK:          true,
						FinalStatus: core.TaskStatus(status.String),
						WillRetry:   prevType == string(core.EventTaskRetryScheduled),
						RetryCount:  retryCount,
					}
					return errRollback
				}
				if perr != sql.ErrNoRows {
					return classify("read prior finalize", perr)
				}
			}
			res = core.CompleteResult{Reason: core.ReasonLockMismatch}
			return errRollback
		}
		if err != nil {
			return classify("read lock", err)
		}

		if status.String != string(core.TaskClaimed) && status.String != string(core.TaskRunning) {
			res = core.CompleteResult{Reason: core.ReasonInvalidStatus}
			return errRollback
		}

		if willRetry {
			nextRetryAt := now.Add(nextRetryDelay(retryCount + 1))
			if _, err := tx.Exec(
				`UPDATE tasks SET status = 'pending', owner_agent = NULL, retry_count = ?, next_retry_at = ?,
				        last_error = ?, error_code = ?, error_msg = ?
				 WHERE task_id = ?`,
				retryCount+1, fmtTime(nextRetryAt),
				nullable(req.Outcome.ErrorMsg), nullable(req.Outcome.ErrorCode), nullable(req.Outcome.ErrorMsg),
				req.TaskID,
			); err != nil {
				return classify("requeue task", err)
			}
		} else {
			finalRetries := retryCount
			if finalStatus == core.TaskDead {
				finalRetries = retryCount + 1
			}
			if _, err := tx.Exec(
				`UPDATE tasks SET status = ?, finished_at = ?, retry_count = ?, error_code = ?, error_msg = ? WHERE task_id = ?`,
				string(finalStatus), fmtTime(now), finalRetries, nullable(req.Outcome.ErrorCode), nullable(req.Outcome.ErrorMsg), req.TaskID,
			); err != nil {
				return classify("finalize task", err)
			}
			if finalStatus == core.TaskDead {
				addDeadLetterTx(tx, core.DeadLetter{
					TaskID:    req.TaskID,
					SessionID: req.SessionID,
					Reason:    "retry limit reached",
					Payload:   string(payload),
					ErrorCode: req.Outcome.ErrorCode,
				}, now)
			}
		}

		if _, err := tx.Exec(
			`UPDATE sessions SET status = 'waiting', phase = 'idle', inflight_task_id = NULL, checkpoint_seq = ?,
			        heartbeat_at = ?, updated_at = ?, lock_token = NULL, lock_expires_at = NULL
			 WHERE session_id = ?`,
			seq, fmtTime(now), fmtTime(now), req.SessionID,
		); err != nil {
			return classify("finalize session", err)
		}
		if _, err := tx.Exec(
			`DELETE FROM locks WHERE lock_key = ? AND owner_token = ?`, lockKey, req.LockToken,
		); err != nil {
			return classify("release lock", err)
		}

		res = core.CompleteResult{OK: true, FinalStatus: finalStatus, WillRetry: willRetry, RetryCount: retryCount}
		if willRetry || finalStatus == core.TaskDead {
			res.RetryCount = retryCount + 1
		}
		return nil
	})
	if err == errRollback {
		return res, nil
	}
	if err != nil {
		return core.CompleteResult{Reason: core.ReasonError}, err
	}
	return res, nil
}

// finalizeStatus decides the terminal transition for a reported outcome:
// done on success, pending again while retries remain, dead once the
// incremented count reaches the budget. A task with max_retries=2 dies on
// its second failure with retry_count=2.
func finalizeStatus(outcome core.TaskOutcome, retryCount, maxRetries int) (core.TaskStatus, bool) {
	if outcome.OK {
		return core.TaskDone, false
	}
	if retryCount+1 < maxRetries {
		return core.TaskPending, true
	}
	return core.TaskDead, false
}

func (s *Store) GetTask(ctx context.Context, taskID string) (core.Task, error) {
	row := s.db.QueryRow(
		`SELECT task_id, session_id, task_type, priority, payload, status, owner_agent, retry_count, max_retries,
		        generation, next_retry_at, last_error, error_code, error_msg, dedupe_key, created_at, started_at, finished_at
		 FROM tasks WHERE task_id = ?`, taskID,
	)
	return scanTask(row)
}

func scanTask(row scanner) (core.Task, error) {
	var (
		t                                         core.Task
		payload, ownerAgent, nextRetryAt          sql.NullString
		lastError, errorCode, errorMsg, dedupeKey sql.NullString
		status, createdAt                         string
		startedAt, finishedAt                     sql.NullString
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.Type, &t.Priority, &payload, &status, &ownerAgent,
		&t.RetryCount, &t.MaxRetries, &t.Generation, &nextRetryAt, &lastError, &errorCode, &errorMsg, &dedupeKey,
		&createdAt, &startedAt, &finishedAt)
	if err != nil {
		return core.Task{}, classify("scan task", err)
	}
	t.Payload = payload.String
	t.Status = core.TaskStatus(status)
	t.OwnerAgent = ownerAgent.String
	t.NextRetryAt = parseTime(nextRetryAt.String)
	t.LastError = lastError.String
	t.ErrorCode = errorCode.String
	t.ErrorMsg = errorMsg.String
	t.DedupeKey = dedupeKey.String
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseTime(startedAt.String)
	t.FinishedAt = parseTime(finishedAt.String)
	return t, nil
}
