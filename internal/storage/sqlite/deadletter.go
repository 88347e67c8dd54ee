package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

// addDeadLetterTx writes a dead letter for a terminally failed task. A
// conflict on the open-per-task index means the task is already
// dead-lettered; a missing table means the diagnostic schema is not
// deployed. Both fail open so task completion is never blocked.
func addDeadLetterTx(tx *sql.Tx, dl core.DeadLetter, now time.Time) bool {
	_, err := tx.Exec(
		`INSERT INTO dead_letters (task_id, session_id, reason, payload, error_code, status, created_at)
		 VALUES (?, ?, ?, ?, ?, 'open', ?)`,
		dl.TaskID, dl.SessionID, dl.Reason, nullable(dl.Payload), nullable(dl.ErrorCode), fmtTime(now),
	)
	if err != nil {
		return false
	}
	return true
}

func (s *Store) OpenDeadLetters(ctx context.Context, limit int) ([]core.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT dead_letter_id, task_id, session_id, reason, payload, error_code, status, created_at, resolved_at
		 FROM dead_letters WHERE status = 'open'
		 ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		cerr := classify("open dead letters", err)
		if storage.IsMissingTable(cerr) {
			return nil, nil
		}
		return nil, cerr
	}
	defer rows.Close()

	var out []core.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, classify("open dead letters", rows.Err())
}

func (s *Store) DeadLetterByTask(ctx context.Context, taskID string) (core.DeadLetter, error) {
	row := s.db.QueryRow(
		`SELECT dead_letter_id, task_id, session_id, reason, payload, error_code, status, created_at, resolved_at
		 FROM dead_letters WHERE task_id = ? ORDER BY created_at DESC LIMIT 1`, taskID,
	)
	return scanDeadLetter(row)
}

// CloseDeadLetter marks the open dead letter for a task as resolved
// without touching the task itself.
func (s *Store) CloseDeadLetter(ctx context.Context, taskID string, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE dead_letters SET status = 'resolved', resolved_at = ? WHERE task_id = ? AND status = 'open'`,
		fmtTime(now), taskID,
	)
	if err != nil {
		return false, classify("close dead letter", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecoverDeadLetter resolves an open dead letter and re-queues its task as
// pending, optionally resetting the retry budget. The generation bump keeps
// the requeued lifecycle's idempotency keys distinct from the dead one's
// even when the retry counter is rewound. Calling it again once resolved is
// a no-op reporting recovered:false.
func (s *Store) RecoverDeadLetter(ctx context.Context, taskID string, resetRetryCount bool, now time.Time) (core.RecoverResult, error) {
	var res core.RecoverResult
	err := s.inTx(ctx, "recover dead letter", func(tx *sql.Tx) error {
		var dlID int64
		err := tx.QueryRow(
			`SELECT dead_letter_id FROM dead_letters WHERE task_id = ? AND status = 'open'`, taskID,
		).Scan(&dlID)
		if err == sql.ErrNoRows {
			res = core.RecoverResult{Reason: core.ReasonNotFound}
			return nil
		}
		if err != nil {
			return classify("read dead letter", err)
		}

		var sessionID string
		var retryCount int
		err = tx.QueryRow(`SELECT session_id, retry_count FROM tasks WHERE task_id = ?`, taskID).Scan(&sessionID, &retryCount)
		if err == sql.ErrNoRows {
			res = core.RecoverResult{Reason: core.ReasonNotFound}
			return nil
		}
		if err != nil {
			return classify("read task", err)
		}
		if resetRetryCount {
			retryCount = 0
		}

		if _, err := tx.Exec(
			`UPDATE dead_letters SET status = 'resolved', resolved_at = ? WHERE dead_letter_id = ?`,
			fmtTime(now), dlID,
		); err != nil {
			return classify("resolve dead letter", err)
		}
		if _, err := tx.Exec(
			`UPDATE tasks SET status = 'pending', owner_agent = NULL, retry_count = ?, next_retry_at = ?,
			        generation = generation + 1,
			        last_error = 'recovered from dead letter', error_code = NULL, error_msg = NULL
			 WHERE task_id = ?`,
			retryCount, fmtTime(now), taskID,
		); err != nil {
			return classify("requeue recovered task", err)
		}
		res = core.RecoverResult{Recovered: true, TaskID: taskID, SessionID: sessionID, RetryCount: retryCount}
		return nil
	})
	if err != nil {
		return core.RecoverResult{Reason: core.ReasonError}, err
	}
	return res, nil
}

func scanDeadLetter(row scanner) (core.DeadLetter, error) {
	var (
		dl                           core.DeadLetter
		payload, errorCode, resolved sql.NullString
		status, createdAt            string
	)
	err := row.Scan(&dl.ID, &dl.TaskID, &dl.SessionID, &dl.Reason, &payload, &errorCode, &status, &createdAt, &resolved)
	if err != nil {
		return core.DeadLetter{}, classify("scan dead letter", err)
	}
	dl.Payload = payload.String
	dl.ErrorCode = errorCode.String
	dl.Status = core.DeadLetterStatus(status)
	dl.CreatedAt = parseTime(createdAt)
	dl.ResolvedAt = parseTime(resolved.String)
	return dl, nil
}
