package sqlite

import (
	"context"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

// Resilient wraps a Store with contention retries and a circuit breaker.
// Structured not-ok outcomes pass through untouched; only transport-level
// failures (busy, locked, unknown) are retried and counted against the
// breaker.
type Resilient struct {
	store   *Store
	breaker *CircuitBreaker
}

var _ storage.Store = (*Resilient)(nil)

func NewResilient(store *Store) *Resilient {
	return &Resilient{
		store:   store,
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}
}

func (r *Resilient) BreakerState() BreakerState {
	return r.breaker.State()
}

// do runs fn with contention retries inside the breaker. Benign error
// kinds (constraint, not found, missing table) are returned to the caller
// but never trip the breaker.
func (r *Resilient) do(fn func() error) error {
	var opErr error
	err := r.breaker.Execute(func() error {
		opErr = RetryOnContention(fn)
		switch storage.KindOf(opErr) {
		case storage.KindConstraint, storage.KindNotFound, storage.KindMissingTable:
			return nil
		}
		return opErr
	})
	if err != nil {
		return err
	}
	return opErr
}

func (r *Resilient) ClaimTask(ctx context.Context, sessionID, namespace, taskType, agent string, now time.Time) (core.ClaimResult, error) {
	var res core.ClaimResult
	err := r.do(func() error {
		var err error
		res, err = r.store.ClaimTask(ctx, sessionID, namespace, taskType, agent, now)
		return err
	})
	return res, err
}

func (r *Resilient) HeartbeatLock(ctx context.Context, sessionID, token, agent string, now time.Time) (bool, error) {
	var ok bool
	err := r.do(func() error {
		var err error
		ok, err = r.store.HeartbeatLock(ctx, sessionID, token, agent, now)
		return err
	})
	return ok, err
}

func (r *Resilient) ReleaseLock(ctx context.Context, sessionID, token, agent string, now time.Time) (core.ReleaseResult, error) {
	var res core.ReleaseResult
	err := r.do(func() error {
		var err error
		res, err = r.store.ReleaseLock(ctx, sessionID, token, agent, now)
		return err
	})
	return res, err
}

func (r *Resilient) EnqueueTask(ctx context.Context, req storage.EnqueueRequest, now time.Time) (core.EnqueueResult, error) {
	var res core.EnqueueResult
	err := r.do(func() error {
		var err error
		res, err = r.store.EnqueueTask(ctx, req, now)
		return err
	})
	return res, err
}

func (r *Resilient) StartTask(ctx context.Context, taskID, agent string, now time.Time) (core.StartResult, error) {
	var res core.StartResult
	err := r.do(func() error {
		var err error
		res, err = r.store.StartTask(ctx, taskID, agent, now)
		return err
	})
	return res, err
}

func (r *Resilient) CompleteTask(ctx context.Context, req storage.CompleteRequest, now time.Time) (core.CompleteResult, error) {
	var res core.CompleteResult
	err := r.do(func() error {
		var err error
		res, err = r.store.CompleteTask(ctx, req, now)
		return err
	})
	return res, err
}

func (r *Resilient) GetTask(ctx context.Context, taskID string) (core.Task, error) {
	return r.store.GetTask(ctx, taskID)
}

func (r *Resilient) GetSession(ctx context.Context, sessionID string) (core.Session, error) {
	return r.store.GetSession(ctx, sessionID)
}

func (r *Resilient) GetLock(ctx context.Context, lockKey string) (core.Lock, error) {
	return r.store.GetLock(ctx, lockKey)
}

func (r *Resilient) SessionEvents(ctx context.Context, sessionID string, sinceSeq uint64) ([]core.LedgerEntry, error) {
	return r.store.SessionEvents(ctx, sessionID, sinceSeq)
}

func (r *Resilient) StaleSessions(ctx context.Context, heartbeatBefore, lockExpiredBefore time.Time) ([]core.Session, error) {
	return r.store.StaleSessions(ctx, heartbeatBefore, lockExpiredBefore)
}

func (r *Resilient) RecoverStaleSession(ctx context.Context, sessionID, agent string, now time.Time) error {
	return r.do(func() error {
		return r.store.RecoverStaleSession(ctx, sessionID, agent, now)
	})
}

func (r *Resilient) OpenDeadLetters(ctx context.Context, limit int) ([]core.DeadLetter, error) {
	return r.store.OpenDeadLetters(ctx, limit)
}

func (r *Resilient) DeadLetterByTask(ctx context.Context, taskID string) (core.DeadLetter, error) {
	return r.store.DeadLetterByTask(ctx, taskID)
}

func (r *Resilient) CloseDeadLetter(ctx context.Context, taskID string, now time.Time) (bool, error) {
	var ok bool
	err := r.do(func() error {
		var err error
		ok, err = r.store.CloseDeadLetter(ctx, taskID, now)
		return err
	})
	return ok, err
}

func (r *Resilient) RecoverDeadLetter(ctx context.Context, taskID string, resetRetryCount bool, now time.Time) (core.RecoverResult, error) {
	var res core.RecoverResult
	err := r.do(func() error {
		var err error
		res, err = r.store.RecoverDeadLetter(ctx, taskID, resetRetryCount, now)
		return err
	})
	return res, err
}

func (r *Resilient) LogLockEvent(ctx context.Context, ev core.LockEvent, now time.Time) {
	r.store.LogLockEvent(ctx, ev, now)
}

func (r *Resilient) OrphanedLocks(ctx context.Context, now time.Time, minAge time.Duration) ([]core.OrphanLock, error) {
	return r.store.OrphanedLocks(ctx, now, minAge)
}

func (r *Resilient) DeleteLock(ctx context.Context, lockKey string) error {
	return r.do(func() error {
		return r.store.DeleteLock(ctx, lockKey)
	})
}

func (r *Resilient) CountOrphanedLocks(ctx context.Context) (int, error) {
	return r.store.CountOrphanedLocks(ctx)
}

func (r *Resilient) CountLockConflictEvents(ctx context.Context, since time.Time) (int, error) {
	return r.store.CountLockConflictEvents(ctx, since)
}

func (r *Resilient) InsertAlert(ctx context.Context, alert core.Alert, now time.Time) (bool, error) {
	var ok bool
	err := r.do(func() error {
		var err error
		ok, err = r.store.InsertAlert(ctx, alert, now)
		return err
	})
	return ok, err
}

func (r *Resilient) HasUnresolvedAlert(ctx context.Context, key string, since time.Time) (bool, error) {
	return r.store.HasUnresolvedAlert(ctx, key, since)
}

func (r *Resilient) ListAlerts(ctx context.Context, since time.Time) ([]core.Alert, error) {
	return r.store.ListAlerts(ctx, since)
}

func (r *Resilient) MetricsSnapshot(ctx context.Context, window time.Duration, now time.Time) (core.Metrics, error) {
	return r.store.MetricsSnapshot(ctx, window, now)
}

func (r *Resilient) Close() error {
	return r.store.Close()
}
