package storage

import (
	"context"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
)

// EnqueueRequest describes a task to add to a session's queue.
type EnqueueRequest struct {
	TaskID     string
	SessionID  string
	Type       string
	Priority   int
	Payload    string
	DedupeKey  string
	MaxRetries int
}

// CompleteRequest finalizes a task under the caller's lease token.
type CompleteRequest struct {
	TaskID    string
	SessionID string
	LockToken string
	Agent     string
	Outcome   core.TaskOutcome
}

// Store is the durable backing store for the orchestration core. Every
// mutating method is one atomic transaction: the lock/task/event triad
// either fully commits or fully rolls back. Callers pass the current time
// explicitly so expiry and backoff arithmetic is deterministic under test.
type Store interface {
	// Lease + task lifecycle
	ClaimTask(ctx context.Context, sessionID, namespace, taskType, agent string, now time.Time) (core.ClaimResult, error)
	HeartbeatLock(ctx context.Context, sessionID, token, agent string, now time.Time) (bool, error)
	ReleaseLock(ctx context.Context, sessionID, token, agent string, now time.Time) (core.ReleaseResult, error)
	EnqueueTask(ctx context.Context, req EnqueueRequest, now time.Time) (core.EnqueueResult, error)
	StartTask(ctx context.Context, taskID, agent string, now time.Time) (core.StartResult, error)
	CompleteTask(ctx context.Context, req CompleteRequest, now time.Time) (core.CompleteResult, error)

	// Reads
	GetTask(ctx context.Context, taskID string) (core.Task, error)
	GetSession(ctx context.Context, sessionID string) (core.Session, error)
	GetLock(ctx context.Context, lockKey string) (core.Lock, error)
	SessionEvents(ctx context.Context, sessionID string, sinceSeq uint64) ([]core.LedgerEntry, error)

	// Stale-session watchdog
	StaleSessions(ctx context.Context, heartbeatBefore, lockExpiredBefore time.Time) ([]core.Session, error)
	RecoverStaleSession(ctx context.Context, sessionID, agent string, now time.Time) error

	// Dead letters
	OpenDeadLetters(ctx context.Context, limit int) ([]core.DeadLetter, error)
	DeadLetterByTask(ctx context.Context, taskID string) (core.DeadLetter, error)
	CloseDeadLetter(ctx context.Context, taskID string, now time.Time) (bool, error)
	RecoverDeadLetter(ctx context.Context, taskID string, resetRetryCount bool, now time.Time) (core.RecoverResult, error)

	// Lock health diagnostics. Writes fail open when the diagnostic
	// tables are absent.
	LogLockEvent(ctx context.Context, ev core.LockEvent, now time.Time)
	OrphanedLocks(ctx context.Context, now time.Time, minAge time.Duration) ([]core.OrphanLock, error)
	DeleteLock(ctx context.Context, lockKey string) error
	CountOrphanedLocks(ctx context.Context) (int, error)
	CountLockConflictEvents(ctx context.Context, since time.Time) (int, error)
	InsertAlert(ctx context.Context, alert core.Alert, now time.Time) (bool, error)
	HasUnresolvedAlert(ctx context.Context, key string, since time.Time) (bool, error)
	ListAlerts(ctx context.Context, since time.Time) ([]core.Alert, error)

	// Metrics read model
	MetricsSnapshot(ctx context.Context, window time.Duration, now time.Time) (core.Metrics, error)

	Close() error
}
