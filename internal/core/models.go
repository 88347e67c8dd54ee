package core

import (
	"strconv"
	"time"
)

// Lease timing. The TTL is 4x the heartbeat interval so a single missed
// heartbeat never triggers a takeover.
const (
	LockTTL           = 120 * time.Second
	HeartbeatInterval = 30 * time.Second
)

// LockKeyFor returns the lock row key for a session.
func LockKeyFor(sessionID string) string {
	return "session:" + sessionID
}

type SessionStatus string

const (
	SessionIdle    SessionStatus = "idle"
	SessionRunning SessionStatus = "running"
	SessionWaiting SessionStatus = "waiting"
	SessionStale   SessionStatus = "stale"
)

// Session is the per-session coordination record. lock_token mirrors the
// current lease owner and is non-null only while the session is running.
type Session struct {
	ID            string        `json:"session_id"`
	Namespace     string        `json:"namespace"`
	Status        SessionStatus `json:"status"`
	Phase         string        `json:"phase"`
	HeartbeatAt   time.Time     `json:"heartbeat_at"`
	LockToken     string        `json:"lock_token,omitempty"`
	LockExpiresAt time.Time     `json:"lock_expires_at,omitempty"`
	InflightTask  string        `json:"inflight_task_id,omitempty"`
	CheckpointSeq uint64        `json:"checkpoint_seq"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Lock is one row per lock key. Ownership is decided by token equality,
// never by agent name. version strictly increases on every mutation.
type Lock struct {
	Key        string    `json:"lock_key"`
	OwnerToken string    `json:"owner_token"`
	OwnerAgent string    `json:"owner_agent"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Version    int64     `json:"version"`
}

// Expired reports whether the lease has lapsed as of now.
func (l Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskClaimed TaskStatus = "claimed"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	TaskDead    TaskStatus = "dead"
)

// Task is a unit of work owned by a session. Terminal rows are retained
// for audit and never deleted.
type Task struct {
	ID          string     `json:"task_id"`
	SessionID   string     `json:"session_id"`
	Type        string     `json:"task_type"`
	Priority    int        `json:"priority"` // lower is more urgent
	Payload     string     `json:"payload,omitempty"`
	Status      TaskStatus `json:"status"`
	OwnerAgent  string     `json:"owner_agent,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	Generation  int        `json:"generation"` // bumped on dead-letter recovery
	NextRetryAt time.Time  `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorMsg    string     `json:"error_msg,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	FinishedAt  time.Time  `json:"finished_at,omitempty"`
}

type EventType string

const (
	EventTaskEnqueued       EventType = "task_enqueued"
	EventTaskClaimed        EventType = "task_claimed"
	EventTaskStarted        EventType = "task_started"
	EventTaskCompleted      EventType = "task_completed"
	EventTaskFailed         EventType = "task_failed"
	EventTaskRetryScheduled EventType = "task_retry_scheduled"
	EventTaskDead           EventType = "task_dead"
	EventSessionStale       EventType = "session_stale"
)

// LedgerEntry is one append-only event in the per-session ledger.
// event_seq is strictly increasing per session; idempotency_key is
// globally unique and is what makes re-recording a no-op.
type LedgerEntry struct {
	SessionID      string    `json:"session_id"`
	Seq            uint64    `json:"event_seq"`
	Type           EventType `json:"event_type"`
	Actor          string    `json:"actor_agent"`
	IdempotencyKey string    `json:"idempotency_key"`
	Payload        string    `json:"payload,omitempty"`
	Status         string    `json:"status"`
	ErrorCode      string    `json:"error_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Deterministic idempotency keys. Claim, start and finalize keys carry the
// task's generation and attempt number: a duplicated call for the same
// attempt collides, while a lifecycle retry (attempt bump) or a dead-letter
// recovery (generation bump) records fresh events even after the retry
// counter is reset.
func ClaimKey(taskID string, generation, attempt int) string {
	return "task-claim:" + taskID + ":" + strconv.Itoa(generation) + ":" + strconv.Itoa(attempt)
}

func FinalizeKey(taskID string, generation, attempt int) string {
	return "task-finalize:" + taskID + ":" + strconv.Itoa(generation) + ":" + strconv.Itoa(attempt)
}

func StartKey(taskID string, generation, attempt int) string {
	return "task-start:" + taskID + ":" + strconv.Itoa(generation) + ":" + strconv.Itoa(attempt)
}

func EnqueueKey(taskID string) string  { return "enqueue:" + taskID }
func StaleKey(sessionID string) string { return "stale:" + sessionID }

type DeadLetterStatus string

const (
	DeadLetterOpen     DeadLetterStatus = "open"
	DeadLetterResolved DeadLetterStatus = "resolved"
)

// DeadLetter records a task that exhausted its retry budget. At most one
// open row exists per task.
type DeadLetter struct {
	ID         int64            `json:"dead_letter_id"`
	TaskID     string           `json:"task_id"`
	SessionID  string           `json:"session_id"`
	Reason     string           `json:"reason"`
	Payload    string           `json:"payload,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Status     DeadLetterStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt time.Time        `json:"resolved_at,omitempty"`
}

// Diagnostic lock event types, consumed by the lock health monitor and the
// metrics read models. Writes to the lock_events table fail open.
const (
	LockEventMissOrConflict      = "lock_miss_or_conflict"
	LockEventTakeoverFailed      = "lock_takeover_failed"
	LockEventHeartbeatMismatch   = "heartbeat_lock_mismatch"
	LockEventReleaseMismatch     = "release_lock_mismatch"
	LockEventStaleRecoveryFailed = "stale_recovery_failed"
	LockEventOrphanRecovered     = "lock_orphan_recovered"
)

// LockEvent is an append-only diagnostic observation about lock health.
type LockEvent struct {
	ID        int64     `json:"lock_event_id"`
	LockKey   string    `json:"lock_key"`
	SessionID string    `json:"session_id,omitempty"`
	Type      string    `json:"event_type"`
	Actor     string    `json:"actor_agent"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert is a persisted threshold breach, deduplicated by key while an
// unresolved row exists within the evaluation window.
type Alert struct {
	ID         int64     `json:"alert_id"`
	Key        string    `json:"alert_key"`
	Level      string    `json:"level"`
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	Source     string    `json:"source"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// OrphanLock is a lock row with no live, correctly-owning session.
type OrphanLock struct {
	Lock
	SessionID     string        `json:"session_id,omitempty"`
	SessionStatus SessionStatus `json:"session_status,omitempty"`
	Reason        string        `json:"reason"`
}

// Metrics is the point-in-time read model handed to the external
// metrics/alerting collaborator.
type Metrics struct {
	WindowMinutes       int            `json:"window_minutes"`
	At                  time.Time      `json:"at"`
	LockExpired         int            `json:"lock_expired"`
	StaleRecovered      int            `json:"stale_recovered"`
	StaleRecoveryFailed int            `json:"stale_recovery_failed"`
	DuplicateSuppressed int            `json:"duplicate_suppressed"`
	RetryAttempts       int            `json:"retry_attempts"`
	RetryLimitReached   int            `json:"retry_limit_reached"`
	DeadLettersOpen     int            `json:"dead_letters_open"`
	LockConflictEvents  int            `json:"lock_conflict_events"`
	OrphanedLocks       int            `json:"orphaned_locks"`
	StaleOrphanLocks    int            `json:"stale_orphan_locks"`
	EventCounts         map[string]int `json:"event_counts,omitempty"`
}
