package client

import "time"

// Wire types mirroring the server's JSON responses.

type EnqueueRequest struct {
	TaskID     string `json:"task_id,omitempty"`
	SessionID  string `json:"session_id"`
	TaskType   string `json:"task_type"`
	Priority   int    `json:"priority,omitempty"`
	Payload    string `json:"payload,omitempty"`
	DedupeKey  string `json:"dedupe_key,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

type EnqueueResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

type ClaimRequest struct {
	SessionID string `json:"session_id"`
	Namespace string `json:"namespace,omitempty"`
	TaskType  string `json:"task_type,omitempty"`
	Agent     string `json:"agent"`
}

type ClaimResult struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	LockToken string `json:"lock_token,omitempty"`
	Takeover  bool   `json:"takeover,omitempty"`
}

type StartResult struct {
	OK            bool   `json:"ok"`
	Reason        string `json:"reason,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
}

type CompleteRequest struct {
	TaskID    string `json:"-"`
	SessionID string `json:"session_id"`
	LockToken string `json:"lock_token"`
	Agent     string `json:"agent,omitempty"`
	OK        bool   `json:"ok"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}

type CompleteResult struct {
	OK          bool   `json:"ok"`
	Reason      string `json:"reason,omitempty"`
	FinalStatus string `json:"final_status,omitempty"`
	WillRetry   bool   `json:"will_retry,omitempty"`
	RetryCount  int    `json:"retry_count"`
}

type ReleaseResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

type RecoverResult struct {
	Recovered  bool   `json:"recovered"`
	Reason     string `json:"reason,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	RetryCount int    `json:"retry_count"`
}

type Task struct {
	ID         string    `json:"task_id"`
	SessionID  string    `json:"session_id"`
	Type       string    `json:"task_type"`
	Priority   int       `json:"priority"`
	Payload    string    `json:"payload,omitempty"`
	Status     string    `json:"status"`
	OwnerAgent string    `json:"owner_agent,omitempty"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	ErrorCode  string    `json:"error_code,omitempty"`
	ErrorMsg   string    `json:"error_msg,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Session struct {
	ID            string    `json:"session_id"`
	Namespace     string    `json:"namespace"`
	Status        string    `json:"status"`
	Phase         string    `json:"phase"`
	HeartbeatAt   time.Time `json:"heartbeat_at"`
	LockToken     string    `json:"lock_token,omitempty"`
	InflightTask  string    `json:"inflight_task_id,omitempty"`
	CheckpointSeq uint64    `json:"checkpoint_seq"`
}

type LedgerEntry struct {
	SessionID      string    `json:"session_id"`
	Seq            uint64    `json:"event_seq"`
	Type           string    `json:"event_type"`
	Actor          string    `json:"actor_agent"`
	IdempotencyKey string    `json:"idempotency_key"`
	Payload        string    `json:"payload,omitempty"`
	Status         string    `json:"status"`
	ErrorCode      string    `json:"error_code,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type DeadLetter struct {
	ID        int64     `json:"dead_letter_id"`
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	Payload   string    `json:"payload,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type Alert struct {
	ID        int64     `json:"alert_id"`
	Key       string    `json:"alert_key"`
	Level     string    `json:"level"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

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
	EventCounts         map[string]int `json:"event_counts,omitempty"`
}
