package core

import "time"

// Reason codes returned through the orchestration boundary. Expected
// contention and ownership failures are outcomes, not errors.
type Reason string

const (
	ReasonBusy           Reason = "busy"
	ReasonNoTask         Reason = "no_task"
	ReasonDupeOrOwned    Reason = "dupe_or_owned"
	ReasonDuplicate      Reason = "duplicate"
	ReasonLockMismatch   Reason = "lock_mismatch"
	ReasonInvalidStatus  Reason = "invalid_status"
	ReasonNotFound       Reason = "not_found"
	ReasonRetryExhausted Reason = "retry_exhausted"
	ReasonError          Reason = "error"
)

// ClaimResult is the outcome of a combined lease acquire + task claim.
type ClaimResult struct {
	OK        bool          `json:"ok"`
	Reason    Reason        `json:"reason,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`
	LockToken string        `json:"lock_token,omitempty"`
	TTL       time.Duration `json:"-"`
	Takeover  bool          `json:"takeover,omitempty"`
}

// EnqueueResult reports the task identifier that is now queued; on dedupe
// suppression it carries the existing task's identifier instead.
type EnqueueResult struct {
	OK     bool   `json:"ok"`
	Reason Reason `json:"reason,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

type StartResult struct {
	OK            bool       `json:"ok"`
	Reason        Reason     `json:"reason,omitempty"`
	CurrentStatus TaskStatus `json:"current_status,omitempty"`
}

// CompleteResult is the outcome of finalizing a task under a lease token.
type CompleteResult struct {
	OK          bool       `json:"ok"`
	Reason      Reason     `json:"reason,omitempty"`
	FinalStatus TaskStatus `json:"final_status,omitempty"`
	WillRetry   bool       `json:"will_retry,omitempty"`
	RetryCount  int        `json:"retry_count"`
}

type ReleaseResult struct {
	OK     bool   `json:"ok"`
	Reason Reason `json:"reason,omitempty"`
}

// RecoverResult is the outcome of re-queueing a dead-lettered task.
type RecoverResult struct {
	Recovered  bool   `json:"recovered"`
	Reason     Reason `json:"reason,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	RetryCount int    `json:"retry_count"`
}

// TaskOutcome is the worker-reported result of executing a task.
type TaskOutcome struct {
	OK        bool   `json:"ok"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`
}
