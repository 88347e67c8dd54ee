package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

// Broadcaster is the interface for emitting events to WebSocket clients.
type Broadcaster interface {
	Broadcast(sessionID string, event any)
}

// Service is the single entry point for agents and operators. Expected
// contention and ownership failures come back as structured outcomes;
// only transport failures surface as errors. Callers that cannot handle
// an error treat it as {ok:false, reason:"error"}.
type Service struct {
	store storage.Store
	bus   Broadcaster
	now   func() time.Time
}

func New(store storage.Store, bus Broadcaster) *Service {
	return &Service{store: store, bus: bus, now: time.Now}
}

// Claim acquires the session lease and claims the best pending task in one
// atomic step. There is no separate lock-then-claim sequence to get wrong.
func (s *Service) Claim(ctx context.Context, sessionID, namespace, taskType, agent string) core.ClaimResult {
	res, err := s.store.ClaimTask(ctx, sessionID, namespace, taskType, agent, s.now())
	if err != nil {
		log.Printf("[orchestrator] claim %s: %v", sessionID, err)
		return core.ClaimResult{Reason: core.ReasonError}
	}
	if res.OK {
		s.emit(sessionID, map[string]any{
			"type": string(core.EventTaskClaimed), "session_id": sessionID,
			"task_id": res.TaskID, "agent": agent, "takeover": res.Takeover,
		})
	}
	return res
}

// Heartbeat extends the caller's lease. A false result means the lease is
// no longer theirs and they must stop working immediately.
func (s *Service) Heartbeat(ctx context.Context, sessionID, token, agent string) bool {
	ok, err := s.store.HeartbeatLock(ctx, sessionID, token, agent, s.now())
	if err != nil {
		log.Printf("[orchestrator] heartbeat %s: %v", sessionID, err)
		return false
	}
	return ok
}

func (s *Service) Release(ctx context.Context, sessionID, token, agent string) core.ReleaseResult {
	res, err := s.store.ReleaseLock(ctx, sessionID, token, agent, s.now())
	if err != nil {
		log.Printf("[orchestrator] release %s: %v", sessionID, err)
		return core.ReleaseResult{Reason: core.ReasonError}
	}
	return res
}

func (s *Service) Enqueue(ctx context.Context, req storage.EnqueueRequest) core.EnqueueResult {
	res, err := s.store.EnqueueTask(ctx, req, s.now())
	if err != nil {
		log.Printf("[orchestrator] enqueue %s: %v", req.SessionID, err)
		return core.EnqueueResult{Reason: core.ReasonError}
	}
	if res.OK {
		s.emit(req.SessionID, map[string]any{
			"type": string(core.EventTaskEnqueued), "session_id": req.SessionID, "task_id": res.TaskID,
		})
	}
	return res
}

func (s *Service) Start(ctx context.Context, taskID, agent string) core.StartResult {
	res, err := s.store.StartTask(ctx, taskID, agent, s.now())
	if err != nil {
		log.Printf("[orchestrator] start %s: %v", taskID, err)
		return core.StartResult{Reason: core.ReasonError}
	}
	return res
}

// Complete finalizes a task under the caller's lease token and releases
// the lease. On failure outcomes the retry budget decides between another
// attempt and the dead-letter sink.
func (s *Service) Complete(ctx context.Context, req storage.CompleteRequest) core.CompleteResult {
	res, err := s.store.CompleteTask(ctx, req, s.now())
	if err != nil {
		log.Printf("[orchestrator] complete %s: %v", req.TaskID, err)
		return core.CompleteResult{Reason: core.ReasonError}
	}
	if res.OK {
		s.emit(req.SessionID, map[string]any{
			"type": "task_finalized", "session_id": req.SessionID, "task_id": req.TaskID,
			"final_status": string(res.FinalStatus), "will_retry": res.WillRetry,
		})
	}
	return res
}

func (s *Service) RecoverDeadLetter(ctx context.Context, taskID string, resetRetryCount bool) core.RecoverResult {
	res, err := s.store.RecoverDeadLetter(ctx, taskID, resetRetryCount, s.now())
	if err != nil {
		log.Printf("[orchestrator] recover %s: %v", taskID, err)
		return core.RecoverResult{Reason: core.ReasonError}
	}
	if res.Recovered {
		s.emit(res.SessionID, map[string]any{
			"type": "dead_letter_recovered", "session_id": res.SessionID, "task_id": taskID,
		})
	}
	return res
}

// Read surfaces. These return errors; HTTP handlers map them to 500s.

func (s *Service) Task(ctx context.Context, taskID string) (core.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

func (s *Service) Session(ctx context.Context, sessionID string) (core.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

func (s *Service) Events(ctx context.Context, sessionID string, sinceSeq uint64) ([]core.LedgerEntry, error) {
	return s.store.SessionEvents(ctx, sessionID, sinceSeq)
}

func (s *Service) OpenDeadLetters(ctx context.Context, limit int) ([]core.DeadLetter, error) {
	return s.store.OpenDeadLetters(ctx, limit)
}

func (s *Service) Metrics(ctx context.Context, window time.Duration) (core.Metrics, error) {
	return s.store.MetricsSnapshot(ctx, window, s.now())
}

func (s *Service) Alerts(ctx context.Context, since time.Time) ([]core.Alert, error) {
	return s.store.ListAlerts(ctx, since)
}

func (s *Service) emit(sessionID string, event any) {
	if s.bus != nil {
		s.bus.Broadcast(sessionID, event)
	}
}
