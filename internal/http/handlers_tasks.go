package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mistakeknot/ordinate/internal/core"
	"github.com/mistakeknot/ordinate/internal/storage"
)

type enqueueRequest struct {
	TaskID     string `json:"task_id"`
	SessionID  string `json:"session_id"`
	TaskType   string `json:"task_type"`
	Priority   int    `json:"priority"`
	Payload    string `json:"payload"`
	DedupeKey  string `json:"dedupe_key"`
	MaxRetries int    `json:"max_retries"`
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.TaskType) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res := s.orch.Enqueue(r.Context(), storage.EnqueueRequest{
		TaskID:     req.TaskID,
		SessionID:  req.SessionID,
		Type:       req.TaskType,
		Priority:   req.Priority,
		Payload:    req.Payload,
		DedupeKey:  req.DedupeKey,
		MaxRetries: req.MaxRetries,
	})
	status := http.StatusCreated
	if !res.OK {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

type completeRequest struct {
	SessionID string `json:"session_id"`
	LockToken string `json:"lock_token"`
	Agent     string `json:"agent"`
	OK        bool   `json:"ok"`
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// handleTask dispatches /api/tasks/{id}, /api/tasks/{id}/start and
// /api/tasks/{id}/complete.
func (s *Service) handleTask(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	switch {
	case strings.HasSuffix(path, "/start"):
		s.handleTaskStart(w, r, strings.TrimSuffix(path, "/start"))
	case strings.HasSuffix(path, "/complete"):
		s.handleTaskComplete(w, r, strings.TrimSuffix(path, "/complete"))
	default:
		s.handleTaskGet(w, r, path)
	}
}

func (s *Service) handleTaskStart(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if taskID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req struct {
		Agent string `json:"agent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res := s.orch.Start(r.Context(), taskID, req.Agent)
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleTaskComplete(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if taskID == "" || req.SessionID == "" || req.LockToken == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res := s.orch.Complete(r.Context(), storage.CompleteRequest{
		TaskID:    taskID,
		SessionID: req.SessionID,
		LockToken: req.LockToken,
		Agent:     req.Agent,
		Outcome:   core.TaskOutcome{OK: req.OK, ErrorCode: req.ErrorCode, ErrorMsg: req.ErrorMsg},
	})
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleTaskGet(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if taskID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	task, err := s.orch.Task(r.Context(), taskID)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
