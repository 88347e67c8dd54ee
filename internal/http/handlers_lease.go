package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
)

type claimRequest struct {
	SessionID string `json:"session_id"`
	Namespace string `json:"namespace"`
	TaskType  string `json:"task_type"`
	Agent     string `json:"agent"`
}

func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Agent) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res := s.orch.Claim(r.Context(), req.SessionID, req.Namespace, req.TaskType, req.Agent)
	writeJSON(w, http.StatusOK, res)
}

type heartbeatRequest struct {
	SessionID string `json:"session_id"`
	LockToken string `json:"lock_token"`
	Agent     string `json:"agent"`
}

func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.LockToken == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ok := s.orch.Heartbeat(r.Context(), req.SessionID, req.LockToken, req.Agent)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Service) handleRelease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.LockToken == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	res := s.orch.Release(r.Context(), req.SessionID, req.LockToken, req.Agent)
	writeJSON(w, http.StatusOK, res)
}
