package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// handleSession serves /api/sessions/{id} and /api/sessions/{id}/events.
func (s *Service) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	if strings.HasSuffix(path, "/events") {
		sessionID := strings.Trim(strings.TrimSuffix(path, "/events"), "/")
		if sessionID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var since uint64
		if raw := r.URL.Query().Get("since"); raw != "" {
			v, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			since = v
		}
		events, err := s.orch.Events(r.Context(), sessionID, since)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "events": events})
		return
	}
	if path == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sess, err := s.orch.Session(r.Context(), path)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	window := time.Hour
	if raw := r.URL.Query().Get("window_minutes"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		window = time.Duration(v) * time.Minute
	}
	metrics, err := s.orch.Metrics(r.Context(), window)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Service) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		limit = v
	}
	letters, err := s.orch.OpenDeadLetters(r.Context(), limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

// handleDeadLetterRecover serves POST /api/deadletters/{task_id}/recover.
func (s *Service) handleDeadLetterRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/deadletters/"), "/")
	if !strings.HasSuffix(path, "/recover") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	taskID := strings.Trim(strings.TrimSuffix(path, "/recover"), "/")
	if taskID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req struct {
		ResetRetryCount bool `json:"reset_retry_count"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	res := s.orch.RecoverDeadLetter(r.Context(), taskID, req.ResetRetryCount)
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		since = v
	}
	alerts, err := s.orch.Alerts(r.Context(), since)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}
