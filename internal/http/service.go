package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mistakeknot/ordinate/internal/orchestrator"
)

type Service struct {
	orch *orchestrator.Service
}

func NewService(orch *orchestrator.Service) *Service {
	return &Service{orch: orch}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
