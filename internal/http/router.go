package httpapi

import (
	"net/http"
)

func NewRouter(svc *Service, wsHandler http.HandlerFunc) http.Handler {
	mux := http.NewServeMux()
	if wsHandler != nil {
		mux.HandleFunc("/ws/events", wsHandler)
	}
	mux.HandleFunc("/api/tasks", svc.handleEnqueue)
	mux.HandleFunc("/api/tasks/", svc.handleTask)
	mux.HandleFunc("/api/claim", svc.handleClaim)
	mux.HandleFunc("/api/heartbeat", svc.handleHeartbeat)
	mux.HandleFunc("/api/release", svc.handleRelease)
	mux.HandleFunc("/api/sessions/", svc.handleSession)
	mux.HandleFunc("/api/metrics", svc.handleMetrics)
	mux.HandleFunc("/api/deadletters", svc.handleDeadLetters)
	mux.HandleFunc("/api/deadletters/", svc.handleDeadLetterRecover)
	mux.HandleFunc("/api/alerts", svc.handleAlerts)
	return mux
}
