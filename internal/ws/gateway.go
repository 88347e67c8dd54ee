package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Hub fans orchestration events out to WebSocket subscribers. A subscriber
// attaches to one session or, with an empty filter, to the whole feed.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{})}
}

// Handler serves /ws/events. An optional ?session= query narrows the feed
// to one session's events.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := strings.TrimSpace(r.URL.Query().Get("session"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		h.add(session, conn)
		defer h.remove(session, conn)

		// Drain incoming frames so pings are answered; clients only listen.
		ctx := r.Context()
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

type connEntry struct {
	conn    *websocket.Conn
	session string
}

// Broadcast delivers an event to the session's subscribers and to every
// whole-feed subscriber. Monitor alerts broadcast with an empty session
// and reach only the whole-feed subscribers.
func (h *Hub) Broadcast(sessionID string, event any) {
	entries := h.snapshot(sessionID)
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, e.conn, event)
		cancel()
		if err != nil {
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.session, e.conn)
			}(e)
		}
	}
}

func (h *Hub) snapshot(sessionID string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	for conn := range h.conns[""] {
		out = append(out, connEntry{conn: conn, session: ""})
	}
	if sessionID != "" {
		for conn := range h.conns[sessionID] {
			out = append(out, connEntry{conn: conn, session: sessionID})
		}
	}
	return out
}

func (h *Hub) add(session string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perSession, ok := h.conns[session]
	if !ok {
		perSession = make(map[*websocket.Conn]struct{})
		h.conns[session] = perSession
	}
	perSession[conn] = struct{}{}
}

func (h *Hub) remove(session string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perSession, ok := h.conns[session]
	if !ok {
		return
	}
	delete(perSession, conn)
	if len(perSession) == 0 {
		delete(h.conns, session)
	}
}
