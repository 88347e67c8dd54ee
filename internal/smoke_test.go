package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/ordinate/internal/auth"
	httpapi "github.com/mistakeknot/ordinate/internal/http"
	"github.com/mistakeknot/ordinate/internal/orchestrator"
	"github.com/mistakeknot/ordinate/internal/storage/sqlite"
	"github.com/mistakeknot/ordinate/internal/ws"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func getJSON(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

// TestSmokeTaskFlow exercises the whole stack end to end:
// enqueue → subscribe WS → claim → start → heartbeat → complete →
// verify ledger, metrics and the broadcast feed.
func TestSmokeTaskFlow(t *testing.T) {
	st, err := sqlite.NewInMemory()
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer st.Close()
	store := sqlite.NewResilient(st)

	hub := ws.NewHub()
	orch := orchestrator.New(store, hub)
	router := auth.Middleware(nil)(httpapi.NewRouter(httpapi.NewService(orch), hub.Handler()))
	srv := httptest.NewServer(router)
	defer srv.Close()

	// 1. Enqueue a task.
	enqResp := postJSON(t, srv.URL+"/api/tasks", map[string]any{
		"task_id": "t1", "session_id": "s1", "task_type": "index",
	})
	if enqResp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue: %d", enqResp.StatusCode)
	}
	enqResp.Body.Close()

	// 2. Subscribe to the session's feed.
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?session=s1"
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// 3. Claim acquires the lease and the task atomically.
	claimResp := postJSON(t, srv.URL+"/api/claim", map[string]any{
		"session_id": "s1", "agent": "agent-a",
	})
	claim := decode[map[string]any](t, claimResp)
	if claim["ok"] != true || claim["task_id"] != "t1" {
		t.Fatalf("claim: %+v", claim)
	}
	token := claim["lock_token"].(string)

	// 4. The claim shows up on the feed.
	var event map[string]any
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if event["type"] != "task_claimed" {
		t.Fatalf("expected task_claimed, got %v", event["type"])
	}

	// 5. Start, heartbeat, complete.
	startResp := postJSON(t, srv.URL+"/api/tasks/t1/start", map[string]any{"agent": "agent-a"})
	if start := decode[map[string]any](t, startResp); start["ok"] != true {
		t.Fatalf("start: %+v", start)
	}
	hbResp := postJSON(t, srv.URL+"/api/heartbeat", map[string]any{
		"session_id": "s1", "lock_token": token, "agent": "agent-a",
	})
	if hb := decode[map[string]any](t, hbResp); hb["ok"] != true {
		t.Fatalf("heartbeat: %+v", hb)
	}
	doneResp := postJSON(t, srv.URL+"/api/tasks/t1/complete", map[string]any{
		"session_id": "s1", "lock_token": token, "agent": "agent-a", "ok": true,
	})
	if done := decode[map[string]any](t, doneResp); done["final_status"] != "done" {
		t.Fatalf("complete: %+v", done)
	}

	// 6. Ledger has the full lifecycle in order.
	eventsResp := getJSON(t, srv.URL+"/api/sessions/s1/events")
	feed := decode[map[string]any](t, eventsResp)
	entries := feed["events"].([]any)
	if len(entries) != 4 {
		t.Fatalf("expected 4 ledger entries, got %d", len(entries))
	}
	wantTypes := []string{"task_enqueued", "task_claimed", "task_started", "task_completed"}
	for i, raw := range entries {
		entry := raw.(map[string]any)
		if entry["event_type"] != wantTypes[i] {
			t.Fatalf("entry %d: expected %s, got %v", i, wantTypes[i], entry["event_type"])
		}
	}

	// 7. Metrics count the completed lifecycle.
	metricsResp := getJSON(t, srv.URL+"/api/metrics")
	metrics := decode[map[string]any](t, metricsResp)
	counts := metrics["event_counts"].(map[string]any)
	if int(counts["task_completed"].(float64)) != 1 {
		t.Fatalf("expected 1 completed task in metrics, got %v", counts)
	}
}

// TestSmokeRetryToDeadLetter drives a task through its retry budget into
// the dead-letter sink and back out.
func TestSmokeRetryToDeadLetter(t *testing.T) {
	st, err := sqlite.NewInMemory()
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	defer st.Close()

	orch := orchestrator.New(sqlite.NewResilient(st), nil)
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.NewService(orch), nil))
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/api/tasks", map[string]any{
		"task_id": "t1", "session_id": "s1", "task_type": "fragile", "max_retries": 2,
	})
	resp.Body.Close()

	// First failure schedules a retry.
	claim := decode[map[string]any](t, postJSON(t, srv.URL+"/api/claim", map[string]any{
		"session_id": "s1", "agent": "w",
	}))
	done := decode[map[string]any](t, postJSON(t, srv.URL+"/api/tasks/t1/complete", map[string]any{
		"session_id": "s1", "lock_token": claim["lock_token"], "agent": "w",
		"ok": false, "error_code": "EFAIL",
	}))
	if done["will_retry"] != true {
		t.Fatalf("first failure must retry: %+v", done)
	}

	// The retry is not claimable until its backoff elapses.
	blocked := decode[map[string]any](t, postJSON(t, srv.URL+"/api/claim", map[string]any{
		"session_id": "s1", "agent": "w",
	}))
	if blocked["ok"] == true {
		t.Fatalf("claim before backoff must find no task: %+v", blocked)
	}

	// Wait out the first backoff step, then fail the second attempt.
	time.Sleep(2200 * time.Millisecond)
	claim = decode[map[string]any](t, postJSON(t, srv.URL+"/api/claim", map[string]any{
		"session_id": "s1", "agent": "w",
	}))
	if claim["ok"] != true {
		t.Fatalf("claim after backoff: %+v", claim)
	}
	done = decode[map[string]any](t, postJSON(t, srv.URL+"/api/tasks/t1/complete", map[string]any{
		"session_id": "s1", "lock_token": claim["lock_token"], "agent": "w",
		"ok": false, "error_code": "EFAIL",
	}))
	if done["final_status"] != "dead" {
		t.Fatalf("second failure must dead-letter: %+v", done)
	}

	letters := decode[map[string]any](t, getJSON(t, srv.URL+"/api/deadletters"))
	if len(letters["dead_letters"].([]any)) != 1 {
		t.Fatalf("expected 1 open dead letter: %+v", letters)
	}

	rec := decode[map[string]any](t, postJSON(t, srv.URL+"/api/deadletters/t1/recover", map[string]any{
		"reset_retry_count": true,
	}))
	if rec["recovered"] != true {
		t.Fatalf("recover: %+v", rec)
	}

	// The recovered task is pending again and immediately claimable.
	claim = decode[map[string]any](t, postJSON(t, srv.URL+"/api/claim", map[string]any{
		"session_id": "s1", "agent": "w",
	}))
	if claim["ok"] != true || claim["task_id"] != "t1" {
		t.Fatalf("claim after recover: %+v", claim)
	}
}
