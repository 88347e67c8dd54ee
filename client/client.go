// Package client provides a Go client for the ordinate orchestration server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	var out EnqueueResult
	err := c.postInto(ctx, "/api/tasks", req, &out)
	return out, err
}

// Claim acquires the session lease and claims the next eligible task.
// A not-ok result with a reason is an outcome, not an error.
func (c *Client) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	var out ClaimResult
	err := c.postInto(ctx, "/api/claim", req, &out)
	return out, err
}

func (c *Client) Start(ctx context.Context, taskID, agent string) (StartResult, error) {
	var out StartResult
	err := c.postInto(ctx, "/api/tasks/"+url.PathEscape(taskID)+"/start", map[string]string{"agent": agent}, &out)
	return out, err
}

func (c *Client) Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	var out CompleteResult
	err := c.postInto(ctx, "/api/tasks/"+url.PathEscape(req.TaskID)+"/complete", req, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, sessionID, lockToken, agent string) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err := c.postInto(ctx, "/api/heartbeat", map[string]string{
		"session_id": sessionID, "lock_token": lockToken, "agent": agent,
	}, &out)
	return out.OK, err
}

func (c *Client) Release(ctx context.Context, sessionID, lockToken, agent string) (ReleaseResult, error) {
	var out ReleaseResult
	err := c.postInto(ctx, "/api/release", map[string]string{
		"session_id": sessionID, "lock_token": lockToken, "agent": agent,
	}, &out)
	return out, err
}

func (c *Client) Task(ctx context.Context, taskID string) (Task, error) {
	var out Task
	err := c.getInto(ctx, "/api/tasks/"+url.PathEscape(taskID), &out)
	return out, err
}

func (c *Client) Session(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	err := c.getInto(ctx, "/api/sessions/"+url.PathEscape(sessionID), &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, sessionID string, sinceSeq uint64) ([]LedgerEntry, error) {
	var out struct {
		Events []LedgerEntry `json:"events"`
	}
	endpoint := fmt.Sprintf("/api/sessions/%s/events?since=%d", url.PathEscape(sessionID), sinceSeq)
	err := c.getInto(ctx, endpoint, &out)
	return out.Events, err
}

func (c *Client) Metrics(ctx context.Context, windowMinutes int) (Metrics, error) {
	var out Metrics
	endpoint := "/api/metrics"
	if windowMinutes > 0 {
		endpoint += fmt.Sprintf("?window_minutes=%d", windowMinutes)
	}
	err := c.getInto(ctx, endpoint, &out)
	return out, err
}

func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	var out struct {
		DeadLetters []DeadLetter `json:"dead_letters"`
	}
	endpoint := "/api/deadletters"
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	err := c.getInto(ctx, endpoint, &out)
	return out.DeadLetters, err
}

func (c *Client) RecoverDeadLetter(ctx context.Context, taskID string, resetRetryCount bool) (RecoverResult, error) {
	var out RecoverResult
	endpoint := "/api/deadletters/" + url.PathEscape(taskID) + "/recover"
	err := c.postInto(ctx, endpoint, map[string]bool{"reset_retry_count": resetRetryCount}, &out)
	return out, err
}

func (c *Client) Alerts(ctx context.Context, since time.Time) ([]Alert, error) {
	var out struct {
		Alerts []Alert `json:"alerts"`
	}
	endpoint := "/api/alerts"
	if !since.IsZero() {
		endpoint += "?since=" + url.QueryEscape(since.Format(time.RFC3339))
	}
	err := c.getInto(ctx, endpoint, &out)
	return out.Alerts, err
}

func (c *Client) postInto(ctx context.Context, path string, payload, out any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getInto(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
