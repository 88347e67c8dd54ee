package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// EventHandler is called for each event received over the feed.
type EventHandler func(event json.RawMessage)

// WSClient subscribes to the server's event feed, optionally narrowed
// to one session.
type WSClient struct {
	baseURL string
	apiKey  string
	session string
	conn    *websocket.Conn

	mu       sync.RWMutex
	handlers []EventHandler
	done     chan struct{}
	once     sync.Once
}

type WSOption func(*WSClient)

func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) { c.apiKey = key }
}

// WithWSSession narrows the feed to one session's events.
func WithWSSession(sessionID string) WSOption {
	return func(c *WSClient) { c.session = sessionID }
}

func NewWSClient(baseURL string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers a handler. Register before Connect.
func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect dials the feed and starts dispatching events until the
// connection drops or Close is called.
func (c *WSClient) Connect(ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = map[string][]string{
			"Authorization": {"Bearer " + c.apiKey},
		}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	go c.readLoop(ctx)
	return nil
}

func (c *WSClient) Close() error {
	c.once.Do(func() { close(c.done) })
	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c.conn, &raw); err != nil {
			return
		}
		c.mu.RLock()
		handlers := c.handlers
		c.mu.RUnlock()
		for _, h := range handlers {
			h(raw)
		}
	}
}

func (c *WSClient) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/events"
	if c.session != "" {
		u.RawQuery = "session=" + url.QueryEscape(c.session)
	}
	return u.String(), nil
}
