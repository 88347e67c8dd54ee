// Package embedded runs an in-process ordinate server, for hosts that
// want the orchestration core without a separate daemon.
package embedded

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	httpapi "github.com/mistakeknot/ordinate/internal/http"
	"github.com/mistakeknot/ordinate/internal/orchestrator"
	"github.com/mistakeknot/ordinate/internal/storage/sqlite"
	"github.com/mistakeknot/ordinate/internal/ws"
)

type Config struct {
	// DBPath is the SQLite database file. Defaults to ~/.ordinate/ordinate.db.
	DBPath string

	// Addr is the listen address. Defaults to 127.0.0.1:7440; use port 0
	// for an ephemeral port.
	Addr string

	// Thresholds configures alerting. Zero value means defaults.
	Thresholds orchestrator.Thresholds

	// DisableBackground skips the watchdog and lock monitor loops.
	DisableBackground bool
}

// Server is an embedded ordinate server.
type Server struct {
	store    *sqlite.Resilient
	hub      *ws.Hub
	orch     *orchestrator.Service
	watchdog *orchestrator.Watchdog
	monitor  *orchestrator.LockMonitor
	http     *http.Server
	ln       net.Listener

	mu      sync.Mutex
	started bool
}

func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".ordinate", "ordinate.db")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7440"
	}
	if cfg.Thresholds == (orchestrator.Thresholds{}) {
		cfg.Thresholds = orchestrator.DefaultThresholds()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	base, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	store := sqlite.NewResilient(base)

	hub := ws.NewHub()
	orch := orchestrator.New(store, hub)
	router := httpapi.NewRouter(httpapi.NewService(orch), hub.Handler())

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &Server{
		store: store,
		hub:   hub,
		orch:  orch,
		http:  &http.Server{Handler: router},
		ln:    ln,
	}
	if !cfg.DisableBackground {
		s.watchdog = orchestrator.NewWatchdog(store, hub, 0)
		s.monitor = orchestrator.NewLockMonitor(store, hub, cfg.Thresholds, 0, time.Hour)
	}
	return s, nil
}

// Start serves in a goroutine and returns immediately.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	if s.watchdog != nil {
		s.watchdog.Start(context.Background())
	}
	if s.monitor != nil {
		s.monitor.Start(context.Background())
	}
	go func() {
		if err := s.http.Serve(s.ln); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "ordinate server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return s.store.Close()
	}
	s.started = false
	s.mu.Unlock()

	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	if s.monitor != nil {
		s.monitor.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// URL returns the base URL for the server.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// Orchestrator exposes the underlying service for direct in-process use.
func (s *Server) Orchestrator() *orchestrator.Service {
	return s.orch
}
