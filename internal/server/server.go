// Package server runs the HTTP front end for the orchestration API. It
// listens on TCP and, optionally, on a unix socket so same-host agents
// can reach the coordinator without network configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

type Config struct {
	Addr            string
	SocketPath      string
	Handler         http.Handler
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg    Config
	http   *http.Server
	tcpLn  net.Listener
	unix   *http.Server
	unixLn net.Listener
}

// New binds the listeners immediately so an unusable address fails here
// rather than inside Run. Addr may use port 0.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	tcpLn, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s := &Server{
		cfg:   cfg,
		http:  &http.Server{Handler: cfg.Handler},
		tcpLn: tcpLn,
	}

	if cfg.SocketPath != "" {
		// Remove stale socket file from previous run
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			tcpLn.Close()
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			tcpLn.Close()
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
			ln.Close()
			tcpLn.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = ln
		s.unix = &http.Server{Handler: cfg.Handler}
	}

	return s, nil
}

// Run serves until ctx is cancelled or a listener fails, then drains
// in-flight requests within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	if s.unixLn != nil {
		go func() { errCh <- s.unix.Serve(s.unixLn) }()
	}
	go func() { errCh <- s.http.Serve(s.tcpLn) }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.shutdown()
			return err
		}
	case <-ctx.Done():
	}
	return s.shutdown()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}
	if err := s.http.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Addr returns the bound TCP address, useful when Addr was given port 0.
func (s *Server) Addr() string {
	return s.tcpLn.Addr().String()
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}
