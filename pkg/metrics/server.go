// HTTP endpoint for calibration metrics
//
// Serves a Registry at /metrics for Prometheus while a long calibration
// session runs, with an optional basic-auth gate.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"delta-calibration/pkg/errors"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Address  string
	Username string
	Password string
	Timeout  time.Duration
}

// DefaultServerConfig listens on :9101 with a ten second timeout.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Address: ":9101", Timeout: 10 * time.Second}
}

// Server publishes a Registry over HTTP.
type Server struct {
	reg  *Registry
	cfg  ServerConfig
	http *http.Server

	mu       sync.Mutex
	listener net.Listener
	started  time.Time
}

// NewServer returns a server for reg. It does not listen until Start.
func NewServer(reg *Registry, cfg ServerConfig) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultServerConfig().Timeout
	}
	s := &Server{reg: reg, cfg: cfg}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/health", s.handleHealth)
	s.http = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	return s
}

// Handler returns the server's routes, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return errors.ResourceError("metrics listener "+s.cfg.Address, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.started = time.Now()
	s.mu.Unlock()
	go func() { _ = s.http.Serve(ln) }()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Address
}

// Shutdown stops the server, waiting for in-flight scrapes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	running := s.listener != nil
	s.listener = nil
	s.mu.Unlock()
	if !running {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="deltacal"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := s.reg.Gather()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = strings.NewReader(body).WriteTo(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	up := time.Since(s.started).Round(time.Second)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok " + up.String() + "\n"))
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) == 1
	return userOK && passOK
}
