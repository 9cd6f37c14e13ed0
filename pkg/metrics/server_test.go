// Unit tests for the metrics HTTP endpoint
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testServer(cfg ServerConfig) (*Server, *CalibrationMetrics) {
	m := NewCalibrationMetrics(nil)
	m.ProbeSigma.Set(nil, 1.5)
	return NewServer(m.Registry, cfg), m
}

// TestServeMetrics tests GET and HEAD on /metrics
func TestServeMetrics(t *testing.T) {
	s, _ := testServer(ServerConfig{})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(string(body), "deltacal_probe_sigma_steps 1.5\n") {
		t.Errorf("body missing sigma:\n%s", body)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodHead, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Errorf("HEAD = %d with %d body bytes", w.Code, w.Body.Len())
	}
	if w.Header().Get("Content-Length") == "" {
		t.Error("HEAD response has no Content-Length")
	}
}

// TestServeMetricsMethodNotAllowed tests that only reads are served
func TestServeMetricsMethodNotAllowed(t *testing.T) {
	s, _ := testServer(ServerConfig{})
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

// TestServeMetricsAuth tests the basic-auth gate
func TestServeMetricsAuth(t *testing.T) {
	s, _ := testServer(ServerConfig{Username: "admin", Password: "secret"})

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		want       int
	}{
		{"no credentials", "", "", false, http.StatusUnauthorized},
		{"wrong password", "admin", "nope", true, http.StatusUnauthorized},
		{"valid", "admin", "secret", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

// TestServerStartShutdown tests a real listener on a free port
func TestServerStartShutdown(t *testing.T) {
	s, _ := testServer(ServerConfig{Address: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	addr := s.Addr()
	if strings.HasSuffix(addr, ":0") {
		t.Fatalf("address not resolved: %s", addr)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(string(body), "ok") {
		t.Errorf("health = %d %q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}

// TestDefaultServerConfig tests the defaults
func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	if cfg.Address != ":9101" || cfg.Timeout != 10*time.Second {
		t.Errorf("default config = %+v", cfg)
	}
	s := NewServer(NewRegistry(), ServerConfig{Address: ":1234"})
	if s.Addr() != ":1234" {
		t.Errorf("addr before start = %s", s.Addr())
	}
}
