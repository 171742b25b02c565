// HTTP endpoint for calibration metrics
//
// Serves the Prometheus registry at /metrics and, when a status source
// is set, the live run status as JSON at /status.
//
//	cm := metrics.NewCalibrationMetrics()
//	srv := metrics.NewServer(metrics.ServerConfig{Addr: ":9100", Gatherer: cm.Registry()})
//	errCh := srv.StartAsync()
//	defer srv.Shutdown(context.Background())
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig configures Server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":9100".
	Addr     string
	Gatherer prometheus.Gatherer

	// Status, when set, is served as JSON at /status.
	Status func() any

	// Optional basic auth on every endpoint but /healthz.
	Username string
	Password string
}

// Server exposes metrics over HTTP.
type Server struct {
	cfg    ServerConfig
	mux    *http.ServeMux
	server *http.Server

	mu      sync.RWMutex
	addr    string
	started time.Time
}

// NewServer creates a server. Nothing listens until Start or Serve.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{cfg: cfg, addr: cfg.Addr, mux: http.NewServeMux()}

	metrics := promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	s.mux.Handle("/metrics", s.auth(metricsOnly(metrics)))
	s.mux.Handle("/status", s.auth(http.HandlerFunc(s.handleStatus)))
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "ok")
	})

	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler of every endpoint.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.started = time.Now()
	s.mu.Unlock()

	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// StartAsync runs Start on a goroutine. The channel yields the serve
// error, if any, and is closed when the server stops.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Start(); err != nil {
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown stops the server, waiting for active requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address once serving, else the configured one.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Status == nil {
		http.NotFound(w, r)
		return
	}
	s.mu.RLock()
	uptime := time.Since(s.started).Seconds()
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"uptime":      uptime,
		"calibration": s.cfg.Status(),
	})
}

// metricsOnly limits h to GET and HEAD. HEAD gets no body.
func metricsOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ServeHTTP(w, r)
		case http.MethodHead:
			w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
			w.WriteHeader(http.StatusOK)
		default:
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *Server) auth(h http.Handler) http.Handler {
	if s.cfg.Username == "" && s.cfg.Password == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="twistcal"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}
