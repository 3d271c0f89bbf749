// Package server provides the HTTP server for metrics and health checks.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imedwei/docprovider-backup/internal/health"
)

// Server represents the HTTP server for metrics and health checks.
type Server struct {
	server    *http.Server
	logger    *slog.Logger
	checker   *health.Checker
	readiness *health.Readiness
}

// Config holds server configuration.
type Config struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CheckTimeout    time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		CheckTimeout:    health.DefaultCheckTimeout,
	}
}

// New creates a new HTTP server.
func New(config Config, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	checker := health.NewChecker(config.CheckTimeout)
	readiness := &health.Readiness{}

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/ready", readiness.Handler())
	mux.HandleFunc("/live", health.LivenessHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return &Server{
		server:    server,
		logger:    logger,
		checker:   checker,
		readiness: readiness,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// RegisterHealthCheck registers a health check function.
func (s *Server) RegisterHealthCheck(name string, check health.CheckFunc) {
	s.checker.RegisterCheck(name, check)
}

// MarkReady makes /ready report success.
func (s *Server) MarkReady() {
	s.readiness.MarkReady()
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves HTTP on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Starting HTTP server", "addr", ln.Addr().String())

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
