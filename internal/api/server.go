package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"switchyard/internal/api/handlers"
	"switchyard/internal/api/health"
	"switchyard/internal/api/middleware"
	"switchyard/internal/metrics"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

// ServerConfig contains configuration for HTTP server
type ServerConfig struct {
	Port         int
	ServiceName  string
	Version      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Routes are the handlers mounted by the server. Stream is optional.
type Routes struct {
	Health     *health.Handler
	Executions *handlers.ExecutionHandler
	Budgets    *handlers.BudgetHandler
	Queue      *handlers.QueueHandler
	Stream     http.Handler
}

// Server wraps HTTP server with lifecycle management
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

// NewServer creates and configures HTTP server with all routes
func NewServer(cfg ServerConfig, routes Routes, log *logger.Logger) *Server {
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", portOrDefault(cfg.Port)),
		Handler:      NewRouter(cfg, routes, log),
		ReadTimeout:  durationOr(cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 150*time.Second),
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("HTTP server configured on %s", httpServer.Addr)

	return &Server{
		httpServer: httpServer,
		log:        log,
	}
}

// NewRouter builds the request multiplexer wrapped in request logging
func NewRouter(cfg ServerConfig, routes Routes, log *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	// Kubernetes probes
	mux.HandleFunc("GET /health", routes.Health.HandleHealth)
	mux.HandleFunc("GET /ready", routes.Health.HandleReadiness)
	mux.HandleFunc("GET /live", routes.Health.HandleLiveness)

	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/executions", routes.Executions.HandleExecute)
	mux.HandleFunc("GET /v1/executions/{id}", routes.Executions.HandleGet)

	mux.HandleFunc("GET /v1/queue/status", routes.Queue.HandleStatus)
	mux.HandleFunc("GET /v1/stats", routes.Queue.HandleStats)

	mux.HandleFunc("GET /v1/budgets", routes.Budgets.HandleList)
	mux.HandleFunc("GET /v1/budgets/{tool}", routes.Budgets.HandleGet)
	mux.HandleFunc("PUT /v1/budgets/{tool}", routes.Budgets.HandleSet)
	mux.HandleFunc("GET /v1/budgets/{tool}/alerts", routes.Budgets.HandleAlerts)

	if routes.Stream != nil {
		mux.Handle("GET /v1/stream", routes.Stream)
		log.Info("✓ Execution stream registered at /v1/stream")
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"service":%q,"version":%q,"status":"running"}`,
			cfg.ServiceName, cfg.Version)
	})

	return middleware.NewLoggingMiddleware(log).Handler(mux)
}

// Start begins listening for HTTP requests
// Blocks until server is stopped or encounters an error
func (s *Server) Start() error {
	s.log.Infof("Starting HTTP server on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "http server failed")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
// Waits for active connections to complete within timeout
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Stopping HTTP server...")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http server shutdown failed")
	}

	s.log.Info("✓ HTTP server stopped")
	return nil
}

func portOrDefault(port int) int {
	if port > 0 {
		return port
	}
	return 8080
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
