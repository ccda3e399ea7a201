package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/api/handlers"
	"github.com/amaumene/episodarr/internal/api/middleware"
	"github.com/amaumene/episodarr/internal/config"
	"github.com/amaumene/episodarr/internal/ports"
)

// Dependencies are the components the routes talk to
type Dependencies struct {
	DB        ports.TaskStore
	Scans     handlers.ScanTrigger
	Renames   handlers.RenameQueue
	Viewing   handlers.ViewingTracker
	Events    handlers.EventSource
	Metrics   http.Handler
	Started   time.Time
	SSEBuffer int
}

// Server represents the HTTP server
type Server struct {
	server *http.Server
	deps   Dependencies
	logger *logrus.Logger

	// cancelled on shutdown so event streams end
	base   context.Context
	cancel context.CancelFunc
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, deps Dependencies, logger *logrus.Logger) *Server {
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:   deps,
		logger: logger,
		base:   base,
		cancel: cancel,
	}

	s.server = &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return s.base },
	}

	return s
}

// Handler returns the routed handler wrapped in the logging middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return middleware.Logging(mux, s.logger)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health check
	healthHandler := handlers.NewHealthHandler(s.deps.Started, s.logger)
	mux.HandleFunc("/health", healthHandler.ServeHTTP)

	// Status endpoint
	statusHandler := handlers.NewStatusHandler(s.deps.DB, s.deps.Scans, s.logger)
	mux.HandleFunc("/status", statusHandler.ServeHTTP)

	// Prometheus
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics)
	}

	// Server-sent events
	eventsHandler := handlers.NewEventsHandler(s.deps.Events, s.deps.SSEBuffer, s.logger)
	mux.HandleFunc("/events", eventsHandler.ServeHTTP)

	// Triggers
	actions := handlers.NewActionsHandler(s.deps.DB, s.deps.Scans, s.deps.Renames, s.deps.Viewing, s.logger)
	mux.HandleFunc("POST /api/scan", actions.Scan)
	mux.HandleFunc("POST /api/series/{id}/viewing", actions.Viewing)
	mux.HandleFunc("POST /api/series/{id}/rename", actions.Rename)
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("port", s.server.Addr).Info("Starting HTTP server")

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
