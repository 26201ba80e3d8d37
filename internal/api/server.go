// Package api implements the optional HTTP control-plane shim described
// by spec.md §6's "no assumptions about transport" clause: a thin huma +
// chi adapter over SourceController. Handlers never hold controller
// locks; they only call Controller methods, matching the teacher's
// handler-to-service layering.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kjanssen/vidcore/internal/backend"
	"github.com/kjanssen/vidcore/internal/controller"
	ourmiddleware "github.com/kjanssen/vidcore/internal/http/middleware"
)

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Server is the control-plane HTTP server.
type Server struct {
	config     Config
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the control-plane server over ctl and registry,
// registering the add/remove/list/modify/inspect surface, the
// supplemented GET /api/v1/backends endpoint, and the SSE event stream.
func NewServer(config Config, ctl *controller.Controller, registry *backend.Registry, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(ourmiddleware.RequestID)
	router.Use(ourmiddleware.NewLoggingMiddleware(logger))
	router.Use(ourmiddleware.Recovery(logger))
	router.Use(ourmiddleware.CORS())

	humaConfig := huma.DefaultConfig("vidcore API", version)
	humaConfig.Info.Description = "Video analytics runtime control plane"
	api := humachi.New(router, humaConfig)

	sources := NewSourcesHandler(ctl)
	sources.Register(api)

	backends := NewBackendsHandler(registry)
	backends.Register(api)

	events := NewEventsHandler(ctl)
	events.RegisterSSE(router)

	return &Server{
		config: config,
		router: router,
		api:    api,
		logger: logger,
	}
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux { return s.router }

// Start starts the HTTP server and blocks until it stops or errors.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting control plane HTTP server", slog.String("address", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting control plane server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down control plane server: %w", err)
	}
	s.logger.Info("control plane HTTP server stopped")
	return nil
}

// ListenAndServe starts the server and blocks until ctx is cancelled,
// then shuts it down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() { errChan <- s.Start() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}
