// Package api provides the HTTP API server for the build service.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/anvillabs/crucible/internal/api/handlers"
	"github.com/anvillabs/crucible/internal/api/health"
	"github.com/anvillabs/crucible/internal/api/middleware"
	"github.com/anvillabs/crucible/internal/artifacts"
	"github.com/anvillabs/crucible/internal/auth"
	"github.com/anvillabs/crucible/internal/cleanup"
	"github.com/anvillabs/crucible/internal/events"
	"github.com/anvillabs/crucible/internal/store"
	"github.com/anvillabs/crucible/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Deps carries the server's collaborators. Disk and Metrics may be nil,
// which disables the admission gate and the /metrics endpoint.
type Deps struct {
	Engine  handlers.BuildEngine
	Store   store.Store
	Auth    *auth.Service
	Broker  *events.Broker
	Scanner *artifacts.Scanner
	Disk    *cleanup.DiskMonitor
	Drainer health.Drainer
	Metrics http.Handler
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	deps          Deps
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		deps:   deps,
		config: cfg,
		logger: logger,
	}

	var disk health.DiskReporter
	if deps.Disk != nil {
		disk = deps.Disk
	}
	s.healthChecker = health.NewChecker(deps.Store, disk, deps.Drainer, Version)

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	// Probes and metrics (no auth required)
	r.Get("/healthz", health.LivenessHandler())
	r.Get("/readyz", s.healthChecker.Handler())
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	var disk handlers.DiskGate
	if s.deps.Disk != nil {
		disk = s.deps.Disk
	}

	authHandler := handlers.NewAuthHandler(s.deps.Store, s.deps.Auth, s.config.JWTExpiry, s.logger)
	buildHandler := handlers.NewBuildHandler(s.deps.Engine, s.deps.Scanner, disk, s.config.Engine.GitToken, s.logger)
	eventsHandler := handlers.NewEventsHandler(s.deps.Engine, s.deps.Broker, s.logger)
	authMiddleware := middleware.NewAuthMiddleware(s.deps.Auth, s.deps.Store, s.config.APIKeyHeader, s.logger)

	r.Route("/api/v1", func(r chi.Router) {
		// Login is the only unauthenticated API route.
		r.With(chimiddleware.Timeout(30 * time.Second)).Post("/auth/login", authHandler.Login)

		// Short requests get a hard timeout.
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))
			r.Use(authMiddleware.Authenticate)

			r.Route("/auth/keys", func(r chi.Router) {
				r.Use(middleware.RequireScope(auth.ScopeKeysManage))
				r.Post("/", authHandler.CreateKey)
				r.Get("/", authHandler.ListKeys)
				r.Delete("/{id}", authHandler.DeleteKey)
			})
			r.Route("/auth/users", func(r chi.Router) {
				r.Use(middleware.RequireScope(auth.ScopeUsersManage))
				r.Post("/", authHandler.CreateUser)
				r.Get("/", authHandler.ListUsers)
				r.Delete("/{id}", authHandler.DeleteUser)
			})

			r.With(middleware.RequireScope(auth.ScopeBuildsRead)).Get("/builds", buildHandler.List)
			r.Route("/builds/{id}", func(r chi.Router) {
				r.With(middleware.RequireScope(auth.ScopeBuildsRead)).Get("/", buildHandler.Get)
				r.With(middleware.RequireScope(auth.ScopeBuildsWrite)).Delete("/", buildHandler.Cancel)
				r.With(middleware.RequireScope(auth.ScopeBuildsRead)).Get("/artifacts", buildHandler.ListArtifacts)
				r.With(middleware.RequireScope(auth.ScopeSecretsRead)).Get("/secrets", buildHandler.ClaimSecrets)
			})
		})

		// Long-lived requests: synchronous submissions wait for whole
		// builds, downloads can be large, and the streams stay open
		// until the build finishes. No fixed timeout fits those.
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.With(middleware.RequireScope(auth.ScopeBuildsWrite)).Post("/builds", buildHandler.Submit)
			r.With(middleware.RequireScope(auth.ScopeBuildsRead)).Get("/builds/{id}/artifacts/{category}/{name}", buildHandler.DownloadArtifact)
			r.With(middleware.RequireScope(auth.ScopeBuildsRead)).Get("/builds/{id}/events", eventsHandler.Stream)
			r.With(middleware.RequireScope(auth.ScopeBuildsRead)).Get("/builds/{id}/ws", eventsHandler.StreamWS)
		})
	})

	s.router = r
}

// Start runs the server until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	// WriteTimeout stays zero: synchronous builds and event streams hold
	// responses open far longer than any fixed cap.
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
