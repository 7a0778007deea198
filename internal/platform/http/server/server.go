// Package server provides HTTP server wiring and lifecycle management.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/platform/config"
	"github.com/talkmesh/talkmesh-go/internal/platform/logutil"
)

// Handlers are the endpoint implementations mounted by the server.
type Handlers struct {
	// Shares handles POST /ocm/shares.
	Shares http.HandlerFunc

	// Notifications handles POST /ocm/notifications.
	Notifications http.HandlerFunc

	// Invitations is the local invitation API, mounted under /api/invitations.
	Invitations http.Handler
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, handlers Handlers) *Server {
	logger = logutil.NoopIfNil(logger)

	s := &Server{
		cfg:    cfg,
		logger: logger,
	}

	router := s.setupRoutes(handlers)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"addr", s.cfg.ListenAddr,
		"public_origin", s.cfg.PublicOrigin,
		"external_base_path", s.cfg.ExternalBasePath,
		"tls_mode", s.cfg.TLS.Mode,
	)

	switch s.cfg.TLS.Mode {
	case "", "off":
		return s.httpServer.ListenAndServe()

	case "static":
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)

	default:
		return fmt.Errorf("invalid tls mode %q", s.cfg.TLS.Mode)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}
