package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/talkmesh/talkmesh-go/internal/components/api"
	httpmw "github.com/talkmesh/talkmesh-go/internal/platform/http/middleware"
)

// setupRoutes creates the chi router with all endpoints mounted.
//
// The health endpoint lives at the host root so load balancer checks work
// regardless of external_base_path. Everything else is mounted under the
// base path: the federation wire endpoints under /ocm and the local
// invitation API under /api.
func (s *Server) setupRoutes(handlers Handlers) chi.Router {
	r := chi.NewRouter()

	// Always-on transport middleware (order is invariant):
	// RequestID -> request-scoped logger -> access log -> recoverer
	r.Use(chimw.RequestID)
	r.Use(httpmw.RequestLogger(s.logger))
	r.Use(httpmw.AccessLog(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", api.HealthHandler)

	if s.cfg.ExternalBasePath != "" {
		r.Route(s.cfg.ExternalBasePath, func(r chi.Router) {
			mountAppEndpoints(r, handlers)
		})
	} else {
		mountAppEndpoints(r, handlers)
	}

	return r
}

func mountAppEndpoints(r chi.Router, handlers Handlers) {
	r.Route("/ocm", func(r chi.Router) {
		r.Post("/shares", handlers.Shares)
		r.Post("/notifications", handlers.Notifications)
	})

	if handlers.Invitations != nil {
		r.Mount("/api/invitations", handlers.Invitations)
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		api.WriteNotFound(w, "no such endpoint")
	})
}
