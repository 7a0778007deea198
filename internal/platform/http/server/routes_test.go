package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/talkmesh/talkmesh-go/internal/platform/config"
)

func newTestServer(t *testing.T, basePath string) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.ExternalBasePath = basePath

	handlers := Handlers{
		Shares: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		},
		Notifications: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		},
		Invitations: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	}

	return New(cfg, nil, handlers)
}

func (s *Server) serve(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutesWithoutBasePath(t *testing.T) {
	s := newTestServer(t, "")

	if rec := s.serve(http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d", rec.Code)
	}
	if rec := s.serve(http.MethodPost, "/ocm/shares"); rec.Code != http.StatusCreated {
		t.Errorf("ocm shares: got %d", rec.Code)
	}
	if rec := s.serve(http.MethodPost, "/ocm/notifications"); rec.Code != http.StatusCreated {
		t.Errorf("ocm notifications: got %d", rec.Code)
	}
	if rec := s.serve(http.MethodGet, "/api/invitations"); rec.Code != http.StatusOK {
		t.Errorf("api invitations: got %d", rec.Code)
	}
}

func TestRoutesWithBasePath(t *testing.T) {
	s := newTestServer(t, "/talk")

	// Health stays at host root for load balancer checks.
	if rec := s.serve(http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz: got %d", rec.Code)
	}

	if rec := s.serve(http.MethodPost, "/talk/ocm/shares"); rec.Code != http.StatusCreated {
		t.Errorf("ocm shares under base path: got %d", rec.Code)
	}
	if rec := s.serve(http.MethodPost, "/ocm/shares"); rec.Code == http.StatusCreated {
		t.Error("ocm shares must not be reachable outside the base path")
	}
	if rec := s.serve(http.MethodGet, "/talk/api/invitations"); rec.Code != http.StatusOK {
		t.Errorf("api invitations under base path: got %d", rec.Code)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.serve(http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d", rec.Code)
	}
	var envelope struct {
		Error struct {
			ReasonCode string `json:"reason_code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.ReasonCode != "not_found" {
		t.Errorf("reason code: got %q", envelope.Error.ReasonCode)
	}
}
