// Package invitations implements the local invitation API consumed by the
// conversation host. All endpoints are scoped to the authenticated user.
package invitations

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/talkmesh/talkmesh-go/internal/components/api"
	"github.com/talkmesh/talkmesh-go/internal/components/federation"
	"github.com/talkmesh/talkmesh-go/internal/components/identity"
	"github.com/talkmesh/talkmesh-go/internal/platform/appctx"
	"github.com/talkmesh/talkmesh-go/internal/platform/logutil"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// InvitationView is the public view of an invitation. The shared secret is
// never exposed.
type InvitationView struct {
	ID                 int64  `json:"id"`
	State              string `json:"state"`
	RoomID             int64  `json:"roomId"`
	RoomToken          string `json:"roomToken,omitempty"`
	RoomName           string `json:"roomName,omitempty"`
	RemoteServerURL    string `json:"remoteServerUrl"`
	RemoteToken        string `json:"remoteToken"`
	InviterCloudID     string `json:"inviterCloudId"`
	InviterDisplayName string `json:"inviterDisplayName"`
	LocalCloudID       string `json:"localCloudId"`
}

// ListResponse wraps the invitation views returned by HandleList.
type ListResponse struct {
	Invitations []InvitationView `json:"invitations"`
}

// CountResponse is the body of the pending-count endpoint.
type CountResponse struct {
	Count int64 `json:"count"`
}

// Handler handles invitation list, accept, and decline endpoints.
type Handler struct {
	manager *federation.Manager
	rooms   store.RoomRepo
	users   store.UserRepo
	auth    *identity.UserAuth
	logger  *slog.Logger
}

// NewHandler creates an invitations API handler.
func NewHandler(manager *federation.Manager, driver store.Driver, auth *identity.UserAuth, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		rooms:   driver.Rooms(),
		users:   driver.Users(),
		auth:    auth,
		logger:  logutil.NoopIfNil(logger),
	}
}

// Routes returns the router for the invitation endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireUser)
	r.Get("/", h.HandleList)
	r.Get("/pending-count", h.HandlePendingCount)
	r.Post("/{id}/accept", h.HandleAccept)
	r.Post("/{id}/decline", h.HandleDecline)
	return r
}

type contextKey struct{}

// requireUser authenticates the request via HTTP Basic credentials and puts
// the resolved user on the request context. Federated servers authenticate
// against the federation endpoints, not this surface.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if federation.NewAuthenticator(r).IsFederationRequest() {
			api.WriteUnauthorized(w, api.ReasonUnauthenticated, "federated credentials are not accepted here")
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="talkmesh"`)
			api.WriteUnauthorized(w, api.ReasonUnauthenticated, "credentials required")
			return
		}

		user, err := h.auth.Authenticate(r.Context(), h.users, username, password)
		if err != nil {
			logger := appctx.GetLogger(r.Context())
			logger.InfoContext(r.Context(), "api authentication failed",
				slog.String("username", username),
				slog.Any("error", err))
			api.WriteUnauthorized(w, api.ReasonInvalidCredentials, "invalid credentials")
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentUser(ctx context.Context) *store.User {
	user, _ := ctx.Value(contextKey{}).(*store.User)
	return user
}

// HandleList handles GET /api/invitations.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())

	invitations, err := h.manager.ListInvitations(r.Context(), user)
	if err != nil {
		api.WriteInternalError(w, "failed to list invitations")
		return
	}

	views := make([]InvitationView, 0, len(invitations))
	for _, invitation := range invitations {
		views = append(views, h.view(r.Context(), invitation))
	}
	api.WriteJSON(w, http.StatusOK, ListResponse{Invitations: views})
}

// HandlePendingCount handles GET /api/invitations/pending-count.
func (h *Handler) HandlePendingCount(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())

	count, err := h.manager.CountPendingInvitations(r.Context(), user)
	if err != nil {
		api.WriteInternalError(w, "failed to count invitations")
		return
	}
	api.WriteJSON(w, http.StatusOK, CountResponse{Count: count})
}

// HandleAccept handles POST /api/invitations/{id}/accept.
func (h *Handler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		api.WriteBadRequest(w, api.ReasonBadRequest, "invalid invitation id")
		return
	}

	invitation, err := h.manager.AcceptRemoteRoomShare(r.Context(), user, id)
	if err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, h.view(r.Context(), invitation))
}

// HandleDecline handles POST /api/invitations/{id}/decline.
func (h *Handler) HandleDecline(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		api.WriteBadRequest(w, api.ReasonBadRequest, "invalid invitation id")
		return
	}

	if err := h.manager.RejectRemoteRoomShare(r.Context(), user, id); err != nil {
		h.writeManagerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// view resolves the local room details for an invitation. Room lookup
// failures degrade to a view without room token and name.
func (h *Handler) view(ctx context.Context, invitation *store.Invitation) InvitationView {
	v := InvitationView{
		ID:                 invitation.ID,
		State:              stateName(invitation.State),
		RoomID:             invitation.RoomID,
		RemoteServerURL:    invitation.RemoteServerURL,
		RemoteToken:        invitation.RemoteToken,
		InviterCloudID:     invitation.InviterCloudID,
		InviterDisplayName: invitation.InviterDisplayName,
		LocalCloudID:       invitation.LocalCloudID,
	}
	if room, err := h.rooms.GetByID(ctx, invitation.RoomID); err == nil {
		v.RoomToken = room.Token
		v.RoomName = room.Name
	}
	return v
}

func stateName(state int) string {
	if state == store.InvitationAccepted {
		return "accepted"
	}
	return "pending"
}

// writeManagerError maps manager errors onto the API error envelope.
func (h *Handler) writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		nfErr          *federation.NotFoundError
		reqErr         *federation.RequestError
		unreachableErr *federation.UnreachableError
	)
	switch {
	case errors.As(err, &nfErr):
		api.WriteNotFound(w, "invitation not found")
	case errors.As(err, &reqErr):
		api.WriteConflict(w, reqErr.Message)
	case errors.As(err, &unreachableErr):
		logger := appctx.GetLogger(r.Context())
		logger.WarnContext(r.Context(), "remote server unreachable",
			slog.String("remote", unreachableErr.Remote),
			slog.Any("error", err))
		api.WriteError(w, http.StatusBadGateway, api.ReasonPeerUnreachable, "remote server unreachable")
	default:
		api.WriteInternalError(w, "operation failed")
	}
}
