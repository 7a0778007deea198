package incoming

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/talkmesh/talkmesh-go/internal/components/federation"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/notifications"
	"github.com/talkmesh/talkmesh-go/internal/platform/appctx"
)

// HandleShares is the POST /ocm/shares endpoint.
func (p *Provider) HandleShares(w http.ResponseWriter, r *http.Request) {
	var share notifications.Share
	if err := json.NewDecoder(r.Body).Decode(&share); err != nil {
		writeWireError(w, &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter})
		return
	}

	resp, err := p.ShareReceived(r.Context(), &share)
	if err != nil {
		p.logRejected(r, "share", err)
		writeWireError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// HandleNotifications is the POST /ocm/notifications endpoint.
func (p *Provider) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	var envelope notifications.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		writeWireError(w, &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter})
		return
	}

	if err := p.NotificationReceived(r.Context(), &envelope); err != nil {
		p.logRejected(r, envelope.NotificationType, err)
		writeWireError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{})
}

func (p *Provider) logRejected(r *http.Request, kind string, err error) {
	logger := appctx.GetLogger(r.Context())
	logger.InfoContext(r.Context(), "inbound federation request rejected",
		slog.String("kind", kind),
		slog.String("remote_addr", r.RemoteAddr),
		slog.Any("error", err))
}

// writeWireError maps the error taxonomy to the protocol's answer shapes.
// A NotFoundError becomes the 400 RESOURCE_NOT_FOUND body senders treat as
// a permanent rejection, which closes their retry loop.
func writeWireError(w http.ResponseWriter, err error) {
	var (
		reqErr  *federation.RequestError
		nfErr   *federation.NotFoundError
		authErr *federation.UnauthenticatedError
	)
	switch {
	case errors.As(err, &reqErr):
		writeJSON(w, reqErr.Status, map[string]string{"message": reqErr.Message})
	case errors.As(err, &nfErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": MessageResourceNotFound})
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": MessageAuthenticationFailed})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "INTERNAL_ERROR"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
