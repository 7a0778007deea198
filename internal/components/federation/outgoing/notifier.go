// Package outgoing delivers federation notifications to remote servers and
// owns the persistent retry queue that makes delivery at-least-once.
package outgoing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/components/cloudid"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/notifications"
	"github.com/talkmesh/talkmesh-go/internal/platform/config"
	"github.com/talkmesh/talkmesh-go/internal/platform/http/client"
	"github.com/talkmesh/talkmesh-go/internal/platform/logutil"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// ErrShareFailed is the only failure shape SendRemoteShare exposes. It
// deliberately hides whether the invite was refused by local policy or the
// remote server, so callers cannot leak the exact reason cross-server.
var ErrShareFailed = errors.New("remote share failed")

// messageResourceNotFound is the body marker a peer answers with when the
// referenced room or attendee no longer exists on its side. It turns a 400
// into a permanent rejection that stops all retries.
const messageResourceNotFound = "RESOURCE_NOT_FOUND"

const (
	sharesPath        = "/ocm/shares"
	notificationsPath = "/ocm/notifications"
)

// DeliveryStatus classifies one delivery attempt.
type DeliveryStatus int

const (
	// Delivered means the peer answered HTTP 201.
	Delivered DeliveryStatus = iota
	// PermanentlyRejected means the peer explicitly reported the resource
	// gone; the notification must never be retried.
	PermanentlyRejected
	// TransientFailure covers every other status and transport error.
	TransientFailure
)

// DeliveryResult is the outcome of one delivery attempt.
type DeliveryResult struct {
	Status DeliveryStatus
	Err    error
}

// InvitePolicy gates outbound shares. Implemented by
// federation.RestrictionValidator.
type InvitePolicy interface {
	IsAllowedToInvite(ctx context.Context, user *store.User, target string) (cloudid.CloudID, error)
}

// Notifier sends federation notifications for local rooms to remote servers.
type Notifier struct {
	cfg     *config.Config
	http    client.HTTPClient
	rooms   store.RoomRepo
	retries store.RetryNotificationRepo
	policy  InvitePolicy
	logger  *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewNotifier creates a notifier.
func NewNotifier(cfg *config.Config, httpClient client.HTTPClient, rooms store.RoomRepo, retries store.RetryNotificationRepo, policy InvitePolicy, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:     cfg,
		http:    httpClient,
		rooms:   rooms,
		retries: retries,
		policy:  policy,
		logger:  logutil.NoopIfNil(logger),
		now:     time.Now,
	}
}

// ServerURL returns this server's identity for outbound payloads: the
// public origin with a trailing slash and legacy script path stripped.
func (n *Notifier) ServerURL() string {
	u := strings.TrimSuffix(n.cfg.PublicOrigin, "/")
	u = strings.TrimSuffix(u, "/index.php")
	return u
}

// LocalCloudID formats the cloud id of a local user on this server.
func (n *Notifier) LocalCloudID(username string) string {
	host := n.ServerURL()
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Host
	}
	return cloudid.CloudID{User: username, Host: host}.String()
}

// remoteBase heals remote server values sent without a scheme by older
// peers and normalizes away a trailing slash.
func remoteBase(remote string) string {
	if !strings.Contains(remote, "://") {
		remote = "https://" + remote
	}
	return strings.TrimSuffix(remote, "/")
}

// base builds the shared payload head for one attendee relationship.
func (n *Notifier) base(room *store.Room, secret string) notifications.Base {
	return notifications.Base{
		SharedSecret:    secret,
		RemoteServerURL: n.ServerURL(),
		RemoteToken:     room.Token,
	}
}

// SendRemoteShare offers a local room to a remote user. It checks the
// invite policy itself; a refused invite and a failed delivery both come
// back as ErrShareFailed. Shares are fire-once and never queued.
func (n *Notifier) SendRemoteShare(ctx context.Context, inviter *store.User, room *store.Room, attendee *store.Attendee, shareWith string) (*notifications.ShareResponse, error) {
	target, err := n.policy.IsAllowedToInvite(ctx, inviter, shareWith)
	if err != nil {
		n.logger.InfoContext(ctx, "share refused by invite policy",
			slog.String("room", room.Token),
			slog.Any("error", err))
		return nil, ErrShareFailed
	}

	inviterCloudID := n.LocalCloudID(inviter.Username)
	share := &notifications.Share{
		ShareWith:         shareWith,
		Name:              room.Name,
		Description:       room.Description,
		ProviderID:        strconv.FormatInt(attendee.ID, 10),
		Owner:             inviterCloudID,
		OwnerDisplayName:  inviter.DisplayName,
		Sender:            inviterCloudID,
		SenderDisplayName: inviter.DisplayName,
		ShareType:         "user",
		ResourceType:      notifications.ResourceTypeTalkRoom,
		Protocol: notifications.ShareProtocol{
			Name: notifications.ProtocolName,
			Options: notifications.ShareOpts{
				SharedSecret:       attendee.AccessToken,
				RemoteToken:        room.Token,
				RoomName:           room.Name,
				RoomType:           room.Type,
				RoomDefaultPerms:   room.DefaultPermissions,
				InviterCloudID:     inviterCloudID,
				InviterDisplayName: inviter.DisplayName,
			},
		},
	}

	body, err := json.Marshal(share)
	if err != nil {
		return nil, fmt.Errorf("marshal share: %w", err)
	}

	endpoint := remoteBase(target.Host) + sharesPath
	status, respBody, err := n.post(ctx, endpoint, body)
	if err != nil {
		n.logger.WarnContext(ctx, "share delivery failed",
			slog.String("remote", target.Host),
			slog.Any("error", err))
		return nil, ErrShareFailed
	}
	if status != http.StatusCreated {
		n.logger.WarnContext(ctx, "share rejected by remote",
			slog.String("remote", target.Host),
			slog.Int("status", status))
		return nil, ErrShareFailed
	}

	var resp notifications.ShareResponse
	if len(respBody) > 0 {
		// A 201 with an undecodable body still counts as delivered.
		if err := json.Unmarshal(respBody, &resp); err != nil {
			n.logger.DebugContext(ctx, "undecodable share response",
				slog.String("remote", target.Host))
		}
	}
	return &resp, nil
}

// SendShareAccepted tells the host server an invitation was accepted. It is
// the only notification with retry disabled: its caller fails the whole
// accept when the host cannot be reached right now.
func (n *Notifier) SendShareAccepted(ctx context.Context, remoteServer string, remoteAttendeeID int64, secret, cloudID, displayName string) DeliveryResult {
	payload := &notifications.ShareLifecycle{
		Base: notifications.Base{
			SharedSecret:    secret,
			RemoteServerURL: n.ServerURL(),
		},
		CloudID:     cloudID,
		DisplayName: displayName,
	}
	return n.sendNotification(ctx, remoteServer, notifications.TypeShareAccepted,
		strconv.FormatInt(remoteAttendeeID, 10), payload, 0, false)
}

// SendShareDeclined tells the host server an invitation was declined.
func (n *Notifier) SendShareDeclined(ctx context.Context, remoteServer string, remoteAttendeeID int64, secret string) DeliveryResult {
	payload := &notifications.ShareLifecycle{
		Base: notifications.Base{
			SharedSecret:    secret,
			RemoteServerURL: n.ServerURL(),
		},
	}
	return n.sendNotification(ctx, remoteServer, notifications.TypeShareDeclined,
		strconv.FormatInt(remoteAttendeeID, 10), payload, 0, true)
}

// SendShareUnshared tells a recipient server its access to a local room was
// revoked.
func (n *Notifier) SendShareUnshared(ctx context.Context, room *store.Room, attendee *store.Attendee) DeliveryResult {
	payload := &notifications.ShareUnshared{Base: n.base(room, attendee.AccessToken)}
	return n.sendNotification(ctx, remoteHostOf(attendee), notifications.TypeShareUnshared,
		strconv.FormatInt(attendee.ID, 10), payload, 0, true)
}

// SendRoomModifiedUpdate announces one changed room property.
func (n *Notifier) SendRoomModifiedUpdate(ctx context.Context, room *store.Room, attendee *store.Attendee, property string, newValue any) DeliveryResult {
	raw, err := json.Marshal(newValue)
	if err != nil {
		return DeliveryResult{Status: TransientFailure, Err: err}
	}
	payload := &notifications.RoomModified{
		Base:            n.base(room, attendee.AccessToken),
		ChangedProperty: property,
		NewValue:        raw,
	}
	return n.sendNotification(ctx, remoteHostOf(attendee), notifications.TypeRoomModified,
		strconv.FormatInt(attendee.ID, 10), payload, 0, true)
}

// SendCallStarted announces a call start: the active-since timestamp, the
// combined call flags and optionally the silent detail.
func (n *Notifier) SendCallStarted(ctx context.Context, room *store.Room, attendee *store.Attendee, activeSince time.Time, callFlag int, silent bool) DeliveryResult {
	raw, err := json.Marshal(activeSince.Unix())
	if err != nil {
		return DeliveryResult{Status: TransientFailure, Err: err}
	}
	payload := &notifications.RoomModified{
		Base:            n.base(room, attendee.AccessToken),
		ChangedProperty: notifications.PropActiveSince,
		NewValue:        raw,
		CallFlag:        &callFlag,
	}
	if silent {
		payload.Details = []string{notifications.DetailInCallSilent}
	}
	return n.sendNotification(ctx, remoteHostOf(attendee), notifications.TypeRoomModified,
		strconv.FormatInt(attendee.ID, 10), payload, 0, true)
}

// SendCallEnded announces the end of a call as a null active-since.
func (n *Notifier) SendCallEnded(ctx context.Context, room *store.Room, attendee *store.Attendee) DeliveryResult {
	disconnected := store.CallFlagDisconnected
	payload := &notifications.RoomModified{
		Base:            n.base(room, attendee.AccessToken),
		ChangedProperty: notifications.PropActiveSince,
		NewValue:        json.RawMessage("null"),
		CallFlag:        &disconnected,
	}
	return n.sendNotification(ctx, remoteHostOf(attendee), notifications.TypeRoomModified,
		strconv.FormatInt(attendee.ID, 10), payload, 0, true)
}

// SendRoomModifiedLobbyUpdate announces a lobby state change with its
// optional timer.
func (n *Notifier) SendRoomModifiedLobbyUpdate(ctx context.Context, room *store.Room, attendee *store.Attendee) DeliveryResult {
	raw, err := json.Marshal(room.LobbyState)
	if err != nil {
		return DeliveryResult{Status: TransientFailure, Err: err}
	}
	payload := &notifications.RoomModified{
		Base:            n.base(room, attendee.AccessToken),
		ChangedProperty: notifications.PropLobby,
		NewValue:        raw,
	}
	if room.LobbyTimer != nil {
		payload.LobbyTimer = strconv.FormatInt(room.LobbyTimer.Unix(), 10)
	}
	return n.sendNotification(ctx, remoteHostOf(attendee), notifications.TypeRoomModified,
		strconv.FormatInt(attendee.ID, 10), payload, 0, true)
}

// SendParticipantModifiedUpdate announces one changed attendee property.
func (n *Notifier) SendParticipantModifiedUpdate(ctx context.Context, room *store.Room, attendee *store.Attendee, property string, newValue any) DeliveryResult {
	raw, err := json.Marshal(newValue)
	if err != nil {
		return DeliveryResult{Status: TransientFailure, Err: err}
	}
	payload := &notifications.ParticipantModified{
		Base:            n.base(room, attendee.AccessToken),
		ChangedProperty: property,
		NewValue:        raw,
	}
	return n.sendNotification(ctx, remoteHostOf(attendee), notifications.TypeParticipantModified,
		strconv.FormatInt(attendee.ID, 10), payload, 0, true)
}

// SendMessageUpdate forwards a posted, edited or deleted message.
func (n *Notifier) SendMessageUpdate(ctx context.Context, room *store.Room, attendee *store.Attendee, payload *notifications.MessagePosted) DeliveryResult {
	payload.Base = n.base(room, attendee.AccessToken)
	return n.sendNotification(ctx, remoteHostOf(attendee), notifications.TypeMessagePosted,
		strconv.FormatInt(attendee.ID, 10), payload, 0, true)
}

// remoteHostOf extracts the remote host from a federated attendee's cloud id.
func remoteHostOf(attendee *store.Attendee) string {
	if id, err := cloudid.Parse(attendee.ActorID); err == nil {
		return id.Host
	}
	return attendee.ActorID
}

// sendNotification marshals the payload and runs the delivery primitive.
func (n *Notifier) sendNotification(ctx context.Context, remoteServer, notificationType, providerID string, payload any, attempt int, retryAllowed bool) DeliveryResult {
	body, err := json.Marshal(payload)
	if err != nil {
		return DeliveryResult{Status: TransientFailure, Err: err}
	}
	return n.sendUpdateToRemote(ctx, remoteServer, notificationType, providerID, body, attempt, retryAllowed)
}

// sendUpdateToRemote is the retry core shared by every notification type.
// Outcomes: Delivered on 201; PermanentlyRejected on a 400 whose body
// signals the resource is gone remotely; TransientFailure otherwise. A
// transient failure on the very first attempt queues a RetryNotification
// when retry is allowed; retries of queued rows pass their current attempt
// count so only the first attempt ever inserts.
func (n *Notifier) sendUpdateToRemote(ctx context.Context, remoteServer, notificationType, providerID string, payload []byte, attempt int, retryAllowed bool) DeliveryResult {
	envelope := &notifications.Envelope{
		NotificationType: notificationType,
		ResourceType:     notifications.ResourceTypeTalkRoom,
		ProviderID:       providerID,
		Notification:     payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return DeliveryResult{Status: TransientFailure, Err: err}
	}

	endpoint := remoteBase(remoteServer) + notificationsPath
	status, respBody, err := n.post(ctx, endpoint, body)

	result := classify(status, respBody, err)
	switch result.Status {
	case Delivered:
		return result
	case PermanentlyRejected:
		n.logger.InfoContext(ctx, "notification permanently rejected",
			slog.String("remote", remoteServer),
			slog.String("type", notificationType),
			slog.String("provider_id", providerID))
		return result
	}

	n.logger.WarnContext(ctx, "notification delivery failed",
		slog.String("remote", remoteServer),
		slog.String("type", notificationType),
		slog.Int("attempt", attempt),
		slog.Any("error", result.Err))

	if attempt == 0 && retryAllowed {
		retry := &store.RetryNotification{
			RemoteServer:     remoteServer,
			NotificationType: notificationType,
			ResourceType:     notifications.ResourceTypeTalkRoom,
			ProviderID:       providerID,
			Payload:          string(payload),
			Attempt:          1,
			NextRetry:        n.now().Add(RetryDelay(1)),
		}
		if err := n.retries.Create(ctx, retry); err != nil {
			n.logger.ErrorContext(ctx, "failed to queue notification retry",
				slog.String("remote", remoteServer),
				slog.Any("error", err))
		}
	}

	return result
}

// classify maps a response to the three-way delivery outcome.
func classify(status int, body []byte, err error) DeliveryResult {
	if err != nil {
		return DeliveryResult{Status: TransientFailure, Err: err}
	}
	if status == http.StatusCreated {
		return DeliveryResult{Status: Delivered}
	}
	if status == http.StatusBadRequest {
		var parsed struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Message == messageResourceNotFound {
			return DeliveryResult{Status: PermanentlyRejected}
		}
	}
	return DeliveryResult{
		Status: TransientFailure,
		Err:    fmt.Errorf("unexpected status %d", status),
	}
}

// post sends a JSON body and reads the bounded response.
func (n *Notifier) post(ctx context.Context, endpoint string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := n.http.Do(ctx, req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}
