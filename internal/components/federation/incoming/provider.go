// Package incoming is the inbound side of the federation protocol: it
// accepts share offers and the steady-state notification stream from peers
// and reconciles them against local state.
package incoming

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/components/events"
	"github.com/talkmesh/talkmesh-go/internal/components/federation"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/notifications"
	"github.com/talkmesh/talkmesh-go/internal/components/messagefmt"
	"github.com/talkmesh/talkmesh-go/internal/platform/cache"
	"github.com/talkmesh/talkmesh-go/internal/platform/config"
	"github.com/talkmesh/talkmesh-go/internal/platform/logutil"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// Wire-level error codes answered to peers.
const (
	MessageResourceNotFound     = "RESOURCE_NOT_FOUND"
	MessageAuthenticationFailed = "AUTHENTICATION_FAILED"
	MessageFederationDisabled   = "FEDERATION_DISABLED"
	MessageInvalidParameter     = "INVALID_PARAMETER"
	MessageUnsupportedShare     = "UNSUPPORTED_SHARE"
)

// Provider applies inbound federation traffic to local state.
type Provider struct {
	cfg         *config.Config
	rooms       store.RoomRepo
	attendees   store.AttendeeRepo
	invitations store.InvitationRepo
	messages    store.ProxyMessageRepo
	users       store.UserRepo
	manager     *federation.Manager
	dispatcher  events.Dispatcher
	converter   messagefmt.Converter
	cache       cache.Cache
	logger      *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewProvider creates a provider.
func NewProvider(cfg *config.Config, driver store.Driver, manager *federation.Manager, dispatcher events.Dispatcher, converter messagefmt.Converter, c cache.Cache, logger *slog.Logger) *Provider {
	return &Provider{
		cfg:         cfg,
		rooms:       driver.Rooms(),
		attendees:   driver.Attendees(),
		invitations: driver.Invitations(),
		messages:    driver.ProxyMessages(),
		users:       driver.Users(),
		manager:     manager,
		dispatcher:  dispatcher,
		converter:   converter,
		cache:       c,
		logger:      logutil.NoopIfNil(logger),
		now:         time.Now,
	}
}

// ShareReceived validates and applies an inbound share offer. The returned
// response carries the recipient identity the host shows in its participant
// list.
func (p *Provider) ShareReceived(ctx context.Context, share *notifications.Share) (*notifications.ShareResponse, error) {
	if !p.cfg.Federation.Enabled || !p.cfg.Federation.IncomingEnabled {
		return nil, &federation.RequestError{Status: http.StatusNotImplemented, Message: MessageFederationDisabled}
	}

	if share.ShareType != "user" || share.ResourceType != notifications.ResourceTypeTalkRoom {
		return nil, &federation.RequestError{Status: http.StatusBadRequest, Message: MessageUnsupportedShare}
	}
	if share.Protocol.Name != notifications.ProtocolName {
		return nil, &federation.RequestError{Status: http.StatusBadRequest, Message: MessageUnsupportedShare}
	}

	opts := share.Protocol.Options
	if share.ShareWith == "" || share.ProviderID == "" || opts.SharedSecret == "" || opts.RemoteToken == "" {
		return nil, &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}
	if !store.ValidRoomType(opts.RoomType) {
		return nil, &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}
	remoteAttendeeID, err := strconv.ParseInt(share.ProviderID, 10, 64)
	if err != nil {
		return nil, &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}

	user, err := p.resolveShareRecipient(ctx, share.ShareWith)
	if err != nil {
		return nil, err
	}

	remoteServer := remoteServerOf(share, opts)
	if remoteServer == "" {
		return nil, &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}

	invitation, err := p.manager.AddRemoteRoom(ctx, user, &federation.RemoteShare{
		RemoteServerURL:    remoteServer,
		RemoteToken:        opts.RemoteToken,
		RemoteAttendeeID:   remoteAttendeeID,
		SharedSecret:       opts.SharedSecret,
		RoomName:           roomNameOf(share, opts),
		RoomType:           opts.RoomType,
		RoomDefaultPerms:   opts.RoomDefaultPerms,
		InviterCloudID:     opts.InviterCloudID,
		InviterDisplayName: opts.InviterDisplayName,
	})
	if err != nil {
		return nil, err
	}

	p.dispatcher.InvitationReceived(ctx, invitation)

	return &notifications.ShareResponse{
		RecipientDisplayName: user.DisplayName,
		RecipientID:          invitation.LocalCloudID,
	}, nil
}

// resolveShareRecipient maps the shareWith cloud id to a local user. Case
// mismatches in the username are healed.
func (p *Provider) resolveShareRecipient(ctx context.Context, shareWith string) (*store.User, error) {
	// Hosts address recipients as user@host; a bare username is accepted
	// for compatibility.
	username := shareWith
	if idx := strings.LastIndex(shareWith, "@"); idx > 0 {
		username = shareWith[:idx]
	}

	user, err := p.users.GetByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		user, err = p.users.GetByUsername(ctx, strings.ToLower(username))
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}
	if err != nil {
		return nil, err
	}

	if user.Disabled || !user.FederationEnabled {
		return nil, &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}
	return user, nil
}

// remoteServerOf derives the sending server from the share owner.
func remoteServerOf(share *notifications.Share, opts notifications.ShareOpts) string {
	owner := share.Owner
	if owner == "" {
		owner = opts.InviterCloudID
	}
	idx := strings.LastIndex(owner, "@")
	if idx < 0 || idx == len(owner)-1 {
		return ""
	}
	return owner[idx+1:]
}

func roomNameOf(share *notifications.Share, opts notifications.ShareOpts) string {
	if opts.RoomName != "" {
		return opts.RoomName
	}
	return share.Name
}

// NotificationReceived dispatches one inbound notification to its handler.
func (p *Provider) NotificationReceived(ctx context.Context, envelope *notifications.Envelope) error {
	if !p.cfg.Federation.Enabled || !p.cfg.Federation.IncomingEnabled {
		return &federation.RequestError{Status: http.StatusNotImplemented, Message: MessageFederationDisabled}
	}
	if envelope.ResourceType != notifications.ResourceTypeTalkRoom {
		return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}

	providerID, err := strconv.ParseInt(envelope.ProviderID, 10, 64)
	if err != nil {
		return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}

	switch envelope.NotificationType {
	case notifications.TypeShareAccepted:
		return p.shareAccepted(ctx, providerID, envelope.Notification)
	case notifications.TypeShareDeclined:
		return p.shareDeclined(ctx, providerID, envelope.Notification)
	case notifications.TypeShareUnshared:
		return p.shareUnshared(ctx, providerID, envelope.Notification)
	case notifications.TypeParticipantModified:
		return p.participantModified(ctx, providerID, envelope.Notification)
	case notifications.TypeRoomModified:
		return p.roomModified(ctx, providerID, envelope.Notification)
	case notifications.TypeMessagePosted:
		return p.messagePosted(ctx, providerID, envelope.Notification)
	default:
		return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}
}

// attendeeBySecret resolves a local federated attendee by id and shared
// secret. Check order is fixed: federation enabled, existence, secret.
func (p *Provider) attendeeBySecret(ctx context.Context, attendeeID int64, secret string) (*store.Attendee, error) {
	if !p.cfg.Federation.Enabled {
		return nil, &federation.RequestError{Status: http.StatusNotImplemented, Message: MessageFederationDisabled}
	}

	attendee, err := p.attendees.GetByID(ctx, attendeeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &federation.NotFoundError{Kind: "attendee"}
	}
	if err != nil {
		return nil, err
	}
	if attendee.ActorType != store.ActorFederatedUser {
		return nil, &federation.NotFoundError{Kind: "attendee"}
	}

	if subtle.ConstantTimeCompare([]byte(attendee.AccessToken), []byte(secret)) != 1 {
		return nil, &federation.UnauthenticatedError{}
	}
	return attendee, nil
}

// invitationBySecret resolves the invitation and shadow room addressed by a
// notification. Same fixed check order as attendeeBySecret. Incoming remote
// server values carry the peer's full origin; stored invitations carry the
// bare authority, so the lookup goes through CanonicalServer.
func (p *Provider) invitationBySecret(ctx context.Context, remoteServer string, remoteAttendeeID int64, secret string) (*store.Invitation, *store.Room, error) {
	if !p.cfg.Federation.Enabled {
		return nil, nil, &federation.RequestError{Status: http.StatusNotImplemented, Message: MessageFederationDisabled}
	}

	host := federation.CanonicalServer(remoteServer)
	invitation, err := p.invitations.GetByRemoteAttendee(ctx, host, remoteAttendeeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, &federation.NotFoundError{Kind: "room"}
	}
	if err != nil {
		return nil, nil, err
	}

	if subtle.ConstantTimeCompare([]byte(invitation.AccessToken), []byte(secret)) != 1 {
		return nil, nil, &federation.UnauthenticatedError{}
	}

	room, err := p.rooms.GetByID(ctx, invitation.RoomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, &federation.NotFoundError{Kind: "room"}
	}
	if err != nil {
		return nil, nil, err
	}
	if !room.IsFederated() {
		return nil, nil, &federation.NotFoundError{Kind: "room"}
	}
	return invitation, room, nil
}

// GetFederationIDFromSharedSecret reverse-maps a shared secret to the
// federated identity owning it. Returns empty when nothing matches.
func (p *Provider) GetFederationIDFromSharedSecret(ctx context.Context, secret string) string {
	if invitation, err := p.invitations.GetByAccessToken(ctx, secret); err == nil {
		return invitation.LocalCloudID
	}

	attendees, err := p.attendees.ListByAccessToken(ctx, secret)
	if err != nil {
		return ""
	}
	for _, attendee := range attendees {
		if attendee.ActorType == store.ActorFederatedUser && strings.Contains(attendee.ActorID, "@") {
			return attendee.ActorID
		}
	}
	return ""
}
