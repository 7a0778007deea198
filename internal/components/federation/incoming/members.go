package incoming

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/talkmesh/talkmesh-go/internal/components/events"
	"github.com/talkmesh/talkmesh-go/internal/components/federation"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/notifications"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// shareAccepted marks a locally hosted invite as accepted by the remote
// user. The membership event is attributed to the remote actor.
func (p *Provider) shareAccepted(ctx context.Context, providerID int64, raw json.RawMessage) error {
	var payload notifications.ShareLifecycle
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}

	attendee, err := p.attendeeBySecret(ctx, providerID, payload.SharedSecret)
	if err != nil {
		return err
	}

	if payload.DisplayName != "" {
		attendee.DisplayName = payload.DisplayName
	}
	if payload.CloudID != "" {
		attendee.ActorID = payload.CloudID
		attendee.InvitedCloudID = payload.CloudID
	}
	if err := p.attendees.Update(ctx, attendee); err != nil {
		return err
	}

	room, err := p.rooms.GetByID(ctx, attendee.RoomID)
	if err != nil {
		return err
	}

	p.dispatcher.AttendeesAdded(ctx, room, []*store.Attendee{attendee}, &events.Actor{
		Type:        store.ActorFederatedUser,
		ID:          attendee.ActorID,
		DisplayName: attendee.DisplayName,
	})
	return nil
}

// shareDeclined removes the locally hosted invite after the remote user
// turned it down.
func (p *Provider) shareDeclined(ctx context.Context, providerID int64, raw json.RawMessage) error {
	var payload notifications.ShareLifecycle
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}

	attendee, err := p.attendeeBySecret(ctx, providerID, payload.SharedSecret)
	if err != nil {
		return err
	}

	if err := p.attendees.Delete(ctx, attendee.ID); err != nil {
		return err
	}

	room, err := p.rooms.GetByID(ctx, attendee.RoomID)
	if err != nil {
		return err
	}

	p.dispatcher.AttendeesRemoved(ctx, room, []*store.Attendee{attendee}, &events.Actor{
		Type:        store.ActorFederatedUser,
		ID:          attendee.ActorID,
		DisplayName: attendee.DisplayName,
	})
	return nil
}

// shareUnshared tears down the local shadow of a conversation whose host
// revoked our access.
func (p *Provider) shareUnshared(ctx context.Context, providerID int64, raw json.RawMessage) error {
	var payload notifications.ShareUnshared
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}

	invitation, room, err := p.invitationBySecret(ctx, payload.RemoteServerURL, providerID, payload.SharedSecret)
	if err != nil {
		return err
	}

	if err := p.invitations.Delete(ctx, invitation.ID); err != nil {
		return err
	}

	if attendee, err := p.attendees.GetByActor(ctx, room.ID, store.ActorUser, invitation.UserID); err == nil {
		if err := p.attendees.Delete(ctx, attendee.ID); err != nil {
			return err
		}
		p.dispatcher.AttendeesRemoved(ctx, room, []*store.Attendee{attendee}, nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	p.cleanupShadowRoom(ctx, room)
	return nil
}

// cleanupShadowRoom removes a shadow room once nothing references it.
func (p *Provider) cleanupShadowRoom(ctx context.Context, room *store.Room) {
	attendees, err := p.attendees.CountForRoom(ctx, room.ID)
	if err != nil || attendees > 0 {
		return
	}
	invitations, err := p.invitations.CountForRoom(ctx, room.ID)
	if err != nil || invitations > 0 {
		return
	}
	if err := p.rooms.Delete(ctx, room.ID); err != nil {
		p.logger.WarnContext(ctx, "failed to delete shadow room",
			slog.Int64("room_id", room.ID), slog.Any("error", err))
	}
}

// participantModified applies a changed attendee property. Only permissions
// and the call-notification resend signal are understood; anything else is
// logged and ignored.
func (p *Provider) participantModified(ctx context.Context, providerID int64, raw json.RawMessage) error {
	var payload notifications.ParticipantModified
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}

	invitation, room, err := p.invitationBySecret(ctx, payload.RemoteServerURL, providerID, payload.SharedSecret)
	if err != nil {
		return err
	}

	switch payload.ChangedProperty {
	case notifications.PropPermissions:
		var permissions int
		if err := json.Unmarshal(payload.NewValue, &permissions); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
		attendee, err := p.attendees.GetByActor(ctx, room.ID, store.ActorUser, invitation.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return &federation.NotFoundError{Kind: "attendee"}
		}
		if err != nil {
			return err
		}
		attendee.Permissions = permissions
		return p.attendees.Update(ctx, attendee)

	case notifications.PropResendCallNotification:
		p.dispatcher.CallNotificationResend(ctx, room)
		return nil

	default:
		p.logger.DebugContext(ctx, "ignoring unknown participant property",
			slog.String("property", payload.ChangedProperty),
			slog.String("room", room.Token))
		return nil
	}
}
