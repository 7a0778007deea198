package federation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/talkmesh/talkmesh-go/internal/components/events"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/notifications"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/outgoing"
	"github.com/talkmesh/talkmesh-go/internal/platform/logutil"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// NotificationSender is the outbound surface the manager needs. Implemented
// by outgoing.Notifier.
type NotificationSender interface {
	SendRemoteShare(ctx context.Context, inviter *store.User, room *store.Room, attendee *store.Attendee, shareWith string) (*notifications.ShareResponse, error)
	SendShareAccepted(ctx context.Context, remoteServer string, remoteAttendeeID int64, secret, cloudID, displayName string) outgoing.DeliveryResult
	SendShareDeclined(ctx context.Context, remoteServer string, remoteAttendeeID int64, secret string) outgoing.DeliveryResult
	SendShareUnshared(ctx context.Context, room *store.Room, attendee *store.Attendee) outgoing.DeliveryResult
	LocalCloudID(username string) string
}

// RemoteShare describes an inbound share offer after wire validation.
type RemoteShare struct {
	RemoteServerURL    string
	RemoteToken        string
	RemoteAttendeeID   int64
	SharedSecret       string
	RoomName           string
	RoomType           int
	RoomDefaultPerms   int
	InviterCloudID     string
	InviterDisplayName string
}

// Manager orchestrates the invitation lifecycle and keeps the shadow room
// for each federated conversation.
type Manager struct {
	rooms       store.RoomRepo
	attendees   store.AttendeeRepo
	invitations store.InvitationRepo
	notifier    NotificationSender
	dispatcher  events.Dispatcher
	logger      *slog.Logger
}

// NewManager creates a manager.
func NewManager(driver store.Driver, notifier NotificationSender, dispatcher events.Dispatcher, logger *slog.Logger) *Manager {
	return &Manager{
		rooms:       driver.Rooms(),
		attendees:   driver.Attendees(),
		invitations: driver.Invitations(),
		notifier:    notifier,
		dispatcher:  dispatcher,
		logger:      logutil.NoopIfNil(logger),
	}
}

// AddRemoteRoom upserts the shadow room and invitation for an inbound share
// offer. It is idempotent: a re-sent share refreshes the existing records
// instead of duplicating them.
func (m *Manager) AddRemoteRoom(ctx context.Context, user *store.User, share *RemoteShare) (*store.Invitation, error) {
	remoteServer := CanonicalServer(share.RemoteServerURL)
	room, err := m.rooms.GetByRemote(ctx, remoteServer, share.RemoteToken)
	switch {
	case errors.Is(err, store.ErrNotFound):
		room = &store.Room{
			Token:              uuid.NewString(),
			Name:               share.RoomName,
			Type:               share.RoomType,
			RemoteServer:       remoteServer,
			RemoteToken:        share.RemoteToken,
			DefaultPermissions: share.RoomDefaultPerms,
		}
		if err := m.rooms.Create(ctx, room); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		// Once the room has participants its permissions are kept current
		// by room-modified notifications; a re-sent share carries a
		// potentially stale snapshot that must not clobber them.
		count, err := m.attendees.CountForRoom(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		if count == 0 && room.DefaultPermissions != share.RoomDefaultPerms {
			room.DefaultPermissions = share.RoomDefaultPerms
			if err := m.rooms.Update(ctx, room); err != nil {
				return nil, err
			}
		}
	}

	invitation, err := m.invitations.GetForRoomAndUser(ctx, room.ID, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		invitation = &store.Invitation{
			RoomID:             room.ID,
			UserID:             user.ID,
			State:              store.InvitationPending,
			AccessToken:        share.SharedSecret,
			RemoteServerURL:    remoteServer,
			RemoteToken:        share.RemoteToken,
			RemoteAttendeeID:   share.RemoteAttendeeID,
			InviterCloudID:     share.InviterCloudID,
			InviterDisplayName: share.InviterDisplayName,
			LocalCloudID:       m.notifier.LocalCloudID(user.Username),
		}
		if err := m.invitations.Create(ctx, invitation); err != nil {
			return nil, err
		}
		return invitation, nil
	}
	if err != nil {
		return nil, err
	}

	// Refresh the existing invitation in place with the offer's credentials.
	invitation.AccessToken = share.SharedSecret
	invitation.RemoteAttendeeID = share.RemoteAttendeeID
	invitation.InviterCloudID = share.InviterCloudID
	invitation.InviterDisplayName = share.InviterDisplayName
	invitation.RemoteServerURL = share.RemoteServerURL
	invitation.RemoteToken = share.RemoteToken

	if invitation.State == store.InvitationAccepted {
		attendee, err := m.attendees.GetByActor(ctx, room.ID, store.ActorUser, user.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// The membership is gone, the acceptance no longer holds.
			invitation.State = store.InvitationPending
		case err != nil:
			return nil, err
		default:
			attendee.AccessToken = share.SharedSecret
			attendee.RemoteID = share.RemoteAttendeeID
			if err := m.attendees.Update(ctx, attendee); err != nil {
				return nil, err
			}
		}
	}

	if err := m.invitations.Update(ctx, invitation); err != nil {
		return nil, err
	}
	return invitation, nil
}

// AcceptRemoteRoomShare accepts a pending invitation. Accept is a two-phase
// handshake: the host must acknowledge synchronously; when it cannot be
// reached the whole operation aborts with an UnreachableError and no local
// state changes.
func (m *Manager) AcceptRemoteRoomShare(ctx context.Context, user *store.User, shareID int64) (*store.Invitation, error) {
	invitation, err := m.getOwnInvitation(ctx, user, shareID)
	if err != nil {
		return nil, err
	}
	if invitation.State == store.InvitationAccepted {
		return nil, &RequestError{Status: http.StatusBadRequest, Message: "ALREADY_ACCEPTED"}
	}

	cloudID := m.notifier.LocalCloudID(user.Username)
	result := m.notifier.SendShareAccepted(ctx, invitation.RemoteServerURL,
		invitation.RemoteAttendeeID, invitation.AccessToken, cloudID, user.DisplayName)
	if result.Status != outgoing.Delivered {
		return nil, &UnreachableError{Remote: invitation.RemoteServerURL, Err: result.Err}
	}

	room, err := m.rooms.GetByID(ctx, invitation.RoomID)
	if err != nil {
		return nil, err
	}

	attendee := &store.Attendee{
		RoomID:          room.ID,
		ActorType:       store.ActorUser,
		ActorID:         user.ID,
		DisplayName:     user.DisplayName,
		ParticipantType: store.ParticipantUser,
		Permissions:     room.DefaultPermissions,
		AccessToken:     invitation.AccessToken,
		RemoteID:        invitation.RemoteAttendeeID,
	}
	if err := m.attendees.Create(ctx, attendee); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			return nil, err
		}
		existing, err := m.attendees.GetByActor(ctx, room.ID, store.ActorUser, user.ID)
		if err != nil {
			return nil, err
		}
		existing.AccessToken = invitation.AccessToken
		existing.RemoteID = invitation.RemoteAttendeeID
		if err := m.attendees.Update(ctx, existing); err != nil {
			return nil, err
		}
		attendee = existing
	}

	invitation.State = store.InvitationAccepted
	if err := m.invitations.Update(ctx, invitation); err != nil {
		return nil, err
	}

	m.dispatcher.AttendeesAdded(ctx, room, []*store.Attendee{attendee}, &events.Actor{
		Type:        store.ActorUser,
		ID:          user.ID,
		DisplayName: user.DisplayName,
	})
	return invitation, nil
}

// RejectRemoteRoomShare rejects a pending invitation. Rejection is
// local-first: the invitation is gone regardless of whether the host can be
// reached, and the decline notification is best-effort.
func (m *Manager) RejectRemoteRoomShare(ctx context.Context, user *store.User, shareID int64) error {
	invitation, err := m.getOwnInvitation(ctx, user, shareID)
	if err != nil {
		return err
	}
	if invitation.State == store.InvitationAccepted {
		return &RequestError{Status: http.StatusBadRequest, Message: "ALREADY_ACCEPTED"}
	}
	return m.removeInvitation(ctx, invitation)
}

// RejectByRemoveSelf removes the local user from an accepted federated room,
// with the same local-first semantics as rejection.
func (m *Manager) RejectByRemoveSelf(ctx context.Context, user *store.User, roomID int64) error {
	invitation, err := m.invitations.GetForRoomAndUser(ctx, roomID, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Kind: "invitation"}
	}
	if err != nil {
		return err
	}

	if attendee, err := m.attendees.GetByActor(ctx, roomID, store.ActorUser, user.ID); err == nil {
		if err := m.attendees.Delete(ctx, attendee.ID); err != nil {
			return err
		}
		if room, err := m.rooms.GetByID(ctx, roomID); err == nil {
			m.dispatcher.AttendeesRemoved(ctx, room, []*store.Attendee{attendee}, nil)
		}
	}

	return m.removeInvitation(ctx, invitation)
}

// removeInvitation deletes the invitation, cleans up an orphaned shadow
// room and sends the best-effort decline.
func (m *Manager) removeInvitation(ctx context.Context, invitation *store.Invitation) error {
	if err := m.invitations.Delete(ctx, invitation.ID); err != nil {
		return err
	}

	m.cleanupOrphanedRoom(ctx, invitation.RoomID)

	result := m.notifier.SendShareDeclined(ctx, invitation.RemoteServerURL,
		invitation.RemoteAttendeeID, invitation.AccessToken)
	if result.Status != outgoing.Delivered {
		m.logger.InfoContext(ctx, "decline notification not delivered",
			slog.String("remote", invitation.RemoteServerURL),
			slog.Any("error", result.Err))
	}
	return nil
}

// cleanupOrphanedRoom drops a shadow room nobody references anymore.
func (m *Manager) cleanupOrphanedRoom(ctx context.Context, roomID int64) {
	room, err := m.rooms.GetByID(ctx, roomID)
	if err != nil || !room.IsFederated() {
		return
	}
	attendees, err := m.attendees.CountForRoom(ctx, roomID)
	if err != nil || attendees > 0 {
		return
	}
	invitations, err := m.invitations.CountForRoom(ctx, roomID)
	if err != nil || invitations > 0 {
		return
	}
	if err := m.rooms.Delete(ctx, roomID); err != nil {
		m.logger.WarnContext(ctx, "failed to delete orphaned shadow room",
			slog.Int64("room_id", roomID), slog.Any("error", err))
	}
}

// InviteRemoteUser invites a remote user into a locally hosted room: it
// creates the federated attendee with a fresh shared secret, then offers
// the share. A failed offer rolls the attendee back.
func (m *Manager) InviteRemoteUser(ctx context.Context, inviter *store.User, room *store.Room, shareWith string) (*store.Attendee, error) {
	if room.IsFederated() {
		return nil, &RequestError{Status: http.StatusBadRequest, Message: "FEDERATED_ROOM"}
	}
	if !store.ValidRoomType(room.Type) {
		return nil, &RequestError{Status: http.StatusBadRequest, Message: "ROOM_TYPE"}
	}

	attendee := &store.Attendee{
		RoomID:          room.ID,
		ActorType:       store.ActorFederatedUser,
		ActorID:         shareWith,
		DisplayName:     shareWith,
		ParticipantType: store.ParticipantUser,
		Permissions:     room.DefaultPermissions,
		AccessToken:     uuid.NewString(),
		InvitedCloudID:  shareWith,
	}
	if err := m.attendees.Create(ctx, attendee); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, &RequestError{Status: http.StatusBadRequest, Message: "ALREADY_INVITED"}
		}
		return nil, err
	}

	resp, err := m.notifier.SendRemoteShare(ctx, inviter, room, attendee, shareWith)
	if err != nil {
		if delErr := m.attendees.Delete(ctx, attendee.ID); delErr != nil {
			m.logger.ErrorContext(ctx, "failed to roll back federated attendee",
				slog.Int64("attendee_id", attendee.ID), slog.Any("error", delErr))
		}
		return nil, err
	}

	if resp.RecipientDisplayName != "" {
		attendee.DisplayName = resp.RecipientDisplayName
		if err := m.attendees.Update(ctx, attendee); err != nil {
			return nil, err
		}
	}

	m.dispatcher.AttendeesAdded(ctx, room, []*store.Attendee{attendee}, &events.Actor{
		Type:        store.ActorUser,
		ID:          inviter.ID,
		DisplayName: inviter.DisplayName,
	})
	return attendee, nil
}

// RemoveRemoteUser revokes a federated attendee's access to a locally
// hosted room and tells their server.
func (m *Manager) RemoveRemoteUser(ctx context.Context, room *store.Room, attendeeID int64) error {
	attendee, err := m.attendees.GetByID(ctx, attendeeID)
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Kind: "attendee"}
	}
	if err != nil {
		return err
	}
	if attendee.RoomID != room.ID || attendee.ActorType != store.ActorFederatedUser {
		return &NotFoundError{Kind: "attendee"}
	}

	if err := m.attendees.Delete(ctx, attendee.ID); err != nil {
		return err
	}
	m.dispatcher.AttendeesRemoved(ctx, room, []*store.Attendee{attendee}, nil)

	result := m.notifier.SendShareUnshared(ctx, room, attendee)
	if result.Status == outgoing.TransientFailure {
		m.logger.InfoContext(ctx, "unshare notification queued for retry",
			slog.String("actor", attendee.ActorID))
	}
	return nil
}

// GetInvitation returns one invitation owned by the user.
func (m *Manager) GetInvitation(ctx context.Context, user *store.User, shareID int64) (*store.Invitation, error) {
	return m.getOwnInvitation(ctx, user, shareID)
}

// ListInvitations returns all invitations of the user.
func (m *Manager) ListInvitations(ctx context.Context, user *store.User) ([]*store.Invitation, error) {
	return m.invitations.ListForUser(ctx, user.ID)
}

// CountPendingInvitations returns the number of invitations awaiting a
// decision by the user.
func (m *Manager) CountPendingInvitations(ctx context.Context, user *store.User) (int64, error) {
	return m.invitations.CountForUser(ctx, user.ID, true)
}

// CountInvitationsForRoom returns the number of invitations of a room.
func (m *Manager) CountInvitationsForRoom(ctx context.Context, roomID int64) (int64, error) {
	return m.invitations.CountForRoom(ctx, roomID)
}

func (m *Manager) getOwnInvitation(ctx context.Context, user *store.User, shareID int64) (*store.Invitation, error) {
	invitation, err := m.invitations.GetByID(ctx, shareID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Kind: "invitation"}
	}
	if err != nil {
		return nil, err
	}
	if invitation.UserID != user.ID {
		// Do not reveal foreign invitations.
		return nil, &NotFoundError{Kind: "invitation"}
	}
	return invitation, nil
}
