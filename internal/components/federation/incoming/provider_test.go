package incoming

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/components/events"
	"github.com/talkmesh/talkmesh-go/internal/components/federation"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/notifications"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/outgoing"
	"github.com/talkmesh/talkmesh-go/internal/components/messagefmt"
	"github.com/talkmesh/talkmesh-go/internal/platform/cache"
	cachememory "github.com/talkmesh/talkmesh-go/internal/platform/cache/memory"
	"github.com/talkmesh/talkmesh-go/internal/platform/config"
	"github.com/talkmesh/talkmesh-go/internal/store"
	"github.com/talkmesh/talkmesh-go/internal/store/memory"
)

// stubSender answers every outbound call as delivered.
type stubSender struct{}

func (stubSender) SendRemoteShare(ctx context.Context, inviter *store.User, room *store.Room, attendee *store.Attendee, shareWith string) (*notifications.ShareResponse, error) {
	return &notifications.ShareResponse{}, nil
}

func (stubSender) SendShareAccepted(ctx context.Context, remoteServer string, remoteAttendeeID int64, secret, cloudID, displayName string) outgoing.DeliveryResult {
	return outgoing.DeliveryResult{Status: outgoing.Delivered}
}

func (stubSender) SendShareDeclined(ctx context.Context, remoteServer string, remoteAttendeeID int64, secret string) outgoing.DeliveryResult {
	return outgoing.DeliveryResult{Status: outgoing.Delivered}
}

func (stubSender) SendShareUnshared(ctx context.Context, room *store.Room, attendee *store.Attendee) outgoing.DeliveryResult {
	return outgoing.DeliveryResult{Status: outgoing.Delivered}
}

func (stubSender) LocalCloudID(username string) string {
	return username + "@local.example.com"
}

// recordingDispatcher counts event deliveries.
type recordingDispatcher struct {
	added       int
	removed     int
	callResends int
	messages    int
	invitations int
	lastActing  *events.Actor
}

func (d *recordingDispatcher) AttendeesAdded(ctx context.Context, room *store.Room, attendees []*store.Attendee, actingAs *events.Actor) {
	d.added++
	d.lastActing = actingAs
}

func (d *recordingDispatcher) AttendeesRemoved(ctx context.Context, room *store.Room, attendees []*store.Attendee, actingAs *events.Actor) {
	d.removed++
	d.lastActing = actingAs
}

func (d *recordingDispatcher) CallNotificationResend(ctx context.Context, room *store.Room) {
	d.callResends++
}

func (d *recordingDispatcher) ChatMessageArrived(ctx context.Context, room *store.Room, message *store.ProxyCacheMessage) {
	d.messages++
}

func (d *recordingDispatcher) InvitationReceived(ctx context.Context, invitation *store.Invitation) {
	d.invitations++
}

type fixture struct {
	provider   *Provider
	driver     *memory.Driver
	cfg        *config.Config
	dispatcher *recordingDispatcher
	manager    *federation.Manager
	user       *store.User
	cache      cache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.PublicOrigin = "https://local.example.com"

	driver := memory.NewDriver()
	dispatcher := &recordingDispatcher{}
	manager := federation.NewManager(driver, stubSender{}, dispatcher, nil)

	c := cachememory.New(0, 0)
	t.Cleanup(func() { c.Close() })

	provider := NewProvider(cfg, driver, manager, dispatcher, messagefmt.Passthrough{}, c, nil)
	provider.now = func() time.Time { return time.Unix(1_000_000, 0) }

	user := &store.User{ID: "u-alice", Username: "alice", DisplayName: "Alice", FederationEnabled: true}
	if err := driver.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	return &fixture{
		provider:   provider,
		driver:     driver,
		cfg:        cfg,
		dispatcher: dispatcher,
		manager:    manager,
		user:       user,
		cache:      c,
	}
}

func validShare() *notifications.Share {
	return &notifications.Share{
		ShareWith:         "alice@local.example.com",
		Name:              "Planning",
		ProviderID:        "7",
		Owner:             "bob@remote.example.com",
		OwnerDisplayName:  "Bob",
		Sender:            "bob@remote.example.com",
		SenderDisplayName: "Bob",
		ShareType:         "user",
		ResourceType:      notifications.ResourceTypeTalkRoom,
		Protocol: notifications.ShareProtocol{
			Name: notifications.ProtocolName,
			Options: notifications.ShareOpts{
				SharedSecret:       "s3cret",
				RemoteToken:        "remote-token",
				RoomName:           "Planning",
				RoomType:           store.RoomTypeGroup,
				RoomDefaultPerms:   store.PermissionsChat,
				InviterCloudID:     "bob@remote.example.com",
				InviterDisplayName: "Bob",
			},
		},
	}
}

// receiveShare runs the inbound share path and returns the invitation.
func (f *fixture) receiveShare(t *testing.T) *store.Invitation {
	t.Helper()
	if _, err := f.provider.ShareReceived(context.Background(), validShare()); err != nil {
		t.Fatalf("share received: %v", err)
	}
	invitations, err := f.driver.Invitations().ListForUser(context.Background(), f.user.ID)
	if err != nil || len(invitations) != 1 {
		t.Fatalf("expected 1 invitation, got %d (%v)", len(invitations), err)
	}
	return invitations[0]
}

// acceptShare accepts the invitation so an attendee row exists.
func (f *fixture) acceptShare(t *testing.T, invitation *store.Invitation) {
	t.Helper()
	if _, err := f.manager.AcceptRemoteRoomShare(context.Background(), f.user, invitation.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func marshalPayload(t *testing.T, payload any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func basePayload(invitation *store.Invitation) notifications.Base {
	return notifications.Base{
		SharedSecret:    invitation.AccessToken,
		RemoteServerURL: invitation.RemoteServerURL,
		RemoteToken:     invitation.RemoteToken,
	}
}

func TestShareReceived(t *testing.T) {
	f := newFixture(t)

	resp, err := f.provider.ShareReceived(context.Background(), validShare())
	if err != nil {
		t.Fatalf("share received: %v", err)
	}
	if resp.RecipientDisplayName != "Alice" {
		t.Errorf("recipient display name: got %q", resp.RecipientDisplayName)
	}
	if f.dispatcher.invitations != 1 {
		t.Errorf("expected invitation event, got %d", f.dispatcher.invitations)
	}

	invitation := f.receiveShare(t)
	if invitation.RemoteAttendeeID != 7 || invitation.AccessToken != "s3cret" {
		t.Errorf("invitation fields: %+v", invitation)
	}
	if invitation.RemoteServerURL != "remote.example.com" {
		t.Errorf("remote server: got %q", invitation.RemoteServerURL)
	}
}

func TestShareReceivedHealsUsernameCasing(t *testing.T) {
	f := newFixture(t)

	share := validShare()
	share.ShareWith = "Alice@local.example.com"
	if _, err := f.provider.ShareReceived(context.Background(), share); err != nil {
		t.Fatalf("share received: %v", err)
	}
}

func TestShareReceivedValidation(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(f *fixture, share *notifications.Share)
		wantStatus int
	}{
		{
			name:       "federation disabled",
			mutate:     func(f *fixture, s *notifications.Share) { f.cfg.Federation.Enabled = false },
			wantStatus: http.StatusNotImplemented,
		},
		{
			name:       "incoming disabled",
			mutate:     func(f *fixture, s *notifications.Share) { f.cfg.Federation.IncomingEnabled = false },
			wantStatus: http.StatusNotImplemented,
		},
		{
			name:       "wrong share type",
			mutate:     func(f *fixture, s *notifications.Share) { s.ShareType = "group" },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong resource type",
			mutate:     func(f *fixture, s *notifications.Share) { s.ResourceType = "file" },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong protocol",
			mutate:     func(f *fixture, s *notifications.Share) { s.Protocol.Name = "webdav" },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing secret",
			mutate:     func(f *fixture, s *notifications.Share) { s.Protocol.Options.SharedSecret = "" },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing remote token",
			mutate:     func(f *fixture, s *notifications.Share) { s.Protocol.Options.RemoteToken = "" },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "one to one room",
			mutate:     func(f *fixture, s *notifications.Share) { s.Protocol.Options.RoomType = store.RoomTypeOneToOne },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "non numeric provider id",
			mutate:     func(f *fixture, s *notifications.Share) { s.ProviderID = "abc" },
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown recipient",
			mutate:     func(f *fixture, s *notifications.Share) { s.ShareWith = "nobody@local.example.com" },
			wantStatus: http.StatusBadRequest,
		},
		{
			name: "recipient federation disabled",
			mutate: func(f *fixture, s *notifications.Share) {
				f.user.FederationEnabled = false
				f.driver.Users().Update(context.Background(), f.user)
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			share := validShare()
			tt.mutate(f, share)

			_, err := f.provider.ShareReceived(context.Background(), share)
			var reqErr *federation.RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("expected RequestError, got %v", err)
			}
			if reqErr.Status != tt.wantStatus {
				t.Errorf("status: got %d, want %d", reqErr.Status, tt.wantStatus)
			}
		})
	}
}

func TestNotificationReceivedValidation(t *testing.T) {
	f := newFixture(t)

	var reqErr *federation.RequestError
	err := f.provider.NotificationReceived(context.Background(), &notifications.Envelope{
		NotificationType: "SOMETHING_ELSE",
		ResourceType:     notifications.ResourceTypeTalkRoom,
		ProviderID:       "1",
		Notification:     json.RawMessage(`{}`),
	})
	if !errors.As(err, &reqErr) {
		t.Fatalf("unknown type: expected RequestError, got %v", err)
	}

	err = f.provider.NotificationReceived(context.Background(), &notifications.Envelope{
		NotificationType: notifications.TypeShareAccepted,
		ResourceType:     notifications.ResourceTypeTalkRoom,
		ProviderID:       "not-a-number",
		Notification:     json.RawMessage(`{}`),
	})
	if !errors.As(err, &reqErr) {
		t.Fatalf("bad provider id: expected RequestError, got %v", err)
	}
}

func hostRoomWithFederatedAttendee(t *testing.T, f *fixture) (*store.Room, *store.Attendee) {
	t.Helper()
	ctx := context.Background()
	room := &store.Room{Token: "hosted", Name: "Hosted", Type: store.RoomTypeGroup}
	if err := f.driver.Rooms().Create(ctx, room); err != nil {
		t.Fatalf("create room: %v", err)
	}
	attendee := &store.Attendee{
		RoomID:      room.ID,
		ActorType:   store.ActorFederatedUser,
		ActorID:     "bob@remote.example.com",
		DisplayName: "bob@remote.example.com",
		AccessToken: "host-secret",
	}
	if err := f.driver.Attendees().Create(ctx, attendee); err != nil {
		t.Fatalf("create attendee: %v", err)
	}
	return room, attendee
}

func TestShareAccepted(t *testing.T) {
	f := newFixture(t)
	_, attendee := hostRoomWithFederatedAttendee(t, f)

	payload := marshalPayload(t, &notifications.ShareLifecycle{
		Base:        notifications.Base{SharedSecret: "host-secret", RemoteServerURL: "https://remote.example.com"},
		CloudID:     "bob@remote.example.com",
		DisplayName: "Bobby",
	})
	if err := f.provider.shareAccepted(context.Background(), attendee.ID, payload); err != nil {
		t.Fatalf("share accepted: %v", err)
	}

	updated, _ := f.driver.Attendees().GetByID(context.Background(), attendee.ID)
	if updated.DisplayName != "Bobby" {
		t.Errorf("display name: got %q", updated.DisplayName)
	}
	if f.dispatcher.added != 1 {
		t.Errorf("expected attendees-added event, got %d", f.dispatcher.added)
	}
	if f.dispatcher.lastActing == nil || f.dispatcher.lastActing.Type != store.ActorFederatedUser {
		t.Errorf("event must be attributed to the remote actor, got %+v", f.dispatcher.lastActing)
	}
}

func TestShareDeclinedRemovesAttendee(t *testing.T) {
	f := newFixture(t)
	_, attendee := hostRoomWithFederatedAttendee(t, f)

	payload := marshalPayload(t, &notifications.ShareLifecycle{
		Base: notifications.Base{SharedSecret: "host-secret"},
	})
	if err := f.provider.shareDeclined(context.Background(), attendee.ID, payload); err != nil {
		t.Fatalf("share declined: %v", err)
	}

	if _, err := f.driver.Attendees().GetByID(context.Background(), attendee.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected attendee gone, got %v", err)
	}
	if f.dispatcher.removed != 1 {
		t.Errorf("expected attendees-removed event, got %d", f.dispatcher.removed)
	}
}

func TestAttendeeAuthOrder(t *testing.T) {
	f := newFixture(t)
	_, attendee := hostRoomWithFederatedAttendee(t, f)
	ctx := context.Background()

	// Existing attendee with wrong secret: authentication failure.
	var authErr *federation.UnauthenticatedError
	if _, err := f.provider.attendeeBySecret(ctx, attendee.ID, "wrong"); !errors.As(err, &authErr) {
		t.Errorf("wrong secret: expected UnauthenticatedError, got %v", err)
	}

	// Missing attendee: not found, regardless of the secret.
	var nfErr *federation.NotFoundError
	if _, err := f.provider.attendeeBySecret(ctx, 9999, "host-secret"); !errors.As(err, &nfErr) {
		t.Errorf("missing attendee: expected NotFoundError, got %v", err)
	}

	// Federation disabled wins over both.
	f.cfg.Federation.Enabled = false
	var reqErr *federation.RequestError
	if _, err := f.provider.attendeeBySecret(ctx, 9999, "anything"); !errors.As(err, &reqErr) {
		t.Errorf("federation disabled: expected RequestError, got %v", err)
	}
}

func TestInvitationAuthOrder(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	// Existing invitation with wrong secret: authentication failure.
	var authErr *federation.UnauthenticatedError
	if _, _, err := f.provider.invitationBySecret(ctx, invitation.RemoteServerURL, invitation.RemoteAttendeeID, "wrong"); !errors.As(err, &authErr) {
		t.Errorf("wrong secret: expected UnauthenticatedError, got %v", err)
	}

	// Unknown server or attendee id: not found, regardless of the secret.
	var nfErr *federation.NotFoundError
	if _, _, err := f.provider.invitationBySecret(ctx, "elsewhere.example.com", invitation.RemoteAttendeeID, invitation.AccessToken); !errors.As(err, &nfErr) {
		t.Errorf("unknown server: expected NotFoundError, got %v", err)
	}
	if _, _, err := f.provider.invitationBySecret(ctx, invitation.RemoteServerURL, 9999, invitation.AccessToken); !errors.As(err, &nfErr) {
		t.Errorf("unknown attendee id: expected NotFoundError, got %v", err)
	}

	// Federation disabled wins over both.
	f.cfg.Federation.Enabled = false
	var reqErr *federation.RequestError
	if _, _, err := f.provider.invitationBySecret(ctx, invitation.RemoteServerURL, invitation.RemoteAttendeeID, "anything"); !errors.As(err, &reqErr) {
		t.Errorf("federation disabled: expected RequestError, got %v", err)
	}
}

func TestShareUnsharedTearsDownShadow(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)

	payload := marshalPayload(t, &notifications.ShareUnshared{Base: basePayload(invitation)})
	err := f.provider.NotificationReceived(context.Background(), &notifications.Envelope{
		NotificationType: notifications.TypeShareUnshared,
		ResourceType:     notifications.ResourceTypeTalkRoom,
		ProviderID:       "7",
		Notification:     payload,
	})
	if err != nil {
		t.Fatalf("share unshared: %v", err)
	}

	ctx := context.Background()
	if _, err := f.driver.Invitations().GetByID(ctx, invitation.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected invitation gone, got %v", err)
	}
	if _, err := f.driver.Rooms().GetByID(ctx, invitation.RoomID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected shadow room gone, got %v", err)
	}
}

func TestRoomModifiedActiveSinceEarliestWins(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	// Local state already observed a call at t=100 with audio.
	room, _ := f.driver.Rooms().GetByID(ctx, invitation.RoomID)
	known := time.Unix(100, 0)
	room.ActiveSince = &known
	room.CallFlag = store.CallFlagInCall | store.CallFlagWithAudio
	f.driver.Rooms().Update(ctx, room)

	// The host reports the call actually started at t=50 with video.
	withVideo := store.CallFlagInCall | store.CallFlagWithVideo
	payload := marshalPayload(t, &notifications.RoomModified{
		Base:            basePayload(invitation),
		ChangedProperty: notifications.PropActiveSince,
		NewValue:        json.RawMessage(`50`),
		CallFlag:        &withVideo,
	})
	if err := f.provider.roomModified(ctx, 7, payload); err != nil {
		t.Fatalf("room modified: %v", err)
	}

	room, _ = f.driver.Rooms().GetByID(ctx, invitation.RoomID)
	if room.ActiveSince == nil || room.ActiveSince.Unix() != 50 {
		t.Errorf("active since: got %v, want 50", room.ActiveSince)
	}
	wantFlags := store.CallFlagInCall | store.CallFlagWithAudio | store.CallFlagWithVideo
	if room.CallFlag != wantFlags {
		t.Errorf("call flags: got %d, want %d", room.CallFlag, wantFlags)
	}
}

func TestRoomModifiedActiveSinceLaterValueIgnored(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	room, _ := f.driver.Rooms().GetByID(ctx, invitation.RoomID)
	known := time.Unix(100, 0)
	room.ActiveSince = &known
	room.CallFlag = store.CallFlagInCall
	f.driver.Rooms().Update(ctx, room)

	inCall := store.CallFlagInCall
	payload := marshalPayload(t, &notifications.RoomModified{
		Base:            basePayload(invitation),
		ChangedProperty: notifications.PropActiveSince,
		NewValue:        json.RawMessage(`200`),
		CallFlag:        &inCall,
	})
	if err := f.provider.roomModified(ctx, 7, payload); err != nil {
		t.Fatalf("room modified: %v", err)
	}

	room, _ = f.driver.Rooms().GetByID(ctx, invitation.RoomID)
	if room.ActiveSince == nil || room.ActiveSince.Unix() != 100 {
		t.Errorf("active since: got %v, want 100", room.ActiveSince)
	}
}

func TestRoomModifiedActiveSinceNullClearsCall(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	room, _ := f.driver.Rooms().GetByID(ctx, invitation.RoomID)
	known := time.Unix(100, 0)
	room.ActiveSince = &known
	room.CallFlag = store.CallFlagInCall
	f.driver.Rooms().Update(ctx, room)

	payload := marshalPayload(t, &notifications.RoomModified{
		Base:            basePayload(invitation),
		ChangedProperty: notifications.PropActiveSince,
		NewValue:        json.RawMessage(`null`),
	})
	if err := f.provider.roomModified(ctx, 7, payload); err != nil {
		t.Fatalf("room modified: %v", err)
	}

	room, _ = f.driver.Rooms().GetByID(ctx, invitation.RoomID)
	if room.ActiveSince != nil {
		t.Errorf("expected cleared active since, got %v", room.ActiveSince)
	}
	if room.CallFlag != store.CallFlagDisconnected {
		t.Errorf("expected disconnected, got %d", room.CallFlag)
	}
}

func TestRoomModifiedSilentCallSuppressesAnnouncement(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	inCall := store.CallFlagInCall
	payload := marshalPayload(t, &notifications.RoomModified{
		Base:            basePayload(invitation),
		ChangedProperty: notifications.PropActiveSince,
		NewValue:        json.RawMessage(`50`),
		CallFlag:        &inCall,
		Details:         []string{notifications.DetailInCallSilent},
	})
	if err := f.provider.roomModified(ctx, 7, payload); err != nil {
		t.Fatalf("room modified: %v", err)
	}
	if f.dispatcher.callResends != 0 {
		t.Errorf("silent call must not announce, got %d resends", f.dispatcher.callResends)
	}
}

func TestRoomModifiedInCallSynthesizesActiveSince(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	payload := marshalPayload(t, &notifications.RoomModified{
		Base:            basePayload(invitation),
		ChangedProperty: notifications.PropInCall,
		NewValue:        json.RawMessage(`1`),
	})
	if err := f.provider.roomModified(ctx, 7, payload); err != nil {
		t.Fatalf("room modified: %v", err)
	}

	room, _ := f.driver.Rooms().GetByID(ctx, invitation.RoomID)
	if room.CallFlag != store.CallFlagInCall {
		t.Errorf("call flag: got %d", room.CallFlag)
	}
	if room.ActiveSince == nil || room.ActiveSince.Unix() != 1_000_000 {
		t.Errorf("expected synthesized active since, got %v", room.ActiveSince)
	}
}

func TestRoomModifiedLobbyWithTimer(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	payload := marshalPayload(t, &notifications.RoomModified{
		Base:            basePayload(invitation),
		ChangedProperty: notifications.PropLobby,
		NewValue:        json.RawMessage(`1`),
		LobbyTimer:      "2000000",
	})
	if err := f.provider.roomModified(ctx, 7, payload); err != nil {
		t.Fatalf("room modified: %v", err)
	}

	room, _ := f.driver.Rooms().GetByID(ctx, invitation.RoomID)
	if room.LobbyState != store.LobbyNonModerators {
		t.Errorf("lobby state: got %d", room.LobbyState)
	}
	if room.LobbyTimer == nil || room.LobbyTimer.Unix() != 2_000_000 {
		t.Errorf("lobby timer: got %v", room.LobbyTimer)
	}
}

func TestRoomModifiedUnknownPropertyIgnored(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)

	payload := marshalPayload(t, &notifications.RoomModified{
		Base:            basePayload(invitation),
		ChangedProperty: "breakoutRooms",
		NewValue:        json.RawMessage(`3`),
	})
	if err := f.provider.roomModified(context.Background(), 7, payload); err != nil {
		t.Fatalf("unknown property must be ignored, got %v", err)
	}
}

// Peers send their full origin in RemoteServerURL while invitations store
// the bare authority; the lookup must resolve either spelling.
func TestNotificationReceivedAcceptsSchemefulServerURL(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	payload := marshalPayload(t, &notifications.RoomModified{
		Base: notifications.Base{
			SharedSecret:    invitation.AccessToken,
			RemoteServerURL: "https://" + invitation.RemoteServerURL,
			RemoteToken:     invitation.RemoteToken,
		},
		ChangedProperty: notifications.PropName,
		NewValue:        json.RawMessage(`"Renamed"`),
	})
	err := f.provider.NotificationReceived(ctx, &notifications.Envelope{
		NotificationType: notifications.TypeRoomModified,
		ResourceType:     notifications.ResourceTypeTalkRoom,
		ProviderID:       "7",
		Notification:     payload,
	})
	if err != nil {
		t.Fatalf("notification received: %v", err)
	}

	room, _ := f.driver.Rooms().GetByID(ctx, invitation.RoomID)
	if room.Name != "Renamed" {
		t.Errorf("room name: got %q, want %q", room.Name, "Renamed")
	}
}

func TestParticipantModifiedPermissions(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	payload := marshalPayload(t, &notifications.ParticipantModified{
		Base:            basePayload(invitation),
		ChangedProperty: notifications.PropPermissions,
		NewValue:        json.RawMessage(`160`),
	})
	if err := f.provider.participantModified(ctx, 7, payload); err != nil {
		t.Fatalf("participant modified: %v", err)
	}

	attendee, _ := f.driver.Attendees().GetByActor(ctx, invitation.RoomID, store.ActorUser, f.user.ID)
	if attendee.Permissions != 160 {
		t.Errorf("permissions: got %d", attendee.Permissions)
	}
}

func TestParticipantModifiedResendCallNotification(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)

	payload := marshalPayload(t, &notifications.ParticipantModified{
		Base:            basePayload(invitation),
		ChangedProperty: notifications.PropResendCallNotification,
		NewValue:        json.RawMessage(`true`),
	})
	if err := f.provider.participantModified(context.Background(), 7, payload); err != nil {
		t.Fatalf("participant modified: %v", err)
	}
	if f.dispatcher.callResends != 1 {
		t.Errorf("expected call resend event, got %d", f.dispatcher.callResends)
	}
}

func messagePayload(invitation *store.Invitation, id int64) *notifications.MessagePosted {
	return &notifications.MessagePosted{
		Base:             basePayload(invitation),
		RemoteMessageID:  id,
		ActorType:        store.ActorUser,
		ActorID:          "bob",
		ActorDisplayName: "Bob",
		MessageType:      "comment",
		Message:          "hello",
		UnreadMessages:   1,
	}
}

func TestMessagePostedIdempotent(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	payload := marshalPayload(t, messagePayload(invitation, 42))

	// Every local participant receives the same notification; both
	// deliveries succeed and exactly one cached row exists.
	if err := f.provider.messagePosted(ctx, 7, payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.provider.messagePosted(ctx, 7, payload); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	msg, err := f.driver.ProxyMessages().GetByRemote(ctx, invitation.RemoteServerURL, invitation.RemoteToken, 42)
	if err != nil {
		t.Fatalf("get cached message: %v", err)
	}
	if msg.Message != "hello" {
		t.Errorf("message: got %q", msg.Message)
	}

	room, _ := f.driver.Rooms().GetByID(ctx, invitation.RoomID)
	if room.LastMessageID != 42 {
		t.Errorf("last message id: got %d", room.LastMessageID)
	}
	if f.dispatcher.messages != 1 {
		t.Errorf("expected 1 chat event, got %d", f.dispatcher.messages)
	}
}

func TestMessagePostedUpdatesUnreadCounters(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	payload := messagePayload(invitation, 43)
	payload.UnreadMessages = 5
	payload.UnreadMention = true
	payload.LastReadMessage = 38

	if err := f.provider.messagePosted(ctx, 7, marshalPayload(t, payload)); err != nil {
		t.Fatalf("message posted: %v", err)
	}

	attendee, _ := f.driver.Attendees().GetByActor(ctx, invitation.RoomID, store.ActorUser, f.user.ID)
	if attendee.UnreadMessages != 5 || !attendee.UnreadMention || attendee.LastReadMessage != 38 {
		t.Errorf("unread state: %+v", attendee)
	}
}

func TestMessagePostedNeverAcceptedIsNoop(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	// Not accepted: no attendee row for the user.

	payload := marshalPayload(t, messagePayload(invitation, 44))
	if err := f.provider.messagePosted(context.Background(), 7, payload); err != nil {
		t.Fatalf("expected silent success, got %v", err)
	}
}

func TestMessagePostedEditCorrection(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	if err := f.provider.messagePosted(ctx, 7, marshalPayload(t, messagePayload(invitation, 42))); err != nil {
		t.Fatalf("post: %v", err)
	}

	edit := messagePayload(invitation, 45)
	edit.SystemMessage = notifications.SystemMessageEdited
	edit.ReplyTo = 42
	edit.Message = "hello (edited)"
	if err := f.provider.messagePosted(ctx, 7, marshalPayload(t, edit)); err != nil {
		t.Fatalf("edit: %v", err)
	}

	msg, err := f.driver.ProxyMessages().GetByRemote(ctx, invitation.RemoteServerURL, invitation.RemoteToken, 42)
	if err != nil {
		t.Fatalf("get cached message: %v", err)
	}
	if msg.Message != "hello (edited)" {
		t.Errorf("message: got %q", msg.Message)
	}

	// A correction is not new content.
	room, _ := f.driver.Rooms().GetByID(ctx, invitation.RoomID)
	if room.LastMessageID != 42 {
		t.Errorf("last message id must not advance on corrections, got %d", room.LastMessageID)
	}
}

func TestMessagePostedDeleteCorrection(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	if err := f.provider.messagePosted(ctx, 7, marshalPayload(t, messagePayload(invitation, 42))); err != nil {
		t.Fatalf("post: %v", err)
	}

	del := messagePayload(invitation, 46)
	del.SystemMessage = notifications.SystemMessageDeleted
	del.ReplyTo = 42
	if err := f.provider.messagePosted(ctx, 7, marshalPayload(t, del)); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := f.driver.ProxyMessages().GetByRemote(ctx, invitation.RemoteServerURL, invitation.RemoteToken, 42); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected cached message gone, got %v", err)
	}
}

func TestMessagePostedCachesHighestID(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	f.acceptShare(t, invitation)
	ctx := context.Background()

	if err := f.provider.messagePosted(ctx, 7, marshalPayload(t, messagePayload(invitation, 42))); err != nil {
		t.Fatalf("post: %v", err)
	}

	key := "federation/last-message/" + invitation.RemoteServerURL + "/" + invitation.RemoteToken
	value, err := f.cache.Get(ctx, key)
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if string(value) != "42" {
		t.Errorf("cached id: got %q", value)
	}
}

func TestGetFederationIDFromSharedSecret(t *testing.T) {
	f := newFixture(t)
	invitation := f.receiveShare(t)
	ctx := context.Background()

	if got := f.provider.GetFederationIDFromSharedSecret(ctx, invitation.AccessToken); got != "alice@local.example.com" {
		t.Errorf("invitation match: got %q", got)
	}

	_, attendee := hostRoomWithFederatedAttendee(t, f)
	if got := f.provider.GetFederationIDFromSharedSecret(ctx, attendee.AccessToken); got != "bob@remote.example.com" {
		t.Errorf("attendee fallback: got %q", got)
	}

	if got := f.provider.GetFederationIDFromSharedSecret(ctx, "unknown"); got != "" {
		t.Errorf("no match: got %q", got)
	}
}

func TestHandleNotificationsNotFoundBody(t *testing.T) {
	f := newFixture(t)

	payload := marshalPayload(t, &notifications.RoomModified{
		Base: notifications.Base{
			SharedSecret:    "whatever",
			RemoteServerURL: "remote.example.com",
		},
		ChangedProperty: notifications.PropName,
		NewValue:        json.RawMessage(`"x"`),
	})
	envelope, _ := json.Marshal(&notifications.Envelope{
		NotificationType: notifications.TypeRoomModified,
		ResourceType:     notifications.ResourceTypeTalkRoom,
		ProviderID:       "12345",
		Notification:     payload,
	})

	req := httptest.NewRequest(http.MethodPost, "/ocm/notifications", strings.NewReader(string(envelope)))
	rec := httptest.NewRecorder()
	f.provider.HandleNotifications(rec, req)

	// The 400 RESOURCE_NOT_FOUND answer is what tells the sender to stop
	// retrying this notification for good.
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["message"] != MessageResourceNotFound {
		t.Errorf("message: got %q", body["message"])
	}
}

func TestHandleSharesEndToEnd(t *testing.T) {
	f := newFixture(t)

	body, _ := json.Marshal(validShare())
	req := httptest.NewRequest(http.MethodPost, "/ocm/shares", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	f.provider.HandleShares(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	var resp notifications.ShareResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RecipientDisplayName != "Alice" {
		t.Errorf("recipient: got %q", resp.RecipientDisplayName)
	}
}
