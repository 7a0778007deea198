package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/store"
	_ "github.com/talkmesh/talkmesh-go/internal/store/memory"
	_ "github.com/talkmesh/talkmesh-go/internal/store/sqlite"
)

// testRoom creates a shadow room for a remote conversation.
func testRoom() *store.Room {
	return &store.Room{
		Token:        "local-token-1",
		Name:         "Planning",
		Type:         store.RoomTypeGroup,
		RemoteServer: "remote.example.com",
		RemoteToken:  "remote-token-1",
	}
}

func testUser() *store.User {
	return &store.User{
		ID:                "u-alice",
		Username:          "alice",
		DisplayName:       "Alice",
		PasswordHash:      "$argon2id$test",
		FederationEnabled: true,
	}
}

// runDriverTests runs the standard test suite against a driver.
func runDriverTests(t *testing.T, driverName string, cfg *store.DriverConfig) {
	ctx := context.Background()

	driver, err := store.New(cfg)
	if err != nil {
		t.Fatalf("failed to create %s driver: %v", driverName, err)
	}
	defer driver.Close()

	if err := driver.Init(ctx); err != nil {
		t.Fatalf("failed to init %s driver: %v", driverName, err)
	}

	if driver.Name() != driverName {
		t.Errorf("expected driver name %q, got %q", driverName, driver.Name())
	}

	t.Run("rooms", func(t *testing.T) { testRooms(t, ctx, driver) })
	t.Run("attendees", func(t *testing.T) { testAttendees(t, ctx, driver) })
	t.Run("invitations", func(t *testing.T) { testInvitations(t, ctx, driver) })
	t.Run("retry_notifications", func(t *testing.T) { testRetryNotifications(t, ctx, driver) })
	t.Run("proxy_messages", func(t *testing.T) { testProxyMessages(t, ctx, driver) })
	t.Run("users", func(t *testing.T) { testUsers(t, ctx, driver) })
}

func testRooms(t *testing.T, ctx context.Context, driver store.Driver) {
	rooms := driver.Rooms()

	room := testRoom()
	if err := rooms.Create(ctx, room); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if room.ID == 0 {
		t.Fatal("expected assigned room id")
	}

	dup := testRoom()
	if err := rooms.Create(ctx, dup); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("duplicate token: expected ErrAlreadyExists, got %v", err)
	}

	got, err := rooms.GetByToken(ctx, room.Token)
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	if got.Name != "Planning" {
		t.Errorf("expected name Planning, got %q", got.Name)
	}

	got, err = rooms.GetByRemote(ctx, "remote.example.com", "remote-token-1")
	if err != nil {
		t.Fatalf("get by remote: %v", err)
	}
	if got.ID != room.ID {
		t.Errorf("expected room id %d, got %d", room.ID, got.ID)
	}

	// Token casing variants resolve to the same room.
	if _, err := rooms.GetByRemote(ctx, "Remote.Example.COM", "Remote-Token-1"); err != nil {
		t.Errorf("case variant lookup: %v", err)
	}

	got.DefaultPermissions = store.PermissionsChat
	now := time.Unix(1000, 0)
	got.ActiveSince = &now
	if err := rooms.Update(ctx, got); err != nil {
		t.Fatalf("update room: %v", err)
	}
	got, err = rooms.GetByID(ctx, room.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.ActiveSince == nil || got.ActiveSince.Unix() != 1000 {
		t.Errorf("expected active since 1000, got %v", got.ActiveSince)
	}

	if err := rooms.Delete(ctx, room.ID); err != nil {
		t.Fatalf("delete room: %v", err)
	}
	if _, err := rooms.GetByID(ctx, room.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func testAttendees(t *testing.T, ctx context.Context, driver store.Driver) {
	rooms := driver.Rooms()
	attendees := driver.Attendees()

	room := testRoom()
	room.Token = "attendee-room"
	if err := rooms.Create(ctx, room); err != nil {
		t.Fatalf("create room: %v", err)
	}

	attendee := &store.Attendee{
		RoomID:      room.ID,
		ActorType:   store.ActorFederatedUser,
		ActorID:     "bob@remote.example.com",
		AccessToken: "shared-secret-1",
		RemoteID:    7,
	}
	if err := attendees.Create(ctx, attendee); err != nil {
		t.Fatalf("create attendee: %v", err)
	}

	dup := &store.Attendee{
		RoomID:    room.ID,
		ActorType: store.ActorFederatedUser,
		ActorID:   "bob@remote.example.com",
	}
	if err := attendees.Create(ctx, dup); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("duplicate actor: expected ErrAlreadyExists, got %v", err)
	}

	got, err := attendees.GetByActor(ctx, room.ID, store.ActorFederatedUser, "bob@remote.example.com")
	if err != nil {
		t.Fatalf("get by actor: %v", err)
	}
	if got.RemoteID != 7 {
		t.Errorf("expected remote id 7, got %d", got.RemoteID)
	}

	byToken, err := attendees.ListByAccessToken(ctx, "shared-secret-1")
	if err != nil {
		t.Fatalf("list by access token: %v", err)
	}
	if len(byToken) != 1 {
		t.Fatalf("expected 1 attendee by token, got %d", len(byToken))
	}

	n, err := attendees.CountForRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("count for room: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 attendee, got %d", n)
	}

	got.UnreadMessages = 3
	if err := attendees.Update(ctx, got); err != nil {
		t.Fatalf("update attendee: %v", err)
	}

	if err := attendees.Delete(ctx, got.ID); err != nil {
		t.Fatalf("delete attendee: %v", err)
	}
	if _, err := attendees.GetByID(ctx, got.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func testInvitations(t *testing.T, ctx context.Context, driver store.Driver) {
	rooms := driver.Rooms()
	invitations := driver.Invitations()

	room := testRoom()
	room.Token = "invitation-room"
	if err := rooms.Create(ctx, room); err != nil {
		t.Fatalf("create room: %v", err)
	}

	invitation := &store.Invitation{
		RoomID:           room.ID,
		UserID:           "u-alice",
		State:            store.InvitationPending,
		AccessToken:      "invite-secret",
		RemoteServerURL:  "remote.example.com",
		RemoteToken:      "remote-token-1",
		RemoteAttendeeID: 42,
	}
	if err := invitations.Create(ctx, invitation); err != nil {
		t.Fatalf("create invitation: %v", err)
	}

	dup := &store.Invitation{RoomID: room.ID, UserID: "u-alice"}
	if err := invitations.Create(ctx, dup); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("duplicate invitation: expected ErrAlreadyExists, got %v", err)
	}

	// Host casing must not matter for remote attendee lookups.
	got, err := invitations.GetByRemoteAttendee(ctx, "Remote.Example.COM", 42)
	if err != nil {
		t.Fatalf("get by remote attendee: %v", err)
	}
	if got.ID != invitation.ID {
		t.Errorf("expected invitation id %d, got %d", invitation.ID, got.ID)
	}

	if _, err := invitations.GetByAccessToken(ctx, "invite-secret"); err != nil {
		t.Fatalf("get by access token: %v", err)
	}

	n, err := invitations.CountForUser(ctx, "u-alice", true)
	if err != nil {
		t.Fatalf("count for user: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pending invitation, got %d", n)
	}

	got.State = store.InvitationAccepted
	if err := invitations.Update(ctx, got); err != nil {
		t.Fatalf("update invitation: %v", err)
	}
	n, err = invitations.CountForUser(ctx, "u-alice", true)
	if err != nil {
		t.Fatalf("count for user: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 pending invitations after accept, got %d", n)
	}

	list, err := invitations.ListForUser(ctx, "u-alice")
	if err != nil {
		t.Fatalf("list for user: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 invitation, got %d", len(list))
	}

	if err := invitations.Delete(ctx, invitation.ID); err != nil {
		t.Fatalf("delete invitation: %v", err)
	}
}

func testRetryNotifications(t *testing.T, ctx context.Context, driver store.Driver) {
	retries := driver.RetryNotifications()

	now := time.Now().Truncate(time.Second)
	due := &store.RetryNotification{
		RemoteServer:     "remote.example.com",
		NotificationType: "ROOM_MODIFIED",
		ResourceType:     "talk-room",
		ProviderID:       "local-token-1",
		Payload:          `{"remoteServerUrl":"local.example.com"}`,
		Attempt:          1,
		NextRetry:        now.Add(-time.Minute),
	}
	future := &store.RetryNotification{
		RemoteServer:     "remote.example.com",
		NotificationType: "MESSAGE_POSTED",
		ResourceType:     "talk-room",
		ProviderID:       "local-token-1",
		Payload:          `{}`,
		Attempt:          1,
		NextRetry:        now.Add(time.Hour),
	}
	if err := retries.Create(ctx, due); err != nil {
		t.Fatalf("create due retry: %v", err)
	}
	if err := retries.Create(ctx, future); err != nil {
		t.Fatalf("create future retry: %v", err)
	}

	dueList, err := retries.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(dueList) != 1 {
		t.Fatalf("expected 1 due retry, got %d", len(dueList))
	}
	if dueList[0].NotificationType != "ROOM_MODIFIED" {
		t.Errorf("expected ROOM_MODIFIED, got %q", dueList[0].NotificationType)
	}

	dueList[0].Attempt = 2
	dueList[0].NextRetry = now.Add(10 * time.Minute)
	if err := retries.Update(ctx, dueList[0]); err != nil {
		t.Fatalf("update retry: %v", err)
	}
	dueList, err = retries.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("list due after update: %v", err)
	}
	if len(dueList) != 0 {
		t.Errorf("expected 0 due retries after reschedule, got %d", len(dueList))
	}

	if err := retries.Delete(ctx, due.ID); err != nil {
		t.Fatalf("delete retry: %v", err)
	}
	if err := retries.Delete(ctx, future.ID); err != nil {
		t.Fatalf("delete retry: %v", err)
	}
}

func testProxyMessages(t *testing.T, ctx context.Context, driver store.Driver) {
	messages := driver.ProxyMessages()

	msg := &store.ProxyCacheMessage{
		LocalToken:      "local-token-1",
		RemoteServerURL: "remote.example.com",
		RemoteToken:     "remote-token-1",
		RemoteMessageID: 42,
		ActorType:       store.ActorUser,
		ActorID:         "bob",
		MessageType:     "comment",
		Message:         "hello",
	}
	if err := messages.Create(ctx, msg); err != nil {
		t.Fatalf("create message: %v", err)
	}

	// Every local participant triggers the same insert; only one wins.
	dup := &store.ProxyCacheMessage{
		LocalToken:      "local-token-1",
		RemoteServerURL: "remote.example.com",
		RemoteToken:     "remote-token-1",
		RemoteMessageID: 42,
	}
	if err := messages.Create(ctx, dup); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("duplicate message: expected ErrAlreadyExists, got %v", err)
	}

	got, err := messages.GetByRemote(ctx, "remote.example.com", "remote-token-1", 42)
	if err != nil {
		t.Fatalf("get by remote: %v", err)
	}
	if got.Message != "hello" {
		t.Errorf("expected message hello, got %q", got.Message)
	}

	got.Message = "hello (edited)"
	got.SystemMessage = "message_edited"
	if err := messages.Update(ctx, got); err != nil {
		t.Fatalf("update message: %v", err)
	}

	if err := messages.Delete(ctx, got.ID); err != nil {
		t.Fatalf("delete message: %v", err)
	}
	if _, err := messages.GetByID(ctx, got.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func testUsers(t *testing.T, ctx context.Context, driver store.Driver) {
	users := driver.Users()

	user := testUser()
	if err := users.Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := users.Create(ctx, testUser()); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("duplicate user: expected ErrAlreadyExists, got %v", err)
	}

	got, err := users.GetByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("get by username: %v", err)
	}
	if got.ID != "u-alice" {
		t.Errorf("expected id u-alice, got %q", got.ID)
	}

	got.FederationEnabled = false
	if err := users.Update(ctx, got); err != nil {
		t.Fatalf("update user: %v", err)
	}
	got, err = users.GetByID(ctx, "u-alice")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.FederationEnabled {
		t.Error("expected federation disabled after update")
	}
}

func TestMemoryDriver(t *testing.T) {
	runDriverTests(t, "memory", &store.DriverConfig{Driver: "memory"})
}

func TestSQLiteDriver(t *testing.T) {
	runDriverTests(t, "sqlite", &store.DriverConfig{
		Driver:  "sqlite",
		DataDir: t.TempDir(),
	})
}

func TestUnknownDriver(t *testing.T) {
	if _, err := store.New(&store.DriverConfig{Driver: "bogus"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
