// Package memory implements an in-memory persistence driver.
// It backs tests and single-process development setups; semantics mirror the
// sqlite driver, including the uniqueness constraints.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/store"
)

func init() {
	store.Register("memory", func(cfg *store.DriverConfig) (store.Driver, error) {
		return NewDriver(), nil
	})
}

// Driver implements store.Driver with mutex-guarded maps.
type Driver struct {
	mu sync.RWMutex

	nextID map[string]int64

	rooms         map[int64]*store.Room
	attendees     map[int64]*store.Attendee
	invitations   map[int64]*store.Invitation
	retries       map[int64]*store.RetryNotification
	proxyMessages map[int64]*store.ProxyCacheMessage
	users         map[string]*store.User
}

// NewDriver creates an empty in-memory driver.
func NewDriver() *Driver {
	return &Driver{
		nextID:        make(map[string]int64),
		rooms:         make(map[int64]*store.Room),
		attendees:     make(map[int64]*store.Attendee),
		invitations:   make(map[int64]*store.Invitation),
		retries:       make(map[int64]*store.RetryNotification),
		proxyMessages: make(map[int64]*store.ProxyCacheMessage),
		users:         make(map[string]*store.User),
	}
}

func (d *Driver) Init(ctx context.Context) error { return nil }
func (d *Driver) Close() error                   { return nil }
func (d *Driver) Name() string                   { return "memory" }

func (d *Driver) Rooms() store.RoomRepo                           { return (*roomRepo)(d) }
func (d *Driver) Attendees() store.AttendeeRepo                   { return (*attendeeRepo)(d) }
func (d *Driver) Invitations() store.InvitationRepo               { return (*invitationRepo)(d) }
func (d *Driver) RetryNotifications() store.RetryNotificationRepo { return (*retryRepo)(d) }
func (d *Driver) ProxyMessages() store.ProxyMessageRepo           { return (*proxyMessageRepo)(d) }
func (d *Driver) Users() store.UserRepo                           { return (*userRepo)(d) }

// allocate must be called with the write lock held.
func (d *Driver) allocate(table string) int64 {
	d.nextID[table]++
	return d.nextID[table]
}

// rooms

type roomRepo Driver

func (r *roomRepo) Create(ctx context.Context, room *store.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.rooms {
		if existing.Token == room.Token {
			return store.ErrAlreadyExists
		}
	}

	if room.ID == 0 {
		room.ID = (*Driver)(r).allocate("rooms")
	}
	now := time.Now().Unix()
	room.CreatedAt = now
	room.UpdatedAt = now

	cp := *room
	r.rooms[room.ID] = &cp
	return nil
}

func (r *roomRepo) GetByID(ctx context.Context, id int64) (*store.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *room
	return &cp, nil
}

func (r *roomRepo) GetByToken(ctx context.Context, token string) (*store.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, room := range r.rooms {
		if room.Token == token {
			cp := *room
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *roomRepo) GetByRemote(ctx context.Context, remoteServer, remoteToken string) (*store.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Remote tokens compare case-insensitively; hosts have sent
	// casing variants of the same token.
	for _, room := range r.rooms {
		if strings.EqualFold(room.RemoteServer, remoteServer) &&
			strings.EqualFold(room.RemoteToken, remoteToken) {
			cp := *room
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *roomRepo) Update(ctx context.Context, room *store.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room.ID]; !ok {
		return store.ErrNotFound
	}
	room.UpdatedAt = time.Now().Unix()
	cp := *room
	r.rooms[room.ID] = &cp
	return nil
}

func (r *roomRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.rooms, id)
	return nil
}

// attendees

type attendeeRepo Driver

func (r *attendeeRepo) Create(ctx context.Context, attendee *store.Attendee) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.attendees {
		if existing.RoomID == attendee.RoomID &&
			existing.ActorType == attendee.ActorType &&
			existing.ActorID == attendee.ActorID {
			return store.ErrAlreadyExists
		}
	}

	if attendee.ID == 0 {
		attendee.ID = (*Driver)(r).allocate("attendees")
	}
	now := time.Now().Unix()
	attendee.CreatedAt = now
	attendee.UpdatedAt = now

	cp := *attendee
	r.attendees[attendee.ID] = &cp
	return nil
}

func (r *attendeeRepo) GetByID(ctx context.Context, id int64) (*store.Attendee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attendee, ok := r.attendees[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *attendee
	return &cp, nil
}

func (r *attendeeRepo) GetByActor(ctx context.Context, roomID int64, actorType, actorID string) (*store.Attendee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, attendee := range r.attendees {
		if attendee.RoomID == roomID && attendee.ActorType == actorType && attendee.ActorID == actorID {
			cp := *attendee
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *attendeeRepo) ListByAccessToken(ctx context.Context, token string) ([]*store.Attendee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.Attendee
	for _, attendee := range r.attendees {
		if attendee.AccessToken == token {
			cp := *attendee
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *attendeeRepo) ListForRoom(ctx context.Context, roomID int64) ([]*store.Attendee, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.Attendee
	for _, attendee := range r.attendees {
		if attendee.RoomID == roomID {
			cp := *attendee
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *attendeeRepo) CountForRoom(ctx context.Context, roomID int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, attendee := range r.attendees {
		if attendee.RoomID == roomID {
			n++
		}
	}
	return n, nil
}

func (r *attendeeRepo) Update(ctx context.Context, attendee *store.Attendee) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.attendees[attendee.ID]; !ok {
		return store.ErrNotFound
	}
	attendee.UpdatedAt = time.Now().Unix()
	cp := *attendee
	r.attendees[attendee.ID] = &cp
	return nil
}

func (r *attendeeRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.attendees[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.attendees, id)
	return nil
}

// invitations

type invitationRepo Driver

func (r *invitationRepo) Create(ctx context.Context, invitation *store.Invitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.invitations {
		if existing.RoomID == invitation.RoomID && existing.UserID == invitation.UserID {
			return store.ErrAlreadyExists
		}
	}

	if invitation.ID == 0 {
		invitation.ID = (*Driver)(r).allocate("invitations")
	}
	now := time.Now().Unix()
	invitation.CreatedAt = now
	invitation.UpdatedAt = now

	cp := *invitation
	r.invitations[invitation.ID] = &cp
	return nil
}

func (r *invitationRepo) GetByID(ctx context.Context, id int64) (*store.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	invitation, ok := r.invitations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *invitation
	return &cp, nil
}

func (r *invitationRepo) GetForRoomAndUser(ctx context.Context, roomID int64, userID string) (*store.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, invitation := range r.invitations {
		if invitation.RoomID == roomID && invitation.UserID == userID {
			cp := *invitation
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *invitationRepo) GetByRemoteAttendee(ctx context.Context, remoteServerURL string, remoteAttendeeID int64) (*store.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, invitation := range r.invitations {
		if strings.EqualFold(invitation.RemoteServerURL, remoteServerURL) &&
			invitation.RemoteAttendeeID == remoteAttendeeID {
			cp := *invitation
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *invitationRepo) GetByAccessToken(ctx context.Context, token string) (*store.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, invitation := range r.invitations {
		if invitation.AccessToken == token {
			cp := *invitation
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *invitationRepo) ListForUser(ctx context.Context, userID string) ([]*store.Invitation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.Invitation
	for _, invitation := range r.invitations {
		if invitation.UserID == userID {
			cp := *invitation
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *invitationRepo) CountForUser(ctx context.Context, userID string, pendingOnly bool) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, invitation := range r.invitations {
		if invitation.UserID != userID {
			continue
		}
		if pendingOnly && invitation.State != store.InvitationPending {
			continue
		}
		n++
	}
	return n, nil
}

func (r *invitationRepo) CountForRoom(ctx context.Context, roomID int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, invitation := range r.invitations {
		if invitation.RoomID == roomID {
			n++
		}
	}
	return n, nil
}

func (r *invitationRepo) Update(ctx context.Context, invitation *store.Invitation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.invitations[invitation.ID]; !ok {
		return store.ErrNotFound
	}
	invitation.UpdatedAt = time.Now().Unix()
	cp := *invitation
	r.invitations[invitation.ID] = &cp
	return nil
}

func (r *invitationRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.invitations[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.invitations, id)
	return nil
}

// retry notifications

type retryRepo Driver

func (r *retryRepo) Create(ctx context.Context, retry *store.RetryNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if retry.ID == 0 {
		retry.ID = (*Driver)(r).allocate("retries")
	}
	now := time.Now().Unix()
	retry.CreatedAt = now
	retry.UpdatedAt = now

	cp := *retry
	r.retries[retry.ID] = &cp
	return nil
}

func (r *retryRepo) ListDue(ctx context.Context, due time.Time) ([]*store.RetryNotification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*store.RetryNotification
	for _, retry := range r.retries {
		if !retry.NextRetry.After(due) {
			cp := *retry
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *retryRepo) Update(ctx context.Context, retry *store.RetryNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.retries[retry.ID]; !ok {
		return store.ErrNotFound
	}
	retry.UpdatedAt = time.Now().Unix()
	cp := *retry
	r.retries[retry.ID] = &cp
	return nil
}

func (r *retryRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.retries[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.retries, id)
	return nil
}

// proxy messages

type proxyMessageRepo Driver

func (r *proxyMessageRepo) Create(ctx context.Context, msg *store.ProxyCacheMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.proxyMessages {
		if existing.RemoteServerURL == msg.RemoteServerURL &&
			existing.RemoteToken == msg.RemoteToken &&
			existing.RemoteMessageID == msg.RemoteMessageID {
			return store.ErrAlreadyExists
		}
	}

	if msg.ID == 0 {
		msg.ID = (*Driver)(r).allocate("proxy_messages")
	}
	msg.CreatedAt = time.Now().Unix()

	cp := *msg
	r.proxyMessages[msg.ID] = &cp
	return nil
}

func (r *proxyMessageRepo) GetByID(ctx context.Context, id int64) (*store.ProxyCacheMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.proxyMessages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (r *proxyMessageRepo) GetByRemote(ctx context.Context, remoteServerURL, remoteToken string, remoteMessageID int64) (*store.ProxyCacheMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, msg := range r.proxyMessages {
		if msg.RemoteServerURL == remoteServerURL &&
			msg.RemoteToken == remoteToken &&
			msg.RemoteMessageID == remoteMessageID {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *proxyMessageRepo) Update(ctx context.Context, msg *store.ProxyCacheMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.proxyMessages[msg.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *msg
	r.proxyMessages[msg.ID] = &cp
	return nil
}

func (r *proxyMessageRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.proxyMessages[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.proxyMessages, id)
	return nil
}

// users

type userRepo Driver

func (r *userRepo) Create(ctx context.Context, user *store.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.ID]; ok {
		return store.ErrAlreadyExists
	}
	for _, existing := range r.users {
		if existing.Username == user.Username {
			return store.ErrAlreadyExists
		}
	}

	now := time.Now().Unix()
	user.CreatedAt = now
	user.UpdatedAt = now

	cp := *user
	r.users[user.ID] = &cp
	return nil
}

func (r *userRepo) GetByID(ctx context.Context, id string) (*store.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, user := range r.users {
		if user.Username == username {
			cp := *user
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *userRepo) Update(ctx context.Context, user *store.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[user.ID]; !ok {
		return store.ErrNotFound
	}
	user.UpdatedAt = time.Now().Unix()
	cp := *user
	r.users[user.ID] = &cp
	return nil
}
