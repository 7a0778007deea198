// Package store provides persistence models and driver abstractions for the
// federation layer: shadow rooms, attendees, invitations, the notification
// retry queue, cached remote messages, and local users.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors for store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Actor types.
const (
	ActorUser          = "users"
	ActorFederatedUser = "federated_users"
)

// Room types.
const (
	RoomTypeOneToOne = 1
	RoomTypeGroup    = 2
	RoomTypePublic   = 3
)

// ValidRoomType reports whether t is a shareable room type.
// One-to-one conversations cannot be federated.
func ValidRoomType(t int) bool {
	return t == RoomTypeGroup || t == RoomTypePublic
}

// Participant types.
const (
	ParticipantOwner      = 1
	ParticipantModerator  = 2
	ParticipantUser       = 3
	ParticipantSelfJoined = 5
)

// Call flags, combined as a bitmask.
const (
	CallFlagDisconnected = 0
	CallFlagInCall       = 1
	CallFlagWithAudio    = 2
	CallFlagWithVideo    = 4
	CallFlagWithPhone    = 8
)

// Lobby states.
const (
	LobbyNone          = 0
	LobbyNonModerators = 1
)

// Invitation states.
const (
	InvitationPending  = 0
	InvitationAccepted = 1
)

// Attendee permissions, combined as a bitmask.
const (
	PermissionsDefault       = 0
	PermissionsCustom        = 1
	PermissionsCallStart     = 2
	PermissionsCallJoin      = 4
	PermissionsLobbyIgnore   = 8
	PermissionsAudio         = 16
	PermissionsVideo         = 32
	PermissionsScreensharing = 64
	PermissionsChat          = 128
	PermissionsReactions     = 256
)

// Room is a conversation. For federated conversations the authoritative copy
// lives on RemoteServer and this row is a shadow kept current by applying
// inbound notifications.
type Room struct {
	ID                 int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	Token              string     `json:"token" gorm:"uniqueIndex"`
	Name               string     `json:"name"`
	Description        string     `json:"description"`
	Type               int        `json:"type"`
	RemoteServer       string     `json:"remote_server" gorm:"index:idx_rooms_remote,priority:1"`
	RemoteToken        string     `json:"remote_token" gorm:"index:idx_rooms_remote,priority:2"`
	DefaultPermissions int        `json:"default_permissions"`
	ActiveSince        *time.Time `json:"active_since"`
	CallFlag           int        `json:"call_flag"`
	LastMessageID      int64      `json:"last_message_id"`
	LobbyState         int        `json:"lobby_state"`
	LobbyTimer         *time.Time `json:"lobby_timer"`
	LastActivity       int64      `json:"last_activity"`
	Avatar             string     `json:"avatar"`
	ReadOnly           int        `json:"read_only"`
	SIPEnabled         int        `json:"sip_enabled"`
	MessageExpiration  int        `json:"message_expiration"`
	RecordingConsent   int        `json:"recording_consent"`
	CreatedAt          int64      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          int64      `json:"updated_at" gorm:"autoUpdateTime"`
}

// IsFederated reports whether the room is a shadow of a remote conversation.
func (r *Room) IsFederated() bool {
	return r.RemoteServer != ""
}

// Attendee is the membership row of one actor in one room. Federated members
// carry the shared secret in AccessToken and the peer's attendee id in
// RemoteID.
type Attendee struct {
	ID                  int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	RoomID              int64  `json:"room_id" gorm:"uniqueIndex:idx_attendees_actor,priority:1"`
	ActorType           string `json:"actor_type" gorm:"uniqueIndex:idx_attendees_actor,priority:2"`
	ActorID             string `json:"actor_id" gorm:"uniqueIndex:idx_attendees_actor,priority:3"`
	DisplayName         string `json:"display_name"`
	ParticipantType     int    `json:"participant_type"`
	Permissions         int    `json:"permissions"`
	AccessToken         string `json:"access_token,omitempty" gorm:"index"` // omitempty for redaction
	RemoteID            int64  `json:"remote_id"`
	InvitedCloudID      string `json:"invited_cloud_id"`
	LastReadMessage     int64  `json:"last_read_message"`
	UnreadMessages      int64  `json:"unread_messages"`
	UnreadMention       bool   `json:"unread_mention"`
	UnreadMentionDirect bool   `json:"unread_mention_direct"`
	CreatedAt           int64  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt           int64  `json:"updated_at" gorm:"autoUpdateTime"`
}

// Invitation is the cross-server share record anchoring a federated
// relationship for one local user and one shadow room.
type Invitation struct {
	ID                 int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	RoomID             int64  `json:"room_id" gorm:"uniqueIndex:idx_invitations_room_user,priority:1"`
	UserID             string `json:"user_id" gorm:"uniqueIndex:idx_invitations_room_user,priority:2"`
	State              int    `json:"state"`
	AccessToken        string `json:"access_token,omitempty"` // omitempty for redaction
	RemoteServerURL    string `json:"remote_server_url" gorm:"index:idx_invitations_remote,priority:1"`
	RemoteToken        string `json:"remote_token"`
	RemoteAttendeeID   int64  `json:"remote_attendee_id" gorm:"index:idx_invitations_remote,priority:2"`
	InviterCloudID     string `json:"inviter_cloud_id"`
	InviterDisplayName string `json:"inviter_display_name"`
	LocalCloudID       string `json:"local_cloud_id"`
	CreatedAt          int64  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt          int64  `json:"updated_at" gorm:"autoUpdateTime"`
}

// RetryNotification is a durable queue row for a failed outbound
// notification. Payload must round-trip through strict JSON encode/decode.
type RetryNotification struct {
	ID               int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	RemoteServer     string    `json:"remote_server"`
	NotificationType string    `json:"notification_type"`
	ResourceType     string    `json:"resource_type"`
	ProviderID       string    `json:"provider_id"`
	Payload          string    `json:"payload"`
	Attempt          int       `json:"attempt"`
	NextRetry        time.Time `json:"next_retry" gorm:"index"`
	CreatedAt        int64     `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        int64     `json:"updated_at" gorm:"autoUpdateTime"`
}

// ProxyCacheMessage is the local cache of a chat message whose authoritative
// copy lives on a remote server. The uniqueness constraint over
// (RemoteServerURL, RemoteToken, RemoteMessageID) doubles as optimistic
// concurrency control: every local participant receives the same inbound
// message notification, and only one insert wins.
type ProxyCacheMessage struct {
	ID                int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	LocalToken        string     `json:"local_token" gorm:"index"`
	RemoteServerURL   string     `json:"remote_server_url" gorm:"uniqueIndex:idx_proxy_messages_remote,priority:1"`
	RemoteToken       string     `json:"remote_token" gorm:"uniqueIndex:idx_proxy_messages_remote,priority:2"`
	RemoteMessageID   int64      `json:"remote_message_id" gorm:"uniqueIndex:idx_proxy_messages_remote,priority:3"`
	ActorType         string     `json:"actor_type"`
	ActorID           string     `json:"actor_id"`
	ActorDisplayName  string     `json:"actor_display_name"`
	MessageType       string     `json:"message_type"`
	SystemMessage     string     `json:"system_message"`
	Expires           *time.Time `json:"expires"`
	Message           string     `json:"message"`
	MessageParameters string     `json:"message_parameters"` // JSON-encoded rich parameters
	CreatedAt         int64      `json:"created_at" gorm:"autoCreateTime"`
}

// User is a local account able to take part in federated conversations.
type User struct {
	ID                string `json:"id" gorm:"primaryKey"`
	Username          string `json:"username" gorm:"uniqueIndex"`
	DisplayName       string `json:"display_name"`
	PasswordHash      string `json:"-"`
	Disabled          bool   `json:"disabled"`
	FederationEnabled bool   `json:"federation_enabled"`
	CreatedAt         int64  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt         int64  `json:"updated_at" gorm:"autoUpdateTime"`
}

// RoomRepo persists rooms.
type RoomRepo interface {
	Create(ctx context.Context, room *Room) error
	GetByID(ctx context.Context, id int64) (*Room, error)
	GetByToken(ctx context.Context, token string) (*Room, error)
	// GetByRemote finds the shadow room for a remote conversation.
	GetByRemote(ctx context.Context, remoteServer, remoteToken string) (*Room, error)
	Update(ctx context.Context, room *Room) error
	Delete(ctx context.Context, id int64) error
}

// AttendeeRepo persists room membership.
type AttendeeRepo interface {
	Create(ctx context.Context, attendee *Attendee) error
	GetByID(ctx context.Context, id int64) (*Attendee, error)
	GetByActor(ctx context.Context, roomID int64, actorType, actorID string) (*Attendee, error)
	// ListByAccessToken returns all attendees carrying the given shared
	// secret, across rooms. Used for reverse identity lookup.
	ListByAccessToken(ctx context.Context, token string) ([]*Attendee, error)
	ListForRoom(ctx context.Context, roomID int64) ([]*Attendee, error)
	CountForRoom(ctx context.Context, roomID int64) (int64, error)
	Update(ctx context.Context, attendee *Attendee) error
	Delete(ctx context.Context, id int64) error
}

// InvitationRepo persists cross-server share records.
type InvitationRepo interface {
	Create(ctx context.Context, invitation *Invitation) error
	GetByID(ctx context.Context, id int64) (*Invitation, error)
	GetForRoomAndUser(ctx context.Context, roomID int64, userID string) (*Invitation, error)
	// GetByRemoteAttendee finds the invitation anchoring the relationship
	// with a specific attendee on a specific remote server.
	GetByRemoteAttendee(ctx context.Context, remoteServerURL string, remoteAttendeeID int64) (*Invitation, error)
	GetByAccessToken(ctx context.Context, token string) (*Invitation, error)
	ListForUser(ctx context.Context, userID string) ([]*Invitation, error)
	CountForUser(ctx context.Context, userID string, pendingOnly bool) (int64, error)
	CountForRoom(ctx context.Context, roomID int64) (int64, error)
	Update(ctx context.Context, invitation *Invitation) error
	Delete(ctx context.Context, id int64) error
}

// RetryNotificationRepo persists the outbound retry queue.
type RetryNotificationRepo interface {
	Create(ctx context.Context, retry *RetryNotification) error
	// ListDue returns rows whose NextRetry is at or before due.
	ListDue(ctx context.Context, due time.Time) ([]*RetryNotification, error)
	Update(ctx context.Context, retry *RetryNotification) error
	Delete(ctx context.Context, id int64) error
}

// ProxyMessageRepo persists cached remote messages.
// Create must return ErrAlreadyExists when the (server, token, message id)
// uniqueness constraint is violated.
type ProxyMessageRepo interface {
	Create(ctx context.Context, msg *ProxyCacheMessage) error
	GetByID(ctx context.Context, id int64) (*ProxyCacheMessage, error)
	GetByRemote(ctx context.Context, remoteServerURL, remoteToken string, remoteMessageID int64) (*ProxyCacheMessage, error)
	Update(ctx context.Context, msg *ProxyCacheMessage) error
	Delete(ctx context.Context, id int64) error
}

// UserRepo persists local users.
type UserRepo interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	Update(ctx context.Context, user *User) error
}

// Driver is a persistence backend exposing the repositories.
// Implementations must be safe for concurrent use.
type Driver interface {
	// Init initializes the driver (create tables, load data, etc).
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name (memory, sqlite).
	Name() string

	Rooms() RoomRepo
	Attendees() AttendeeRepo
	Invitations() InvitationRepo
	RetryNotifications() RetryNotificationRepo
	ProxyMessages() ProxyMessageRepo
	Users() UserRepo
}
