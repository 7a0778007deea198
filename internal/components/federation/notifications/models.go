// Package notifications defines the wire-level payloads exchanged between
// federation peers: the initial share document and the notification
// envelopes that keep shadow rooms current.
package notifications

import "encoding/json"

// Notification types.
const (
	TypeShareAccepted       = "SHARE_ACCEPTED"
	TypeShareDeclined       = "SHARE_DECLINED"
	TypeShareUnshared       = "SHARE_UNSHARED"
	TypeParticipantModified = "PARTICIPANT_MODIFIED"
	TypeRoomModified        = "ROOM_MODIFIED"
	TypeMessagePosted       = "MESSAGE_POSTED"
)

// ResourceTypeTalkRoom is the OCM resource type for conversations.
const ResourceTypeTalkRoom = "talk-room"

// ProtocolName is the OCM protocol slot carrying the conversation extension
// fields of the initial share document.
const ProtocolName = "nctalk"

// Room properties carried by ROOM_MODIFIED notifications.
const (
	PropActiveSince        = "activeSince"
	PropInCall             = "inCall"
	PropLobby              = "lobbyState"
	PropName               = "name"
	PropDescription        = "description"
	PropAvatar             = "avatar"
	PropDefaultPermissions = "defaultPermissions"
	PropReadOnly           = "readOnly"
	PropType               = "type"
	PropSIPEnabled         = "sipEnabled"
	PropMessageExpiration  = "messageExpiration"
	PropRecordingConsent   = "recordingConsent"
)

// Participant properties carried by PARTICIPANT_MODIFIED notifications.
const (
	PropPermissions            = "permissions"
	PropResendCallNotification = "resendCallNotification"
)

// DetailInCallSilent marks a call start that must not ring participants.
const DetailInCallSilent = "silent"

// System messages marking retroactive message corrections.
const (
	SystemMessageEdited  = "message_edited"
	SystemMessageDeleted = "message_deleted"
)

// Share is the initial OCM share document offered to a remote server.
// The conversation fields ride in Protocol under ProtocolName.
type Share struct {
	ShareWith         string        `json:"shareWith"`
	Name              string        `json:"name"`
	Description       string        `json:"description,omitempty"`
	ProviderID        string        `json:"providerId"`
	Owner             string        `json:"owner"`
	OwnerDisplayName  string        `json:"ownerDisplayName"`
	Sender            string        `json:"sender"`
	SenderDisplayName string        `json:"senderDisplayName"`
	ShareType         string        `json:"shareType"`
	ResourceType      string        `json:"resourceType"`
	Protocol          ShareProtocol `json:"protocol"`
}

// ShareProtocol wraps the conversation extension fields.
type ShareProtocol struct {
	Name    string    `json:"name"`
	Options ShareOpts `json:"options"`
}

// ShareOpts carries the conversation state embedded in the initial share.
type ShareOpts struct {
	SharedSecret       string `json:"sharedSecret"`
	RemoteToken        string `json:"remoteToken"`
	RoomName           string `json:"roomName"`
	RoomType           int    `json:"roomType"`
	RoomDefaultPerms   int    `json:"roomDefaultPermissions"`
	InviterCloudID     string `json:"inviterCloudId"`
	InviterDisplayName string `json:"inviterDisplayName"`
}

// ShareResponse is the answer to a successful share creation. RecipientID
// is the remote-assigned identity of the recipient.
type ShareResponse struct {
	RecipientDisplayName string `json:"recipientDisplayName"`
	RecipientID          string `json:"recipientUserId,omitempty"`
}

// Envelope is the outer shape of a notification POST.
type Envelope struct {
	NotificationType string          `json:"notificationType"`
	ResourceType     string          `json:"resourceType"`
	ProviderID       string          `json:"providerId"`
	Notification     json.RawMessage `json:"notification"`
}

// Base carries the fields every notification payload shares. In outbound
// payloads RemoteServerURL and RemoteToken name the sender's own server and
// room, so the receiver can address answers and the sender can re-resolve
// live room state when retrying.
type Base struct {
	SharedSecret    string `json:"sharedSecret"`
	RemoteServerURL string `json:"remoteServerUrl"`
	RemoteToken     string `json:"remoteToken"`
}

// ShareLifecycle is the payload of SHARE_ACCEPTED and SHARE_DECLINED.
type ShareLifecycle struct {
	Base
	DisplayName string `json:"displayName,omitempty"`
	CloudID     string `json:"cloudId,omitempty"`
}

// ShareUnshared is the payload of SHARE_UNSHARED.
type ShareUnshared struct {
	Base
	Message string `json:"message,omitempty"`
}

// RoomModified is the payload of ROOM_MODIFIED. NewValue is kept raw
// because its type depends on ChangedProperty.
type RoomModified struct {
	Base
	ChangedProperty string          `json:"changedProperty"`
	NewValue        json.RawMessage `json:"newValue"`
	CallFlag        *int            `json:"callFlag,omitempty"`
	LobbyTimer      string          `json:"lobbyTimer,omitempty"`
	Details         []string        `json:"details,omitempty"`
}

// HasDetail reports whether the notification carries the given detail bit.
func (n *RoomModified) HasDetail(detail string) bool {
	for _, d := range n.Details {
		if d == detail {
			return true
		}
	}
	return false
}

// ParticipantModified is the payload of PARTICIPANT_MODIFIED.
type ParticipantModified struct {
	Base
	ChangedProperty string          `json:"changedProperty"`
	NewValue        json.RawMessage `json:"newValue"`
}

// MessagePosted is the payload of MESSAGE_POSTED. The unread fields describe
// the recipient attendee's view on the sending server.
type MessagePosted struct {
	Base
	RemoteMessageID     int64  `json:"messageId"`
	ActorType           string `json:"actorType"`
	ActorID             string `json:"actorId"`
	ActorDisplayName    string `json:"actorDisplayName"`
	MessageType         string `json:"messageType"`
	SystemMessage       string `json:"systemMessage,omitempty"`
	ReplyTo             int64  `json:"replyTo,omitempty"`
	Message             string `json:"message"`
	MessageParameters   string `json:"messageParameters,omitempty"`
	ExpirationSeconds   int    `json:"expirationInterval,omitempty"`
	UnreadMessages      int64  `json:"unreadMessages"`
	UnreadMention       bool   `json:"unreadMention"`
	UnreadMentionDirect bool   `json:"unreadMentionDirect"`
	LastReadMessage     int64  `json:"lastReadMessage"`
}

// IsCorrection reports whether the payload retroactively edits or deletes a
// previously posted message instead of adding a new one.
func (n *MessagePosted) IsCorrection() bool {
	return (n.SystemMessage == SystemMessageEdited || n.SystemMessage == SystemMessageDeleted) && n.ReplyTo > 0
}
