package incoming

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/components/federation"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/notifications"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// roomModified reconciles one changed room property into the shadow room.
// Unknown properties are logged and ignored so newer hosts stay compatible.
func (p *Provider) roomModified(ctx context.Context, providerID int64, raw json.RawMessage) error {
	var payload notifications.RoomModified
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}

	_, room, err := p.invitationBySecret(ctx, payload.RemoteServerURL, providerID, payload.SharedSecret)
	if err != nil {
		return err
	}

	switch payload.ChangedProperty {
	case notifications.PropActiveSince:
		if err := p.applyActiveSince(ctx, room, &payload); err != nil {
			return err
		}
	case notifications.PropInCall:
		var callFlag int
		if err := json.Unmarshal(payload.NewValue, &callFlag); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
		room.CallFlag = callFlag
		if callFlag != 0 && room.ActiveSince == nil {
			// The active-since update has not arrived yet; a placeholder
			// keeps the request valid until the earliest-wins rule below
			// corrects it.
			now := p.now()
			room.ActiveSince = &now
		}
	case notifications.PropLobby:
		var lobbyState int
		if err := json.Unmarshal(payload.NewValue, &lobbyState); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
		room.LobbyState = lobbyState
		room.LobbyTimer = nil
		if payload.LobbyTimer != "" {
			unix, err := strconv.ParseInt(payload.LobbyTimer, 10, 64)
			if err != nil {
				return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
			}
			timer := time.Unix(unix, 0)
			room.LobbyTimer = &timer
		}
	case notifications.PropName:
		if err := json.Unmarshal(payload.NewValue, &room.Name); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
	case notifications.PropDescription:
		if err := json.Unmarshal(payload.NewValue, &room.Description); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
	case notifications.PropAvatar:
		if err := json.Unmarshal(payload.NewValue, &room.Avatar); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
	case notifications.PropDefaultPermissions:
		if err := json.Unmarshal(payload.NewValue, &room.DefaultPermissions); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
	case notifications.PropReadOnly:
		if err := json.Unmarshal(payload.NewValue, &room.ReadOnly); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
	case notifications.PropType:
		if err := json.Unmarshal(payload.NewValue, &room.Type); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
	case notifications.PropSIPEnabled:
		if err := json.Unmarshal(payload.NewValue, &room.SIPEnabled); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
	case notifications.PropMessageExpiration:
		if err := json.Unmarshal(payload.NewValue, &room.MessageExpiration); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
	case notifications.PropRecordingConsent:
		if err := json.Unmarshal(payload.NewValue, &room.RecordingConsent); err != nil {
			return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
		}
	default:
		p.logger.DebugContext(ctx, "ignoring unknown room property",
			slog.String("property", payload.ChangedProperty),
			slog.String("room", room.Token))
		return nil
	}

	room.LastActivity = p.now().Unix()
	return p.rooms.Update(ctx, room)
}

// applyActiveSince reconciles call state. A null value clears the call;
// otherwise the earlier of the known and incoming timestamps wins and call
// flags are ORed together, so an in-call update racing ahead of its
// active-since update never drops locally observed state.
func (p *Provider) applyActiveSince(ctx context.Context, room *store.Room, payload *notifications.RoomModified) error {
	if string(payload.NewValue) == "null" {
		room.ActiveSince = nil
		room.CallFlag = store.CallFlagDisconnected
		return nil
	}

	var unix int64
	if err := json.Unmarshal(payload.NewValue, &unix); err != nil {
		return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}
	incoming := time.Unix(unix, 0)

	callStarted := room.ActiveSince == nil

	if room.ActiveSince == nil || incoming.Before(*room.ActiveSince) {
		room.ActiveSince = &incoming
	}
	if payload.CallFlag != nil {
		room.CallFlag |= *payload.CallFlag
	}

	if callStarted && !payload.HasDetail(notifications.DetailInCallSilent) {
		p.dispatcher.CallNotificationResend(ctx, room)
	}
	return nil
}
