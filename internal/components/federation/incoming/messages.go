package incoming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/components/federation"
	"github.com/talkmesh/talkmesh-go/internal/components/federation/notifications"
	"github.com/talkmesh/talkmesh-go/internal/components/messagefmt"
	"github.com/talkmesh/talkmesh-go/internal/platform/cache"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// lastMessageCacheTTL bounds the shared (server, token) -> highest remote
// message id entries used to short-circuit long-poll waits.
const lastMessageCacheTTL = 30 * time.Second

// messagePosted caches a remote chat message locally, or re-syncs a cached
// message when the payload is an edit or delete correction.
func (p *Provider) messagePosted(ctx context.Context, providerID int64, raw json.RawMessage) error {
	var payload notifications.MessagePosted
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}
	if payload.RemoteMessageID <= 0 {
		return &federation.RequestError{Status: http.StatusBadRequest, Message: MessageInvalidParameter}
	}

	invitation, room, err := p.invitationBySecret(ctx, payload.RemoteServerURL, providerID, payload.SharedSecret)
	if err != nil {
		return err
	}

	if payload.IsCorrection() {
		err = p.applyCorrection(ctx, invitation, room, &payload)
	} else {
		err = p.applyNewMessage(ctx, invitation, room, &payload)
	}
	if err != nil {
		return err
	}

	// The inviting user may never have accepted; then there is nothing to
	// track unread state on.
	attendee, err := p.attendees.GetByActor(ctx, room.ID, store.ActorUser, invitation.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	attendee.UnreadMessages = payload.UnreadMessages
	attendee.UnreadMention = payload.UnreadMention
	attendee.UnreadMentionDirect = payload.UnreadMentionDirect
	attendee.LastReadMessage = payload.LastReadMessage
	return p.attendees.Update(ctx, attendee)
}

// applyNewMessage inserts the message into the proxy cache. Every local
// participant receives the same notification from the host, so the insert
// races with itself; the uniqueness constraint decides and the losers adopt
// the winner's row.
func (p *Provider) applyNewMessage(ctx context.Context, invitation *store.Invitation, room *store.Room, payload *notifications.MessagePosted) error {
	converted, err := p.converter.FromRemote(ctx, invitation.RemoteServerURL, messagefmt.Message{
		Message:       payload.Message,
		Parameters:    payload.MessageParameters,
		MessageType:   payload.MessageType,
		SystemMessage: payload.SystemMessage,
	})
	if err != nil {
		return fmt.Errorf("convert message: %w", err)
	}

	msg := &store.ProxyCacheMessage{
		LocalToken:        room.Token,
		RemoteServerURL:   invitation.RemoteServerURL,
		RemoteToken:       invitation.RemoteToken,
		RemoteMessageID:   payload.RemoteMessageID,
		ActorType:         payload.ActorType,
		ActorID:           payload.ActorID,
		ActorDisplayName:  payload.ActorDisplayName,
		MessageType:       converted.MessageType,
		SystemMessage:     converted.SystemMessage,
		Message:           converted.Message,
		MessageParameters: converted.Parameters,
	}
	if payload.ExpirationSeconds > 0 {
		expires := p.now().Add(time.Duration(payload.ExpirationSeconds) * time.Second)
		msg.Expires = &expires
	}

	isNew := true
	if err := p.messages.Create(ctx, msg); err != nil {
		if !errors.Is(err, store.ErrAlreadyExists) {
			return err
		}
		isNew = false
		msg, err = p.messages.GetByRemote(ctx, invitation.RemoteServerURL, invitation.RemoteToken, payload.RemoteMessageID)
		if err != nil {
			return err
		}
	}

	if payload.RemoteMessageID > room.LastMessageID {
		room.LastMessageID = payload.RemoteMessageID
	}
	room.LastActivity = p.now().Unix()
	if err := p.rooms.Update(ctx, room); err != nil {
		return err
	}

	p.rememberHighestMessageID(ctx, invitation, payload.RemoteMessageID)

	if isNew {
		p.dispatcher.ChatMessageArrived(ctx, room, msg)
	}
	return nil
}

// applyCorrection re-syncs the cached copy of an edited message or drops
// the cached copy of a deleted one. A cache miss is not an error; there is
// simply nothing stale to fix.
func (p *Provider) applyCorrection(ctx context.Context, invitation *store.Invitation, room *store.Room, payload *notifications.MessagePosted) error {
	cached, err := p.messages.GetByRemote(ctx, invitation.RemoteServerURL, invitation.RemoteToken, payload.ReplyTo)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	case payload.SystemMessage == notifications.SystemMessageDeleted:
		if err := p.messages.Delete(ctx, cached.ID); err != nil {
			return err
		}
	default:
		converted, err := p.converter.FromRemote(ctx, invitation.RemoteServerURL, messagefmt.Message{
			Message:       payload.Message,
			Parameters:    payload.MessageParameters,
			MessageType:   payload.MessageType,
			SystemMessage: payload.SystemMessage,
		})
		if err != nil {
			// The replacement content cannot be represented locally;
			// dropping the stale copy beats keeping it inconsistent.
			p.logger.WarnContext(ctx, "dropping stale cached message",
				slog.Int64("remote_message_id", payload.ReplyTo),
				slog.Any("error", err))
			if err := p.messages.Delete(ctx, cached.ID); err != nil {
				return err
			}
			break
		}
		cached.Message = converted.Message
		cached.MessageParameters = converted.Parameters
		cached.SystemMessage = converted.SystemMessage
		if err := p.messages.Update(ctx, cached); err != nil {
			return err
		}
	}

	room.LastActivity = p.now().Unix()
	return p.rooms.Update(ctx, room)
}

// rememberHighestMessageID keeps the short-TTL cache entry of the highest
// remote message id per (server, token) current. Failures are advisory.
func (p *Provider) rememberHighestMessageID(ctx context.Context, invitation *store.Invitation, messageID int64) {
	if p.cache == nil {
		return
	}
	key := "federation/last-message/" + invitation.RemoteServerURL + "/" + invitation.RemoteToken

	if existing, err := p.cache.Get(ctx, key); err == nil {
		if known, err := strconv.ParseInt(string(existing), 10, 64); err == nil && known >= messageID {
			return
		}
	} else if !errors.Is(err, cache.ErrNotFound) {
		return
	}

	if err := p.cache.Set(ctx, key, []byte(strconv.FormatInt(messageID, 10)), lastMessageCacheTTL); err != nil {
		p.logger.DebugContext(ctx, "failed to cache last message id",
			slog.String("key", key), slog.Any("error", err))
	}
}
