package outgoing

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/talkmesh/talkmesh-go/internal/components/federation/notifications"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// RetryDelay returns the wait before the given attempt is retried.
// Attempts 1 to 4 wait a flat 5 minutes, attempts 5 to 10 scale with the
// attempt count, attempts beyond that wait 8 hours. The tail is sized to
// survive a Friday-to-Monday outage of the peer before giving up.
func RetryDelay(attempt int) time.Duration {
	switch {
	case attempt <= 4:
		return 5 * time.Minute
	case attempt <= 10:
		return time.Duration(attempt) * 5 * time.Minute
	default:
		return 8 * time.Hour
	}
}

// RetrySendingFailedNotifications retries every queued notification whose
// next-retry time has passed. Rows are independent; one failure does not
// stop the sweep.
func (n *Notifier) RetrySendingFailedNotifications(ctx context.Context, due time.Time) {
	rows, err := n.retries.ListDue(ctx, due)
	if err != nil {
		n.logger.ErrorContext(ctx, "failed to load due notification retries",
			slog.Any("error", err))
		return
	}

	for _, row := range rows {
		n.RetrySendingFailedNotification(ctx, row)
	}
}

// RetrySendingFailedNotification re-delivers one queued notification and
// advances or removes its row depending on the outcome.
func (n *Notifier) RetrySendingFailedNotification(ctx context.Context, row *store.RetryNotification) {
	payload := []byte(row.Payload)

	if row.NotificationType == notifications.TypeRoomModified {
		refreshed, err := n.refreshRoomModified(ctx, payload)
		if err != nil {
			n.logger.WarnContext(ctx, "failed to refresh queued room update, replaying stored payload",
				slog.Int64("retry_id", row.ID),
				slog.Any("error", err))
		} else {
			payload = refreshed
		}
	}

	result := n.sendUpdateToRemote(ctx, row.RemoteServer, row.NotificationType,
		row.ProviderID, payload, row.Attempt, true)

	switch {
	case result.Status == Delivered:
		n.deleteRetry(ctx, row, "delivered")
	case result.Status == PermanentlyRejected:
		n.deleteRetry(ctx, row, "permanently rejected")
	case row.Attempt >= n.cfg.Federation.MaxDeliveryAttempts:
		n.logger.WarnContext(ctx, "giving up on notification",
			slog.Int64("retry_id", row.ID),
			slog.String("remote", row.RemoteServer),
			slog.String("type", row.NotificationType),
			slog.Int("attempt", row.Attempt))
		n.deleteRetry(ctx, row, "attempt cap reached")
	default:
		row.Attempt++
		row.NextRetry = n.now().Add(RetryDelay(row.Attempt))
		if err := n.retries.Update(ctx, row); err != nil {
			n.logger.ErrorContext(ctx, "failed to reschedule notification retry",
				slog.Int64("retry_id", row.ID),
				slog.Any("error", err))
		}
	}
}

func (n *Notifier) deleteRetry(ctx context.Context, row *store.RetryNotification, outcome string) {
	n.logger.DebugContext(ctx, "removing queued notification",
		slog.Int64("retry_id", row.ID),
		slog.String("outcome", outcome))
	if err := n.retries.Delete(ctx, row.ID); err != nil {
		n.logger.ErrorContext(ctx, "failed to delete notification retry",
			slog.Int64("retry_id", row.ID),
			slog.Any("error", err))
	}
}

// refreshRoomModified rebuilds a queued ROOM_MODIFIED payload against the
// current local room state. Replaying the captured value would clobber
// state that moved on while the notification sat in the queue.
func (n *Notifier) refreshRoomModified(ctx context.Context, payload []byte) ([]byte, error) {
	var update notifications.RoomModified
	if err := json.Unmarshal(payload, &update); err != nil {
		return nil, err
	}

	// RemoteToken names this server's own room in outbound payloads.
	room, err := n.rooms.GetByToken(ctx, update.RemoteToken)
	if err != nil {
		return nil, err
	}

	switch update.ChangedProperty {
	case notifications.PropActiveSince:
		if room.ActiveSince == nil {
			// The call ended meanwhile, announce the disconnect instead.
			disconnected := store.CallFlagDisconnected
			update.NewValue = json.RawMessage("null")
			update.CallFlag = &disconnected
			update.Details = nil
		} else {
			raw, err := json.Marshal(room.ActiveSince.Unix())
			if err != nil {
				return nil, err
			}
			flag := room.CallFlag
			update.NewValue = raw
			update.CallFlag = &flag
		}
	case notifications.PropLobby:
		raw, err := json.Marshal(room.LobbyState)
		if err != nil {
			return nil, err
		}
		update.NewValue = raw
		update.LobbyTimer = ""
		if room.LobbyTimer != nil {
			update.LobbyTimer = strconv.FormatInt(room.LobbyTimer.Unix(), 10)
		}
	default:
		value, ok := liveRoomValue(room, update.ChangedProperty)
		if !ok {
			// Not refreshable, replay the stored value.
			return payload, nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		update.NewValue = raw
	}

	return json.Marshal(&update)
}

// liveRoomValue maps refreshable room properties to their current value.
func liveRoomValue(room *store.Room, property string) (any, bool) {
	switch property {
	case notifications.PropName:
		return room.Name, true
	case notifications.PropDescription:
		return room.Description, true
	case notifications.PropAvatar:
		return room.Avatar, true
	case notifications.PropDefaultPermissions:
		return room.DefaultPermissions, true
	case notifications.PropReadOnly:
		return room.ReadOnly, true
	case notifications.PropType:
		return room.Type, true
	case notifications.PropSIPEnabled:
		return room.SIPEnabled, true
	case notifications.PropMessageExpiration:
		return room.MessageExpiration, true
	case notifications.PropRecordingConsent:
		return room.RecordingConsent, true
	case notifications.PropInCall:
		return room.CallFlag, true
	default:
		return nil, false
	}
}
