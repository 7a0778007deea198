// Package events decouples the federation layer from the rest of the
// application. The federation components report what happened; local chat,
// call signaling and notification subsystems subscribe by implementing
// Dispatcher.
package events

import (
	"context"
	"log/slog"

	"github.com/talkmesh/talkmesh-go/internal/platform/logutil"
	"github.com/talkmesh/talkmesh-go/internal/store"
)

// Actor identifies who performed a membership change. A nil actor means
// the change happened without a responsible local party, for example a
// remote user removing themselves.
type Actor struct {
	Type        string
	ID          string
	DisplayName string
}

// Dispatcher receives federation side effects.
type Dispatcher interface {
	// AttendeesAdded fires after attendees join a room. actingAs names the
	// party the addition is attributed to and may be nil.
	AttendeesAdded(ctx context.Context, room *store.Room, attendees []*store.Attendee, actingAs *Actor)

	// AttendeesRemoved fires after attendees leave or are removed.
	AttendeesRemoved(ctx context.Context, room *store.Room, attendees []*store.Attendee, actingAs *Actor)

	// CallNotificationResend fires when a remote call start requires local
	// participants to be rung again.
	CallNotificationResend(ctx context.Context, room *store.Room)

	// ChatMessageArrived fires after a remote chat message is cached locally.
	ChatMessageArrived(ctx context.Context, room *store.Room, message *store.ProxyCacheMessage)

	// InvitationReceived fires after an inbound share creates a pending
	// invitation for a local user.
	InvitationReceived(ctx context.Context, invitation *store.Invitation)
}

// LogDispatcher implements Dispatcher by logging each event. It is the
// default wiring until a real subscriber is attached.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a dispatcher that logs events at debug level.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logutil.NoopIfNil(logger)}
}

func (d *LogDispatcher) AttendeesAdded(ctx context.Context, room *store.Room, attendees []*store.Attendee, actingAs *Actor) {
	d.logger.DebugContext(ctx, "attendees added",
		slog.String("room", room.Token),
		slog.Int("count", len(attendees)),
		slog.Any("acting_as", actingAs))
}

func (d *LogDispatcher) AttendeesRemoved(ctx context.Context, room *store.Room, attendees []*store.Attendee, actingAs *Actor) {
	d.logger.DebugContext(ctx, "attendees removed",
		slog.String("room", room.Token),
		slog.Int("count", len(attendees)),
		slog.Any("acting_as", actingAs))
}

func (d *LogDispatcher) CallNotificationResend(ctx context.Context, room *store.Room) {
	d.logger.DebugContext(ctx, "call notification resend", slog.String("room", room.Token))
}

func (d *LogDispatcher) ChatMessageArrived(ctx context.Context, room *store.Room, message *store.ProxyCacheMessage) {
	d.logger.DebugContext(ctx, "chat message arrived",
		slog.String("room", room.Token),
		slog.Int64("remote_message_id", message.RemoteMessageID))
}

func (d *LogDispatcher) InvitationReceived(ctx context.Context, invitation *store.Invitation) {
	d.logger.DebugContext(ctx, "invitation received",
		slog.String("user", invitation.UserID),
		slog.String("remote_server", invitation.RemoteServerURL))
}
