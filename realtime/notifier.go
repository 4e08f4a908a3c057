package realtime

import (
	"context"
	"time"

	"voucherkit/core"
)

// Notifier delivers voucher messages to connected clients as message events.
type Notifier struct {
	hub *Hub
}

func NewNotifier(hub *Hub) *Notifier { return &Notifier{hub: hub} }

func (n *Notifier) ShowTitle(ctx context.Context, user core.User, title, subtitle string, timing core.TitleTiming) error {
	n.hub.Broadcast(ctx, core.Event{
		Type:   core.EventMessage,
		Time:   time.Now().UTC(),
		UserID: user.ID(),
		Metadata: map[string]any{
			"message_type": core.MessageTitle,
			"title":        title,
			"subtitle":     subtitle,
			"fade_in":      timing.FadeIn,
			"stay":         timing.Stay,
			"fade_out":     timing.FadeOut,
		},
	})
	return nil
}

// Send addresses BROADCAST messages to everyone and the rest to user.
func (n *Notifier) Send(ctx context.Context, user core.User, typ core.MessageType, text string) error {
	ev := core.Event{
		Type:     core.EventMessage,
		Time:     time.Now().UTC(),
		UserID:   user.ID(),
		Metadata: map[string]any{"message_type": typ, "text": text},
	}
	if typ == core.MessageBroadcast {
		ev.UserID = ""
	}
	n.hub.Broadcast(ctx, ev)
	return nil
}
