package notification

import (
	"context"
	"errors"
	"time"

	"github.com/clinicdesk/clinicdesk/internal/platform/ws"
)

// ErrNoAck reports that an acknowledgement-required push was not
// confirmed by the recipient within the timeout.
var ErrNoAck = errors.New("notification: push not acknowledged")

// Pusher delivers realtime events to room-addressed subscribers.
type Pusher interface {
	Push(ctx context.Context, room, event string, payload any) error

	// PushWithAck succeeds only if a subscriber acknowledges the event
	// within the timeout.
	PushWithAck(ctx context.Context, room, event string, payload any, timeout time.Duration) error
}

type hubPusher struct{ hub ws.Broadcaster }

// NewHubPusher adapts the websocket hub to the Pusher interface.
func NewHubPusher(hub ws.Broadcaster) Pusher { return &hubPusher{hub: hub} }

func (p *hubPusher) Push(_ context.Context, room, event string, payload any) error {
	p.hub.Emit(room, event, payload)
	return nil
}

func (p *hubPusher) PushWithAck(ctx context.Context, room, event string, payload any, timeout time.Duration) error {
	acked, err := p.hub.EmitWithAck(ctx, room, event, payload, timeout)
	if err != nil {
		return err
	}
	if !acked {
		return ErrNoAck
	}
	return nil
}
