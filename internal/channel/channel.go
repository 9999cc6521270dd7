// Package channel is the room-scoped pub/sub boundary the engine talks to:
// best-effort broadcast of room events to the other members, and presence
// tracking with per-member metadata.
//
// Two transports are provided. Hub keeps rooms in process memory and backs
// offline play and tests. Bus fans events out over NATS and keeps presence
// in Redis so that members on different processes share a room.
package channel

import (
	"context"
	"errors"

	"github.com/pixelplaza/plaza/internal/protocol"
	"github.com/pixelplaza/plaza/internal/room"
)

// ErrClosed is returned by calls on a channel after Close.
var ErrClosed = errors.New("channel: closed")

// Handler receives room events. It is called from transport goroutines and
// must not block.
type Handler func(protocol.Event)

// Transport opens room channels.
type Transport interface {
	// Join subscribes selfID to the room. Broadcasts from other members and
	// presence snapshots are passed to deliver until the channel is closed.
	// Broadcasts sent by selfID are never delivered back to it.
	Join(ctx context.Context, r room.Name, selfID string, deliver Handler) (Channel, error)
}

// Channel is one membership in one room.
type Channel interface {
	// Broadcast sends a chat, pos or action event to the other members.
	Broadcast(ctx context.Context, e protocol.Event) error

	// Track publishes or replaces this member's presence metadata. A member
	// appears in presence snapshots only after its first Track.
	Track(ctx context.Context, meta protocol.PresenceMeta) error

	// PresenceState returns the last known presence snapshot of the room.
	PresenceState() protocol.PresenceState

	// Close leaves the room. When Close returns, deliver is no longer
	// called for this membership.
	Close() error
}

func cloneState(s protocol.PresenceState) protocol.PresenceState {
	out := make(protocol.PresenceState, len(s))
	for id, m := range s {
		out[id] = m
	}
	return out
}
