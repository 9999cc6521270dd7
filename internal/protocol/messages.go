// Package protocol defines the room events exchanged between plaza clients
// and the WebSocket relay messages that carry them. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin      = "join"
	TypeTrack     = "track"
	TypeBroadcast = "broadcast"
	TypeLeave     = "leave"
	TypePing      = "ping"
)

// Server -> Client message types. TypeBroadcast is shared with the client
// direction.
const (
	TypeSessionCreated = "session_created"
	TypeJoined         = "joined"
	TypePresenceSync   = "presence_sync"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg subscribes the connection to a room channel, leaving any room it
// was in before.
type JoinMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// TrackMsg replaces the connection's presence metadata in its room.
type TrackMsg struct {
	Type string       `json:"type"`
	Meta PresenceMeta `json:"meta"`
}

// BroadcastMsg carries a room event from a client, or to a client. From is
// set by the relay on the way out and ignored on the way in.
type BroadcastMsg struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// LeaveMsg leaves the current room.
type LeaveMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is
// established. The session id doubles as the member id in rooms.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// JoinedMsg confirms a join.
type JoinedMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// PresenceSyncMsg carries a full presence snapshot of the room.
type PresenceSyncMsg struct {
	Type  string        `json:"type"`
	State PresenceState `json:"state"`
}

// RateLimitedMsg is sent when a broadcast was dropped by the relay limiter.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTrack:
		var m TrackMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBroadcast:
		var m BroadcastMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Bus frames
// ---------------------------------------------------------------------------

// Frame is the unit published on a room's broadcast subject between relay
// instances and headless clients.
type Frame struct {
	From    string          `json:"from"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NewFrame encodes a broadcast event sent by from.
func NewFrame(from string, e Event) ([]byte, error) {
	name, payload, err := EncodeEvent(e)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(Frame{From: from, Event: name, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return out, nil
}

// ParseFrame decodes a bus frame and its event.
func ParseFrame(data []byte) (Frame, Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	e, err := DecodeEvent(f.Event, f.Payload)
	if err != nil {
		return f, nil, err
	}
	return f, e, nil
}
