package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/pixelplaza/plaza/internal/room"
)

// ---------------------------------------------------------------------------
// Room events
// ---------------------------------------------------------------------------

// Broadcast event names carried on a room channel.
const (
	EventChat     = "chat"
	EventPosition = "pos"
	EventAction   = "action"
)

// ActionType enumerates the emote toggles carried by an Action event.
type ActionType string

const (
	ActionDance ActionType = "dance"
	ActionSit   ActionType = "sit"
	ActionParty ActionType = "party"
	ActionWave  ActionType = "wave"
	ActionLaugh ActionType = "laugh"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionDance, ActionSit, ActionParty, ActionWave, ActionLaugh:
		return true
	}
	return false
}

// Event is a decoded room event. The set of implementations is closed:
// Chat, Position, Action and PresenceSync.
type Event interface {
	// Kind returns the broadcast event name, or "presence" for presence
	// snapshots.
	Kind() string
	isEvent()
}

// Chat is a chat line. Timestamp is unix milliseconds.
type Chat struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Position is a peer's periodic position report. Emote flags are optional:
// nil means "not included" and leaves the receiver's last value in place.
type Position struct {
	ID     string      `json:"id"`
	Name   string      `json:"name,omitempty"`
	Color  string      `json:"color,omitempty"`
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
	Facing room.Facing `json:"facing"`
	Dance  *bool       `json:"dance,omitempty"`
	Sit    *bool       `json:"sit,omitempty"`
	Wave   *bool       `json:"wave,omitempty"`
	Laugh  *bool       `json:"laugh,omitempty"`
}

// Action toggles one emote flag. Party applies to the whole room.
type Action struct {
	ID    string     `json:"id"`
	Type  ActionType `json:"type"`
	Value bool       `json:"value"`
}

// PresenceMeta is the metadata a member tracks on the room channel.
type PresenceMeta struct {
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
	Dance *bool  `json:"dance,omitempty"`
	Sit   *bool  `json:"sit,omitempty"`
	Wave  *bool  `json:"wave,omitempty"`
	Laugh *bool  `json:"laugh,omitempty"`
}

// PresenceState maps member id to its tracked metadata.
type PresenceState map[string]PresenceMeta

// PresenceSync is a full presence snapshot of a room.
type PresenceSync struct {
	State PresenceState `json:"state"`
}

func (Chat) Kind() string         { return EventChat }
func (Position) Kind() string     { return EventPosition }
func (Action) Kind() string       { return EventAction }
func (PresenceSync) Kind() string { return "presence" }

func (Chat) isEvent()         {}
func (Position) isEvent()     {}
func (Action) isEvent()       {}
func (PresenceSync) isEvent() {}

// Bool returns a pointer to v, for optional flag fields.
func Bool(v bool) *bool { return &v }

// ---------------------------------------------------------------------------
// Boundary decoding
// ---------------------------------------------------------------------------

// DecodeEvent validates a broadcast payload and returns the typed event.
// Unknown event names and action types are rejected. A position with an
// unknown facing is accepted and faces south; non-finite coordinates are
// rejected.
func DecodeEvent(name string, payload []byte) (Event, error) {
	switch name {
	case EventChat:
		var c Chat
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("protocol: decode chat: %w", err)
		}
		if c.ID == "" {
			return nil, fmt.Errorf("protocol: chat without id")
		}
		return c, nil

	case EventPosition:
		var p Position
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("protocol: decode pos: %w", err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("protocol: pos without id")
		}
		if !finite(p.X) || !finite(p.Y) {
			return nil, fmt.Errorf("protocol: pos from %s has non-finite coordinates", p.ID)
		}
		if !p.Facing.Valid() {
			p.Facing = room.South
		}
		return p, nil

	case EventAction:
		var a Action
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("protocol: decode action: %w", err)
		}
		if a.ID == "" {
			return nil, fmt.Errorf("protocol: action without id")
		}
		if !a.Type.Valid() {
			return nil, fmt.Errorf("protocol: unknown action type %q", a.Type)
		}
		return a, nil
	}
	return nil, fmt.Errorf("protocol: unknown event %q", name)
}

// EncodeEvent marshals a broadcast event. Presence snapshots are not
// broadcast and are rejected.
func EncodeEvent(e Event) (string, json.RawMessage, error) {
	switch e.(type) {
	case Chat, Position, Action:
	default:
		return "", nil, fmt.Errorf("protocol: %s is not a broadcast event", e.Kind())
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return "", nil, fmt.Errorf("protocol: encode %s: %w", e.Kind(), err)
	}
	return e.Kind(), raw, nil
}

// DecodePresence parses a presence snapshot keyed by member id.
func DecodePresence(data []byte) (PresenceState, error) {
	state := PresenceState{}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("protocol: decode presence: %w", err)
	}
	return state, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
