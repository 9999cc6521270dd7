// Package peers keeps the local view of every other member of the room. It
// folds presence snapshots, position reports and emote actions into one
// entry per present peer, and smooths peer positions for rendering.
//
// A Store is owned by the frame loop and is not safe for concurrent use.
package peers

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pixelplaza/plaza/internal/pathfinding"
	"github.com/pixelplaza/plaza/internal/protocol"
	"github.com/pixelplaza/plaza/internal/room"
)

// DefaultName is shown for peers that never tracked a name.
const DefaultName = "Guest"

// SmoothingRate is the exponential approach rate toward the authoritative
// position, per second.
const SmoothingRate = 8.0

// maxPending caps positions held for ids presence has not admitted yet.
const maxPending = 256

// Palette is the set of avatar colours assigned to peers without one.
var Palette = []string{
	"#ef4444", "#f59e0b", "#10b981", "#3b82f6",
	"#8b5cf6", "#ec4899", "#22c55e", "#eab308",
}

// RandomColor picks a palette colour.
func RandomColor() string {
	return Palette[rand.Intn(len(Palette))]
}

// Peer is the last known state of a remote member.
type Peer struct {
	ID     string
	Name   string
	Color  string
	X, Y   float64
	Facing room.Facing
	Dance  bool
	Sit    bool
	Wave   bool
	Laugh  bool
}

// View is a peer as the renderer draws it: flags from Peer, position from
// the smoothed copy.
type View struct {
	Peer
	DrawX, DrawY float64
	DrawFacing   room.Facing
}

type smoothed struct {
	x, y   float64
	facing room.Facing
}

// Store holds the peer map of one room.
type Store struct {
	selfID    string
	pickColor func() string

	peers   map[string]*Peer
	pending map[string]protocol.Position
	smooth  map[string]*smoothed
	party   bool
}

// NewStore creates an empty store. Events from selfID are never applied.
// pickColor assigns colours to peers without one; nil uses RandomColor.
func NewStore(selfID string, pickColor func() string) *Store {
	if pickColor == nil {
		pickColor = RandomColor
	}
	return &Store{
		selfID:    selfID,
		pickColor: pickColor,
		peers:     make(map[string]*Peer),
		pending:   make(map[string]protocol.Position),
		smooth:    make(map[string]*smoothed),
	}
}

// SelfID returns the local member id.
func (s *Store) SelfID() string { return s.selfID }

// ApplyPresence reconciles the peer map with a presence snapshot. Peers
// missing from state are removed; present peers take name, colour and flags
// from their metadata, falling back to previous values and then defaults.
// Position is never taken from presence.
func (s *Store) ApplyPresence(state protocol.PresenceState) {
	for id := range s.peers {
		if _, ok := state[id]; !ok {
			delete(s.peers, id)
		}
	}
	for id := range s.pending {
		if _, ok := state[id]; !ok {
			delete(s.pending, id)
		}
	}

	for id, meta := range state {
		if id == s.selfID {
			continue
		}
		prev, ok := s.peers[id]
		if !ok {
			prev = &Peer{
				ID:     id,
				X:      room.SpawnX,
				Y:      room.SpawnY,
				Facing: room.SpawnFacing,
			}
			if pos, held := s.pending[id]; held {
				applyPosition(prev, pos)
				delete(s.pending, id)
			}
		}

		next := *prev
		next.Name = firstNonEmpty(meta.Name, prev.Name, DefaultName)
		next.Color = firstNonEmpty(meta.Color, prev.Color)
		if next.Color == "" {
			next.Color = s.pickColor()
		}
		next.Dance = flag(meta.Dance, prev.Dance)
		next.Sit = flag(meta.Sit, prev.Sit)
		next.Wave = flag(meta.Wave, prev.Wave)
		next.Laugh = flag(meta.Laugh, prev.Laugh)
		s.peers[id] = &next
	}
}

// ApplyPosition records a peer's position report. Reports from the local
// member are ignored. Reports from ids presence has not admitted are held
// until they are. It reports whether a known peer was updated.
func (s *Store) ApplyPosition(pos protocol.Position) bool {
	if pos.ID == s.selfID || pos.ID == "" {
		return false
	}
	p, ok := s.peers[pos.ID]
	if !ok {
		if _, held := s.pending[pos.ID]; held || len(s.pending) < maxPending {
			s.pending[pos.ID] = pos
		}
		return false
	}
	applyPosition(p, pos)
	return true
}

// ApplyAction applies an emote toggle. Party is room-wide and applies from
// any sender, the local member included; other types update the named peer
// only. It reports whether anything changed.
func (s *Store) ApplyAction(a protocol.Action) bool {
	if a.Type == protocol.ActionParty {
		changed := s.party != a.Value
		s.party = a.Value
		return changed
	}
	if a.ID == s.selfID {
		return false
	}
	p, ok := s.peers[a.ID]
	if !ok {
		return false
	}
	switch a.Type {
	case protocol.ActionDance:
		p.Dance = a.Value
	case protocol.ActionSit:
		p.Sit = a.Value
	case protocol.ActionWave:
		p.Wave = a.Value
	case protocol.ActionLaugh:
		p.Laugh = a.Value
	default:
		return false
	}
	return true
}

// Party reports whether party mode is on in the room.
func (s *Store) Party() bool { return s.party }

// SetParty sets party mode from a local toggle.
func (s *Store) SetParty(on bool) { s.party = on }

// Smooth advances every rendered position toward its authoritative value by
// 1-exp(-8*dt), which is independent of frame rate. Facing is not smoothed.
// Entries of departed peers are dropped.
func (s *Store) Smooth(dt float64) {
	if dt < 0 {
		dt = 0
	}
	k := 1 - math.Exp(-SmoothingRate*dt)

	for id, p := range s.peers {
		sm, ok := s.smooth[id]
		if !ok {
			s.smooth[id] = &smoothed{x: p.X, y: p.Y, facing: p.Facing}
			continue
		}
		sm.x += (p.X - sm.x) * k
		sm.y += (p.Y - sm.y) * k
		sm.facing = p.Facing
	}
	for id := range s.smooth {
		if _, ok := s.peers[id]; !ok {
			delete(s.smooth, id)
		}
	}
}

// Views returns the peers in draw order: back to front by rendered Y, then
// by id.
func (s *Store) Views() []View {
	out := make([]View, 0, len(s.peers))
	for id, p := range s.peers {
		v := View{Peer: *p, DrawX: p.X, DrawY: p.Y, DrawFacing: p.Facing}
		if sm, ok := s.smooth[id]; ok {
			v.DrawX, v.DrawY, v.DrawFacing = sm.x, sm.y, sm.facing
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DrawY != out[j].DrawY {
			return out[i].DrawY < out[j].DrawY
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the peer with the given id.
func (s *Store) Get(id string) (Peer, bool) {
	p, ok := s.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Has reports whether a rendered entry exists for id.
func (s *Store) Has(id string) bool {
	_, ok := s.smooth[id]
	return ok
}

// Count returns the number of present peers.
func (s *Store) Count() int { return len(s.peers) }

// Occupied returns the cells peers stand on, rounded to the nearest cell.
func (s *Store) Occupied() []pathfinding.Node {
	out := make([]pathfinding.Node, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, pathfinding.Node{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))})
	}
	return out
}

// Clear forgets every peer, held position and the party flag.
func (s *Store) Clear() {
	s.peers = make(map[string]*Peer)
	s.pending = make(map[string]protocol.Position)
	s.smooth = make(map[string]*smoothed)
	s.party = false
}

func applyPosition(p *Peer, pos protocol.Position) {
	p.X, p.Y = pos.X, pos.Y
	if pos.Facing.Valid() {
		p.Facing = pos.Facing
	}
	if pos.Name != "" {
		p.Name = pos.Name
	}
	if pos.Color != "" {
		p.Color = pos.Color
	}
	p.Dance = flag(pos.Dance, p.Dance)
	p.Sit = flag(pos.Sit, p.Sit)
	p.Wave = flag(pos.Wave, p.Wave)
	p.Laugh = flag(pos.Laugh, p.Laugh)
}

func flag(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
