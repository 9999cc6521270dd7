package channel

import (
	"context"
	"sync"

	"github.com/pixelplaza/plaza/internal/protocol"
	"github.com/pixelplaza/plaza/internal/room"
)

// Hub is an in-process Transport. Every member of a room lives in the same
// process; delivery is synchronous on the sender's goroutine.
type Hub struct {
	mu    sync.Mutex
	rooms map[room.Name]map[*hubMember]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[room.Name]map[*hubMember]struct{})}
}

type hubMember struct {
	hub  *Hub
	room room.Name
	id   string

	mu      sync.RWMutex // guards closed against in-flight deliveries
	deliver Handler
	closed  bool

	// guarded by hub.mu
	tracked bool
	meta    protocol.PresenceMeta
}

// Join adds selfID to the room and delivers the current presence snapshot
// to it.
func (h *Hub) Join(_ context.Context, r room.Name, selfID string, deliver Handler) (Channel, error) {
	m := &hubMember{hub: h, room: r, id: selfID, deliver: deliver}

	h.mu.Lock()
	members, ok := h.rooms[r]
	if !ok {
		members = make(map[*hubMember]struct{})
		h.rooms[r] = members
	}
	members[m] = struct{}{}
	state := h.stateLocked(r)
	h.mu.Unlock()

	m.emit(protocol.PresenceSync{State: state})
	return m, nil
}

// Members returns the number of joined members of a room, tracked or not.
func (h *Hub) Members(r room.Name) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[r])
}

func (h *Hub) stateLocked(r room.Name) protocol.PresenceState {
	state := protocol.PresenceState{}
	for m := range h.rooms[r] {
		if m.tracked {
			state[m.id] = m.meta
		}
	}
	return state
}

func (h *Hub) others(r room.Name, self *hubMember) []*hubMember {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubMember, 0, len(h.rooms[r]))
	for m := range h.rooms[r] {
		if m != self {
			out = append(out, m)
		}
	}
	return out
}

// syncPresence delivers the room's presence snapshot to every member.
func (h *Hub) syncPresence(r room.Name) {
	h.mu.Lock()
	state := h.stateLocked(r)
	targets := make([]*hubMember, 0, len(h.rooms[r]))
	for m := range h.rooms[r] {
		targets = append(targets, m)
	}
	h.mu.Unlock()

	for _, m := range targets {
		m.emit(protocol.PresenceSync{State: cloneState(state)})
	}
}

func (m *hubMember) emit(e protocol.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.closed {
		m.deliver(e)
	}
}

func (m *hubMember) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Broadcast passes e through the wire encoding and delivers it to every
// other member of the room. Memberships sharing the sender's id are skipped
// too, so a client never hears its own broadcasts.
func (m *hubMember) Broadcast(_ context.Context, e protocol.Event) error {
	if m.isClosed() {
		return ErrClosed
	}
	data, err := protocol.NewFrame(m.id, e)
	if err != nil {
		return err
	}
	for _, other := range m.hub.others(m.room, m) {
		// Each receiver decodes its own copy.
		_, ev, err := protocol.ParseFrame(data)
		if err != nil {
			return err
		}
		if other.id == m.id {
			continue
		}
		other.emit(ev)
	}
	return nil
}

func (m *hubMember) Track(_ context.Context, meta protocol.PresenceMeta) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.hub.mu.Lock()
	m.tracked = true
	m.meta = meta
	m.hub.mu.Unlock()

	m.hub.syncPresence(m.room)
	return nil
}

func (m *hubMember) PresenceState() protocol.PresenceState {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	return m.hub.stateLocked(m.room)
}

func (m *hubMember) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.hub.mu.Lock()
	delete(m.hub.rooms[m.room], m)
	if len(m.hub.rooms[m.room]) == 0 {
		delete(m.hub.rooms, m.room)
	}
	wasTracked := m.tracked
	m.hub.mu.Unlock()

	if wasTracked {
		m.hub.syncPresence(m.room)
	}
	return nil
}
