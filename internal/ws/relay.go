package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/channel"
	"github.com/pixelplaza/plaza/internal/metrics"
	"github.com/pixelplaza/plaza/internal/protocol"
	"github.com/pixelplaza/plaza/internal/ratelimit"
	"github.com/pixelplaza/plaza/internal/room"
)

const (
	// memberQueueSize bounds the frames waiting to be written to one client.
	memberQueueSize = 256
	opTimeout       = 3 * time.Second
)

// Relay gives each WebSocket connection at most one room membership on a
// channel.Transport and forwards room traffic both ways. The connection id
// is the member id: the relay stamps it onto outgoing pos and action events,
// so a client cannot speak for another member.
type Relay struct {
	server    *Server
	transport channel.Transport
	limiter   *ratelimit.Limiter // nil disables relay-side limits
	logger    *zap.Logger

	mu      sync.Mutex
	members map[string]*member // connection id -> membership
}

// NewRelay creates a relay that writes through server and joins rooms on
// transport.
func NewRelay(server *Server, transport channel.Transport, limiter *ratelimit.Limiter, logger *zap.Logger) *Relay {
	return &Relay{
		server:    server,
		transport: transport,
		limiter:   limiter,
		logger:    logger.Named("relay"),
		members:   make(map[string]*member),
	}
}

// Register installs the room handlers on d.
func (r *Relay) Register(d *MessageDispatcher) {
	d.Register(protocol.TypeJoin, r.handleJoin)
	d.Register(protocol.TypeTrack, r.handleTrack)
	d.Register(protocol.TypeBroadcast, r.handleBroadcast)
	d.Register(protocol.TypeLeave, r.handleLeave)
}

// Admit applies the per-IP connect limit. It is meant for Server.SetAdmit.
func (r *Relay) Admit(req *http.Request) bool {
	if r.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(req.Context(), opTimeout)
	defer cancel()
	ok, _ := r.limiter.Allow(ctx, RemoteIP(req), ratelimit.RuleConnect)
	if !ok {
		r.logger.Info("connect rate limited", zap.String("ip", RemoteIP(req)))
	}
	return ok
}

// Disconnect releases the connection's membership. It is meant for
// Server.SetOnDisconnect.
func (r *Relay) Disconnect(c *Connection) {
	r.leave(c.ID)
}

// Room returns the room the connection is in.
func (r *Relay) Room(connID string) (room.Name, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[connID]
	if !ok {
		return "", false
	}
	return m.room, true
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (r *Relay) handleJoin(c *Connection, msg interface{}) {
	join, ok := msg.(protocol.JoinMsg)
	if !ok {
		return
	}
	name, err := room.ParseName(join.Room)
	if err != nil {
		r.sendError(c, "unknown_room", err.Error())
		return
	}

	r.leave(c.ID)

	m := newMember(c, name, r.logger)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ch, err := r.transport.Join(ctx, name, c.ID, m.deliver)
	if err != nil {
		metrics.TransportFailures.WithLabelValues("join").Inc()
		r.logger.Warn("join failed", zap.String("session", c.ID), zap.String("room", string(name)), zap.Error(err))
		r.sendError(c, "join_failed", "could not join room")
		return
	}
	m.ch = ch

	// joined goes out before anything the channel already queued, such as
	// the initial presence snapshot.
	r.send(c, protocol.TypeJoined, protocol.JoinedMsg{Room: string(name)})
	m.start(r.server.write)

	r.mu.Lock()
	r.members[c.ID] = m
	r.mu.Unlock()
	metrics.RoomMembers.WithLabelValues(string(name)).Inc()

	// The connection may have dropped while joining.
	if r.server.Connections().Get(c.ID) == nil {
		r.leave(c.ID)
		return
	}
	r.logger.Debug("joined", zap.String("session", c.ID), zap.String("room", string(name)))
}

func (r *Relay) handleTrack(c *Connection, msg interface{}) {
	track, ok := msg.(protocol.TrackMsg)
	if !ok {
		return
	}
	m := r.member(c.ID)
	if m == nil {
		r.sendError(c, "not_joined", "join a room first")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := m.ch.Track(ctx, track.Meta); err != nil {
		r.logger.Debug("track failed", zap.String("session", c.ID), zap.Error(err))
	}
}

func (r *Relay) handleBroadcast(c *Connection, msg interface{}) {
	b, ok := msg.(protocol.BroadcastMsg)
	if !ok {
		return
	}
	m := r.member(c.ID)
	if m == nil {
		r.sendError(c, "not_joined", "join a room first")
		return
	}

	e, err := protocol.DecodeEvent(b.Event, b.Payload)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		r.sendError(c, "invalid_event", err.Error())
		return
	}

	rule := ratelimit.RuleBroadcast
	switch ev := e.(type) {
	case protocol.Position:
		ev.ID = c.ID
		e = ev
	case protocol.Action:
		ev.ID = c.ID
		e = ev
	case protocol.Chat:
		rule = ratelimit.RuleChat
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if r.limiter != nil {
		if ok, _ := r.limiter.Allow(ctx, c.ID, rule); !ok {
			metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
			r.send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: r.limiter.RetryAfter(ctx, c.ID, rule),
			})
			return
		}
	}

	metrics.EventsTotal.WithLabelValues(e.Kind(), "in").Inc()
	if err := m.ch.Broadcast(ctx, e); err != nil {
		r.logger.Debug("broadcast failed", zap.String("session", c.ID), zap.Error(err))
	}
}

func (r *Relay) handleLeave(c *Connection, _ interface{}) {
	r.leave(c.ID)
}

// ---------------------------------------------------------------------------
// Membership
// ---------------------------------------------------------------------------

func (r *Relay) member(connID string) *member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[connID]
}

func (r *Relay) leave(connID string) {
	r.mu.Lock()
	m, ok := r.members[connID]
	delete(r.members, connID)
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := m.ch.Close(); err != nil {
		r.logger.Debug("close channel failed", zap.String("session", connID), zap.Error(err))
	}
	m.stop()
	metrics.RoomMembers.WithLabelValues(string(m.room)).Dec()
	r.logger.Debug("left", zap.String("session", connID), zap.String("room", string(m.room)))
}

func (r *Relay) send(c *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		r.logger.Error("failed to build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := r.server.write(c, data); err != nil {
		r.logger.Debug("send failed", zap.String("type", msgType), zap.String("session", c.ID), zap.Error(err))
	}
}

func (r *Relay) sendError(c *Connection, code, message string) {
	r.send(c, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// member is one connection's room membership. Channel deliveries are
// encoded on the transport goroutine and queued; a writer goroutine drains
// the queue to the socket so a slow client never stalls the room.
type member struct {
	conn   *Connection
	room   room.Name
	ch     channel.Channel
	out    chan []byte
	done   chan struct{}
	wg     sync.WaitGroup
	logger *zap.Logger
}

func newMember(c *Connection, name room.Name, logger *zap.Logger) *member {
	return &member{
		conn:   c,
		room:   name,
		out:    make(chan []byte, memberQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (m *member) deliver(e protocol.Event) {
	var (
		data []byte
		err  error
	)
	switch ev := e.(type) {
	case protocol.PresenceSync:
		data, err = protocol.NewServerMessage(protocol.TypePresenceSync, protocol.PresenceSyncMsg{State: ev.State})
	default:
		var (
			name    string
			payload []byte
		)
		name, payload, err = protocol.EncodeEvent(e)
		if err == nil {
			data, err = protocol.NewServerMessage(protocol.TypeBroadcast, protocol.BroadcastMsg{
				Event:   name,
				From:    senderOf(e),
				Payload: payload,
			})
		}
	}
	if err != nil {
		m.logger.Error("failed to encode delivery", zap.String("event", e.Kind()), zap.Error(err))
		return
	}

	select {
	case m.out <- data:
		metrics.EventsTotal.WithLabelValues(e.Kind(), "out").Inc()
	default:
		metrics.EventsDropped.WithLabelValues("client_slow").Inc()
	}
}

func (m *member) start(write func(*Connection, []byte) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.done:
				return
			case data := <-m.out:
				if err := write(m.conn, data); err != nil {
					// The read path or the heartbeat removes the connection.
					m.logger.Debug("write failed", zap.String("session", m.conn.ID), zap.Error(err))
					return
				}
			}
		}
	}()
}

func (m *member) stop() {
	close(m.done)
	m.wg.Wait()
}

func senderOf(e protocol.Event) string {
	switch ev := e.(type) {
	case protocol.Position:
		return ev.ID
	case protocol.Action:
		return ev.ID
	}
	return ""
}
