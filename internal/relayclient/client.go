// Package relayclient connects to a plaza relay over WebSocket, using
// gobwas/ws like the relay itself. A Client implements channel.Transport, so
// a session can run against a remote relay exactly as it runs against the
// in-process hub or the NATS bus.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/channel"
	"github.com/pixelplaza/plaza/internal/protocol"
	"github.com/pixelplaza/plaza/internal/room"
)

// ErrJoinRejected is returned by Join when the relay refuses the room.
var ErrJoinRejected = errors.New("relayclient: join rejected")

// Metrics tracks per-connection traffic.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	RateLimited      int
	Errors           int
}

type joinResult struct {
	room string
	err  error
}

// Client is one WebSocket connection to a relay. It holds at most one room
// membership at a time, like the relay does.
type Client struct {
	conn      net.Conn
	rw        io.ReadWriter
	sessionID string
	logger    *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	member  *membership
	pending chan joinResult
	metrics Metrics

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at url (ws://host/ws) and waits for the
// session id greeting.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("relayclient: dial: %w", err)
	}

	// The greeting may already be buffered behind the handshake.
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c := &Client{
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{r, conn},
		logger: logger.Named("relayclient"),
		done:   make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	hello, err := c.readMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relayclient: read greeting: %w", err)
	}
	var greeting protocol.SessionCreatedMsg
	if err := json.Unmarshal(hello, &greeting); err != nil || greeting.SessionID == "" {
		conn.Close()
		return nil, fmt.Errorf("relayclient: unexpected greeting %s", hello)
	}
	c.sessionID = greeting.SessionID
	c.logger = c.logger.With(zap.String("session", c.sessionID))

	go c.readLoop()
	return c, nil
}

// SessionID returns the id the relay assigned. It is this client's member id
// in every room.
func (c *Client) SessionID() string { return c.sessionID }

// Metrics returns a copy of the connection counters.
func (c *Client) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.send(protocol.PingMsg{Type: protocol.TypePing})
}

// Join joins r and routes the room's broadcasts and presence snapshots to
// deliver. selfID must be the session id: the relay stamps it on
// everything this client sends.
func (c *Client) Join(ctx context.Context, r room.Name, selfID string, deliver channel.Handler) (channel.Channel, error) {
	if selfID != c.sessionID {
		return nil, fmt.Errorf("relayclient: self id %q is not the session id %q", selfID, c.sessionID)
	}

	m := &membership{client: c, room: r, deliver: deliver, state: protocol.PresenceState{}}
	result := make(chan joinResult, 1)

	c.mu.Lock()
	if old := c.member; old != nil {
		old.markClosed()
	}
	c.member = m
	c.pending = result
	c.mu.Unlock()

	if err := c.send(protocol.JoinMsg{Type: protocol.TypeJoin, Room: string(r)}); err != nil {
		c.drop(m)
		return nil, err
	}

	select {
	case res := <-result:
		if res.err != nil {
			c.drop(m)
			return nil, res.err
		}
		return m, nil
	case <-ctx.Done():
		c.drop(m)
		return nil, ctx.Err()
	case <-c.done:
		c.drop(m)
		return nil, channel.ErrClosed
	}
}

// drop forgets m if it is still the current membership.
func (c *Client) drop(m *membership) {
	m.markClosed()
	c.mu.Lock()
	if c.member == m {
		c.member = nil
		c.pending = nil
	}
	c.mu.Unlock()
}

func (c *Client) send(msg interface{}) error {
	select {
	case <-c.done:
		return channel.ErrClosed
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relayclient: marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.rw, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

func (c *Client) readMessage() ([]byte, error) {
	return wsutil.ReadServerText(lockedWriter{c})
}

// readLoop reads frames until the connection closes and routes them to the
// current membership.
func (c *Client) readLoop() {
	defer c.Close()
	for {
		// Control frame replies (pong) are written by the reader; the write
		// lock is held only for that, not while waiting for data.
		data, err := wsutil.ReadServerText(lockedWriter{c})
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("undecodable message", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.metrics.MessagesReceived++
	m := c.member
	pending := c.pending
	c.mu.Unlock()

	// Until joined arrives, room traffic still belongs to the previous room.
	if pending != nil {
		m = nil
	}

	switch env.Type {
	case protocol.TypeJoined:
		var msg protocol.JoinedMsg
		_ = json.Unmarshal(data, &msg)
		c.resolve(pending, joinResult{room: msg.Room})

	case protocol.TypePresenceSync:
		var msg struct {
			State json.RawMessage `json:"state"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		state, err := protocol.DecodePresence(msg.State)
		if err != nil {
			c.logger.Debug("bad presence", zap.Error(err))
			return
		}
		if m != nil {
			m.setState(state)
			m.emit(protocol.PresenceSync{State: state})
		}

	case protocol.TypeBroadcast:
		var msg protocol.BroadcastMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		e, err := protocol.DecodeEvent(msg.Event, msg.Payload)
		if err != nil {
			c.logger.Debug("bad broadcast", zap.String("event", msg.Event), zap.Error(err))
			return
		}
		if m != nil {
			m.emit(e)
		}

	case protocol.TypeRateLimited:
		var msg protocol.RateLimitedMsg
		_ = json.Unmarshal(data, &msg)
		c.mu.Lock()
		c.metrics.RateLimited++
		c.mu.Unlock()
		c.logger.Debug("rate limited", zap.Int("retry_after", msg.RetryAfter))

	case protocol.TypeError:
		var msg protocol.ErrorMsg
		_ = json.Unmarshal(data, &msg)
		c.mu.Lock()
		c.metrics.Errors++
		c.mu.Unlock()
		switch msg.Code {
		case "unknown_room", "join_failed":
			c.resolve(pending, joinResult{err: fmt.Errorf("%w: %s", ErrJoinRejected, msg.Message)})
		default:
			c.logger.Debug("relay error", zap.String("code", msg.Code), zap.String("message", msg.Message))
		}
	}
}

func (c *Client) resolve(pending chan joinResult, res joinResult) {
	if pending == nil {
		return
	}
	c.mu.Lock()
	if c.pending == pending {
		c.pending = nil
	}
	c.mu.Unlock()
	select {
	case pending <- res:
	default:
	}
}

// lockedWriter serializes control-frame replies written by the reader with
// the client's own writes.
type lockedWriter struct{ c *Client }

func (l lockedWriter) Read(p []byte) (int, error) { return l.c.rw.Read(p) }

func (l lockedWriter) Write(p []byte) (int, error) {
	l.c.writeMu.Lock()
	defer l.c.writeMu.Unlock()
	return l.c.rw.Write(p)
}

// membership is one room on the client. It satisfies channel.Channel.
type membership struct {
	client *Client
	room   room.Name

	mu      sync.RWMutex
	deliver channel.Handler
	closed  bool
	state   protocol.PresenceState
}

func (m *membership) emit(e protocol.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.closed {
		m.deliver(e)
	}
}

func (m *membership) setState(s protocol.PresenceState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *membership) markClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.closed
	m.closed = true
	return !was
}

func (m *membership) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *membership) Broadcast(_ context.Context, e protocol.Event) error {
	if m.isClosed() {
		return channel.ErrClosed
	}
	name, payload, err := protocol.EncodeEvent(e)
	if err != nil {
		return err
	}
	return m.client.send(protocol.BroadcastMsg{Type: protocol.TypeBroadcast, Event: name, Payload: payload})
}

func (m *membership) Track(_ context.Context, meta protocol.PresenceMeta) error {
	if m.isClosed() {
		return channel.ErrClosed
	}
	return m.client.send(protocol.TrackMsg{Type: protocol.TypeTrack, Meta: meta})
}

func (m *membership) PresenceState() protocol.PresenceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(protocol.PresenceState, len(m.state))
	for id, meta := range m.state {
		out[id] = meta
	}
	return out
}

// Close leaves the room. The relay untracks the member.
func (m *membership) Close() error {
	if !m.markClosed() {
		return nil
	}
	c := m.client
	c.mu.Lock()
	current := c.member == m
	if current {
		c.member = nil
	}
	c.mu.Unlock()
	if !current {
		return nil
	}
	if err := c.send(protocol.LeaveMsg{Type: protocol.TypeLeave}); err != nil && !errors.Is(err, channel.ErrClosed) {
		return err
	}
	return nil
}
