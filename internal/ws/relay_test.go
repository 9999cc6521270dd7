package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/channel"
	"github.com/pixelplaza/plaza/internal/protocol"
	"github.com/pixelplaza/plaza/internal/ratelimit"
)

// startRelay serves a relay over an in-process hub and returns its base URL.
func startRelay(t *testing.T, limiter *ratelimit.Limiter) string {
	t.Helper()
	logger := zap.NewNop()

	dispatcher := NewMessageDispatcher(nil, logger)
	server := NewServer(DefaultServerConfig(), logger, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	relay := NewRelay(server, channel.NewHub(), limiter, logger)
	relay.Register(dispatcher)
	server.SetOnDisconnect(relay.Disconnect)
	server.SetAdmit(relay.Admit)

	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Shutdown() })

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleUpgrade)
	httpServer := httptest.NewServer(mux)
	t.Cleanup(httpServer.Close)
	return httpServer.URL
}

type wsClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
	id   string
}

func dial(t *testing.T, baseURL string) *wsClient {
	t.Helper()
	conn, br, _, err := ws.Dial(context.Background(), "ws"+strings.TrimPrefix(baseURL, "http")+"/ws")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Frames sent right after the handshake may already sit in br.
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c := &wsClient{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}

	hello := c.expect(protocol.TypeSessionCreated)
	c.id = hello["session_id"].(string)
	require.NotEmpty(t, c.id)
	return c
}

func (c *wsClient) send(v interface{}) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteClientText(c.rw, data))
}

func (c *wsClient) read() map[string]interface{} {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(c.t, err)
	var msg map[string]interface{}
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return msg
}

// expect reads the next message and requires it to be of type typ.
func (c *wsClient) expect(typ string) map[string]interface{} {
	c.t.Helper()
	msg := c.read()
	require.Equal(c.t, typ, msg["type"], "message: %v", msg)
	return msg
}

// quiet proves nothing is queued for the client: a ping is answered by the
// very next message.
func (c *wsClient) quiet() {
	c.t.Helper()
	c.send(protocol.PingMsg{Type: protocol.TypePing})
	c.expect(protocol.TypePong)
}

func (c *wsClient) join(r string) {
	c.t.Helper()
	c.send(protocol.JoinMsg{Type: protocol.TypeJoin, Room: r})
	joined := c.expect(protocol.TypeJoined)
	require.Equal(c.t, r, joined["room"])
	c.expect(protocol.TypePresenceSync)
}

func (c *wsClient) track(name string) {
	c.t.Helper()
	c.send(protocol.TrackMsg{Type: protocol.TypeTrack, Meta: protocol.PresenceMeta{Name: name}})
}

func (c *wsClient) broadcast(e protocol.Event) {
	c.t.Helper()
	name, payload, err := protocol.EncodeEvent(e)
	require.NoError(c.t, err)
	c.send(protocol.BroadcastMsg{Type: protocol.TypeBroadcast, Event: name, Payload: payload})
}

func presenceIDs(msg map[string]interface{}) []string {
	state, _ := msg["state"].(map[string]interface{})
	ids := make([]string, 0, len(state))
	for id := range state {
		ids = append(ids, id)
	}
	return ids
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

func TestRelay_JoinAndTrack(t *testing.T) {
	url := startRelay(t, nil)
	a := dial(t, url)
	b := dial(t, url)

	a.join("Lobby")
	a.track("Ada")
	sync := a.expect(protocol.TypePresenceSync)
	assert.Equal(t, []string{a.id}, presenceIDs(sync))

	b.send(protocol.JoinMsg{Type: protocol.TypeJoin, Room: "Lobby"})
	b.expect(protocol.TypeJoined)
	sync = b.expect(protocol.TypePresenceSync)
	assert.Equal(t, []string{a.id}, presenceIDs(sync), "joiner sees existing members")

	b.track("Bob")
	sync = a.expect(protocol.TypePresenceSync)
	assert.ElementsMatch(t, []string{a.id, b.id}, presenceIDs(sync))
	state := sync["state"].(map[string]interface{})
	assert.Equal(t, "Bob", state[b.id].(map[string]interface{})["name"])
}

func TestRelay_DisconnectUntracks(t *testing.T) {
	url := startRelay(t, nil)
	a := dial(t, url)
	b := dial(t, url)

	a.join("Lobby")
	a.track("Ada")
	a.expect(protocol.TypePresenceSync)

	b.join("Lobby")
	b.track("Bob")
	a.expect(protocol.TypePresenceSync)

	b.conn.Close()

	sync := a.expect(protocol.TypePresenceSync)
	assert.Equal(t, []string{a.id}, presenceIDs(sync))
}

func TestRelay_LeaveUntracks(t *testing.T) {
	url := startRelay(t, nil)
	a := dial(t, url)
	b := dial(t, url)

	a.join("Lobby")
	b.join("Lobby")
	b.track("Bob")
	a.expect(protocol.TypePresenceSync)
	b.expect(protocol.TypePresenceSync)

	b.send(protocol.LeaveMsg{Type: protocol.TypeLeave})
	sync := a.expect(protocol.TypePresenceSync)
	assert.Empty(t, presenceIDs(sync))

	b.quiet()
}

// ---------------------------------------------------------------------------
// Broadcast
// ---------------------------------------------------------------------------

func TestRelay_BroadcastStampsSender(t *testing.T) {
	url := startRelay(t, nil)
	a := dial(t, url)
	b := dial(t, url)
	c := dial(t, url)

	a.join("Lobby")
	b.join("Lobby")
	c.join("Rooftop")

	a.broadcast(protocol.Position{ID: "someone-else", X: 3, Y: 4, Facing: "E"})

	msg := b.expect(protocol.TypeBroadcast)
	assert.Equal(t, protocol.EventPosition, msg["event"])
	assert.Equal(t, a.id, msg["from"])
	payload := msg["payload"].(map[string]interface{})
	assert.Equal(t, a.id, payload["id"])
	assert.Equal(t, 3.0, payload["x"])

	a.quiet()
	c.quiet()
}

func TestRelay_ChatReachesRoom(t *testing.T) {
	url := startRelay(t, nil)
	a := dial(t, url)
	b := dial(t, url)

	a.join("Rooftop")
	b.join("Rooftop")

	a.broadcast(protocol.Chat{ID: "m1", Author: "Ada", Text: "hello", Timestamp: 1})

	msg := b.expect(protocol.TypeBroadcast)
	assert.Equal(t, protocol.EventChat, msg["event"])
	assert.Empty(t, msg["from"])
	payload := msg["payload"].(map[string]interface{})
	assert.Equal(t, "hello", payload["text"])
	assert.Equal(t, "Ada", payload["author"])
}

func TestRelay_Errors(t *testing.T) {
	url := startRelay(t, nil)
	a := dial(t, url)

	a.broadcast(protocol.Action{ID: "x", Type: protocol.ActionWave, Value: true})
	assert.Equal(t, "not_joined", a.expect(protocol.TypeError)["code"])

	a.track("Ada")
	assert.Equal(t, "not_joined", a.expect(protocol.TypeError)["code"])

	a.send(protocol.JoinMsg{Type: protocol.TypeJoin, Room: "attic"})
	assert.Equal(t, "unknown_room", a.expect(protocol.TypeError)["code"])

	require.NoError(t, wsutil.WriteClientText(a.rw, []byte("{not json")))
	assert.Equal(t, "parse_error", a.expect(protocol.TypeError)["code"])

	a.send(map[string]string{"type": "teleport"})
	assert.Equal(t, "parse_error", a.expect(protocol.TypeError)["code"])

	a.join("Lobby")
	a.send(protocol.BroadcastMsg{Type: protocol.TypeBroadcast, Event: "dance-off", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, "invalid_event", a.expect(protocol.TypeError)["code"])
}

func TestRelay_RoomSwitch(t *testing.T) {
	url := startRelay(t, nil)
	a := dial(t, url)
	b := dial(t, url)

	a.join("Lobby")
	b.join("Lobby")

	b.join("Rooftop")
	a.broadcast(protocol.Action{ID: a.id, Type: protocol.ActionDance, Value: true})
	b.quiet()
}

// ---------------------------------------------------------------------------
// Rate limits
// ---------------------------------------------------------------------------

func newLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return ratelimit.NewLimiter(client, zap.NewNop())
}

func TestRelay_ChatRateLimited(t *testing.T) {
	url := startRelay(t, newLimiter(t))
	a := dial(t, url)
	b := dial(t, url)

	a.join("Lobby")
	b.join("Lobby")

	for i := 0; i < ratelimit.RuleChat.Limit; i++ {
		a.broadcast(protocol.Chat{ID: "m" + string(rune('a'+i)), Author: "Ada", Text: "hi"})
		b.expect(protocol.TypeBroadcast)
	}

	a.broadcast(protocol.Chat{ID: "over", Author: "Ada", Text: "hi"})
	limited := a.expect(protocol.TypeRateLimited)
	assert.GreaterOrEqual(t, limited["retry_after"], 1.0)
	b.quiet()

	// Position traffic has its own budget.
	a.broadcast(protocol.Position{ID: a.id, X: 1, Y: 1, Facing: "S"})
	assert.Equal(t, protocol.EventPosition, b.expect(protocol.TypeBroadcast)["event"])
}

func TestRelay_AdmitLimitsPerIP(t *testing.T) {
	relay := NewRelay(nil, channel.NewHub(), newLimiter(t), zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	for i := 0; i < ratelimit.RuleConnect.Limit; i++ {
		require.True(t, relay.Admit(req), "connect %d", i+1)
	}
	assert.False(t, relay.Admit(req))

	other := httptest.NewRequest(http.MethodGet, "/ws", nil)
	other.RemoteAddr = "198.51.100.1:5555"
	assert.True(t, relay.Admit(other))
}

func TestRemoteIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", RemoteIP(req))

	req.RemoteAddr = "not-an-addr"
	assert.Equal(t, "not-an-addr", RemoteIP(req))
}
