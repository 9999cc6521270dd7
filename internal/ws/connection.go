package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one relay client. Its ID is handed to the client in
// session_created and doubles as the client's member id in every room.
type Connection struct {
	ID        string
	Conn      net.Conn
	Fd        int    // socket fd, -1 off Linux
	RemoteIP  string // used for per-IP connect limits
	CreatedAt time.Time

	reader     io.Reader    // frame source; nil means Conn
	lastSeen   atomic.Int64 // unix nanos of the last frame from the client
	writeMu    sync.Mutex   // one frame at a time on the wire
	processing int32        // 1 while a worker is reading a frame
}

func (c *Connection) touch(t time.Time) { c.lastSeen.Store(t.UnixNano()) }

// LastSeen returns when the client last sent a frame.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Connection) frames() io.Reader {
	if c.reader != nil {
		return c.reader
	}
	return c.Conn
}

// WriteMessage sends one text frame. Safe for concurrent use.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by id.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager returns an empty manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{conns: make(map[string]*Connection)}
}

// Add registers c.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.conns[c.ID] = c
	cm.mu.Unlock()
}

// Remove unregisters and closes the connection with the given id. Only the
// first call for an id reports true, so callers can run cleanup once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.conns[id]
	delete(cm.conns, id)
	cm.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok
}

// Get returns the connection with the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conns[id]
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// All returns a snapshot of the live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}
