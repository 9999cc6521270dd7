//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds one epoll_wait so the event loop notices shutdown;
// closing the epoll fd does not wake a blocked waiter.
const waitTimeoutMs = 200

// Epoll reports which relay connections have data to read, so an idle
// client costs a map entry instead of a parked goroutine.
type Epoll struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection // socket fd -> connection
	events []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &Epoll{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add watches c for readability and for the peer hanging up.
func (e *Epoll) Add(c *Connection) error {
	if c.Fd < 0 {
		return fmt.Errorf("ws: connection %s has no socket fd", c.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns == nil {
		return net.ErrClosed
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP, Fd: int32(c.Fd)}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, c.Fd, &ev); err != nil {
		return fmt.Errorf("ws: epoll add fd %d: %w", c.Fd, err)
	}
	e.conns[c.Fd] = c
	return nil
}

// Remove stops watching c. It is a no-op when c is no longer the owner of
// its fd, which keeps a late second removal from unregistering a new
// connection that reused the descriptor.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns[c.Fd] != c {
		return nil
	}
	delete(e.conns, c.Fd)
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, c.Fd, nil); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("ws: epoll del fd %d: %w", c.Fd, err)
	}
	return nil
}

// Resume is called when the server has finished reading from c. Level
// triggered epoll needs no re-arm.
func (e *Epoll) Resume(*Connection) {}

// Wait returns the connections that are ready to read. It returns an empty
// batch when the wait times out or is interrupted by a signal.
func (e *Epoll) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}

	e.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := e.conns[int(e.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll fd.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns == nil {
		return nil
	}
	e.conns = nil
	return unix.Close(e.fd)
}

// socketFD returns the descriptor behind conn without dup'ing it (File()
// would), or -1 for connections that are not sockets.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) { fd = int(sfd) })
	return fd
}
