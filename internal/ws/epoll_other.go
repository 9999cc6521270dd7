//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
)

// Epoll is the portable poller used off Linux: one goroutine per connection
// peeks for the next byte through a buffered reader, reports the connection
// ready, then waits for the server to finish reading before peeking again.
// Peeking consumes nothing, so frames reach the server intact.
type Epoll struct {
	mu        sync.Mutex
	conns     map[*Connection]chan struct{} // connection -> resume signal
	ready     chan *Connection
	done      chan struct{}
	closeOnce sync.Once
}

// NewEpoll creates the poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns: make(map[*Connection]chan struct{}),
		ready: make(chan *Connection, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add starts watching c. The server reads c through the same buffered
// reader the watcher peeks on.
func (e *Epoll) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	resume := make(chan struct{}, 1)

	e.mu.Lock()
	if e.conns == nil {
		e.mu.Unlock()
		return net.ErrClosed
	}
	c.reader = br
	e.conns[c] = resume
	e.mu.Unlock()

	go e.watch(c, br, resume)
	return nil
}

func (e *Epoll) watch(c *Connection, br *bufio.Reader, resume chan struct{}) {
	for {
		_, err := br.Peek(1)
		select {
		case e.ready <- c:
		case <-e.done:
			return
		}
		// A failed peek is reported once; the server's read sees the error
		// and removes the connection.
		if err != nil {
			return
		}
		select {
		case <-resume:
		case <-e.done:
			return
		}
		if !e.watching(c) {
			return
		}
	}
}

func (e *Epoll) watching(c *Connection) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.conns[c]
	return ok
}

// Remove stops watching c.
func (e *Epoll) Remove(c *Connection) error {
	e.mu.Lock()
	resume, ok := e.conns[c]
	delete(e.conns, c)
	e.mu.Unlock()
	if ok {
		select {
		case resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// Resume lets the watcher of c peek again.
func (e *Epoll) Resume(c *Connection) {
	e.mu.Lock()
	resume, ok := e.conns[c]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case resume <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
func (e *Epoll) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-e.ready:
	case <-e.done:
		return nil, net.ErrClosed
	}

	ready := []*Connection{first}
	for {
		select {
		case c := <-e.ready:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

// Close stops every watcher.
func (e *Epoll) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.conns = nil
		e.mu.Unlock()
	})
	return nil
}

// socketFD is unused off Linux.
func socketFD(net.Conn) int { return -1 }
