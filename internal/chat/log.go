package chat

import (
	"sort"
	"sync"
)

// MaxLogMessages is the number of messages a Log retains.
const MaxLogMessages = 200

// Log is the chat history shown to the local user, ordered by timestamp.
// Messages with equal timestamps keep their arrival order. When full, the
// oldest message is dropped. It is goroutine-safe.
type Log struct {
	mu    sync.RWMutex
	max   int
	items []Message
	ids   map[string]struct{}
}

// NewLog creates an empty log holding at most max messages. max <= 0 uses
// MaxLogMessages.
func NewLog(max int) *Log {
	if max <= 0 {
		max = MaxLogMessages
	}
	return &Log{
		max: max,
		ids: make(map[string]struct{}),
	}
}

// Add inserts a message in timestamp order. A message whose id is already
// in the log is ignored. It reports whether the message was added.
func (l *Log) Add(msg Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.ids[msg.ID]; dup {
		return false
	}

	// First position with a strictly later timestamp.
	i := sort.Search(len(l.items), func(i int) bool {
		return l.items[i].Timestamp > msg.Timestamp
	})
	l.items = append(l.items, Message{})
	copy(l.items[i+1:], l.items[i:])
	l.items[i] = msg
	l.ids[msg.ID] = struct{}{}

	if len(l.items) > l.max {
		drop := len(l.items) - l.max
		for _, m := range l.items[:drop] {
			delete(l.ids, m.ID)
		}
		l.items = append([]Message(nil), l.items[drop:]...)
	}
	return true
}

// All returns every message, oldest first. The result is never nil.
func (l *Log) All() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, len(l.items))
	copy(out, l.items)
	return out
}

// Recent returns the last n messages, oldest first.
func (l *Log) Recent(n int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n > len(l.items) {
		n = len(l.items)
	}
	if n < 0 {
		n = 0
	}
	out := make([]Message, n)
	copy(out, l.items[len(l.items)-n:])
	return out
}

// Len returns the number of messages held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}
