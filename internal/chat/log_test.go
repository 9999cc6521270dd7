package chat

import (
	"fmt"
	"sync"
	"testing"
)

func msg(id string, ts int64) Message {
	return Message{ID: id, Author: "a", Text: id, Timestamp: ts}
}

func TestAddAndAll(t *testing.T) {
	l := NewLog(0)

	l.Add(msg("hello", 1))
	l.Add(msg("hi", 2))
	l.Add(msg("how are you?", 3))

	msgs := l.All()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" {
		t.Errorf("expected first message 'hello', got %q", msgs[0].Text)
	}
	if msgs[2].Text != "how are you?" {
		t.Errorf("expected third message 'how are you?', got %q", msgs[2].Text)
	}
}

func TestOrderedByTimestamp(t *testing.T) {
	l := NewLog(0)

	l.Add(msg("late", 30))
	l.Add(msg("early", 10))
	l.Add(msg("middle", 20))
	l.Add(msg("middle-2", 20))

	want := []string{"early", "middle", "middle-2", "late"}
	got := l.All()
	for i, w := range want {
		if got[i].ID != w {
			t.Errorf("index %d: expected %q, got %q", i, w, got[i].ID)
		}
	}
}

func TestDuplicateIDIgnored(t *testing.T) {
	l := NewLog(0)

	if !l.Add(msg("m1", 1)) {
		t.Fatal("first add should succeed")
	}
	if l.Add(msg("m1", 5)) {
		t.Fatal("duplicate id should be ignored")
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", l.Len())
	}
}

func TestDropsOldestWhenFull(t *testing.T) {
	l := NewLog(5)

	// Add 7 messages; the log holds only 5.
	for i := 1; i <= 7; i++ {
		l.Add(msg(fmt.Sprintf("msg-%d", i), int64(i)))
	}

	msgs := l.All()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	// Should contain messages 3 through 7 in order.
	for i, m := range msgs {
		expected := fmt.Sprintf("msg-%d", i+3)
		if m.ID != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, m.ID)
		}
	}

	// A dropped id may be added again.
	if !l.Add(msg("msg-1", 100)) {
		t.Error("expected dropped id to be accepted again")
	}
}

func TestRecent(t *testing.T) {
	l := NewLog(0)
	for i := 1; i <= 4; i++ {
		l.Add(msg(fmt.Sprintf("m%d", i), int64(i)))
	}

	r := l.Recent(2)
	if len(r) != 2 || r[0].ID != "m3" || r[1].ID != "m4" {
		t.Fatalf("unexpected recent messages: %+v", r)
	}
	if got := l.Recent(10); len(got) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got))
	}
}

func TestAllOnEmptyLog(t *testing.T) {
	l := NewLog(0)

	msgs := l.All()
	if msgs == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}
}

func TestConcurrentAccess(t *testing.T) {
	l := NewLog(5)
	goroutines := 100
	messagesPerGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < messagesPerGoroutine; m++ {
				l.Add(msg(fmt.Sprintf("g%d-m%d", id, m), int64(id*messagesPerGoroutine+m)))
				_ = l.Recent(3)
			}
		}(g)
	}

	wg.Wait()

	msgs := l.All()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages after concurrent writes, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp < msgs[i-1].Timestamp {
			t.Fatalf("log out of order at %d: %d < %d", i, msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
	}
}
