package chat

import "time"

const (
	// BubbleWindow is how many recent messages can show a speech bubble.
	BubbleWindow = 10

	// BubbleTTL is how long a chat line stays above its author.
	BubbleTTL = 3 * time.Second

	// NoticeTTL is how long a transient notice such as "No free seat!"
	// stays above the local avatar.
	NoticeTTL = 2 * time.Second
)

// Bubble is speech text shown above an avatar until Expires.
type Bubble struct {
	Text    string
	Expires time.Time
}

// Active reports whether b is visible at now.
func (b Bubble) Active(now time.Time) bool {
	return b.Text != "" && now.Before(b.Expires)
}

// Bubbles returns the visible speech bubble per author among recent, which
// must be ordered oldest first. A later message replaces an earlier one
// from the same author. System messages never produce bubbles.
func Bubbles(recent []Message, now time.Time) map[string]Bubble {
	if len(recent) > BubbleWindow {
		recent = recent[len(recent)-BubbleWindow:]
	}
	out := make(map[string]Bubble)
	for _, m := range recent {
		if IsSystem(m) {
			continue
		}
		b := Bubble{
			Text:    m.Text,
			Expires: time.UnixMilli(m.Timestamp).Add(BubbleTTL),
		}
		if b.Active(now) {
			out[m.Author] = b
		}
	}
	return out
}
