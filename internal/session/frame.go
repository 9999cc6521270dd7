package session

import (
	"time"

	"github.com/pixelplaza/plaza/internal/chat"
	"github.com/pixelplaza/plaza/internal/motion"
	"github.com/pixelplaza/plaza/internal/peers"
	"github.com/pixelplaza/plaza/internal/room"
)

// Self is the local avatar as the renderer draws it.
type Self struct {
	ID      string
	Name    string
	Color   string
	X, Y    float64
	Facing  room.Facing
	State   motion.State
	Moving  bool
	Sitting bool
	Dance   bool
	Wave    bool
	Laugh   bool
}

// Frame is the render snapshot published at the end of every tick. Its
// slices and maps are never modified after publication.
type Frame struct {
	Room     room.Name
	Time     time.Time
	Self     Self
	Peers    []peers.View
	Party    bool
	Bubbles  map[string]string // author name -> speech text
	Notice   string            // transient text above the local avatar
	Online   int
	Messages []chat.Message
	Offline  bool
}

// Frame returns the last published snapshot. Safe for concurrent use.
func (s *Session) Frame() Frame {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.frame
}

func (s *Session) publish(now time.Time) {
	a := s.ctrl.Avatar()
	f := Frame{
		Room: s.room,
		Time: now,
		Self: Self{
			ID:      s.cfg.SelfID,
			Name:    s.cfg.Name,
			Color:   s.cfg.Color,
			X:       a.X,
			Y:       a.Y,
			Facing:  a.Facing,
			State:   s.ctrl.State(),
			Moving:  s.ctrl.Moving(),
			Sitting: s.ctrl.Seated(),
			Dance:   s.dance,
			Wave:    s.wave,
			Laugh:   s.laugh,
		},
		Peers:    s.peers.Views(),
		Party:    s.peers.Party(),
		Bubbles:  make(map[string]string),
		Online:   s.peers.Count() + 1,
		Messages: s.log.All(),
		Offline:  s.transport == nil,
	}
	for author, b := range chat.Bubbles(s.log.Recent(chat.BubbleWindow), now) {
		f.Bubbles[author] = b.Text
	}
	if s.notice.Active(now) {
		f.Notice = s.notice.Text
	}

	s.frameMu.Lock()
	s.frame = f
	s.frameMu.Unlock()
}
