// Package bot drives headless plaza members: each bot owns a session on an
// engine loop and, every few seconds, walks somewhere, says something or
// plays an emote.
package bot

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/engine"
	"github.com/pixelplaza/plaza/internal/session"
)

// Action is one bot decision.
type Action int

const (
	Walk Action = iota
	Chat
	Sit
	Dance
	Wave
	Laugh
	numActions
)

var actionNames = [...]string{"walk", "chat", "sit", "dance", "wave", "laugh"}

func (a Action) String() string {
	if a < 0 || a >= numActions {
		return "unknown"
	}
	return actionNames[a]
}

// weights sum to 100.
var weights = [numActions]int{Walk: 45, Chat: 20, Sit: 10, Dance: 10, Wave: 10, Laugh: 5}

// DefaultLines are the chat lines bots pick from.
var DefaultLines = []string{
	"hi everyone!",
	"nice music",
	"anyone up for a dance?",
	"brb",
	"this place is cozy",
	"/wave",
	"/dance",
}

// Config tunes a bot.
type Config struct {
	Think time.Duration // mean time between decisions
	Seed  int64
	Lines []string
}

// DefaultConfig decides roughly every two seconds.
func DefaultConfig(seed int64) Config {
	return Config{Think: 2 * time.Second, Seed: seed, Lines: DefaultLines}
}

// Bot is one headless member.
type Bot struct {
	cfg     Config
	session *session.Session
	loop    *engine.Loop
	rng     *rand.Rand
	logger  *zap.Logger

	mu        sync.Mutex
	actions   [numActions]int
	rejected  int
	peersSeen int
}

// New creates a bot for s, driven by loop.
func New(s *session.Session, loop *engine.Loop, cfg Config, logger *zap.Logger) *Bot {
	if cfg.Think <= 0 {
		cfg.Think = DefaultConfig(cfg.Seed).Think
	}
	if len(cfg.Lines) == 0 {
		cfg.Lines = DefaultLines
	}
	return &Bot{
		cfg:     cfg,
		session: s,
		loop:    loop,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		logger:  logger.Named("bot").With(zap.String("id", s.SelfID())),
	}
}

// Run runs the engine loop and the decision timer until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- b.loop.Run(ctx) }()

	timer := time.NewTimer(b.nextThink())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return <-errc
		case <-timer.C:
			b.loop.Do(func(s *session.Session) { b.Act(s) })
			timer.Reset(b.nextThink())
		}
	}
}

// nextThink jitters the decision interval between half and one and a half
// times the mean.
func (b *Bot) nextThink() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	half := int64(b.cfg.Think / 2)
	return time.Duration(half + b.rng.Int63n(2*half+1))
}

// Act picks and applies one action. It must run on the loop goroutine.
func (b *Bot) Act(s *session.Session) Action {
	b.mu.Lock()
	a := b.pick()
	b.actions[a]++
	line := b.cfg.Lines[b.rng.Intn(len(b.cfg.Lines))]
	x, y, ok := b.walkTarget(s)
	b.mu.Unlock()

	switch a {
	case Walk:
		if ok {
			s.Click(x, y)
		}
	case Chat:
		if err := s.SendChat(line); err != nil {
			b.mu.Lock()
			b.rejected++
			b.mu.Unlock()
		}
	case Sit:
		s.ToggleSit()
	case Dance:
		s.SetDance(!s.Frame().Self.Dance)
	case Wave:
		s.Wave()
	case Laugh:
		s.Laugh()
	}

	if n := len(s.Frame().Peers); n > 0 {
		b.mu.Lock()
		if n > b.peersSeen {
			b.peersSeen = n
		}
		b.mu.Unlock()
	}
	b.logger.Debug("act", zap.Stringer("action", a))
	return a
}

func (b *Bot) pick() Action {
	n := b.rng.Intn(100)
	for a := Action(0); a < numActions; a++ {
		if n < weights[a] {
			return a
		}
		n -= weights[a]
	}
	return Walk
}

// walkTarget picks a random walkable cell.
func (b *Bot) walkTarget(s *session.Session) (int, int, bool) {
	g := s.Grid()
	if g == nil {
		return 0, 0, false
	}
	cols, rows := g.Size()
	for i := 0; i < 16; i++ {
		x, y := b.rng.Intn(cols), b.rng.Intn(rows)
		if g.Walkable(x, y) {
			return x, y, true
		}
	}
	return 0, 0, false
}

// Report summarizes what the bot did. Call it after Run returns.
func (b *Bot) Report() Report {
	st := b.loop.Stats()
	f := b.session.Frame()

	b.mu.Lock()
	defer b.mu.Unlock()
	r := Report{
		ID:            b.session.SelfID(),
		Name:          f.Self.Name,
		Room:          string(b.session.Room()),
		Frames:        st.Frames,
		AvgFrame:      st.AvgFrame,
		Actions:       make(map[Action]int, numActions),
		ChatsRejected: b.rejected,
		PeersSeen:     b.peersSeen,
	}
	for a, n := range b.actions {
		r.Actions[Action(a)] = n
	}
	return r
}
