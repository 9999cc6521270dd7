// Package session composes one local member of a plaza room: the avatar
// controller, the peer store, the chat log and the room channel. It
// applies the synchronization rules between local input and remote
// events.
//
// A Session is driven from a single goroutine (the engine loop). Only
// Frame may be called concurrently with it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/channel"
	"github.com/pixelplaza/plaza/internal/chat"
	"github.com/pixelplaza/plaza/internal/metrics"
	"github.com/pixelplaza/plaza/internal/motion"
	"github.com/pixelplaza/plaza/internal/pathfinding"
	"github.com/pixelplaza/plaza/internal/peers"
	"github.com/pixelplaza/plaza/internal/protocol"
	"github.com/pixelplaza/plaza/internal/ratelimit"
	"github.com/pixelplaza/plaza/internal/room"
)

// Emote durations.
const (
	WaveDuration  = 2000 * time.Millisecond
	LaughDuration = 1800 * time.Millisecond
)

// Transient notices shown above the local avatar.
const (
	NoticeNoSeat = "No free seat!"
	NoticeSmile  = ":)"
)

// maxFrameDelta caps the time step of one tick.
const maxFrameDelta = 50 * time.Millisecond

// Config holds the session settings.
type Config struct {
	SelfID           string
	Name             string
	Color            string // empty picks a random palette colour
	Speed            float64
	PositionInterval time.Duration
	InboxSize        int
	OutboxSize       int
	SendTimeout      time.Duration
	Chat             ratelimit.BucketConfig

	// Clock is used for chat timestamps, the chat guard and emote deadlines
	// set by input. nil uses time.Now.
	Clock func() time.Time
}

// DefaultConfig returns defaults for a member named name.
func DefaultConfig(selfID, name string) Config {
	return Config{
		SelfID:           selfID,
		Name:             name,
		Speed:            motion.DefaultSpeed,
		PositionInterval: 100 * time.Millisecond,
		InboxSize:        1024,
		OutboxSize:       256,
		SendTimeout:      5 * time.Second,
		Chat:             ratelimit.DefaultBucketConfig(),
	}
}

// MusicBoxHandler is called when the local user clicks a music box. It
// reports whether that box was playing before the click.
type MusicBoxHandler func(box room.MusicBox) (wasPlaying bool)

type inbound struct {
	gen uint64
	ev  protocol.Event
}

type outCall struct {
	op  string
	run func(ctx context.Context) error
}

// Session is one member's view of a room.
type Session struct {
	cfg       Config
	transport channel.Transport
	logger    *zap.Logger
	clock     func() time.Time

	room   room.Name
	layout room.Layout
	grid   *room.Grid
	ctrl   *motion.Controller
	peers  *peers.Store
	log    *chat.Log
	guard  *ratelimit.Bucket

	ch    channel.Channel
	gen   uint64
	inbox chan inbound

	outbox chan outCall
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool

	dance      bool
	wave       bool
	laugh      bool
	waveUntil  time.Time
	laughUntil time.Time
	notice     chat.Bubble

	lastTick time.Time
	lastPos  time.Time

	onMusicBox MusicBoxHandler

	frameMu sync.RWMutex
	frame   Frame
}

// New creates a session. A nil transport runs the session offline: every
// rule applies locally and nothing is sent. Call Enter before the first
// Tick.
func New(cfg Config, transport channel.Transport, logger *zap.Logger) *Session {
	if cfg.Color == "" {
		cfg.Color = peers.RandomColor()
	}
	if cfg.Name == "" {
		cfg.Name = peers.DefaultName
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = 100 * time.Millisecond
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.Chat.Capacity <= 0 {
		cfg.Chat = ratelimit.DefaultBucketConfig()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	layout := room.LayoutFor(room.Lobby)
	grid := room.NewGrid(layout)
	ctrl := motion.NewController(grid, layout.Seats, spawnCell(grid), room.SpawnFacing)
	ctrl.SetSpeed(cfg.Speed)

	s := &Session{
		cfg:       cfg,
		transport: transport,
		logger:    logger.Named("session").With(zap.String("id", cfg.SelfID)),
		clock:     clock,
		room:      room.Lobby,
		layout:    layout,
		grid:      grid,
		ctrl:      ctrl,
		peers:     peers.NewStore(cfg.SelfID, nil),
		log:       chat.NewLog(chat.MaxLogMessages),
		guard:     ratelimit.NewBucket(cfg.Chat, clock),
		inbox:     make(chan inbound, cfg.InboxSize),
		outbox:    make(chan outCall, cfg.OutboxSize),
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.runOutbox()
	return s
}

// OnMusicBox registers the music box click handler.
func (s *Session) OnMusicBox(h MusicBoxHandler) { s.onMusicBox = h }

// Offline reports whether the session runs without a transport.
func (s *Session) Offline() bool { return s.transport == nil }

// Room returns the current room.
func (s *Session) Room() room.Name { return s.room }

// SelfID returns the local member id.
func (s *Session) SelfID() string { return s.cfg.SelfID }

// Grid returns the walkability map of the current room.
func (s *Session) Grid() *room.Grid { return s.grid }

// ---------------------------------------------------------------------------
// Room lifecycle
// ---------------------------------------------------------------------------

// Enter leaves the current room, if any, and joins r. Peers, party state and
// queued events of the previous room are discarded before the join; the
// avatar is placed on the spawn cell.
func (s *Session) Enter(ctx context.Context, r room.Name) error {
	s.leave()

	s.room = r
	s.layout = room.LayoutFor(r)
	s.grid = room.NewGrid(s.layout)
	s.ctrl.Reset(s.grid, s.layout.Seats, spawnCell(s.grid), room.SpawnFacing)
	s.notice = chat.Bubble{}
	s.lastPos = time.Time{}

	if s.transport == nil {
		s.logger.Info("entered room offline", zap.String("room", string(r)))
		return nil
	}

	gen := s.gen
	ch, err := s.transport.Join(ctx, r, s.cfg.SelfID, func(e protocol.Event) { s.push(gen, e) })
	if err != nil {
		metrics.TransportFailures.WithLabelValues("join").Inc()
		return fmt.Errorf("session: join %s: %w", r, err)
	}
	s.ch = ch
	s.track()

	s.logger.Info("entered room", zap.String("room", string(r)))
	return nil
}

// leave closes the current channel and forgets everything learned in it.
// Close is synchronous, so once it returns nothing more is delivered under
// the old generation.
func (s *Session) leave() {
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			s.logger.Warn("leave room", zap.String("room", string(s.room)), zap.Error(err))
		}
		s.ch = nil
	}
	s.gen++
	s.discardInbox()
	s.peers.Clear()
}

// Close leaves the room and stops the outbox worker. Sends still queued are
// dropped.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.leave()
	close(s.done)
	s.wg.Wait()
	return nil
}

func spawnCell(g *room.Grid) pathfinding.Node {
	x, y, ok := g.NearestWalkable(room.SpawnX, room.SpawnY)
	if !ok {
		return pathfinding.Node{X: room.SpawnX, Y: room.SpawnY}
	}
	return pathfinding.Node{X: x, Y: y}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// push is the channel's deliver callback. It runs on transport goroutines
// and never blocks.
func (s *Session) push(gen uint64, e protocol.Event) {
	select {
	case s.inbox <- inbound{gen: gen, ev: e}:
	default:
		metrics.EventsDropped.WithLabelValues("inbox_full").Inc()
	}
}

func (s *Session) discardInbox() {
	for {
		select {
		case <-s.inbox:
			metrics.EventsDropped.WithLabelValues("stale").Inc()
		default:
			return
		}
	}
}

func (s *Session) drainInbox() {
	for {
		select {
		case in := <-s.inbox:
			if in.gen != s.gen {
				metrics.EventsDropped.WithLabelValues("stale").Inc()
				continue
			}
			s.apply(in.ev)
		default:
			return
		}
	}
}

func (s *Session) apply(e protocol.Event) {
	metrics.EventsTotal.WithLabelValues(e.Kind(), "in").Inc()
	switch ev := e.(type) {
	case protocol.Chat:
		s.log.Add(ev)
	case protocol.Position:
		s.peers.ApplyPosition(ev)
	case protocol.Action:
		s.peers.ApplyAction(ev)
	case protocol.PresenceSync:
		s.peers.ApplyPresence(ev.State)
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// send queues a best-effort call on the current channel. Calls run in order
// on the outbox worker; failures are logged and counted, never retried.
func (s *Session) send(op string, fn func(ctx context.Context, ch channel.Channel) error) {
	ch := s.ch
	if ch == nil {
		return
	}
	call := outCall{op: op, run: func(ctx context.Context) error { return fn(ctx, ch) }}
	select {
	case s.outbox <- call:
	default:
		metrics.EventsDropped.WithLabelValues("outbox_full").Inc()
		s.logger.Warn("outbox full, dropping send", zap.String("op", op))
	}
}

func (s *Session) runOutbox() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case call := <-s.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
			err := call.run(ctx)
			cancel()
			if err == nil {
				continue
			}
			if errors.Is(err, channel.ErrClosed) {
				s.logger.Debug("send after leave", zap.String("op", call.op))
				continue
			}
			metrics.TransportFailures.WithLabelValues(call.op).Inc()
			s.logger.Warn("send failed", zap.String("op", call.op), zap.Error(err))
		}
	}
}

func (s *Session) broadcast(e protocol.Event) {
	metrics.EventsTotal.WithLabelValues(e.Kind(), "out").Inc()
	s.send("broadcast", func(ctx context.Context, ch channel.Channel) error {
		return ch.Broadcast(ctx, e)
	})
}

func (s *Session) meta() protocol.PresenceMeta {
	return protocol.PresenceMeta{
		Name:  s.cfg.Name,
		Color: s.cfg.Color,
		Dance: protocol.Bool(s.dance),
		Sit:   protocol.Bool(s.ctrl.Seated()),
		Wave:  protocol.Bool(s.wave),
		Laugh: protocol.Bool(s.laugh),
	}
}

func (s *Session) track() {
	meta := s.meta()
	s.send("track", func(ctx context.Context, ch channel.Channel) error {
		return ch.Track(ctx, meta)
	})
}

// announce re-tracks presence and broadcasts the action, in that order.
func (s *Session) announce(t protocol.ActionType, value bool) {
	s.track()
	s.broadcast(protocol.Action{ID: s.cfg.SelfID, Type: t, Value: value})
}

func (s *Session) position() protocol.Position {
	a := s.ctrl.Avatar()
	return protocol.Position{
		ID:     s.cfg.SelfID,
		Name:   s.cfg.Name,
		Color:  s.cfg.Color,
		X:      a.X,
		Y:      a.Y,
		Facing: a.Facing,
		Dance:  protocol.Bool(s.dance),
		Sit:    protocol.Bool(s.ctrl.Seated()),
		Wave:   protocol.Bool(s.wave),
		Laugh:  protocol.Bool(s.laugh),
	}
}

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

// Tick runs one frame at now: inbound events, avatar motion, emote
// deadlines, peer smoothing, the periodic position broadcast and the frame
// snapshot.
func (s *Session) Tick(now time.Time) {
	var dt time.Duration
	if !s.lastTick.IsZero() {
		dt = now.Sub(s.lastTick)
	}
	s.lastTick = now
	if dt < 0 {
		dt = 0
	}
	if dt > maxFrameDelta {
		dt = maxFrameDelta
	}

	s.drainInbox()

	res := s.ctrl.Tick(dt.Seconds())
	if res.Docked {
		s.announce(protocol.ActionSit, true)
	}

	s.expireEmotes(now)
	s.peers.Smooth(dt.Seconds())

	if s.ch != nil && (s.lastPos.IsZero() || now.Sub(s.lastPos) >= s.cfg.PositionInterval) {
		s.lastPos = now
		s.broadcast(s.position())
	}

	s.publish(now)
}

func (s *Session) expireEmotes(now time.Time) {
	if s.wave && !now.Before(s.waveUntil) {
		s.wave = false
		s.announce(protocol.ActionWave, false)
	}
	if s.laugh && !now.Before(s.laughUntil) {
		s.laugh = false
		s.announce(protocol.ActionLaugh, false)
	}
}

// ---------------------------------------------------------------------------
// Input
// ---------------------------------------------------------------------------

// Click handles a click on a cell. A music box cell toggles the box;
// anything else is click-to-move, which also stands the avatar up.
func (s *Session) Click(x, y int) {
	if box, ok := s.layout.MusicBoxAt(x, y); ok {
		s.ClickMusicBox(box.ID)
		return
	}
	wasSeated := s.ctrl.Seated()
	s.ctrl.MoveTo(pathfinding.Node{X: x, Y: y})
	if wasSeated {
		s.announce(protocol.ActionSit, false)
	}
}

// ClickMusicBox forwards a music box click to the registered handler and
// shows the matching notice. Unknown ids are ignored.
func (s *Session) ClickMusicBox(id string) {
	var box room.MusicBox
	found := false
	for _, mb := range s.layout.Music {
		if mb.ID == id {
			box, found = mb, true
			break
		}
	}
	if !found {
		return
	}
	wasPlaying := false
	if s.onMusicBox != nil {
		wasPlaying = s.onMusicBox(box)
	}
	if wasPlaying {
		s.showNotice("⏸ Music paused")
	} else {
		s.showNotice("♪ " + box.Label)
	}
}

// KeyDown starts held movement in dir.
func (s *Session) KeyDown(dir room.Facing) { s.ctrl.Hold(dir) }

// KeyUp stops held movement in dir.
func (s *Session) KeyUp(dir room.Facing) { s.ctrl.Release(dir) }

// DoubleClick shows a smile above the local avatar.
func (s *Session) DoubleClick() { s.showNotice(NoticeSmile) }

// ToggleSit stands up when seated, otherwise heads for the nearest free
// seat. When none is free a notice is shown and nothing else changes.
func (s *Session) ToggleSit() {
	res, err := s.ctrl.ToggleSit(s.peers.Occupied())
	if err != nil {
		s.showNotice(NoticeNoSeat)
		return
	}
	switch res {
	case motion.Stood:
		s.announce(protocol.ActionSit, false)
	case motion.Docked:
		s.announce(protocol.ActionSit, true)
	}
}

// SetDance turns dancing on or off.
func (s *Session) SetDance(on bool) {
	s.dance = on
	s.announce(protocol.ActionDance, on)
}

// SetParty turns party mode on or off for the whole room.
func (s *Session) SetParty(on bool) {
	s.peers.SetParty(on)
	s.broadcast(protocol.Action{ID: s.cfg.SelfID, Type: protocol.ActionParty, Value: on})
}

// Wave waves for WaveDuration.
func (s *Session) Wave() {
	s.wave = true
	s.waveUntil = s.clock().Add(WaveDuration)
	s.announce(protocol.ActionWave, true)
}

// Laugh laughs for LaughDuration.
func (s *Session) Laugh() {
	s.laugh = true
	s.laughUntil = s.clock().Add(LaughDuration)
	s.announce(protocol.ActionLaugh, true)
}

// SendChat runs a slash command or validates, rate-limits, appends and
// broadcasts a chat line. Rejections become local system messages and are
// returned.
func (s *Session) SendChat(text string) error {
	if cmd, ok := chat.ParseCommand(text); ok {
		s.runCommand(cmd)
		return nil
	}

	now := s.clock()
	clean, err := chat.Validate(text)
	if err == nil && !s.guard.Allow() {
		err = chat.ErrTooFast
	}
	if err != nil {
		metrics.ChatRejected.WithLabelValues(rejectReason(err)).Inc()
		s.log.Add(chat.NewSystemMessage(chat.Notice(err), now))
		return err
	}

	msg := chat.NewMessage(s.cfg.Name, clean, now)
	s.log.Add(msg)
	s.broadcast(msg)
	return nil
}

func (s *Session) runCommand(cmd chat.Command) {
	switch cmd.Name {
	case chat.CmdDance:
		on := !s.dance
		if cmd.Arg != nil {
			on = *cmd.Arg
		}
		s.SetDance(on)
	case chat.CmdParty:
		on := !s.peers.Party()
		if cmd.Arg != nil {
			on = *cmd.Arg
		}
		s.SetParty(on)
	case chat.CmdSit:
		s.ToggleSit()
	case chat.CmdWave:
		s.Wave()
	case chat.CmdLaugh:
		s.Laugh()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmpty):
		return "empty"
	case errors.Is(err, chat.ErrTooLong):
		return "too_long"
	case errors.Is(err, chat.ErrTooFast):
		return "too_fast"
	}
	return "invalid"
}

func (s *Session) showNotice(text string) {
	s.notice = chat.Bubble{Text: text, Expires: s.clock().Add(chat.NoticeTTL)}
}
