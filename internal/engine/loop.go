// Package engine runs a session on a fixed-rate frame loop. Input from other
// goroutines is queued as commands and applied on the loop goroutine at the
// start of the next frame, so the session itself is never shared.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/metrics"
	"github.com/pixelplaza/plaza/internal/session"
)

// DefaultFrameRate is the number of frames per second.
const DefaultFrameRate = 60

const commandQueueSize = 256

// Command is input applied to the session on the loop goroutine.
type Command func(s *session.Session)

// Stats are counters collected by a loop.
type Stats struct {
	Frames          int64
	Commands        int64
	DroppedCommands int64
	AvgFrame        time.Duration
}

// Loop advances one session frame by frame.
type Loop struct {
	session  *session.Session
	interval time.Duration
	commands chan Command
	logger   *zap.Logger

	frames    atomic.Int64
	applied   atomic.Int64
	dropped   atomic.Int64
	frameNano atomic.Int64
}

// NewLoop creates a loop for s. frameRate <= 0 uses DefaultFrameRate.
func NewLoop(s *session.Session, frameRate int, logger *zap.Logger) *Loop {
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}
	return &Loop{
		session:  s,
		interval: time.Second / time.Duration(frameRate),
		commands: make(chan Command, commandQueueSize),
		logger:   logger.Named("engine").With(zap.String("id", s.SelfID())),
	}
}

// Interval returns the frame period.
func (l *Loop) Interval() time.Duration { return l.interval }

// Do queues cmd for the next frame. It never blocks; when the queue is full
// the command is dropped and false is returned.
func (l *Loop) Do(cmd Command) bool {
	select {
	case l.commands <- cmd:
		return true
	default:
		l.dropped.Add(1)
		metrics.EventsDropped.WithLabelValues("command_full").Inc()
		return false
	}
}

// Run ticks until ctx is done. The session is not closed.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Debug("loop started", zap.Duration("interval", l.interval))
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("loop stopped", zap.Int64("frames", l.frames.Load()))
			return ctx.Err()
		case now := <-ticker.C:
			l.Step(now)
		}
	}
}

// Step runs one frame at now: queued commands first, then the session tick.
// Run calls it on every tick; tests call it directly.
func (l *Loop) Step(now time.Time) {
	start := time.Now()

	l.drain()
	l.session.Tick(now)

	elapsed := time.Since(start)
	l.frames.Add(1)
	l.frameNano.Add(elapsed.Nanoseconds())
	metrics.TickDuration.Observe(elapsed.Seconds())
}

func (l *Loop) drain() {
	for {
		select {
		case cmd := <-l.commands:
			cmd(l.session)
			l.applied.Add(1)
		default:
			return
		}
	}
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	st := Stats{
		Frames:          l.frames.Load(),
		Commands:        l.applied.Load(),
		DroppedCommands: l.dropped.Load(),
	}
	if st.Frames > 0 {
		st.AvgFrame = time.Duration(l.frameNano.Load() / st.Frames)
	}
	return st
}
