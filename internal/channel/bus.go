package channel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/messaging"
	"github.com/pixelplaza/plaza/internal/metrics"
	"github.com/pixelplaza/plaza/internal/presence"
	"github.com/pixelplaza/plaza/internal/protocol"
	"github.com/pixelplaza/plaza/internal/room"
)

// PubSub is the subset of the NATS client the bus needs.
// *messaging.NATSClient satisfies it.
type PubSub interface {
	Publish(subject string, data []byte) error
	Subscribe(key, subject string, handler func(data []byte)) error
	Unsubscribe(key string) error
}

const storeTimeout = 2 * time.Second

// Bus is a Transport that carries broadcasts over NATS and keeps presence
// in Redis. Presence changes are announced on the room's presence subject;
// every member re-reads the snapshot when notified.
type Bus struct {
	ps        PubSub
	store     *presence.Store
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewBus creates a bus transport. Members refresh their heartbeat every
// third of the presence TTL.
func NewBus(ps PubSub, store *presence.Store, logger *zap.Logger) *Bus {
	return &Bus{
		ps:        ps,
		store:     store,
		logger:    logger.Named("bus"),
		heartbeat: store.TTL() / 3,
	}
}

type busMember struct {
	bus  *Bus
	room string
	id   string
	key  string

	mu      sync.RWMutex
	deliver Handler
	closed  bool
	tracked bool
	state   protocol.PresenceState

	refresh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// Join subscribes to the room's subjects, starts the heartbeat and delivers
// an initial presence snapshot.
func (b *Bus) Join(ctx context.Context, r room.Name, selfID string, deliver Handler) (Channel, error) {
	m := &busMember{
		bus:     b,
		room:    string(r),
		id:      selfID,
		key:     selfID + ":" + uuid.NewString(),
		deliver: deliver,
		state:   protocol.PresenceState{},
		refresh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	if err := b.ps.Subscribe(m.key+":broadcast", messaging.RoomBroadcastSubject(m.room), m.onFrame); err != nil {
		metrics.TransportFailures.WithLabelValues("subscribe").Inc()
		return nil, err
	}
	if err := b.ps.Subscribe(m.key+":presence", messaging.RoomPresenceSubject(m.room), m.onPresence); err != nil {
		metrics.TransportFailures.WithLabelValues("subscribe").Inc()
		_ = b.ps.Unsubscribe(m.key + ":broadcast")
		return nil, err
	}

	m.refreshPresence(ctx)

	m.wg.Add(1)
	go m.run()

	b.logger.Debug("joined", zap.String("room", m.room), zap.String("id", selfID))
	return m, nil
}

func (m *busMember) onFrame(data []byte) {
	f, ev, err := protocol.ParseFrame(data)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		m.bus.logger.Debug("drop frame", zap.String("room", m.room), zap.Error(err))
		return
	}
	if f.From == m.id {
		return
	}
	m.emit(ev)
}

func (m *busMember) onPresence([]byte) {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

func (m *busMember) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.bus.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-m.refresh:
			m.refreshPresence(context.Background())
		case <-ticker.C:
			m.beat()
		}
	}
}

// beat refreshes this member's heartbeat and evicts members that stopped
// beating, announcing the change if any were evicted.
func (m *busMember) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	m.mu.RLock()
	tracked := m.tracked
	m.mu.RUnlock()

	if tracked {
		if err := m.bus.store.Touch(ctx, m.room, m.id); err != nil {
			metrics.TransportFailures.WithLabelValues("heartbeat").Inc()
			m.bus.logger.Warn("heartbeat failed", zap.String("room", m.room), zap.Error(err))
		}
	}
	n, err := m.bus.store.Prune(ctx, m.room)
	if err != nil {
		m.bus.logger.Warn("prune failed", zap.String("room", m.room), zap.Error(err))
		return
	}
	if n > 0 {
		m.bus.logger.Info("evicted stale members", zap.String("room", m.room), zap.Int("count", n))
		m.notify()
	}
}

func (m *busMember) refreshPresence(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	state, err := m.bus.store.Snapshot(ctx, m.room)
	if err != nil {
		metrics.TransportFailures.WithLabelValues("presence").Inc()
		m.bus.logger.Warn("presence snapshot failed", zap.String("room", m.room), zap.Error(err))
		return
	}

	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	m.emit(protocol.PresenceSync{State: cloneState(state)})
}

func (m *busMember) notify() {
	if err := m.bus.ps.Publish(messaging.RoomPresenceSubject(m.room), []byte(m.id)); err != nil {
		metrics.TransportFailures.WithLabelValues("publish").Inc()
		m.bus.logger.Warn("presence notify failed", zap.String("room", m.room), zap.Error(err))
	}
}

func (m *busMember) emit(e protocol.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.closed {
		m.deliver(e)
	}
}

func (m *busMember) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *busMember) Broadcast(_ context.Context, e protocol.Event) error {
	if m.isClosed() {
		return ErrClosed
	}
	data, err := protocol.NewFrame(m.id, e)
	if err != nil {
		return err
	}
	if err := m.bus.ps.Publish(messaging.RoomBroadcastSubject(m.room), data); err != nil {
		metrics.TransportFailures.WithLabelValues("publish").Inc()
		return err
	}
	return nil
}

func (m *busMember) Track(ctx context.Context, meta protocol.PresenceMeta) error {
	if m.isClosed() {
		return ErrClosed
	}
	if err := m.bus.store.Track(ctx, m.room, m.id, meta); err != nil {
		metrics.TransportFailures.WithLabelValues("track").Inc()
		return err
	}

	m.mu.Lock()
	m.tracked = true
	m.mu.Unlock()

	m.notify()
	return nil
}

func (m *busMember) PresenceState() protocol.PresenceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneState(m.state)
}

func (m *busMember) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tracked := m.tracked
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	for _, suffix := range []string{":broadcast", ":presence"} {
		if err := m.bus.ps.Unsubscribe(m.key + suffix); err != nil {
			m.bus.logger.Debug("unsubscribe", zap.String("key", m.key+suffix), zap.Error(err))
		}
	}

	if tracked {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := m.bus.store.Untrack(ctx, m.room, m.id); err != nil {
			metrics.TransportFailures.WithLabelValues("untrack").Inc()
			m.bus.logger.Warn("untrack failed", zap.String("room", m.room), zap.Error(err))
		}
		m.notify()
	}

	m.bus.logger.Debug("left", zap.String("room", m.room), zap.String("id", m.id))
	return nil
}
