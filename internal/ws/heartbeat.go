package ws

import (
	"time"

	"github.com/gobwas/ws"
	"go.uber.org/zap"

	"github.com/pixelplaza/plaza/internal/metrics"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed interval (default: 10s)
}

// DefaultHeartbeatConfig returns the relay defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every relay client each Interval and evicts clients
// silent for longer than Interval + Timeout. Eviction goes through
// RemoveConnection, so the client's room membership is released and its
// presence entry disappears for the rest of the room. The goroutine exits
// on shutdown.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		config = DefaultHeartbeatConfig()
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				if n := checkConnections(server, config, now); n > 0 {
					server.logger.Info("heartbeat evicted connections",
						zap.Int("evicted", n),
						zap.Int("remaining", server.conns.Count()))
				}
			}
		}
	}()
}

// checkConnections evicts idle clients and pings the rest. A browser answers
// the ping with a pong, which the read path counts as activity. It returns
// the number of evicted connections.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) int {
	deadline := config.Interval + config.Timeout
	evicted := 0

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.logger.Debug("heartbeat timeout",
				zap.String("session", c.ID),
				zap.Duration("idle", idle.Round(time.Second)))
			metrics.HeartbeatEvictions.WithLabelValues("idle").Inc()
			server.RemoveConnection(c)
			evicted++
			continue
		}

		if err := server.ping(c); err != nil {
			server.logger.Debug("heartbeat ping failed", zap.String("session", c.ID), zap.Error(err))
			metrics.HeartbeatEvictions.WithLabelValues("ping_failed").Inc()
			server.RemoveConnection(c)
			evicted++
		}
	}
	return evicted
}

// ping writes a protocol-level ping under the write deadline, so one stuck
// client cannot stall the heartbeat for the others.
func (s *Server) ping(c *Connection) error {
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WritePing()
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// WritePing sends a ping frame as a single write. Safe for concurrent use
// with WriteMessage.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.Conn.Write(ws.CompiledPing)
	return err
}
