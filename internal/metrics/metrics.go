// Package metrics provides Prometheus instrumentation for the plaza relay
// and the room engine: connection gauges, event throughput, transport
// failures, chat rejections and frame timing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "plaza_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// EventsTotal counts room events by kind (chat, pos, action, presence)
	// and direction (in, out).
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_events_total",
		Help: "Total number of room events processed",
	}, []string{"kind", "direction"})

	// EventsDropped counts inbound events discarded before being applied.
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_events_dropped_total",
		Help: "Total number of room events dropped",
	}, []string{"reason"}) // reason = "inbox_full", "outbox_full", "stale", "invalid", "rate_limited", "client_slow", "command_full"

	// HeartbeatEvictions counts relay connections dropped by the heartbeat.
	HeartbeatEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_heartbeat_evictions_total",
		Help: "Total number of connections closed by the heartbeat",
	}, []string{"reason"}) // reason = "idle", "ping_failed"

	// TransportFailures counts failed best-effort sends, which are never retried.
	TransportFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_transport_failures_total",
		Help: "Total number of failed broadcast/track/join calls",
	}, []string{"op"})

	// ChatRejected counts chat lines rejected locally, by reason.
	ChatRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_chat_rejected_total",
		Help: "Total number of chat messages rejected before sending",
	}, []string{"reason"}) // reason = "empty", "too_long", "too_fast", "invalid"

	// TickDuration records how long one engine frame takes.
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "plaza_tick_duration_seconds",
		Help:    "Engine frame processing time in seconds",
		Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05},
	})

	// RoomMembers tracks members per room as seen by this relay.
	RoomMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plaza_room_members",
		Help: "Current number of members per room on this relay",
	}, []string{"room"})

	// ProxyRequests counts audio proxy requests by response status.
	ProxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "plaza_proxy_requests_total",
		Help: "Total number of audio proxy requests",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsTotal,
		EventsDropped,
		HeartbeatEvictions,
		TransportFailures,
		ChatRejected,
		TickDuration,
		RoomMembers,
		ProxyRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
