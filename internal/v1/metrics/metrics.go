package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the arena room server.
//
// Naming convention: namespace_subsystem_name
// - namespace: arena (application-level grouping)
// - subsystem: room, matchmaker, presence, ipc (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (rooms, connections, reserved seats)
// - Counter: Cumulative events (messages dispatched, timeouts)
// - Histogram: Latency distributions (dispatch, patch)

var (
	// ActiveRooms tracks the current number of rooms hosted by this process
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms hosted by this process",
	})

	// ConnectedClients tracks the current CCU of this process
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "clients_connected",
		Help:      "Current number of connected clients on this process",
	})

	// ReservedSeats tracks unconsumed seat reservations
	ReservedSeats = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "matchmaker",
		Name:      "seats_reserved",
		Help:      "Current number of unconsumed seat reservations",
	})

	// MatchmakeRequests counts matchmaking operations by method and status
	MatchmakeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "matchmaker",
		Name:      "requests_total",
		Help:      "Total matchmaking requests processed",
	}, []string{"method", "status"})

	// IpcTimeouts counts request/reply calls that expired without a reply
	IpcTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "ipc",
		Name:      "timeouts_total",
		Help:      "Total IPC requests that timed out",
	})

	// MessagesDispatched counts room messages by outcome
	MessagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "messages_total",
		Help:      "Total room messages dispatched",
	}, []string{"status"})

	// MessageDispatchDuration tracks time spent in message handlers
	MessageDispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching room messages",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PatchDuration tracks time spent computing and delivering state patches
	PatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arena",
		Subsystem: "room",
		Name:      "patch_seconds",
		Help:      "Time spent computing and delivering state patches",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1},
	})

	// WebSocketConnections tracks open client sockets on this process
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "transport",
		Name:      "websocket_connections",
		Help:      "Current number of open WebSocket connections",
	})

	// RateLimitRequests counts requests that passed rate limiting
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked against rate limits",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by rate limiting
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limits",
	}, []string{"endpoint", "key_type"})

	// CircuitBreakerState reports the presence circuit breaker state (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arena",
		Subsystem: "presence",
		Name:      "circuit_breaker_state",
		Help:      "State of the presence circuit breaker (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "presence",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"backend"})
)
