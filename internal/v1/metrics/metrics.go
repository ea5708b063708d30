// Package metrics declares the Prometheus collectors for the matching core.
//
// Naming convention: namespace_subsystem_name.
//   - namespace: match (application-level grouping)
//   - subsystem: queue, matcher, roomstate, socket, notification, sse, redis,
//     rate_limit, circuit_breaker (feature-level grouping)
//   - name: specific metric (users_active, pairs_total, etc.)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the current number of users waiting in a search pool.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "match",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current number of users waiting in a search pool",
	}, []string{"pool"})

	// QueueSweptTotal tracks users removed from a pool by the idle sweep.
	QueueSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "queue",
		Name:      "swept_total",
		Help:      "Total users removed from a search pool by the idle sweep",
	}, []string{"pool"})

	// MatcherTicksTotal tracks matcher tick executions, by whether the lease was acquired.
	MatcherTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "matcher",
		Name:      "ticks_total",
		Help:      "Total matcher scheduler ticks, labeled by outcome",
	}, []string{"outcome"})

	// MatcherPairsTotal tracks committed pairs, split by interest-overlap vs random fallback.
	MatcherPairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "matcher",
		Name:      "pairs_total",
		Help:      "Total pairs committed by the matcher",
	}, []string{"pool", "strategy"})

	// MatcherTickDuration tracks the wall time of a single matcher tick.
	MatcherTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "match",
		Subsystem: "matcher",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a single matcher tick",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"pool"})

	// RoomsActive tracks the current number of live RoomState records.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "match",
		Subsystem: "roomstate",
		Name:      "rooms_active",
		Help:      "Current number of live room-state records",
	})

	// RoomStateTransitionsTotal tracks occupant state transitions driven by heartbeat/sweep.
	RoomStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "roomstate",
		Name:      "transitions_total",
		Help:      "Total occupant state transitions",
	}, []string{"to"})

	// PointsAwardedTotal tracks points credited via the heartbeat side effect.
	PointsAwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "roomstate",
		Name:      "points_awarded_total",
		Help:      "Total points awarded to users via heartbeat engagement",
	}, []string{"room_type"})

	// ActiveSocketConnections tracks the current number of active socket connections.
	ActiveSocketConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "match",
		Subsystem: "socket",
		Name:      "connections_active",
		Help:      "Current number of active socket connections",
	}, []string{"namespace"})

	// SocketEventsTotal tracks socket events processed, labeled by namespace/event/status.
	SocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "socket",
		Name:      "events_total",
		Help:      "Total socket events processed",
	}, []string{"namespace", "event", "status"})

	// NotificationsTotal tracks notifications created, labeled by delivery outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "notification",
		Name:      "created_total",
		Help:      "Total notifications created",
	}, []string{"delivery"})

	// SSEConnectionsActive tracks the current number of open SSE streams.
	SSEConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "match",
		Subsystem: "sse",
		Name:      "connections_active",
		Help:      "Current number of open SSE streams",
	})

	// SSEFlushedTotal tracks unsent notifications flushed on SSE (re)connection.
	SSEFlushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "sse",
		Name:      "flushed_total",
		Help:      "Total previously-unsent notifications flushed on SSE reconnection",
	}, []string{"status"})

	// CircuitBreakerState tracks the current state of the circuit breaker (GaugeVec).
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "match",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// LeaseAcquisitionsTotal tracks scheduler lease acquire attempts, labeled by outcome.
	LeaseAcquisitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "scheduler",
		Name:      "lease_acquisitions_total",
		Help:      "Total distributed lease acquisition attempts for scheduled jobs",
	}, []string{"job", "outcome"})

	// RedisOperationsTotal tracks the total number of Redis operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "match",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "match",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)
