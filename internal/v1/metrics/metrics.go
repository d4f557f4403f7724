package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the collaborative document room server.
//
// Naming convention: namespace_subsystem_name
//   - namespace: roomsync (application-level grouping)
//   - subsystem: transport, room, persistence, storage, circuit_breaker,
//     rate_limit, redis (feature-level grouping)
//   - name: specific metric (connections_active, appends_total, etc.)
//
// Metric Types:
//   - Gauge: current state (connections, rooms)
//   - Counter: cumulative events (updates appended, drops, errors)
//   - Histogram: latency distributions (persistence and storage operation duration)

var (
	// ActiveConnections tracks the current number of active transport connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "Current number of active connections",
	})

	// ActiveRooms tracks the current number of materialized (live) rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of materialized rooms",
	})

	// RoomConnections tracks the number of connections attached to each room.
	RoomConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "room",
		Name:      "connections_count",
		Help:      "Number of connections attached to each room",
	}, []string{"room_id"})

	// TransportEvents tracks transport-level events processed.
	TransportEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "transport",
		Name:      "events_total",
		Help:      "Total transport events processed",
	}, []string{"event_type", "status"})

	// PersistenceAppendsTotal tracks updates successfully appended to durable storage.
	PersistenceAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "persistence",
		Name:      "appends_total",
		Help:      "Total updates appended to durable storage",
	}, []string{"room_id"})

	// PersistenceAppendFailuresTotal tracks failed append attempts.
	PersistenceAppendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "persistence",
		Name:      "append_failures_total",
		Help:      "Total failed append attempts to durable storage",
	}, []string{"room_id"})

	// PersistenceSnapshotsTotal tracks snapshots written.
	PersistenceSnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "persistence",
		Name:      "snapshots_total",
		Help:      "Total snapshots written to durable storage",
	}, []string{"room_id"})

	// PersistenceChannelDroppedTotal tracks updates dropped due to full worker channels.
	PersistenceChannelDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "persistence",
		Name:      "channel_dropped_total",
		Help:      "Total updates dropped because the persistence channel was full",
	}, []string{"room_id"})

	// PersistenceOperationDuration tracks append/snapshot latency.
	PersistenceOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomsync",
		Subsystem: "persistence",
		Name:      "operation_duration_seconds",
		Help:      "Duration of persistence operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// CircuitBreakerState tracks the current state of a circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "roomsync",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by the circuit breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal counts Redis operations by operation and status.
	// Nothing in this module increments it; the rate limiter's Redis store
	// does not report to it.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "roomsync",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// StorageOperationDuration tracks Storage backend call latency.
	StorageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "roomsync",
		Subsystem: "storage",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Storage backend operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
