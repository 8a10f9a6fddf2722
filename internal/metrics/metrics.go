package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection Metrics
var (
	// ConnectionsCurrent tracks live hub connections (connecting or active)
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connections_current",
			Help: "Current number of live hub connections",
		},
	)

	// ConnectionsTotal tracks accepted and rejected connections
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_connections_total",
			Help: "Total connection attempts by result (accepted/rejected)",
		},
		[]string{"result"},
	)

	// ConnectionsRejected tracks connections refused before registration, by limit
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_connections_rejected_total",
			Help: "Connections rejected by reason (capacity/per_ip_limit/rate_limit/auth)",
		},
		[]string{"reason"},
	)

	// ConnectionsRemoved tracks connection removals by reason
	ConnectionsRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_connections_removed_total",
			Help: "Connections removed by reason",
		},
		[]string{"reason"},
	)

	// ConnectionDuration tracks how long connections stay registered
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hub_connection_duration_seconds",
			Help:    "Connection lifetime in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600},
		},
	)

	// UniqueIPs tracks the number of distinct client IPs with open connections
	UniqueIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_unique_ips",
			Help: "Number of distinct client IPs with open connections",
		},
	)
)

// Delivery Metrics
var (
	// MessagesSent tracks frames written to sockets by message type
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_messages_sent_total",
			Help: "Frames written to client sockets",
		},
		[]string{"kind"},
	)

	// MessageWriteDuration tracks socket write latency
	MessageWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hub_message_write_duration_seconds",
			Help:    "Socket write duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		},
	)

	// SendFailures tracks frames that could not be enqueued, by reason
	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_send_failures_total",
			Help: "Outbound frames dropped or rejected by reason (queue_full/dropped_oldest/closed)",
		},
		[]string{"reason"},
	)

	// BroadcastFanout tracks how many connections received each published result
	BroadcastFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hub_broadcast_fanout",
			Help:    "Connections reached per published result",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
		},
	)

	// BroadcastsTotal tracks published results by kind (update/error)
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_broadcasts_total",
			Help: "Results published by kind (update/error)",
		},
		[]string{"kind"},
	)

	// StaleDeliveriesSkipped tracks results not delivered because a newer one already was
	StaleDeliveriesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_stale_deliveries_skipped_total",
			Help: "Results skipped because the connection already had a newer one",
		},
	)

	// HeartbeatTimeouts tracks connections pruned by the heartbeat monitor
	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_heartbeat_timeouts_total",
			Help: "Connections pruned for missing heartbeats",
		},
	)

	// ProtocolErrors tracks rejected inbound frames
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_protocol_errors_total",
			Help: "Inbound frames rejected by error type",
		},
		[]string{"type"},
	)

	// MessagesReceived tracks dispatched inbound frames by message type
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_messages_received_total",
			Help: "Inbound frames dispatched by message type",
		},
		[]string{"type"},
	)
)

// Subscription Metrics
var (
	// SubscriptionsCurrent tracks (connection, interest key) pairs
	SubscriptionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_subscriptions_current",
			Help: "Current number of subscriptions",
		},
	)
)

// Refresh Cache Metrics
var (
	// CacheRequests tracks GetOrRefresh outcomes (hit/miss/coalesced)
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_cache_requests_total",
			Help: "Refresh cache lookups by outcome (hit/miss/coalesced)",
		},
		[]string{"outcome"},
	)

	// CacheEntries tracks cached widget results
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_cache_entries",
			Help: "Number of widget results held by the refresh cache",
		},
	)

	// CacheInFlight tracks fetches currently in progress
	CacheInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_cache_in_flight",
			Help: "Collector fetches currently in flight",
		},
	)

	// CacheEvictions tracks entries removed by the idle sweep
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_cache_evictions_total",
			Help: "Refresh cache entries evicted by the idle sweep",
		},
	)

	// RefreshCycleDuration tracks one periodic refresh pass
	RefreshCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hub_refresh_cycle_duration_seconds",
			Help:    "Duration of one periodic refresh pass",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)

// Collector Metrics
var (
	// CollectorDuration tracks collector latency by widget type and status
	CollectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_fetch_duration_seconds",
			Help:    "Collector fetch duration by widget type and status",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"widget_type", "status"},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Widget Source Metrics
var (
	// WidgetCacheRequests tracks widget definition lookups by outcome (hit/miss)
	WidgetCacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "widget_cache_requests_total",
			Help: "Widget definition cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// WidgetCacheSize tracks cached widget definitions
	WidgetCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "widget_cache_size",
			Help: "Number of cached widget definitions (including expired)",
		},
	)

	// WidgetCacheEvictions tracks expired widget definitions removed
	WidgetCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "widget_cache_evictions_total",
			Help: "Expired widget definitions evicted",
		},
	)
)

// Redis Operations Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)
)

// Database Metrics
var (
	// DBQueryDuration tracks database query duration by query name
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	// DBErrorsTotal tracks database errors by query name
	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Total database errors by query",
		},
		[]string{"query"},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
