package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	metrics := []prometheus.Collector{
		ConnectionsCurrent,
		ConnectionsTotal,
		ConnectionsRejected,
		ConnectionsRemoved,
		ConnectionDuration,
		MessagesSent,
		SendFailures,
		BroadcastFanout,
		HeartbeatTimeouts,
		ProtocolErrors,
		SubscriptionsCurrent,
		CacheRequests,
		CacheEntries,
		CacheInFlight,
		CacheEvictions,
		CollectorDuration,
		CircuitBreakerState,
		WidgetCacheRequests,
		RedisOpsTotal,
		DBQueryDuration,
		BuildInfo,
	}

	for _, metric := range metrics {
		desc := make(chan *prometheus.Desc, 1)
		metric.Describe(desc)
		close(desc)

		require.NotNil(t, <-desc, "metric should have a valid descriptor")
	}
}

func TestCounterVecMetrics(t *testing.T) {
	tests := []struct {
		name    string
		metric  *prometheus.CounterVec
		labels  prometheus.Labels
		incBy   int
		wantVal float64
	}{
		{
			name:    "cache requests",
			metric:  CacheRequests,
			labels:  prometheus.Labels{"outcome": "coalesced"},
			incBy:   4,
			wantVal: 4,
		},
		{
			name:    "connections removed",
			metric:  ConnectionsRemoved,
			labels:  prometheus.Labels{"reason": "heartbeat_timeout"},
			incBy:   2,
			wantVal: 2,
		},
		{
			name:    "redis operations",
			metric:  RedisOpsTotal,
			labels:  prometheus.Labels{"operation": "get", "status": "success"},
			incBy:   5,
			wantVal: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.metric.Reset()

			for i := 0; i < tt.incBy; i++ {
				tt.metric.With(tt.labels).Inc()
			}

			assert.Equal(t, tt.wantVal, testutil.ToFloat64(tt.metric.With(tt.labels)))
		})
	}
}

func TestGaugeMetrics(t *testing.T) {
	tests := []struct {
		name     string
		metric   prometheus.Gauge
		setValue float64
	}{
		{"connections current", ConnectionsCurrent, 42},
		{"subscriptions current", SubscriptionsCurrent, 150},
		{"cache entries", CacheEntries, 12},
		{"cache in flight", CacheInFlight, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.metric.Set(tt.setValue)
			assert.Equal(t, tt.setValue, testutil.ToFloat64(tt.metric))
		})
	}
}

func TestHistogramMetrics(t *testing.T) {
	CollectorDuration.Reset()

	for _, obs := range []float64{0.01, 0.2, 1.5} {
		CollectorDuration.WithLabelValues("docker", "success").Observe(obs)
	}
	CollectorDuration.WithLabelValues("docker", "timeout").Observe(5)

	assert.Equal(t, 2, testutil.CollectAndCount(CollectorDuration))
}

func TestMetricNaming(t *testing.T) {
	ConnectionsCurrent.Set(1)

	expected := `
		# HELP hub_connections_current Current number of live hub connections
		# TYPE hub_connections_current gauge
		hub_connections_current 1
	`
	require.NoError(t, testutil.CollectAndCompare(ConnectionsCurrent, strings.NewReader(expected)))
}
