package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/huguesloyatho/proxydash-sub001/internal/protocol"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMissedThreshold   = 2
)

// HeartbeatMonitor pings active connections on a fixed period and prunes the
// ones that have been silent for threshold × interval.
type HeartbeatMonitor struct {
	registry  *Registry
	clock     clockwork.Clock
	interval  time.Duration
	threshold int
}

func NewHeartbeatMonitor(registry *Registry, clock clockwork.Clock, interval time.Duration, threshold int) *HeartbeatMonitor {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if threshold <= 0 {
		threshold = DefaultMissedThreshold
	}
	return &HeartbeatMonitor{
		registry:  registry,
		clock:     clock,
		interval:  interval,
		threshold: threshold,
	}
}

// Timeout is how long a connection may stay silent.
func (m *HeartbeatMonitor) Timeout() time.Duration {
	return time.Duration(m.threshold) * m.interval
}

// Run checks every interval until ctx is cancelled.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Check()
		}
	}
}

// Check runs one pass. Each connection is handled independently and without
// blocking: pruning detaches synchronously and closes the socket in the
// background, heartbeats are non-blocking enqueues.
func (m *HeartbeatMonitor) Check() (pinged, pruned int) {
	now := m.clock.Now()
	deadline := now.Add(-m.Timeout())
	frame := protocol.EncodeTime(protocol.TypeHeartbeat, now)

	for _, conn := range m.registry.Snapshot() {
		if conn.LastSeen().Before(deadline) {
			if m.registry.Evict(conn.ID(), reasonHeartbeat) {
				metrics.HeartbeatTimeouts.Inc()
				pruned++
				slog.Info("Pruned silent connection", "client_id", conn.ID(), "last_seen", conn.LastSeen())
			}
			continue
		}

		m.registry.Send(conn.ID(), frame)
		m.registry.ping(conn)
		pinged++
	}
	return pinged, pruned
}
