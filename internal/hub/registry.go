package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/jonboulle/clockwork"
)

// Removal reasons, used for logs, metrics and close frames.
const (
	reasonClientClosed   = "client closed"
	reasonReadFailed     = "read failed"
	reasonWriteFailed    = "write failed"
	reasonSlowConsumer   = "slow consumer"
	reasonHeartbeat      = "heartbeat timeout"
	reasonProtocolErrors = "too many protocol errors"
	reasonShutdown       = "server shutting down"
)

// RegistryConfig bounds the registry's resources.
type RegistryConfig struct {
	MaxConnections  int
	SendQueueSize   int
	OverflowPolicy  domain.OverflowPolicy
	MaxSendFailures int
	DrainTimeout    time.Duration
}

// Registry owns the set of live connections. The Index only ever sees their ids.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]*Connection

	index *Index
	clock clockwork.Clock
	cfg   RegistryConfig
}

func NewRegistry(cfg RegistryConfig, index *Index, clock clockwork.Clock) *Registry {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = domain.OverflowDropOldest
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 2 * time.Second
	}
	return &Registry{
		conns: make(map[domain.ConnectionID]*Connection),
		index: index,
		clock: clock,
		cfg:   cfg,
	}
}

// Accept registers a new connection in state connecting and starts its writer.
// At capacity the transport is closed immediately and nothing is registered.
func (r *Registry) Accept(transport Transport, userID string) (*Connection, error) {
	conn := newConnection(uuid.New(), userID, transport, r.clock, r.cfg.SendQueueSize, r.cfg.OverflowPolicy)

	r.mu.Lock()
	if r.cfg.MaxConnections > 0 && len(r.conns) >= r.cfg.MaxConnections {
		r.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		metrics.ConnectionsRejected.WithLabelValues("capacity").Inc()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity")
		_ = transport.SetWriteDeadline(time.Now().Add(closeDeadline))
		_ = transport.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = transport.Close()
		return nil, fmt.Errorf("%w: limit %d", domain.ErrCapacityExceeded, r.cfg.MaxConnections)
	}
	r.conns[conn.id] = conn
	count := len(r.conns)
	r.mu.Unlock()

	conn.start(func(reason string) { r.Evict(conn.id, reason) })

	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.ConnectionsCurrent.Set(float64(count))
	return conn, nil
}

// Activate completes the handshake: connecting to active.
func (r *Registry) Activate(id domain.ConnectionID) bool {
	conn, ok := r.Get(id)
	if !ok {
		return false
	}
	return conn.transition(domain.StateConnecting, domain.StateActive)
}

// Touch records inbound activity.
func (r *Registry) Touch(id domain.ConnectionID) {
	if conn, ok := r.Get(id); ok {
		conn.touch()
	}
}

func (r *Registry) Get(id domain.ConnectionID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Snapshot returns the currently active connections.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.State() == domain.StateActive {
			out = append(out, conn)
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Remove closes a connection: its subscriptions are dropped and its id
// unregistered before this returns, then the outbound queue is drained and the
// transport closed. Removing an unknown or already removed id is a no-op.
func (r *Registry) Remove(id domain.ConnectionID, reason string) bool {
	conn, ok := r.detach(id, reason)
	if !ok {
		return false
	}
	conn.shutdown(reason, r.cfg.DrainTimeout)
	return true
}

// Evict is Remove with the drain and transport close moved off the caller's
// goroutine, for callers that must not block (fan-out, heartbeat, writer).
func (r *Registry) Evict(id domain.ConnectionID, reason string) bool {
	conn, ok := r.detach(id, reason)
	if !ok {
		return false
	}
	go conn.shutdown(reason, r.cfg.DrainTimeout)
	return true
}

func (r *Registry) detach(id domain.ConnectionID, reason string) (*Connection, bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok || !conn.beginClose() {
		r.mu.Unlock()
		return nil, false
	}
	dropped := r.index.DropConnection(id)
	delete(r.conns, id)
	count := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsCurrent.Set(float64(count))
	metrics.ConnectionsRemoved.WithLabelValues(metricLabel(reason)).Inc()
	metrics.ConnectionDuration.Observe(r.clock.Since(conn.connectedAt).Seconds())

	slog.Info("Connection removed",
		"client_id", id,
		"reason", reason,
		"subscriptions_dropped", dropped,
	)
	return conn, true
}

// Subscribe records interest for a registered connection. Holding the registry
// lock keeps it from racing Remove, which would leave an orphaned subscription.
func (r *Registry) Subscribe(id domain.ConnectionID, key domain.InterestKey) (added bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, registered := r.conns[id]; !registered {
		return false, false
	}
	return r.index.Subscribe(id, key), true
}

// Send enqueues a text frame without blocking. It reports whether the frame was
// enqueued; a full queue is handled per the overflow policy.
func (r *Registry) Send(id domain.ConnectionID, frame []byte) bool {
	conn, ok := r.Get(id)
	if !ok {
		return false
	}
	return r.handleStatus(conn, conn.enqueue(websocket.TextMessage, frame))
}

func (r *Registry) ping(conn *Connection) {
	r.handleStatus(conn, conn.enqueue(websocket.PingMessage, nil))
}

// handleStatus applies failure escalation: the disconnect policy evicts on the
// first full queue, and more than MaxSendFailures consecutive failures (including
// dropped-oldest overflows) evict under either policy.
func (r *Registry) handleStatus(conn *Connection, status enqueueStatus) bool {
	switch status {
	case enqueued:
		conn.sendFailures.Store(0)
		return true
	case skippedStale:
		metrics.StaleDeliveriesSkipped.Inc()
		return false
	case skippedUnfollowed:
		return false
	case rejectedClosed:
		metrics.SendFailures.WithLabelValues("closed").Inc()
		return false
	}

	if status == rejectedFull {
		metrics.SendFailures.WithLabelValues("queue_full").Inc()
		if r.cfg.OverflowPolicy == domain.OverflowDisconnect {
			r.Evict(conn.id, reasonSlowConsumer)
			return false
		}
	} else {
		metrics.SendFailures.WithLabelValues("dropped_oldest").Inc()
	}

	failures := conn.sendFailures.Add(1)
	if r.cfg.MaxSendFailures > 0 && int(failures) > r.cfg.MaxSendFailures {
		slog.Warn("Evicting slow consumer", "client_id", conn.id, "consecutive_failures", failures)
		r.Evict(conn.id, reasonSlowConsumer)
	}
	return status == enqueuedDroppedOldest
}

// CloseAll removes every connection, in parallel.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]domain.ConnectionID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Remove(id, reason)
		}()
	}
	wg.Wait()
}

func metricLabel(reason string) string {
	switch reason {
	case reasonClientClosed:
		return "client_closed"
	case reasonReadFailed:
		return "read_failed"
	case reasonWriteFailed:
		return "write_failed"
	case reasonSlowConsumer:
		return "slow_consumer"
	case reasonHeartbeat:
		return "heartbeat_timeout"
	case reasonProtocolErrors:
		return "protocol_errors"
	case reasonShutdown:
		return "shutdown"
	default:
		return "other"
	}
}
