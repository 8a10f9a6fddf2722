package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline = 5 * time.Second
	closeDeadline = time.Second
)

// Transport is the socket a connection writes to. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type outbound struct {
	kind int
	data []byte
}

type enqueueStatus int

const (
	enqueued enqueueStatus = iota
	enqueuedDroppedOldest
	rejectedFull
	rejectedClosed
	skippedStale
	skippedUnfollowed
)

// followsFunc reports whether the connection still follows a widget, directly or
// by type.
type followsFunc func(widgetID int64, widgetType string) bool

type delivery struct {
	version    uint64
	widgetType string
}

// Connection is one live socket session. Its outbound queue is drained by a
// dedicated writer goroutine; all sends are non-blocking.
type Connection struct {
	id          domain.ConnectionID
	userID      string
	transport   Transport
	clock       clockwork.Clock
	policy      domain.OverflowPolicy
	connectedAt time.Time

	state          atomic.Int32
	lastSeen       atomic.Int64
	sendFailures   atomic.Int32
	protocolErrors atomic.Int32

	// mu serializes enqueues so drop-oldest and the per-widget ordering check are atomic.
	mu        sync.Mutex
	queue     chan outbound
	delivered map[int64]delivery

	closing    chan struct{}
	writerDone chan struct{}
	stopOnce   sync.Once
	onBroken   func(reason string)
}

func newConnection(id domain.ConnectionID, userID string, transport Transport, clock clockwork.Clock, queueSize int, policy domain.OverflowPolicy) *Connection {
	now := clock.Now()
	c := &Connection{
		id:          id,
		userID:      userID,
		transport:   transport,
		clock:       clock,
		policy:      policy,
		connectedAt: now,
		queue:       make(chan outbound, queueSize),
		delivered:   make(map[int64]delivery),
		closing:     make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	c.state.Store(int32(domain.StateConnecting))
	c.lastSeen.Store(now.UnixNano())
	return c
}

func (c *Connection) ID() domain.ConnectionID { return c.id }

// UserID is empty for anonymous connections.
func (c *Connection) UserID() string { return c.userID }

func (c *Connection) State() domain.ConnState { return domain.ConnState(c.state.Load()) }

func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Connection) touch() { c.lastSeen.Store(c.clock.Now().UnixNano()) }

func (c *Connection) transition(from, to domain.ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// beginClose moves a connecting or active connection to closing.
func (c *Connection) beginClose() bool {
	return c.transition(domain.StateActive, domain.StateClosing) ||
		c.transition(domain.StateConnecting, domain.StateClosing)
}

func (c *Connection) start(onBroken func(reason string)) {
	c.onBroken = onBroken
	go c.run()
}

func (c *Connection) enqueue(kind int, data []byte) enqueueStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(outbound{kind: kind, data: data})
}

func (c *Connection) enqueueLocked(msg outbound) enqueueStatus {
	switch c.State() {
	case domain.StateConnecting, domain.StateActive:
	default:
		return rejectedClosed
	}

	select {
	case c.queue <- msg:
		return enqueued
	default:
	}

	if c.policy == domain.OverflowDisconnect {
		return rejectedFull
	}

	// Only this method sends to the queue and it holds mu, so after freeing one
	// slot the second attempt cannot fail.
	select {
	case <-c.queue:
	default:
	}
	select {
	case c.queue <- msg:
		return enqueuedDroppedOldest
	default:
		return rejectedFull
	}
}

// enqueueResult enqueues a widget result unless a result with an equal or newer
// version was already enqueued for that widget. A non-nil follows is checked
// under mu, so a result racing an unsubscribe is either queued ahead of the
// acknowledgement or not at all.
func (c *Connection) enqueueResult(widgetID int64, widgetType string, version uint64, data []byte, follows followsFunc) enqueueStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if follows != nil && !follows(widgetID, widgetType) {
		return skippedUnfollowed
	}
	if last, ok := c.delivered[widgetID]; ok && version <= last.version {
		return skippedStale
	}

	status := c.enqueueLocked(outbound{kind: websocket.TextMessage, data: data})
	if status == enqueued || status == enqueuedDroppedOldest {
		c.delivered[widgetID] = delivery{version: version, widgetType: widgetType}
	}
	return status
}

// forget drops ordering state for widgets the connection no longer follows, so
// a later re-subscribe is served the current cached result again. Widgets still
// covered by another subscription keep their state.
func (c *Connection) forget(follows followsFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, d := range c.delivered {
		if !follows(id, d.widgetType) {
			delete(c.delivered, id)
		}
	}
}

func (c *Connection) run() {
	defer close(c.writerDone)

	for {
		select {
		case msg := <-c.queue:
			if !c.write(msg) {
				return
			}
		case <-c.closing:
			c.drain()
			return
		}
	}
}

// drain flushes whatever is still queued once the connection starts closing.
func (c *Connection) drain() {
	for {
		select {
		case msg := <-c.queue:
			if !c.write(msg) {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(msg outbound) bool {
	start := c.clock.Now()
	// Socket deadlines are wall-clock, independent of the injected clock.
	_ = c.transport.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := c.transport.WriteMessage(msg.kind, msg.data); err != nil {
		if c.onBroken != nil && c.State() == domain.StateActive {
			go c.onBroken(reasonWriteFailed)
		}
		return false
	}
	metrics.MessageWriteDuration.Observe(c.clock.Since(start).Seconds())
	if msg.kind == websocket.PingMessage {
		metrics.MessagesSent.WithLabelValues("ping").Inc()
	} else {
		metrics.MessagesSent.WithLabelValues("text").Inc()
	}
	return true
}

// shutdown stops the writer after it drains the queue (bounded by drainTimeout),
// then sends a close frame and closes the transport. Safe to call repeatedly.
func (c *Connection) shutdown(reason string, drainTimeout time.Duration) {
	c.stopOnce.Do(func() {
		close(c.closing)

		timer := time.NewTimer(drainTimeout)
		defer timer.Stop()

		select {
		case <-c.writerDone:
			closeMsg := websocket.FormatCloseMessage(closeCode(reason), reason)
			_ = c.transport.SetWriteDeadline(time.Now().Add(closeDeadline))
			_ = c.transport.WriteMessage(websocket.CloseMessage, closeMsg)
			_ = c.transport.Close()
		case <-timer.C:
			// Closing the transport unblocks a writer stuck on a slow socket.
			_ = c.transport.Close()
			<-c.writerDone
		}

		c.state.Store(int32(domain.StateClosed))
	})
}

func closeCode(reason string) int {
	switch reason {
	case reasonShutdown:
		return websocket.CloseGoingAway
	case reasonProtocolErrors:
		return websocket.CloseProtocolError
	case reasonSlowConsumer:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}
