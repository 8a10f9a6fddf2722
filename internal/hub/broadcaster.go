package hub

import (
	"log/slog"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/huguesloyatho/proxydash-sub001/internal/protocol"
)

// Broadcaster fans fresh results out to every interested connection.
type Broadcaster struct {
	registry *Registry
	index    *Index
}

func NewBroadcaster(registry *Registry, index *Index) *Broadcaster {
	return &Broadcaster{registry: registry, index: index}
}

// Publish encodes the result once and enqueues it for every connection that
// follows the widget directly or by type, as resolved now. A failing connection
// never holds up the others. Returns the number of connections reached.
func (b *Broadcaster) Publish(widget domain.Widget, result domain.CollectorResult) int {
	frame, err := protocol.EncodeResult(result)
	if err != nil {
		slog.Error("Failed to encode widget result", "widget_id", widget.ID, "error", err)
		return 0
	}

	kind := "update"
	if !result.Success {
		kind = "error"
	}
	metrics.BroadcastsTotal.WithLabelValues(kind).Inc()

	delivered := 0
	for _, id := range b.index.Audience(widget.ID, widget.Type) {
		conn, ok := b.registry.Get(id)
		if !ok {
			continue
		}
		if b.deliver(conn, result, frame, b.index.followsFor(id)) {
			delivered++
		}
	}

	metrics.BroadcastFanout.Observe(float64(delivered))
	return delivered
}

// Deliver sends a result to a single subscriber, used when a new subscriber is
// served from the cache. Nothing is sent once the connection has stopped
// following the widget. Results the connection already has, or older ones, are
// skipped.
func (b *Broadcaster) Deliver(conn *Connection, result domain.CollectorResult) bool {
	return b.send(conn, result, b.index.followsFor(conn.ID()))
}

// Reply sends a result the connection asked for, whether or not it follows the
// widget.
func (b *Broadcaster) Reply(conn *Connection, result domain.CollectorResult) bool {
	return b.send(conn, result, nil)
}

func (b *Broadcaster) send(conn *Connection, result domain.CollectorResult, follows followsFunc) bool {
	frame, err := protocol.EncodeResult(result)
	if err != nil {
		slog.Error("Failed to encode widget result", "widget_id", result.WidgetID, "error", err)
		return false
	}
	return b.deliver(conn, result, frame, follows)
}

func (b *Broadcaster) deliver(conn *Connection, result domain.CollectorResult, frame []byte, follows followsFunc) bool {
	status := conn.enqueueResult(result.WidgetID, result.WidgetType, result.Version, frame, follows)
	return b.registry.handleStatus(conn, status)
}
