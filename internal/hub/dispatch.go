package hub

import (
	"context"
	"log/slog"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	apperrors "github.com/huguesloyatho/proxydash-sub001/internal/errors"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/huguesloyatho/proxydash-sub001/internal/protocol"
	"golang.org/x/sync/errgroup"
)

type handlerFunc func(ctx context.Context, conn *Connection, msg protocol.Inbound) error

func (h *Hub) dispatchTable() map[protocol.MessageType]handlerFunc {
	return map[protocol.MessageType]handlerFunc{
		protocol.TypeSubscribe:   h.handleSubscribe,
		protocol.TypeUnsubscribe: h.handleUnsubscribe,
		protocol.TypePing:        h.handlePing,
		protocol.TypeRefresh:     h.handleRefresh,
	}
}

// dispatch handles one inbound frame. Frames are only accepted from active
// connections; anything else is dropped.
func (h *Hub) dispatch(ctx context.Context, conn *Connection, data []byte) {
	if conn.State() != domain.StateActive {
		slog.Debug("Dropping frame from inactive connection", "client_id", conn.ID(), "state", conn.State())
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		h.protocolViolation(conn, err)
		return
	}

	handler, ok := h.handlers[msg.Type]
	if !ok {
		h.protocolViolation(conn, apperrors.ProtocolError("unsupported message type").WithContext("message_type", string(msg.Type)))
		return
	}

	metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()
	if err := handler(ctx, conn, msg); err != nil {
		h.replyError(conn, err)
	}
}

func (h *Hub) replyError(conn *Connection, err error) {
	structured := apperrors.AsStructuredError(err)
	switch structured.Type {
	case apperrors.TypeProtocol, apperrors.TypeValidation:
		h.protocolViolation(conn, structured)
	default:
		if structured.Type == apperrors.TypeInternal {
			slog.Error("Message handling failed", "client_id", conn.ID(), "error", err)
		}
		h.registry.Send(conn.ID(), protocol.EncodeError(structured))
	}
}

// protocolViolation answers with an error frame and closes the connection once
// it has sent more than MaxProtocolErrors bad frames.
func (h *Hub) protocolViolation(conn *Connection, err error) {
	structured := apperrors.AsStructuredError(err)
	metrics.ProtocolErrors.WithLabelValues(string(structured.Type)).Inc()

	h.registry.Send(conn.ID(), protocol.EncodeError(structured))

	n := conn.protocolErrors.Add(1)
	if h.cfg.MaxProtocolErrors > 0 && int(n) > h.cfg.MaxProtocolErrors {
		slog.Warn("Closing connection after repeated protocol errors", "client_id", conn.ID(), "errors", n)
		h.registry.Remove(conn.ID(), reasonProtocolErrors)
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, conn *Connection, msg protocol.Inbound) error {
	key, _ := msg.Interest()

	var widgets []domain.Widget
	switch key.Kind {
	case domain.InterestWidget:
		w, err := h.lookupWidget(ctx, key.WidgetID)
		if err != nil {
			return err
		}
		widgets = []domain.Widget{*w}
	case domain.InterestType:
		ws, err := h.source.ListByType(ctx, key.WidgetType)
		if err != nil {
			return apperrors.InternalError("widget lookup failed", err)
		}
		widgets = ws
	}

	added, ok := h.registry.Subscribe(conn.ID(), key)
	if !ok {
		return nil
	}

	if err := h.ack(conn, protocol.TypeSubscribed, key); err != nil {
		return err
	}

	if added {
		slog.Debug("Subscribed", "client_id", conn.ID(), "key", key.String(), "widgets", len(widgets))
		h.prime(conn, widgets)
	}
	return nil
}

// prime brings a new subscriber up to date in the background: fresh entries are
// delivered straight away, stale ones are fetched (or joined) and published.
func (h *Hub) prime(conn *Connection, widgets []domain.Widget) {
	if len(widgets) == 0 {
		return
	}
	h.spawn(func(ctx context.Context) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(h.refresher.concurrency)
		for _, w := range widgets {
			w := w
			g.Go(func() error {
				res, _, err := h.cache.GetOrRefresh(gctx, w, h.ttlFor(w))
				if err == nil {
					h.broadcaster.Deliver(conn, res)
				}
				return nil
			})
		}
		_ = g.Wait()
	})
}

func (h *Hub) handleUnsubscribe(_ context.Context, conn *Connection, msg protocol.Inbound) error {
	key, _ := msg.Interest()

	if h.index.Unsubscribe(conn.ID(), key) {
		conn.forget(h.index.followsFor(conn.ID()))
		slog.Debug("Unsubscribed", "client_id", conn.ID(), "key", key.String())
	}
	return h.ack(conn, protocol.TypeUnsubscribed, key)
}

func (h *Hub) handlePing(_ context.Context, conn *Connection, _ protocol.Inbound) error {
	h.registry.Send(conn.ID(), protocol.EncodeTime(protocol.TypePong, h.clock.Now()))
	return nil
}

// handleRefresh forces a new fetch of one widget; the result reaches the
// widget's audience and, subscribed or not, the requester.
func (h *Hub) handleRefresh(ctx context.Context, conn *Connection, msg protocol.Inbound) error {
	w, err := h.lookupWidget(ctx, *msg.WidgetID)
	if err != nil {
		return err
	}

	h.cache.Invalidate(w.ID)
	widget := *w
	h.spawn(func(ctx context.Context) {
		res, _, err := h.cache.GetOrRefresh(ctx, widget, h.ttlFor(widget))
		if err != nil {
			return
		}
		h.broadcaster.Reply(conn, res)
	})
	return nil
}

func (h *Hub) ack(conn *Connection, t protocol.MessageType, key domain.InterestKey) error {
	frame, err := protocol.Encode(t, protocol.NewInterestData(key))
	if err != nil {
		return apperrors.InternalError("failed to encode acknowledgement", err)
	}
	h.registry.Send(conn.ID(), frame)
	return nil
}
