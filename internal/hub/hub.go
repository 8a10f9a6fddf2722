package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	apperrors "github.com/huguesloyatho/proxydash-sub001/internal/errors"
	"github.com/huguesloyatho/proxydash-sub001/internal/protocol"
	"github.com/jonboulle/clockwork"
)

const DefaultCacheTTL = 30 * time.Second

// Config gathers the hub's tunables. Zero values fall back to defaults.
type Config struct {
	MaxConnections    int
	SendQueueSize     int
	OverflowPolicy    domain.OverflowPolicy
	MaxSendFailures   int
	MaxProtocolErrors int
	DrainTimeout      time.Duration

	HeartbeatInterval        time.Duration
	HeartbeatMissedThreshold int

	CacheTTL      time.Duration
	NegativeTTL   time.Duration
	IdleWindow    time.Duration
	SweepInterval time.Duration

	RefreshTick        time.Duration
	RefreshConcurrency int
}

// Stats is the operational snapshot served on the side channel.
type Stats struct {
	Connections   int `json:"connections"`
	Subscriptions int `json:"subscriptions"`
	CacheEntries  int `json:"cache_entries"`
	InFlight      int `json:"in_flight"`
}

// Hub composes the registries of one process. Construct it once and inject it;
// separate instances share nothing.
type Hub struct {
	cfg    Config
	clock  clockwork.Clock
	source domain.WidgetSource

	registry    *Registry
	index       *Index
	cache       *Cache
	broadcaster *Broadcaster
	heartbeat   *HeartbeatMonitor
	refresher   *Refresher
	handlers    map[protocol.MessageType]handlerFunc

	ctx    context.Context
	cancel context.CancelFunc

	// spawnMu orders wg.Add in spawn against wg.Wait in Stop.
	spawnMu  sync.Mutex
	stopped  bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config, source domain.WidgetSource, fetcher domain.Fetcher, clock clockwork.Clock) *Hub {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:    cfg,
		clock:  clock,
		source: source,
		ctx:    ctx,
		cancel: cancel,
	}

	h.index = NewIndex()
	h.registry = NewRegistry(RegistryConfig{
		MaxConnections:  cfg.MaxConnections,
		SendQueueSize:   cfg.SendQueueSize,
		OverflowPolicy:  cfg.OverflowPolicy,
		MaxSendFailures: cfg.MaxSendFailures,
		DrainTimeout:    cfg.DrainTimeout,
	}, h.index, clock)
	h.broadcaster = NewBroadcaster(h.registry, h.index)
	h.cache = NewCache(fetcher, func(w domain.Widget, res domain.CollectorResult) {
		h.broadcaster.Publish(w, res)
	}, clock, CacheConfig{NegativeTTL: cfg.NegativeTTL, IdleWindow: cfg.IdleWindow})
	h.heartbeat = NewHeartbeatMonitor(h.registry, clock, cfg.HeartbeatInterval, cfg.HeartbeatMissedThreshold)
	h.refresher = NewRefresher(h.cache, h.index, source, clock, cfg.RefreshTick, cfg.RefreshConcurrency, h.ttlFor)
	h.handlers = h.dispatchTable()

	return h
}

// Start launches the heartbeat monitor, the periodic refresher and the cache sweeper.
func (h *Hub) Start() {
	h.spawn(h.heartbeat.Run)
	h.spawn(h.refresher.Run)
	h.spawn(func(ctx context.Context) {
		h.cache.RunSweeper(ctx, h.cfg.SweepInterval, func(w domain.Widget) bool {
			return h.index.HasAudience(w.ID, w.Type)
		})
	})
	slog.Info("Hub started",
		"heartbeat_interval", h.heartbeat.interval,
		"refresh_tick", h.refresher.tick,
		"cache_ttl", h.cfg.CacheTTL,
	)
}

// Stop halts background work, closes every connection with a going-away frame
// and drops the cached results.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.spawnMu.Lock()
		h.stopped = true
		h.spawnMu.Unlock()

		h.cancel()
		h.registry.CloseAll(reasonShutdown)
		h.wg.Wait()
		h.cache.Clear()
		slog.Info("Hub stopped")
	})
}

// spawn runs fn on a tracked goroutine. It reports false once Stop has begun.
func (h *Hub) spawn(fn func(ctx context.Context)) bool {
	h.spawnMu.Lock()
	defer h.spawnMu.Unlock()
	if h.stopped {
		return false
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn(h.ctx)
	}()
	return true
}

// Accept registers a transport, sends the connected frame and activates the
// connection. The caller then runs Serve on the returned connection.
func (h *Hub) Accept(transport Transport, userID string) (*Connection, error) {
	conn, err := h.registry.Accept(transport, userID)
	if err != nil {
		return nil, apperrors.CapacityExceeded("too many connections").WithContext("limit", h.cfg.MaxConnections)
	}

	frame, err := protocol.Encode(protocol.TypeConnected, protocol.ConnectedData{
		ClientID:          conn.ID().String(),
		UserID:            userID,
		ServerTime:        protocol.ServerTime(h.clock.Now()),
		HeartbeatInterval: int(h.heartbeat.interval.Seconds()),
	})
	if err != nil {
		h.registry.Remove(conn.ID(), reasonWriteFailed)
		return nil, apperrors.InternalError("failed to encode handshake", err)
	}
	h.registry.Send(conn.ID(), frame)
	h.registry.Activate(conn.ID())

	slog.Info("Connection accepted", "client_id", conn.ID(), "user_id", userID, "connections", h.registry.Count())
	return conn, nil
}

type pongHandlerSetter interface {
	SetPongHandler(h func(appData string) error)
}

type readLimiter interface {
	SetReadLimit(limit int64)
}

// Serve runs the connection's read loop until the transport fails or the
// connection is removed. Every inbound frame, control pongs included, counts as
// activity for the heartbeat monitor.
func (h *Hub) Serve(ctx context.Context, conn *Connection) {
	if p, ok := conn.transport.(pongHandlerSetter); ok {
		p.SetPongHandler(func(string) error {
			h.registry.Touch(conn.ID())
			return nil
		})
	}
	if l, ok := conn.transport.(readLimiter); ok {
		l.SetReadLimit(protocol.MaxFrameSize)
	}

	for {
		_, data, err := conn.transport.ReadMessage()
		if err != nil {
			reason := reasonReadFailed
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				reason = reasonClientClosed
			}
			h.registry.Remove(conn.ID(), reason)
			return
		}

		h.registry.Touch(conn.ID())
		h.dispatch(ctx, conn, data)
	}
}

type widgetInvalidator interface {
	Invalidate(id int64)
}

// Refresh invalidates a widget and fetches it again, publishing the result to
// its audience. Used by the HTTP side channel. A caching source drops its copy of
// the definition first so edits to the widget take effect.
func (h *Hub) Refresh(ctx context.Context, widgetID int64) (domain.CollectorResult, error) {
	if inv, ok := h.source.(widgetInvalidator); ok {
		inv.Invalidate(widgetID)
	}
	w, err := h.lookupWidget(ctx, widgetID)
	if err != nil {
		return domain.CollectorResult{}, err
	}
	h.cache.Invalidate(w.ID)
	res, _, err := h.cache.GetOrRefresh(ctx, *w, h.ttlFor(*w))
	if err != nil {
		return domain.CollectorResult{}, apperrors.InternalError("refresh interrupted", err)
	}
	return res, nil
}

func (h *Hub) Stats() Stats {
	return Stats{
		Connections:   h.registry.Count(),
		Subscriptions: h.index.Count(),
		CacheEntries:  h.cache.Len(),
		InFlight:      h.cache.InFlight(),
	}
}

func (h *Hub) ttlFor(w domain.Widget) time.Duration {
	if w.RefreshInterval > 0 {
		return w.RefreshInterval
	}
	return h.cfg.CacheTTL
}

func (h *Hub) lookupWidget(ctx context.Context, id int64) (*domain.Widget, error) {
	w, err := h.source.GetWidget(ctx, id)
	if errors.Is(err, domain.ErrWidgetNotFound) {
		return nil, apperrors.NotFoundError("widget not found").WithContext("widget_id", id)
	}
	if err != nil {
		return nil, apperrors.InternalError("widget lookup failed", fmt.Errorf("get widget %d: %w", id, err))
	}
	return w, nil
}
