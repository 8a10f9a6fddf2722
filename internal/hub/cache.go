package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/huguesloyatho/proxydash-sub001/internal/platform/logging"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// PublishFunc receives every result the cache stores, in completion order per widget.
type PublishFunc func(widget domain.Widget, result domain.CollectorResult)

// CacheConfig tunes freshness and eviction.
type CacheConfig struct {
	// NegativeTTL caps how long a failed result is served.
	NegativeTTL time.Duration
	// IdleWindow is how long an entry without audience survives the sweep.
	IdleWindow time.Duration
}

type cacheEntry struct {
	widget      domain.Widget
	result      domain.CollectorResult
	ttl         time.Duration
	hasResult   bool
	inFlight    bool
	invalidated bool
	// invalidatedAt is the sequence number of the latest Invalidate.
	invalidatedAt uint64
}

type flightResult struct {
	result  domain.CollectorResult
	fetched bool
	// startedAt is the sequence number observed when the flight began; the result
	// reflects every invalidation at or below it.
	startedAt uint64
}

// Cache holds the latest result per widget and coalesces concurrent refreshes of
// the same widget into a single collector call. The bookkeeping lock is never
// held while a collector runs.
type Cache struct {
	mu      sync.RWMutex
	entries map[int64]*cacheEntry

	group    singleflight.Group
	fetcher  domain.Fetcher
	publish  PublishFunc
	clock    clockwork.Clock
	cfg      CacheConfig
	version  atomic.Uint64
	inFlight atomic.Int64
	// seq orders invalidations against flight starts. Guarded by mu.
	seq uint64
}

func NewCache(fetcher domain.Fetcher, publish PublishFunc, clock clockwork.Clock, cfg CacheConfig) *Cache {
	return &Cache{
		entries: make(map[int64]*cacheEntry),
		fetcher: fetcher,
		publish: publish,
		clock:   clock,
		cfg:     cfg,
	}
}

// GetOrRefresh returns the widget's cached result while it is younger than its
// TTL. Otherwise it joins the fetch already in flight for the widget or starts
// one. fetched reports whether the result came from a fetch, in which case it has
// already been published to the widget's audience.
//
// The fetch runs detached from ctx: a caller that gives up stops waiting but
// never cancels a fetch other subscribers share.
//
// A caller that invalidated the widget never receives a result fetched by a
// flight that began before that invalidation; it waits for one more flight.
func (c *Cache) GetOrRefresh(ctx context.Context, widget domain.Widget, ttl time.Duration) (domain.CollectorResult, bool, error) {
	res, invalidatedAt, ok := c.fresh(widget.ID)
	if ok {
		metrics.CacheRequests.WithLabelValues("hit").Inc()
		return res, false, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	for {
		// Read before joining: if this call starts the flight, every invalidation
		// after this point is newer than the flight's result.
		startedAt := c.currentSeq()
		ch := c.group.DoChan(widget.CacheKey(), func() (any, error) {
			return c.refresh(fetchCtx, widget, ttl, startedAt), nil
		})

		select {
		case r := <-ch:
			fr := r.Val.(flightResult)
			if fr.startedAt < invalidatedAt {
				metrics.CacheRequests.WithLabelValues("superseded").Inc()
				continue
			}
			switch {
			case !fr.fetched:
				metrics.CacheRequests.WithLabelValues("hit").Inc()
			case r.Shared:
				metrics.CacheRequests.WithLabelValues("coalesced").Inc()
			default:
				metrics.CacheRequests.WithLabelValues("miss").Inc()
			}
			return fr.result, fr.fetched, nil
		case <-ctx.Done():
			return domain.CollectorResult{}, false, fmt.Errorf("waiting for widget %d: %w", widget.ID, ctx.Err())
		}
	}
}

// refresh runs inside the single flight for the widget. Freshness is checked
// again so a caller that raced a just-finished flight does not fetch twice.
func (c *Cache) refresh(ctx context.Context, widget domain.Widget, ttl time.Duration, startedAt uint64) (out flightResult) {
	if res, seq, ok := c.freshAt(widget.ID); ok {
		return flightResult{result: res, startedAt: seq}
	}

	c.markInFlight(widget, ttl)
	metrics.CacheInFlight.Set(float64(c.inFlight.Add(1)))
	defer func() {
		c.clearInFlight(widget.ID)
		metrics.CacheInFlight.Set(float64(c.inFlight.Add(-1)))
	}()

	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
	result := c.fetch(ctx, widget)

	result.ComputedAt = c.clock.Now()
	result.Version = c.version.Add(1)
	c.store(widget, result, ttl, startedAt)

	if c.publish != nil {
		c.safePublish(ctx, widget, result)
	}

	slog.DebugContext(ctx, "Widget refreshed",
		"widget_id", widget.ID,
		"widget_type", widget.Type,
		"success", result.Success,
		"duration", result.Duration,
	)
	return flightResult{result: result, fetched: true, startedAt: startedAt}
}

func (c *Cache) fetch(ctx context.Context, widget domain.Widget) (result domain.CollectorResult) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "Fetch panic recovered", "widget_id", widget.ID, "panic", p)
			result = domain.CollectorResult{
				WidgetID:   widget.ID,
				WidgetType: widget.Type,
				Error:      fmt.Sprintf("fetch panic: %v", p),
			}
		}
	}()
	return c.fetcher.Fetch(ctx, widget)
}

func (c *Cache) safePublish(ctx context.Context, widget domain.Widget, result domain.CollectorResult) {
	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "Publish panic recovered", "widget_id", widget.ID, "panic", p)
		}
	}()
	c.publish(widget, result)
}

// fresh returns the cached result if it may be served, plus the sequence number
// of the widget's latest invalidation.
func (c *Cache) fresh(widgetID int64) (domain.CollectorResult, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[widgetID]
	if !ok {
		return domain.CollectorResult{}, 0, false
	}
	return e.result, e.invalidatedAt, c.servableLocked(e)
}

// freshAt is fresh with the current sequence number instead.
func (c *Cache) freshAt(widgetID int64) (domain.CollectorResult, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[widgetID]
	if !ok || !c.servableLocked(e) {
		return domain.CollectorResult{}, 0, false
	}
	return e.result, c.seq, true
}

func (c *Cache) servableLocked(e *cacheEntry) bool {
	if !e.hasResult || e.invalidated {
		return false
	}
	return c.clock.Since(e.result.ComputedAt) < e.ttl
}

func (c *Cache) currentSeq() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seq
}

func (c *Cache) markInFlight(widget domain.Widget, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[widget.ID]
	if !ok {
		e = &cacheEntry{ttl: ttl}
		c.entries[widget.ID] = e
		metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	e.widget = widget
	e.inFlight = true
}

func (c *Cache) clearInFlight(widgetID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[widgetID]; ok {
		e.inFlight = false
	}
}

// store records a flight's result. An invalidation that arrived after the flight
// started stays in effect.
func (c *Cache) store(widget domain.Widget, result domain.CollectorResult, ttl time.Duration, startedAt uint64) {
	if !result.Success && c.cfg.NegativeTTL > 0 && c.cfg.NegativeTTL < ttl {
		ttl = c.cfg.NegativeTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[widget.ID]
	if !ok {
		e = &cacheEntry{}
		c.entries[widget.ID] = e
		metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	e.widget = widget
	e.result = result
	e.ttl = ttl
	e.hasResult = true
	e.invalidated = e.invalidatedAt > startedAt
}

// Invalidate makes the next GetOrRefresh for the widget fetch regardless of TTL,
// including when a fetch is already in flight. It reports whether a result or a
// fetch existed for the widget.
func (c *Cache) Invalidate(widgetID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	e, existed := c.entries[widgetID]
	if !existed {
		// A flight may have been registered without reaching markInFlight yet.
		e = &cacheEntry{}
		c.entries[widgetID] = e
		metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	e.invalidated = true
	e.invalidatedAt = c.seq
	return existed
}

// Peek returns the cached result without freshness checks.
func (c *Cache) Peek(widgetID int64) (domain.CollectorResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[widgetID]
	if !ok || !e.hasResult {
		return domain.CollectorResult{}, false
	}
	return e.result, true
}

// Sweep evicts entries that are not being fetched, are older than the idle
// window and have no audience according to hasAudience.
func (c *Cache) Sweep(hasAudience func(domain.Widget) bool) int {
	now := c.clock.Now()

	c.mu.RLock()
	candidates := make([]domain.Widget, 0)
	for _, e := range c.entries {
		if !e.inFlight && e.hasResult && now.Sub(e.result.ComputedAt) > c.cfg.IdleWindow {
			candidates = append(candidates, e.widget)
		}
	}
	c.mu.RUnlock()

	if len(candidates) == 0 {
		return 0
	}

	// Audience lookups happen outside the cache lock.
	idle := candidates[:0]
	for _, w := range candidates {
		if !hasAudience(w) {
			idle = append(idle, w)
		}
	}

	c.mu.Lock()
	evicted := 0
	for _, w := range idle {
		e, ok := c.entries[w.ID]
		if ok && !e.inFlight && now.Sub(e.result.ComputedAt) > c.cfg.IdleWindow {
			delete(c.entries, w.ID)
			evicted++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	metrics.CacheEvictions.Add(float64(evicted))
	metrics.CacheEntries.Set(float64(size))
	return evicted
}

// Len returns the number of cached widgets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// InFlight returns the number of fetches in progress.
func (c *Cache) InFlight() int {
	return int(c.inFlight.Load())
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int64]*cacheEntry)
	metrics.CacheEntries.Set(0)
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration, hasAudience func(domain.Widget) bool) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := c.Sweep(hasAudience); n > 0 {
				slog.Debug("Evicted idle cache entries", "count", n, "remaining", c.Len())
			}
		}
	}
}
