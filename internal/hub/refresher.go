package hub

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/huguesloyatho/proxydash-sub001/internal/platform/logging"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRefreshTick        = 5 * time.Second
	DefaultRefreshConcurrency = 16
)

// Refresher periodically re-enters the cache for every widget someone follows.
// Fresh widgets are cheap cache hits; stale ones are fetched and published.
type Refresher struct {
	cache       *Cache
	index       *Index
	source      domain.WidgetSource
	clock       clockwork.Clock
	tick        time.Duration
	concurrency int
	ttlFor      func(domain.Widget) time.Duration
}

func NewRefresher(cache *Cache, index *Index, source domain.WidgetSource, clock clockwork.Clock, tick time.Duration, concurrency int, ttlFor func(domain.Widget) time.Duration) *Refresher {
	if tick <= 0 {
		tick = DefaultRefreshTick
	}
	if concurrency <= 0 {
		concurrency = DefaultRefreshConcurrency
	}
	return &Refresher{
		cache:       cache,
		index:       index,
		source:      source,
		clock:       clock,
		tick:        tick,
		concurrency: concurrency,
		ttlFor:      ttlFor,
	}
}

// Run refreshes every tick until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce runs one pass over the followed widgets and returns how many
// were fetched (as opposed to served from cache).
func (r *Refresher) RefreshOnce(ctx context.Context) int {
	start := r.clock.Now()
	ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())

	widgets := r.followedWidgets(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	fetched := make(chan struct{}, len(widgets))
	for _, w := range widgets {
		w := w
		g.Go(func() error {
			// A cancelled wait is not an error here; the fetch itself keeps going.
			if _, didFetch, err := r.cache.GetOrRefresh(gctx, w, r.ttlFor(w)); err == nil && didFetch {
				fetched <- struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(fetched)

	metrics.RefreshCycleDuration.Observe(r.clock.Since(start).Seconds())
	return len(fetched)
}

// followedWidgets resolves the index keys to widget definitions, deduplicated.
func (r *Refresher) followedWidgets(ctx context.Context) []domain.Widget {
	seen := make(map[int64]struct{})
	var out []domain.Widget
	add := func(w domain.Widget) {
		if _, dup := seen[w.ID]; dup {
			return
		}
		seen[w.ID] = struct{}{}
		out = append(out, w)
	}

	for _, key := range r.index.Keys() {
		switch key.Kind {
		case domain.InterestWidget:
			w, err := r.source.GetWidget(ctx, key.WidgetID)
			if errors.Is(err, domain.ErrWidgetNotFound) {
				slog.DebugContext(ctx, "Refresher: widget vanished", "widget_id", key.WidgetID)
				continue
			}
			if err != nil {
				slog.WarnContext(ctx, "Refresher: widget lookup failed", "widget_id", key.WidgetID, "error", err)
				continue
			}
			add(*w)
		case domain.InterestType:
			ws, err := r.source.ListByType(ctx, key.WidgetType)
			if err != nil {
				slog.WarnContext(ctx, "Refresher: type lookup failed", "widget_type", key.WidgetType, "error", err)
				continue
			}
			for _, w := range ws {
				add(w)
			}
		}
	}
	return out
}
