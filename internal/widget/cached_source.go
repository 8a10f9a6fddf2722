package widget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/jonboulle/clockwork"
)

// CachedSource is a domain.WidgetSource with TTL-based caching of both single
// widgets and per-type listings. Lookup errors, not-found included, are never cached.
type CachedSource struct {
	next  domain.WidgetSource
	ttl   time.Duration
	clock clockwork.Clock

	mu     sync.RWMutex
	byID   map[int64]entry[domain.Widget]
	byType map[string]entry[[]domain.Widget]
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

var _ domain.WidgetSource = (*CachedSource)(nil)

func NewCachedSource(next domain.WidgetSource, ttl time.Duration, clock clockwork.Clock) *CachedSource {
	return &CachedSource{
		next:   next,
		ttl:    ttl,
		clock:  clock,
		byID:   make(map[int64]entry[domain.Widget]),
		byType: make(map[string]entry[[]domain.Widget]),
	}
}

func (s *CachedSource) GetWidget(ctx context.Context, id int64) (*domain.Widget, error) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if ok && s.clock.Now().Before(e.expiresAt) {
		metrics.WidgetCacheRequests.WithLabelValues("hit").Inc()
		w := e.value
		return &w, nil
	}
	metrics.WidgetCacheRequests.WithLabelValues("miss").Inc()

	w, err := s.next.GetWidget(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.byID[id] = entry[domain.Widget]{value: *w, expiresAt: s.clock.Now().Add(s.ttl)}
	s.mu.Unlock()
	return w, nil
}

func (s *CachedSource) ListByType(ctx context.Context, widgetType string) ([]domain.Widget, error) {
	s.mu.RLock()
	e, ok := s.byType[widgetType]
	s.mu.RUnlock()
	if ok && s.clock.Now().Before(e.expiresAt) {
		metrics.WidgetCacheRequests.WithLabelValues("hit").Inc()
		return append([]domain.Widget(nil), e.value...), nil
	}
	metrics.WidgetCacheRequests.WithLabelValues("miss").Inc()

	widgets, err := s.next.ListByType(ctx, widgetType)
	if err != nil {
		return nil, err
	}

	expiresAt := s.clock.Now().Add(s.ttl)
	s.mu.Lock()
	s.byType[widgetType] = entry[[]domain.Widget]{value: append([]domain.Widget(nil), widgets...), expiresAt: expiresAt}
	// A listing is as good as a point lookup for each widget in it.
	for _, w := range widgets {
		s.byID[w.ID] = entry[domain.Widget]{value: w, expiresAt: expiresAt}
	}
	s.mu.Unlock()
	return widgets, nil
}

// Invalidate drops a widget and every type listing, so a changed widget type is
// picked up on the next lookup.
func (s *CachedSource) Invalidate(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	clear(s.byType)
}

func (s *CachedSource) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.byID)
	clear(s.byType)
}

// Size counts cached entries, expired ones included.
func (s *CachedSource) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID) + len(s.byType)
}

// EvictExpired removes expired entries and returns how many were removed.
func (s *CachedSource) EvictExpired() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, e := range s.byID {
		if !now.Before(e.expiresAt) {
			delete(s.byID, id)
			evicted++
		}
	}
	for t, e := range s.byType {
		if !now.Before(e.expiresAt) {
			delete(s.byType, t)
			evicted++
		}
	}
	return evicted
}

// RunEviction evicts expired entries every interval until ctx is cancelled.
func (s *CachedSource) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if evicted := s.EvictExpired(); evicted > 0 {
				slog.Debug("Evicted expired widget definitions", "count", evicted, "remaining", s.Size())
				metrics.WidgetCacheEvictions.Add(float64(evicted))
			}
			metrics.WidgetCacheSize.Set(float64(s.Size()))
		}
	}
}
