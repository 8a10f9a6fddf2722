package hub

import (
	"sync"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
)

type idSet map[domain.ConnectionID]struct{}
type keySet map[domain.InterestKey]struct{}

// Index maps connections to interest keys and back. Both maps change together
// under mu, so they are always mutually consistent. Type keys are kept as their
// own entries and resolved when a result is published.
type Index struct {
	mu     sync.RWMutex
	byConn map[domain.ConnectionID]keySet
	byKey  map[domain.InterestKey]idSet
	total  int
}

func NewIndex() *Index {
	return &Index{
		byConn: make(map[domain.ConnectionID]keySet),
		byKey:  make(map[domain.InterestKey]idSet),
	}
}

// Subscribe is idempotent; it reports whether the pair was new.
func (x *Index) Subscribe(id domain.ConnectionID, key domain.InterestKey) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	keys, ok := x.byConn[id]
	if !ok {
		keys = make(keySet)
		x.byConn[id] = keys
	}
	if _, exists := keys[key]; exists {
		return false
	}
	keys[key] = struct{}{}

	ids, ok := x.byKey[key]
	if !ok {
		ids = make(idSet)
		x.byKey[key] = ids
	}
	ids[id] = struct{}{}

	x.total++
	metrics.SubscriptionsCurrent.Set(float64(x.total))
	return true
}

// Unsubscribe reports whether the pair existed.
func (x *Index) Unsubscribe(id domain.ConnectionID, key domain.InterestKey) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	keys, ok := x.byConn[id]
	if !ok {
		return false
	}
	if _, exists := keys[key]; !exists {
		return false
	}
	x.unlinkLocked(id, key)
	if len(keys) == 0 {
		delete(x.byConn, id)
	}
	metrics.SubscriptionsCurrent.Set(float64(x.total))
	return true
}

// DropConnection removes every subscription of id and returns how many there were.
func (x *Index) DropConnection(id domain.ConnectionID) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	keys, ok := x.byConn[id]
	if !ok {
		return 0
	}
	n := len(keys)
	for key := range keys {
		x.unlinkLocked(id, key)
	}
	delete(x.byConn, id)
	metrics.SubscriptionsCurrent.Set(float64(x.total))
	return n
}

func (x *Index) unlinkLocked(id domain.ConnectionID, key domain.InterestKey) {
	delete(x.byConn[id], key)
	if ids, ok := x.byKey[key]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(x.byKey, key)
		}
	}
	x.total--
}

// SubscribersOf returns the connections subscribed to exactly key.
func (x *Index) SubscribersOf(key domain.InterestKey) []domain.ConnectionID {
	x.mu.RLock()
	defer x.mu.RUnlock()

	ids := x.byKey[key]
	out := make([]domain.ConnectionID, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// Audience returns, without duplicates, every connection subscribed to the widget
// itself or to its type, as of now.
func (x *Index) Audience(widgetID int64, widgetType string) []domain.ConnectionID {
	x.mu.RLock()
	defer x.mu.RUnlock()

	byID := x.byKey[domain.WidgetKey(widgetID)]
	byType := x.byKey[domain.TypeKey(widgetType)]

	out := make([]domain.ConnectionID, 0, len(byID)+len(byType))
	for id := range byID {
		out = append(out, id)
	}
	for id := range byType {
		if _, dup := byID[id]; !dup {
			out = append(out, id)
		}
	}
	return out
}

// HasAudience reports whether anyone follows the widget directly or by type.
func (x *Index) HasAudience(widgetID int64, widgetType string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byKey[domain.WidgetKey(widgetID)]) > 0 || len(x.byKey[domain.TypeKey(widgetType)]) > 0
}

// Follows reports whether id follows the widget directly or by type.
func (x *Index) Follows(id domain.ConnectionID, widgetID int64, widgetType string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	keys := x.byConn[id]
	if _, ok := keys[domain.WidgetKey(widgetID)]; ok {
		return true
	}
	_, ok := keys[domain.TypeKey(widgetType)]
	return ok
}

func (x *Index) followsFor(id domain.ConnectionID) followsFunc {
	return func(widgetID int64, widgetType string) bool {
		return x.Follows(id, widgetID, widgetType)
	}
}

// Keys returns every key with at least one subscriber.
func (x *Index) Keys() []domain.InterestKey {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]domain.InterestKey, 0, len(x.byKey))
	for key := range x.byKey {
		out = append(out, key)
	}
	return out
}

// KeysOf returns the keys id is subscribed to.
func (x *Index) KeysOf(id domain.ConnectionID) []domain.InterestKey {
	x.mu.RLock()
	defer x.mu.RUnlock()
	keys := x.byConn[id]
	out := make([]domain.InterestKey, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	return out
}

// Count returns the number of (connection, key) pairs.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.total
}
