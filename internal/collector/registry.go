package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
)

const (
	DefaultTimeout = 10 * time.Second

	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
)

// Func adapts an ordinary function to domain.Collector.
type Func func(ctx context.Context, config map[string]any) (domain.FetchResult, error)

func (f Func) Fetch(ctx context.Context, config map[string]any) (domain.FetchResult, error) {
	return f(ctx, config)
}

// ConfigDefaulter is implemented by collectors whose config has values derived
// from the widget itself. The returned map is passed to Fetch in place of
// widget.Config and must not alias it.
type ConfigDefaulter interface {
	DefaultConfig(widget domain.Widget) map[string]any
}

type entry struct {
	collector domain.Collector
	breaker   *gobreaker.CircuitBreaker
}

// Registry resolves widget types to collectors.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*entry
	timeouts       map[string]time.Duration
	defaultTimeout time.Duration
	clock          clockwork.Clock
}

var _ domain.Fetcher = (*Registry)(nil)

// NewRegistry creates an empty registry. timeouts overrides defaultTimeout per widget type.
func NewRegistry(defaultTimeout time.Duration, timeouts map[string]time.Duration, clock clockwork.Clock) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	copied := make(map[string]time.Duration, len(timeouts))
	for k, v := range timeouts {
		copied[k] = v
	}
	return &Registry{
		entries:        make(map[string]*entry),
		timeouts:       copied,
		defaultTimeout: defaultTimeout,
		clock:          clock,
	}
}

// Register binds a collector to a widget type, replacing any previous binding.
func (r *Registry) Register(widgetType string, c domain.Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[widgetType] = &entry{collector: c, breaker: newBreaker(widgetType)}
}

// Resolve returns the collector registered for widgetType.
func (r *Registry) Resolve(widgetType string) (domain.Collector, bool) {
	e, ok := r.lookup(widgetType)
	if !ok {
		return nil, false
	}
	return e.collector, true
}

// Types lists the registered widget types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// TimeoutFor returns the per-invocation timeout applied to widgetType.
func (r *Registry) TimeoutFor(widgetType string) time.Duration {
	if d, ok := r.timeouts[widgetType]; ok && d > 0 {
		return d
	}
	return r.defaultTimeout
}

func (r *Registry) lookup(widgetType string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[widgetType]
	return e, ok
}

// Fetch invokes the widget's collector. It never returns an error: unknown types,
// collector errors, unsuccessful results, panics, open breakers and timeouts all
// become a result with Success=false. A timeout is reported as "timeout".
func (r *Registry) Fetch(ctx context.Context, widget domain.Widget) domain.CollectorResult {
	start := r.clock.Now()
	result := domain.CollectorResult{
		WidgetID:   widget.ID,
		WidgetType: widget.Type,
	}

	finish := func(status string) domain.CollectorResult {
		result.Duration = r.clock.Since(start)
		result.ComputedAt = r.clock.Now()
		metrics.CollectorDuration.WithLabelValues(widget.Type, status).Observe(result.Duration.Seconds())
		return result
	}

	e, ok := r.lookup(widget.Type)
	if !ok {
		result.Error = fmt.Sprintf("%s: %s", domain.ErrNoCollector, widget.Type)
		return finish("unknown_type")
	}

	out, err := e.breaker.Execute(func() (any, error) {
		return r.invoke(ctx, e.collector, widget)
	})

	switch {
	case errors.Is(err, domain.ErrCollectorTimeout):
		result.Error = domain.ErrCollectorTimeout.Error()
		slog.WarnContext(ctx, "Collector timed out", "widget_id", widget.ID, "widget_type", widget.Type, "timeout", r.TimeoutFor(widget.Type))
		return finish("timeout")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result.Error = "collector unavailable"
		return finish("circuit_open")
	case err != nil:
		result.Error = err.Error()
		slog.WarnContext(ctx, "Collector failed", "widget_id", widget.ID, "widget_type", widget.Type, "error", err)
		return finish("error")
	}

	fr := out.(domain.FetchResult)
	if !fr.Success {
		result.Error = fr.Error
		if result.Error == "" {
			result.Error = "collector reported failure"
		}
		return finish("failed")
	}

	result.Success = true
	result.Data = fr.Data
	return finish("success")
}

type invocation struct {
	result domain.FetchResult
	err    error
}

// invoke runs the collector on its own goroutine so a collector that ignores its
// context cannot hold the caller past the timeout.
func (r *Registry) invoke(ctx context.Context, c domain.Collector, widget domain.Widget) (domain.FetchResult, error) {
	timeout := r.TimeoutFor(widget.Type)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("Collector panic recovered", "widget_id", widget.ID, "widget_type", widget.Type, "panic", p)
				done <- invocation{err: fmt.Errorf("collector panic: %v", p)}
			}
		}()
		config := widget.Config
		if d, ok := c.(ConfigDefaulter); ok {
			config = d.DefaultConfig(widget)
		}
		res, err := c.Fetch(ctx, config)
		done <- invocation{result: res, err: err}
	}()

	timer := r.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case inv := <-done:
		if errors.Is(inv.err, context.DeadlineExceeded) {
			return domain.FetchResult{}, domain.ErrCollectorTimeout
		}
		return inv.result, inv.err
	case <-timer.Chan():
		return domain.FetchResult{}, domain.ErrCollectorTimeout
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.FetchResult{}, domain.ErrCollectorTimeout
		}
		return domain.FetchResult{}, fmt.Errorf("fetch cancelled: %w", ctx.Err())
	}
}

func newBreaker(widgetType string) *gobreaker.CircuitBreaker {
	component := "collector:" + widgetType
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    component,
		Timeout: breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed",
				"component", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
