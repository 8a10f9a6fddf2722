package domain

import (
	"context"
	"time"
)

// FetchResult is what an external collector returns for one invocation.
type FetchResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
}

// Collector produces a widget's data from its configuration. Implementations must be
// safe for concurrent use across different widgets.
type Collector interface {
	Fetch(ctx context.Context, config map[string]any) (FetchResult, error)
}

// CollectorResult is the immutable outcome of one collector invocation as seen by the hub.
type CollectorResult struct {
	WidgetID   int64
	WidgetType string
	Success    bool
	Data       any
	Error      string
	Duration   time.Duration
	ComputedAt time.Time
	// Version increases with every result the cache stores; zero means never cached.
	Version uint64
}

// Fetcher invokes the collector responsible for a widget. Failures are folded into
// the returned result rather than returned as errors.
type Fetcher interface {
	Fetch(ctx context.Context, widget Widget) CollectorResult
}
