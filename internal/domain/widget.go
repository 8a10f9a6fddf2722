package domain

import (
	"context"
	"strconv"
	"time"
)

// Widget is the hub's view of a dashboard widget: identity, collector type and the
// already-resolved configuration handed to the collector.
type Widget struct {
	ID              int64          `db:"id"`
	Type            string         `db:"widget_type"`
	Config          map[string]any `db:"config"`
	RefreshInterval time.Duration  `db:"refresh_interval"`
}

// CacheKey identifies the widget's entry in the refresh cache.
func (w Widget) CacheKey() string {
	return "widget:" + strconv.FormatInt(w.ID, 10)
}

// WidgetSource resolves widget definitions. Implementations must return
// ErrWidgetNotFound for unknown ids.
type WidgetSource interface {
	GetWidget(ctx context.Context, id int64) (*Widget, error)
	ListByType(ctx context.Context, widgetType string) ([]Widget, error)
}
