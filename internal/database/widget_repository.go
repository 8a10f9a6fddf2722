package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const widgetColumns = `id, widget_type, config, refresh_interval_seconds`

// WidgetRepo reads widget definitions. The hub never writes them.
type WidgetRepo struct {
	pool *pgxpool.Pool
}

func NewWidgetRepo(pool *pgxpool.Pool) *WidgetRepo {
	return &WidgetRepo{pool: pool}
}

var _ domain.WidgetSource = (*WidgetRepo)(nil)

func (r *WidgetRepo) GetWidget(ctx context.Context, id int64) (*domain.Widget, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+widgetColumns+` FROM widgets WHERE id = $1 AND enabled`, id)
	w, err := scanWidget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWidgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get widget %d: %w", id, err)
	}
	return &w, nil
}

func (r *WidgetRepo) ListByType(ctx context.Context, widgetType string) ([]domain.Widget, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+widgetColumns+` FROM widgets WHERE widget_type = $1 AND enabled ORDER BY id`, widgetType)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s widgets: %w", widgetType, err)
	}
	widgets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Widget, error) {
		return scanWidget(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s widgets: %w", widgetType, err)
	}
	return widgets, nil
}

// Ping reports whether the database is reachable, for readiness checks.
func (r *WidgetRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanWidget(row pgx.Row) (domain.Widget, error) {
	var (
		w       domain.Widget
		config  map[string]any
		seconds int32
	)
	if err := row.Scan(&w.ID, &w.Type, &config, &seconds); err != nil {
		return domain.Widget{}, err
	}
	if config == nil {
		config = map[string]any{}
	}
	w.Config = config
	w.RefreshInterval = time.Duration(seconds) * time.Second
	return w, nil
}
