package widget

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	widgets   map[int64]domain.Widget
	err       error
	gets      atomic.Int32
	listCalls atomic.Int32
}

func (s *countingSource) GetWidget(_ context.Context, id int64) (*domain.Widget, error) {
	s.gets.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	w, ok := s.widgets[id]
	if !ok {
		return nil, domain.ErrWidgetNotFound
	}
	return &w, nil
}

func (s *countingSource) ListByType(_ context.Context, widgetType string) ([]domain.Widget, error) {
	s.listCalls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.Widget
	for _, w := range s.widgets {
		if w.Type == widgetType {
			out = append(out, w)
		}
	}
	return out, nil
}

func newSource() *countingSource {
	return &countingSource{widgets: map[int64]domain.Widget{
		42: {ID: 42, Type: "docker", Config: map[string]any{"host": "local"}},
		7:  {ID: 7, Type: "ssh"},
	}}
}

func TestCachedSource_GetWidgetHitAndExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	next := newSource()
	s := NewCachedSource(next, 10*time.Second, clock)
	ctx := context.Background()

	w, err := s.GetWidget(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "docker", w.Type)

	_, err = s.GetWidget(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int32(1), next.gets.Load(), "second lookup is a cache hit")

	clock.Advance(10 * time.Second)
	_, err = s.GetWidget(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.gets.Load(), "expired entries are fetched again")
}

func TestCachedSource_NotFoundIsNotCached(t *testing.T) {
	next := newSource()
	s := NewCachedSource(next, time.Minute, clockwork.NewFakeClock())

	_, err := s.GetWidget(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrWidgetNotFound)

	next.widgets[99] = domain.Widget{ID: 99, Type: "ping"}
	w, err := s.GetWidget(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, "ping", w.Type)
}

func TestCachedSource_ErrorsPropagate(t *testing.T) {
	next := newSource()
	next.err = errors.New("connection refused")
	s := NewCachedSource(next, time.Minute, clockwork.NewFakeClock())

	_, err := s.ListByType(context.Background(), "docker")
	assert.EqualError(t, err, "connection refused")
	assert.Zero(t, s.Size())
}

func TestCachedSource_ListPopulatesPointLookups(t *testing.T) {
	next := newSource()
	s := NewCachedSource(next, time.Minute, clockwork.NewFakeClock())
	ctx := context.Background()

	widgets, err := s.ListByType(ctx, "docker")
	require.NoError(t, err)
	require.Len(t, widgets, 1)

	_, err = s.ListByType(ctx, "docker")
	require.NoError(t, err)
	_, err = s.GetWidget(ctx, 42)
	require.NoError(t, err)

	assert.Equal(t, int32(1), next.listCalls.Load())
	assert.Zero(t, next.gets.Load())
}

func TestCachedSource_ReturnedSliceIsACopy(t *testing.T) {
	s := NewCachedSource(newSource(), time.Minute, clockwork.NewFakeClock())
	ctx := context.Background()

	first, _ := s.ListByType(ctx, "docker")
	first[0].Type = "mutated"

	second, _ := s.ListByType(ctx, "docker")
	assert.Equal(t, "docker", second[0].Type)
}

func TestCachedSource_Invalidate(t *testing.T) {
	next := newSource()
	s := NewCachedSource(next, time.Minute, clockwork.NewFakeClock())
	ctx := context.Background()

	_, _ = s.ListByType(ctx, "docker")
	s.Invalidate(42)

	_, _ = s.GetWidget(ctx, 42)
	_, _ = s.ListByType(ctx, "docker")
	assert.Equal(t, int32(1), next.gets.Load())
	assert.Equal(t, int32(2), next.listCalls.Load())
}

func TestCachedSource_EvictExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewCachedSource(newSource(), 10*time.Second, clock)
	ctx := context.Background()

	_, _ = s.GetWidget(ctx, 7)
	clock.Advance(5 * time.Second)
	_, _ = s.ListByType(ctx, "docker")
	require.Equal(t, 3, s.Size())

	clock.Advance(6 * time.Second)
	assert.Equal(t, 1, s.EvictExpired())
	assert.Equal(t, 2, s.Size())

	s.Clear()
	assert.Zero(t, s.Size())
}

func TestCachedSource_RunEviction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewCachedSource(newSource(), time.Second, clock)
	_, _ = s.GetWidget(context.Background(), 7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunEviction(ctx, time.Minute)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool { return s.Size() == 0 }, time.Second, time.Millisecond)
}
