package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/huguesloyatho/proxydash-sub001/internal/protocol"
	"github.com/stretchr/testify/require"
)

type frame struct {
	kind int
	data []byte
}

// fakeTransport records written frames and serves inbound frames from a channel.
// A non-nil gate blocks every write until it is closed.
type fakeTransport struct {
	mu       sync.Mutex
	written  []frame
	writeErr error
	gate     chan struct{}

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-t.inbound:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, data, nil
	case <-t.closed:
		return 0, nil, io.ErrClosedPipe
	}
}

func (t *fakeTransport) WriteMessage(kind int, data []byte) error {
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-t.closed:
			return io.ErrClosedPipe
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.written = append(t.written, frame{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (t *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) frames() []frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frame(nil), t.written...)
}

// envelopes decodes the text frames written so far.
func (t *fakeTransport) envelopes() []decodedEnvelope {
	var out []decodedEnvelope
	for _, f := range t.frames() {
		if f.kind != websocket.TextMessage {
			continue
		}
		var env decodedEnvelope
		if err := json.Unmarshal(f.data, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (t *fakeTransport) ofType(mt protocol.MessageType) []decodedEnvelope {
	var out []decodedEnvelope
	for _, env := range t.envelopes() {
		if env.Type == mt {
			out = append(out, env)
		}
	}
	return out
}

func (t *fakeTransport) closeCode() (int, bool) {
	for _, f := range t.frames() {
		if f.kind == websocket.CloseMessage && len(f.data) >= 2 {
			return int(f.data[0])<<8 | int(f.data[1]), true
		}
	}
	return 0, false
}

type decodedEnvelope struct {
	Type protocol.MessageType `json:"type"`
	Data map[string]any       `json:"data"`
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

// fakeSource is an in-memory widget catalogue.
type fakeSource struct {
	mu      sync.Mutex
	widgets map[int64]domain.Widget
	err     error
}

func newFakeSource(widgets ...domain.Widget) *fakeSource {
	s := &fakeSource{widgets: make(map[int64]domain.Widget)}
	for _, w := range widgets {
		s.widgets[w.ID] = w
	}
	return s
}

func (s *fakeSource) GetWidget(_ context.Context, id int64) (*domain.Widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	w, ok := s.widgets[id]
	if !ok {
		return nil, domain.ErrWidgetNotFound
	}
	return &w, nil
}

func (s *fakeSource) ListByType(_ context.Context, widgetType string) ([]domain.Widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

// fakeFetcher answers with fn and counts invocations. A non-nil release blocks
// every fetch until it is closed.
type fakeFetcher struct {
	calls   atomic.Int32
	started chan int64
	release chan struct{}
	fn      func(w domain.Widget) domain.CollectorResult
}

func newFakeFetcher(fn func(w domain.Widget) domain.CollectorResult) *fakeFetcher {
	return &fakeFetcher{started: make(chan int64, 64), fn: fn}
}

func (f *fakeFetcher) Fetch(ctx context.Context, w domain.Widget) domain.CollectorResult {
	f.calls.Add(1)
	f.started <- w.ID
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return domain.CollectorResult{WidgetID: w.ID, WidgetType: w.Type, Error: ctx.Err().Error()}
		}
	}
	return f.fn(w)
}

func successFetch(data any) func(domain.Widget) domain.CollectorResult {
	return func(w domain.Widget) domain.CollectorResult {
		return domain.CollectorResult{WidgetID: w.ID, WidgetType: w.Type, Success: true, Data: data}
	}
}

var errFakeWrite = errors.New("broken pipe")
