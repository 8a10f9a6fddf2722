package server

import (
	"context"
	"errors"
	"testing"

	"github.com/huguesloyatho/proxydash-sub001/internal/auth"
	"github.com/huguesloyatho/proxydash-sub001/internal/collector"
	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/huguesloyatho/proxydash-sub001/internal/hub"
	"github.com/huguesloyatho/proxydash-sub001/internal/platform/config"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var (
	dockerWidget = domain.Widget{ID: 42, Type: "docker"}
	sshWidget    = domain.Widget{ID: 7, Type: "ssh"}
)

type stubSource struct {
	widgets map[int64]domain.Widget
}

func (s *stubSource) GetWidget(_ context.Context, id int64) (*domain.Widget, error) {
	w, ok := s.widgets[id]
	if !ok {
		return nil, domain.ErrWidgetNotFound
	}
	return &w, nil
}

func (s *stubSource) ListByType(_ context.Context, widgetType string) ([]domain.Widget, error) {
	var out []domain.Widget
	for _, w := range s.widgets {
		if w.Type == widgetType {
			out = append(out, w)
		}
	}
	return out, nil
}

type mockRedisClient struct {
	pingErr error
}

func (m *mockRedisClient) Ping(ctx context.Context) *goredis.StatusCmd {
	cmd := goredis.NewStatusCmd(ctx)
	if m.pingErr != nil {
		cmd.SetErr(m.pingErr)
	} else {
		cmd.SetVal("PONG")
	}
	return cmd
}

type mockPgxPool struct {
	pingErr error
}

func (m *mockPgxPool) Ping(context.Context) error {
	return m.pingErr
}

type testServer struct {
	*Server
	clock    *clockwork.FakeClock
	verifier *auth.Verifier
}

type serverOption func(*config.Config)

func withAuthRequired(cfg *config.Config) {
	cfg.JWTSecret = testSecret
	cfg.AuthRequired = true
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:              "development",
		Port:                "0",
		AppURL:              "http://localhost:8080",
		MaxConnectionsPerIP: 10,
		ConnectionRate:      100,
		ConnectionBurst:     100,
	}
}

// newTestServer builds a server over a real hub whose collectors answer from memory.
func newTestServer(t *testing.T, db PostgresPinger, redis RedisPinger, opts ...serverOption) *testServer {
	t.Helper()
	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	clock := clockwork.NewFakeClock()
	collectors := collector.NewRegistry(0, nil, clock)
	collectors.Register("docker", collector.Func(func(context.Context, map[string]any) (domain.FetchResult, error) {
		return domain.FetchResult{Success: true, Data: map[string]any{"running": 3}}, nil
	}))
	collectors.Register("ssh", collector.Func(func(context.Context, map[string]any) (domain.FetchResult, error) {
		return domain.FetchResult{}, errors.New("connection refused")
	}))

	source := &stubSource{widgets: map[int64]domain.Widget{
		dockerWidget.ID: dockerWidget,
		sshWidget.ID:    sshWidget,
	}}
	h := hub.New(hub.Config{MaxConnections: 100}, source, collectors, clock)
	t.Cleanup(h.Stop)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.AuthRequired, clock)
	return &testServer{
		Server:   NewServer(cfg, h, verifier, db, redis, clock),
		clock:    clock,
		verifier: verifier,
	}
}
