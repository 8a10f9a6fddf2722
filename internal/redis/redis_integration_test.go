package redis

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/collector"
	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var testRedisURL string

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	os.Exit(runWithRedis(m))
}

func runWithRedis(m *testing.M) int {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		return 1
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
		}
	}()

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		return 1
	}
	testRedisURL = "redis://" + endpoint

	return m.Run()
}

func setupTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, testRedisURL)
	require.NoError(t, err)
	require.NoError(t, client.FlushAll(ctx).Err())

	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestSnapshotCollector_JSONValue(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "widget:docker:42", `{"running":3,"stopped":1}`, 0).Err())

	res, err := NewSnapshotCollector(client).Fetch(ctx, map[string]any{ConfigKey: "widget:docker:42"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"running": float64(3), "stopped": float64(1)}, res.Data)
}

func TestSnapshotCollector_HashFieldAndPlainText(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.HSet(ctx, "widgets:ssh", "7", "load 0.42").Err())

	res, err := NewSnapshotCollector(client).Fetch(ctx, map[string]any{ConfigKey: "widgets:ssh", ConfigField: "7"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "load 0.42", res.Data)
}

func TestSnapshotCollector_MissingSnapshot(t *testing.T) {
	client := setupTestClient(t)

	res, err := NewSnapshotCollector(client).Fetch(context.Background(), map[string]any{ConfigKey: "widget:none"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "no snapshot at widget:none", res.Error)
}

func TestSnapshotCollector_DefaultConfig(t *testing.T) {
	c := NewSnapshotCollector(nil)

	w := domain.Widget{ID: 7, Type: "ssh", Config: map[string]any{ConfigField: "load"}}
	got := c.DefaultConfig(w)
	assert.Equal(t, map[string]any{ConfigKey: "widget:ssh:7", ConfigField: "load"}, got)
	assert.NotContains(t, w.Config, ConfigKey)

	w.Config = map[string]any{ConfigKey: "agents:ssh"}
	assert.Equal(t, "agents:ssh", c.DefaultConfig(w)[ConfigKey])
}

func TestSnapshotCollector_ReadsDefaultKeyThroughRegistry(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "widget:ssh:9", `{"load":0.5}`, 0).Err())

	r := collector.NewRegistry(time.Second, nil, clockwork.NewRealClock())
	r.Register("ssh", NewSnapshotCollector(client))

	res := r.Fetch(ctx, domain.Widget{ID: 9, Type: "ssh"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, map[string]any{"load": 0.5}, res.Data)
}

func TestSnapshotCollector_KeyNotConfigured(t *testing.T) {
	res, err := NewSnapshotCollector(nil).Fetch(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "redis_key not configured", res.Error)
}
