package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, srv *testServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleLiveness(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, nil)

	rec := get(t, srv, "/health/live")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
	assert.Contains(t, body["version"], "go_version")
}

func TestHandleReadiness_AllHealthy(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, &mockRedisClient{})

	rec := get(t, srv, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeBody(t, rec)["status"])
}

func TestHandleReadiness_WithoutRedis(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, nil)

	rec := get(t, srv, "/health/ready")

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReadiness_Failures(t *testing.T) {
	tests := []struct {
		name   string
		db     *mockPgxPool
		redis  *mockRedisClient
		failed string
	}{
		{"postgres down", &mockPgxPool{pingErr: errors.New("connection refused")}, &mockRedisClient{}, "postgres"},
		{"redis down", &mockPgxPool{}, &mockRedisClient{pingErr: errors.New("i/o timeout")}, "redis"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.db, tt.redis)

			rec := get(t, srv, "/health/ready")

			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, "unhealthy", body["status"])
			assert.Equal(t, tt.failed, body["failed_check"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, nil)

	rec := get(t, srv, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hub_connections_current")
}

func TestCorrelationIDHeader(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, nil)

	rec := get(t, srv, "/health/live")
	assert.Len(t, rec.Header().Get("X-Request-Id"), 8)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-Id", "abc123")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, "abc123", rec.Header().Get("X-Request-Id"))
}
