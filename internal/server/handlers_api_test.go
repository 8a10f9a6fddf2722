package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, srv *testServer, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHandleStats_Empty(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, nil)

	rec := get(t, srv, "/api/hub/stats")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":0,"subscriptions":0,"cache_entries":0,"in_flight":0}`, rec.Body.String())
}

func TestHandleRefresh_Success(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, nil)

	rec := post(t, srv, "/api/widgets/42/refresh", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, float64(42), body["widget_id"])
	assert.Equal(t, "docker", body["widget_type"])
	assert.Equal(t, map[string]any{"running": float64(3)}, body["data"])
	assert.NotContains(t, body, "requested_by")

	// The refreshed result is now cached.
	assert.Contains(t, get(t, srv, "/api/hub/stats").Body.String(), `"cache_entries":1`)
}

func TestHandleRefresh_UnknownWidget(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, nil)

	rec := post(t, srv, "/api/widgets/999/refresh", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "not_found", body["type"])
}

func TestHandleRefresh_InvalidID(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, nil)

	for _, id := range []string{"abc", "0", "-3"} {
		rec := post(t, srv, "/api/widgets/"+id+"/refresh", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
		assert.Equal(t, "validation", decodeBody(t, rec)["type"])
	}
}

func TestHandleRefresh_CollectorFailure(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, nil)

	rec := post(t, srv, "/api/widgets/7/refresh", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "collector", body["type"])
	assert.Equal(t, "connection refused", body["error"])
}

func TestHandleRefresh_RequiresToken(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, nil, withAuthRequired)

	rec := post(t, srv, "/api/widgets/42/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, srv, "/api/widgets/42/refresh", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := srv.verifier.Sign("user-1", "Ada", time.Hour)
	require.NoError(t, err)
	rec = post(t, srv, "/api/widgets/42/refresh", token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", decodeBody(t, rec)["requested_by"])
}

func TestHandleRefresh_FailureNamesRequester(t *testing.T) {
	srv := newTestServer(t, &mockPgxPool{}, nil, withAuthRequired)
	token, err := srv.verifier.Sign("user-2", "Grace", time.Hour)
	require.NoError(t, err)

	rec := post(t, srv, "/api/widgets/7/refresh", token)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, map[string]any{"widget_id": float64(7), "widget_type": "ssh", "requested_by": "user-2"}, body["context"])
}
