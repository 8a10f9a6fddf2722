// Package server exposes the hub over HTTP using Echo.
//
// Routes: the WebSocket endpoint (/ws), the side channel (/api/hub/stats,
// /api/widgets/:id/refresh) and observability (/health/*, /metrics).
// Handlers are split by concern: handlers_ws.go, handlers_api.go, handlers_health.go.
package server
