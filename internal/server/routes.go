package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	// Observability endpoints (no auth required)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Side channel
	api := s.echo.Group("/api")
	api.GET("/hub/stats", s.handleStats)
	api.POST("/widgets/:id/refresh", s.handleRefresh, s.verifier.RequireBearer())

	// Token is checked inside the handler so anonymous clients can connect.
	s.echo.GET("/ws", s.handleWebSocket)
}
