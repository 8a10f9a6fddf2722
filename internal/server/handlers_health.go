package server

import (
	"context"
	"net/http"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/platform/version"
	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"
)

// RedisPinger is the Redis surface used by the readiness probe.
type RedisPinger interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

// PostgresPinger is the database surface used by the readiness probe.
type PostgresPinger interface {
	Ping(ctx context.Context) error
}

type healthCheck struct {
	name string
	fn   func(context.Context) error
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  s.clock.Since(s.startTime).Seconds(),
		"version": version.Get(),
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	for _, check := range s.readinessChecks() {
		if err := check.fn(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":       "unhealthy",
				"failed_check": check.name,
				"error":        err.Error(),
			})
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) readinessChecks() []healthCheck {
	var checks []healthCheck
	if s.db != nil {
		checks = append(checks, healthCheck{"postgres", s.db.Ping})
	}
	if s.redis != nil {
		checks = append(checks, healthCheck{"redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}})
	}
	return checks
}
