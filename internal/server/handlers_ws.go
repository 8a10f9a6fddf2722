package server

import (
	"log/slog"
	"net/http"

	"github.com/huguesloyatho/proxydash-sub001/internal/auth"
	apperrors "github.com/huguesloyatho/proxydash-sub001/internal/errors"
	"github.com/huguesloyatho/proxydash-sub001/internal/metrics"
	"github.com/huguesloyatho/proxydash-sub001/internal/platform/logging"
	"github.com/labstack/echo/v4"
)

// handleWebSocket admits a client and blocks in the hub's read loop until the
// connection ends. Limits and the token are checked before the upgrade so a
// refusal is a plain HTTP response.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		if reason == LimitReasonRate {
			return echo.NewHTTPError(http.StatusTooManyRequests, "connection rate exceeded")
		}
		return apperrors.CapacityExceeded("too many connections from this address").
			WithContext("limit", string(reason))
	}
	defer s.limits.Release(ip)

	userID, err := s.verifier.Identify(auth.TokenFromRequest(c.Request()))
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("auth").Inc()
		return err
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		slog.Debug("WebSocket upgrade failed", "remote_ip", ip, "error", err)
		return nil
	}

	conn, err := s.hub.Accept(ws, userID)
	if err != nil {
		// The hub closed the socket with a try-again-later frame.
		slog.Warn("Connection refused by hub", "remote_ip", ip, "error", err)
		return nil
	}

	ctx := logging.WithClientID(c.Request().Context(), conn.ID().String())
	s.hub.Serve(ctx, conn)
	return nil
}
