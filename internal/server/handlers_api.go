package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/huguesloyatho/proxydash-sub001/internal/auth"
	apperrors "github.com/huguesloyatho/proxydash-sub001/internal/errors"
	"github.com/labstack/echo/v4"
)

type refreshResponse struct {
	WidgetID   int64     `json:"widget_id"`
	WidgetType string    `json:"widget_type"`
	Data       any       `json:"data"`
	DurationMS int64     `json:"duration_ms"`
	ComputedAt time.Time `json:"computed_at"`

	// RequestedBy is the bearer's subject; empty when auth is off.
	RequestedBy string `json:"requested_by,omitempty"`
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.hub.Stats())
}

// handleRefresh invalidates one widget and fetches it again. The result is also
// pushed to every subscriber of the widget.
func (s *Server) handleRefresh(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return apperrors.ValidationError("widget id must be a positive integer").WithContext("id", c.Param("id"))
	}

	res, err := s.hub.Refresh(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !res.Success {
		return apperrors.CollectorError(res.Error, nil).
			WithContext("widget_id", res.WidgetID).
			WithContext("widget_type", res.WidgetType).
			WithContext("requested_by", auth.UserID(c))
	}

	return c.JSON(http.StatusOK, refreshResponse{
		WidgetID:    res.WidgetID,
		WidgetType:  res.WidgetType,
		Data:        res.Data,
		DurationMS:  res.Duration.Milliseconds(),
		ComputedAt:  res.ComputedAt,
		RequestedBy: auth.UserID(c),
	})
}
