package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/huguesloyatho/proxydash-sub001/internal/auth"
	"github.com/huguesloyatho/proxydash-sub001/internal/domain"
	apperrors "github.com/huguesloyatho/proxydash-sub001/internal/errors"
	"github.com/huguesloyatho/proxydash-sub001/internal/hub"
	"github.com/huguesloyatho/proxydash-sub001/internal/platform/config"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// hubService is the part of the hub the HTTP layer drives.
type hubService interface {
	Accept(transport hub.Transport, userID string) (*hub.Connection, error)
	Serve(ctx context.Context, conn *hub.Connection)
	Refresh(ctx context.Context, widgetID int64) (domain.CollectorResult, error)
	Stats() hub.Stats
}

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	hub       hubService
	verifier  *auth.Verifier
	limits    *ConnectionLimits
	upgrader  websocket.Upgrader
	db        PostgresPinger
	redis     RedisPinger
	clock     clockwork.Clock
	startTime time.Time
}

// NewServer wires the routes. redis may be nil when no collector uses it.
func NewServer(cfg *config.Config, h hubService, verifier *auth.Verifier, db PostgresPinger, redis RedisPinger, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(correlationID())
	e.Use(requestLogger())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:     e,
		config:   cfg,
		hub:      h,
		verifier: verifier,
		limits:   NewConnectionLimits(cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst, clock),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, !cfg.IsProduction()),
		},
		db:        db,
		redis:     redis,
		clock:     clock,
		startTime: clock.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	s.echo.Server.ReadHeaderTimeout = 10 * time.Second
	if err := s.echo.Start(fmt.Sprintf(":%s", s.config.Port)); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets tests drive the router directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
