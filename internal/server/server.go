package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/posrelay/internal/config"
	apperrors "github.com/pscheid92/posrelay/internal/errors"
	"github.com/pscheid92/posrelay/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// socketServer runs a socket session until the connection ends.
type socketServer interface {
	Serve(ctx context.Context, conn *websocket.Conn) error
}

// redisPinger is the subset of the Redis client used by the readiness probe.
type redisPinger interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

type Server struct {
	echo        *echo.Echo
	config      *config.Config
	sessions    socketServer
	limits      *ConnectionLimits
	redis       redisPinger
	registry    *prometheus.Registry
	httpMetrics *metrics.HTTPMetrics
	clock       clockwork.Clock
	startTime   time.Time
}

// NewServer builds the Echo instance and registers routes. redis may be nil when
// relay mode is off.
func NewServer(cfg *config.Config, sessions socketServer, redis redisPinger, reg *prometheus.Registry, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	httpMetrics := metrics.NewHTTPMetrics(reg)

	e.Use(middleware.Recover())
	e.Use(httpMetrics.Middleware())
	e.Use(apperrors.Middleware(httpMetrics.ErrorsTotal))

	srv := &Server{
		echo:        e,
		config:      cfg,
		sessions:    sessions,
		limits:      NewConnectionLimits(int64(cfg.MaxConnections), cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst, clock),
		redis:       redis,
		registry:    reg,
		httpMetrics: httpMetrics,
		clock:       clock,
		startTime:   clock.Now(),
	}

	srv.registerRoutes()
	return srv
}

// Start listens on the configured port. Returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.config.Port)
	slog.Info("Starting server", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
