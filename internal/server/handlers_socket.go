package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/posrelay/internal/errors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleSocket(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := s.limits.Acquire(ip)
	if !ok {
		s.httpMetrics.UpgradeRejects.WithLabelValues(string(reason)).Inc()
		if reason == LimitReasonGlobal {
			return apperrors.UnavailableError("server at connection capacity", nil).
				WithField("reason", string(reason))
		}
		return apperrors.RateLimitedError("too many connections").
			WithField("reason", string(reason))
	}
	defer s.limits.Release(ip)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		slog.DebugContext(c.Request().Context(), "Socket upgrade failed", "remote_ip", ip, "error", err)
		return nil
	}

	if err := s.sessions.Serve(c.Request().Context(), conn); err != nil {
		slog.WarnContext(c.Request().Context(), "Socket session ended with error", "remote_ip", ip, "error", err)
	}
	return nil
}
