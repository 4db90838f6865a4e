package server

import (
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/posrelay/internal/metrics"
)

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.registry)))

	s.echo.GET("/socket", s.handleSocket)
}
