package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"docmigrate/internal/app"
	"docmigrate/internal/driver"
	"docmigrate/internal/metrics"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Server exposes the migration manager over HTTP
type Server struct {
	echo    *echo.Echo
	manager *app.Manager
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New creates the HTTP server and registers its routes
func New(manager *app.Manager, metricsCollector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		manager: manager,
		metrics: metricsCollector,
		logger:  logger,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("HTTP request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.echo.Group("/api/v1/migrations")
	v1.POST("", s.startMigration)
	v1.GET("", s.listMigrations)
	v1.GET("/:id", s.getMigration)
	v1.POST("/:id/cancel", s.cancelMigration)
	v1.GET("/:id/events", s.streamEvents)
	v1.GET("/:id/ws", s.websocketEvents)
	v1.GET("/:id/skipped", s.skippedRecords)
}

// Handler returns the server as an http.Handler
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP API listening", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for active ones to finish
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// startMigration handles POST /api/v1/migrations. Omitted migration settings keep the server defaults.
func (s *Server) startMigration(c echo.Context) error {
	req := s.manager.NewRequest()
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}

	runID, err := s.manager.Start(c.Request().Context(), req)
	if err != nil {
		return s.startError(err)
	}

	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) startError(err error) error {
	var connErr *driver.ConnectionError
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrRunActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &connErr):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("Failed to start migration", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) listMigrations(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.List())
}

func (s *Server) getMigration(c echo.Context) error {
	info, err := s.manager.Get(c.Param("id"))
	if err != nil {
		return lookupError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) cancelMigration(c echo.Context) error {
	runID := c.Param("id")
	if err := s.manager.Cancel(runID); err != nil {
		return lookupError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
}

func (s *Server) skippedRecords(c echo.Context) error {
	entries, err := s.manager.Entries(c.Param("id"))
	if err != nil {
		return lookupError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func lookupError(err error) error {
	if errors.Is(err, app.ErrRunNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
