// Package httpapi provides the HTTP API for incidentd: asynchronous
// investigation triggers, job polling, and a live SSE event stream.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/incidentd/internal/engine"
	"github.com/fyrsmithlabs/incidentd/internal/events"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"github.com/fyrsmithlabs/incidentd/internal/services"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the incidentd HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	services services.Registry
	nc       *nats.Conn
	logger   *zap.Logger
	config   *Config
}

// NewServer creates the HTTP server over the wired service registry and
// registers all routes.
func NewServer(reg services.Registry, nc *nats.Conn, logger *zap.Logger, cfg *Config) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("service registry cannot be nil")
	}
	if reg.Engine() == nil {
		return nil, fmt.Errorf("registry has no engine")
	}
	if reg.Jobs() == nil {
		return nil, fmt.Errorf("registry has no jobs manager")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8090}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metricsMiddleware)
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := logging.WithRequestID(c.Request().Context(),
				c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(c.Request().WithContext(ctx))

			start := time.Now()
			err := next(c)

			fields := append([]zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			}, logging.ContextFields(c.Request().Context())...)
			logger.Info("http request", fields...)

			return err
		}
	})

	s := &Server{
		echo:     e,
		services: reg,
		nc:       nc,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/investigations", s.handleSubmit)
	v1.GET("/jobs/:id", s.handleJob)
	v1.GET("/events/:user_id/:session_id", s.handleEvents)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSubmit accepts an investigation request and starts it in the
// background, returning the job and session ids for tracking.
func (s *Server) handleSubmit(c echo.Context) error {
	var req engine.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid investigation request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	sub, err := s.services.Engine().Submit(req)
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
		}
		var aerr *engine.ActiveJobError
		if errors.As(err, &aerr) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error":  aerr.Error(),
				"job_id": aerr.JobID,
			})
		}
		s.logger.Error("failed to submit investigation", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start investigation")
	}

	return c.JSON(http.StatusAccepted, sub)
}

// handleJob returns the current job snapshot for pollers.
func (s *Server) handleJob(c echo.Context) error {
	job, ok := s.services.Jobs().Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

// handleEvents streams a session's AgentEvents via Server-Sent Events.
// The connection stays open until the investigation reaches a terminal
// event or the client disconnects; a heartbeat comment defeats proxy idle
// timeouts.
func (s *Server) handleEvents(c echo.Context) error {
	if s.nc == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream unavailable")
	}

	userID := c.Param("user_id")
	sessionID := c.Param("session_id")

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	sub, err := events.Subscribe(s.nc, userID, sessionID)
	if err != nil {
		s.logger.Warn("event subscription failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to subscribe")
	}
	defer func() {
		_ = sub.Close()
	}()

	c.Response().Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			ev, err := events.Decode(msg)
			if err != nil {
				s.logger.Debug("dropping undecodable event", zap.Error(err))
				continue
			}

			fmt.Fprintf(c.Response(), "event: %s\n", ev.Display)
			fmt.Fprintf(c.Response(), "data: %s\n\n", msg.Data)
			c.Response().Flush()

			// Result and error events close the investigation stream.
			if ev.Display == events.DisplayResult || ev.Display == events.DisplayError {
				return nil
			}

		case <-ticker.C:
			fmt.Fprint(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("http server starting", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
