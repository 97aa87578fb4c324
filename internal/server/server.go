// Package server exposes the bridge commands over HTTP and relays bus events
// to WebSocket observers.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mindmapper/claudebridge/internal/bridge"
	"github.com/mindmapper/claudebridge/internal/logging"
	"github.com/mindmapper/claudebridge/internal/registry"
	"github.com/mindmapper/claudebridge/internal/supervisor"
)

// Server hosts the HTTP routes and the WebSocket event relay.
type Server struct {
	app    *bridge.App
	echo   *echo.Echo
	relay  *Relay
	logger *log.Logger
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	allowedOrigins []string
}

// WithAllowedOrigins adds browser origins allowed besides loopback ones.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *serverOptions) {
		o.allowedOrigins = append(o.allowedOrigins, origins...)
	}
}

// New builds an echo server bound to app. Call Close to detach the relay.
//
// Browser requests are accepted only from loopback origins and those added
// with WithAllowedOrigins; the same rule guards WebSocket upgrades.
func New(app *bridge.App, logger *log.Logger, opts ...Option) (*Server, error) {
	if app == nil {
		return nil, errors.New("app is required")
	}
	logger = logging.OrDiscard(logger)
	var options serverOptions
	for _, opt := range opts {
		opt(&options)
	}
	origins := newOriginPolicy(options.allowedOrigins)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds()}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			logger.Info("http request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(origins.guard)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) {
			return origins.allows(origin), nil
		},
	}))

	relay := NewRelay(app.Bus(), logger.With("component", "relay"))
	relay.upgrader.CheckOrigin = origins.checkRequest

	s := &Server{
		app:    app,
		echo:   e,
		relay:  relay,
		logger: logger,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes WebSocket clients and detaches
// the relay from the bus.
func (s *Server) Shutdown(ctx context.Context) error {
	s.relay.Close()
	return s.echo.Shutdown(ctx)
}

// Close detaches the relay without touching the listener.
func (s *Server) Close() {
	s.relay.Close()
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.health)

	v1 := s.echo.Group("/v1")
	v1.GET("/detect", s.detect)
	v1.POST("/spawn", s.spawn)
	v1.POST("/cancel", s.cancel)
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id", s.getSession)
	v1.GET("/secrets", s.listSecrets)
	v1.GET("/secret", s.getSecret)
	v1.PUT("/secret", s.setSecret)
	v1.GET("/secrets/:provider", s.getSecret)
	v1.PUT("/secrets/:provider", s.setSecret)
	v1.GET("/events", s.relay.HandleWebSocket)
}

// health reports liveness.
// GET /health
func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.relay.ClientCount(),
	})
}

// detect probes the configured CLI.
// GET /v1/detect
func (s *Server) detect(c echo.Context) error {
	return c.JSON(http.StatusOK, s.app.Detect(c.Request().Context()))
}

// spawn launches a prompt.
// POST /v1/spawn
func (s *Server) spawn(c echo.Context) error {
	var req bridge.SpawnRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	// Spawned processes outlive the request.
	result, err := s.app.Spawn(context.WithoutCancel(c.Request().Context()), req)
	if err != nil {
		return errorJSON(c, statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// cancel requests termination of the tracked session.
// POST /v1/cancel
func (s *Server) cancel(c echo.Context) error {
	result, err := s.app.Cancel()
	if err != nil {
		s.logger.Error("cancel failed", "error", err)
		return errorJSON(c, statusFor(err), err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// listSessions returns every known session.
// GET /v1/sessions
func (s *Server) listSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sessions": s.app.Sessions()})
}

// getSession returns one session.
// GET /v1/sessions/:id
func (s *Server) getSession(c echo.Context) error {
	session, ok := s.app.Session(c.Param("id"))
	if !ok {
		return errorJSON(c, http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, session)
}

// listSecrets returns provider names that have a stored key.
// GET /v1/secrets
func (s *Server) listSecrets(c echo.Context) error {
	providers, err := s.app.SecretProviders()
	if err != nil {
		s.logger.Error("list secrets failed", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to list secrets")
	}
	return c.JSON(http.StatusOK, map[string]any{"providers": providers})
}

// getSecret returns the stored key for a provider, or the default provider
// when none is named.
// GET /v1/secrets/:provider
// GET /v1/secret
func (s *Server) getSecret(c echo.Context) error {
	result, err := s.app.GetSecret(c.Param("provider"))
	if err != nil {
		s.logger.Error("read secret failed", "error", err)
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

type setSecretRequest struct {
	Value *string `json:"value"`
}

// setSecret stores the key for a provider.
// PUT /v1/secrets/:provider
// PUT /v1/secret
func (s *Server) setSecret(c echo.Context) error {
	var req setSecretRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.Value == nil {
		return errorJSON(c, http.StatusBadRequest, "value is required")
	}
	result, err := s.app.SetSecret(c.Param("provider"), *req.Value)
	if err != nil {
		s.logger.Error("save secret failed", "error", err)
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, registry.ErrLockPoisoned):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": strings.TrimSpace(message)})
}
