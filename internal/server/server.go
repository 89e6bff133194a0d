// Package server exposes the scheduler's REST API and the static single-page
// UI over HTTP, optionally behind TLS and Basic Authentication.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fnsched/fnsched/internal/config"
	"github.com/fnsched/fnsched/internal/engine"
	"github.com/fnsched/fnsched/internal/store"
)

// Server wires the HTTP surface over the store and the engine.
type Server struct {
	cfg    *config.Config
	store  *store.Store
	engine *engine.Engine
	echo   *echo.Echo
	logger zerolog.Logger
	auth   *BasicAuth

	httpServer *http.Server
}

// New builds the server. auth may be nil when authentication is disabled.
func New(cfg *config.Config, st *store.Store, eng *engine.Engine, auth *BasicAuth, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewCustomValidator()

	s := &Server{
		cfg:    cfg,
		store:  st,
		engine: eng,
		echo:   e,
		logger: logger.With().Str("component", "server").Logger(),
		auth:   auth,
	}
	e.HTTPErrorHandler = s.errorHandler
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// errorHandler renders every error through the {"error": message} envelope.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}
	if err := c.JSON(code, errorBody(msg)); err != nil {
		s.logger.Error().Err(err).Msg("writing error response")
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) setupMiddleware() {
	if base := s.cfg.NormalizedBasePath(); base != "" {
		s.echo.Pre(basePathMiddleware(base))
	}

	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("request")
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())

	if s.cfg.RateLimit.Enabled {
		s.echo.Use(s.rateLimitMiddleware())
	}

	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
	}))

	if s.auth != nil {
		s.echo.Use(s.auth.Middleware)
	}
}

// basePathMiddleware rejects requests outside the configured prefix and
// strips it before routing.
func basePathMiddleware(base string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if path != base && !strings.HasPrefix(path, base+"/") {
				return echo.ErrNotFound
			}
			trimmed := strings.TrimPrefix(path, base)
			if trimmed == "" {
				trimmed = "/"
			}
			req.URL.Path = trimmed
			return next(c)
		}
	}
}

func (s *Server) rateLimitMiddleware() echo.MiddlewareFunc {
	rps := s.cfg.RateLimit.RPS
	if rps <= 0 {
		rps = 10
	}
	burst := s.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 20
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:  rate.Limit(rps),
				Burst: burst,
			},
		),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, errorBody("rate limit exceeded"))
		},
	})
}

func (s *Server) setupRoutes() {
	api := s.echo.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/accounts", s.handleAccounts)

		api.GET("/tasks", s.handleListTasks)
		api.POST("/tasks", s.handleCreateTask)
		api.POST("/tasks/batch", s.handleBatch)
		api.GET("/tasks/:id", s.handleGetTask)
		api.PUT("/tasks/:id", s.handleUpdateTask)
		api.DELETE("/tasks/:id", s.handleDeleteTask)
		api.POST("/tasks/:id/run", s.handleRunTask)
		api.POST("/tasks/:id/toggle", s.handleToggleTask)
		api.GET("/tasks/:id/results", s.handleListResults)
		api.DELETE("/tasks/:id/results", s.handleDeleteResults)
		api.DELETE("/tasks/:id/results/:result_id", s.handleDeleteResult)

		api.GET("/templates", s.handleListTemplates)
		api.POST("/templates", s.handleCreateTemplate)
		api.GET("/templates/export", s.handleExportTemplates)
		api.POST("/templates/import", s.handleImportTemplates)
		api.GET("/templates/:id", s.handleGetTemplate)
		api.PUT("/templates/:id", s.handleUpdateTemplate)
		api.DELETE("/templates/:id", s.handleDeleteTemplate)
	}

	// Everything else is the static SPA: files from the UI root, with
	// extensionless unknown paths falling back to index.html.
	s.echo.GET("/*", s.handleStatic)
}

// handleStatic serves UI assets with SPA routing semantics.
func (s *Server) handleStatic(c echo.Context) error {
	reqPath := c.Request().URL.Path
	if strings.HasPrefix(reqPath, "/api") {
		return echo.ErrNotFound
	}
	clean := filepath.Clean(strings.TrimPrefix(reqPath, "/"))
	if clean == "." || clean == "/" {
		clean = "index.html"
	}
	full := filepath.Join(s.cfg.UIRoot, clean)
	if !strings.HasPrefix(full, filepath.Clean(s.cfg.UIRoot)) {
		return echo.ErrNotFound
	}
	if info, err := os.Stat(full); err == nil && !info.IsDir() {
		return c.File(full)
	}
	if filepath.Ext(clean) == "" {
		return c.File(filepath.Join(s.cfg.UIRoot, "index.html"))
	}
	return echo.ErrNotFound
}

// Start listens and serves until Shutdown. certPath/keyPath are only used
// when TLS is enabled.
func (s *Server) Start(certPath, keyPath string) error {
	network := "tcp4"
	if s.cfg.EnableIPv6 {
		network = "tcp6"
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	listener, err := net.Listen(network, addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{Handler: s.echo}
	if s.cfg.EnableSSL {
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		s.logger.Info().Str("addr", addr).Msg("serving HTTPS")
		return s.httpServer.ServeTLS(listener, certPath, keyPath)
	}
	s.logger.Info().Str("addr", addr).Msg("serving HTTP")
	return s.httpServer.Serve(listener)
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

