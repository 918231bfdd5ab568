// Package server exposes the manual trigger and read API over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/djen/config"
	"github.com/mohammad-safakhou/djen/internal/djen"
	"github.com/mohammad-safakhou/djen/internal/httpx"
	"github.com/mohammad-safakhou/djen/internal/pipeline"
	"github.com/mohammad-safakhou/djen/internal/store"
)

// Repository is the read side of the notice store.
type Repository interface {
	QueryNotices(ctx context.Context, f store.NoticeFilter) ([]store.Notice, error)
	ListRunLogs(ctx context.Context, limit int) ([]store.RunLog, error)
	Stats(ctx context.Context) (store.Stats, error)
	CourtStats(ctx context.Context) ([]store.CourtCount, error)
	Ping(ctx context.Context) error
}

// Runner starts runs and reports the orchestrator state.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*store.RunLog, error)
	State() pipeline.State
	LastRun() *store.RunLog
}

// Schedule describes the daily trigger. It is nil when scheduling is disabled.
type Schedule interface {
	Spec() string
	Location() *time.Location
	Next() time.Time
}

// Deps are the collaborators of the API server. Source is only used by the
// component check; a nil Source reports the upstream as failed.
type Deps struct {
	Store    Repository
	Runner   Runner
	Schedule Schedule
	Source   djen.Source
	Gatherer prometheus.Gatherer
	Subject  string
	Location *time.Location
	Logger   *slog.Logger
}

type Server struct {
	cfg  config.ServerConfig
	deps Deps
	echo *echo.Echo
	log  *slog.Logger
	http *http.Server
	now  func() time.Time
}

func New(cfg config.ServerConfig, deps Deps) *Server {
	cfg = cfg.Normalize()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	logger := deps.Logger.With("component", "api")
	s := &Server{
		cfg:  cfg,
		deps: deps,
		echo: httpx.NewEcho(logger, cfg.CORSOrigins),
		log:  logger,
		now:  time.Now,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.healthz)
	if s.deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	} else {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	api := e.Group("/api")
	api.POST("/extract", s.extract)
	api.GET("/notices", s.notices)
	api.GET("/logs", s.logs)
	api.GET("/stats", s.stats)
	api.GET("/stats/courts", s.courtStats)
	api.GET("/scheduler", s.scheduler)
	api.GET("/check", s.check)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on the configured address until Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info("starting HTTP server", "addr", s.cfg.Address)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(c echo.Context) error {
	if err := s.deps.Store.Ping(c.Request().Context()); err != nil {
		s.log.Warn("health check failed", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
