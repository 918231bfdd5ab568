// Package proxy relays gazette searches to the upstream API for hosts whose
// network origin is blocked by it.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/djen/config"
	"github.com/mohammad-safakhou/djen/internal/djen"
	"github.com/mohammad-safakhou/djen/internal/httpx"
)

const (
	defaultPageSize = 100
	defaultChannel  = "D"
	maxBodyBytes    = 10 * 1024 * 1024
	serviceName     = "djen-proxy"
)

var endpoints = map[string]string{
	"GET /":       "service information",
	"GET /health": "liveness and uptime",
	"GET /djen":   "relay a gazette search (dateFrom and dateTo required)",
}

// Server is a stateless relay: one upstream attempt per request.
type Server struct {
	cfg     config.ProxyConfig
	subject string
	http    *http.Client
	echo    *echo.Echo
	log     *slog.Logger
	started time.Time
	now     func() time.Time
	srv     *http.Server
}

// New builds the relay. subject is the default subjectName.
func New(cfg config.ProxyConfig, subject string, logger *slog.Logger) *Server {
	cfg = cfg.Normalize()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proxy")
	s := &Server{
		cfg:     cfg,
		subject: subject,
		http:    &http.Client{Timeout: cfg.Timeout},
		echo:    httpx.NewEcho(logger, nil),
		log:     logger,
		now:     time.Now,
	}
	s.started = s.now()
	s.echo.GET("/", s.info)
	s.echo.GET("/health", s.health)
	s.echo.GET("/djen", s.relay)
	s.echo.RouteNotFound("/*", s.notFound)
	return s
}

func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on the configured address until Shutdown is called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info("starting relay proxy", "addr", s.cfg.Address, "upstream", s.cfg.UpstreamURL)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) info(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"name":      serviceName,
		"status":    "running",
		"version":   s.cfg.Version,
		"endpoints": endpoints,
	})
}

func (s *Server) health(c echo.Context) error {
	now := s.now()
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(s.started).Seconds(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

func (s *Server) notFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, map[string]any{
		"success":   false,
		"error":     "endpoint not found",
		"path":      c.Request().URL.Path,
		"endpoints": endpoints,
	})
}

func (s *Server) relay(c echo.Context) error {
	params := map[string]any{}
	for k, v := range c.QueryParams() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	q, err := s.query(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, djen.Envelope{
			StatusCode: http.StatusBadRequest,
			Error:      err.Error(),
			Params:     params,
		})
	}
	params["subjectName"] = q.SubjectName
	params["pageSize"] = strconv.Itoa(q.PageSize)
	params["channel"] = q.Channel

	target := s.cfg.UpstreamURL + "?" + djen.UpstreamParams(q).Encode()
	status, body, err := s.forward(c.Request().Context(), target)
	switch {
	case err != nil:
		s.log.Warn("upstream unreachable", "error", err)
		return c.JSON(http.StatusBadGateway, djen.Envelope{
			StatusCode: http.StatusBadGateway,
			Error:      "upstream unreachable",
			Details:    err.Error(),
			Params:     params,
		})
	case status < 200 || status >= 300:
		s.log.Warn("upstream error", "status", status, "bytes", len(body))
		return c.JSON(status, djen.Envelope{
			StatusCode: status,
			Error:      fmt.Sprintf("upstream returned status %d", status),
			Details:    string(body),
			Params:     params,
		})
	case !json.Valid(body):
		return c.JSON(http.StatusBadGateway, djen.Envelope{
			StatusCode: status,
			Error:      "upstream returned invalid JSON",
			Details:    string(body),
			Params:     params,
		})
	}
	s.log.Debug("relayed", "status", status, "bytes", len(body))
	return c.JSON(http.StatusOK, djen.Envelope{
		Success:    true,
		StatusCode: status,
		Data:       body,
		Params:     params,
	})
}

// query reads the relay parameters and applies the defaults.
func (s *Server) query(c echo.Context) (djen.Query, error) {
	rawFrom, rawTo := strings.TrimSpace(c.QueryParam("dateFrom")), strings.TrimSpace(c.QueryParam("dateTo"))
	if rawFrom == "" || rawTo == "" {
		return djen.Query{}, errors.New("dateFrom and dateTo are required (YYYY-MM-DD)")
	}
	from, err := time.Parse(time.DateOnly, rawFrom)
	if err != nil {
		return djen.Query{}, errors.New("dateFrom must be YYYY-MM-DD")
	}
	to, err := time.Parse(time.DateOnly, rawTo)
	if err != nil {
		return djen.Query{}, errors.New("dateTo must be YYYY-MM-DD")
	}
	q := djen.Query{
		SubjectName: strings.TrimSpace(c.QueryParam("subjectName")),
		OABNumber:   c.QueryParam("oabNumber"),
		OABState:    c.QueryParam("oabState"),
		DateFrom:    from,
		DateTo:      to,
		PageSize:    defaultPageSize,
		Page:        1,
		Channel:     strings.TrimSpace(c.QueryParam("channel")),
	}
	if q.SubjectName == "" {
		q.SubjectName = s.subject
	}
	if q.Channel == "" {
		q.Channel = defaultChannel
	}
	if raw := c.QueryParam("pageSize"); raw != "" {
		if q.PageSize, err = strconv.Atoi(raw); err != nil {
			return djen.Query{}, errors.New("pageSize must be an integer")
		}
	}
	if raw := c.QueryParam("page"); raw != "" {
		if q.Page, err = strconv.Atoi(raw); err != nil || q.Page < 1 {
			return djen.Query{}, errors.New("page must be a positive integer")
		}
	}
	if err := q.Validate(0); err != nil {
		return djen.Query{}, err
	}
	return q, nil
}

func (s *Server) forward(ctx context.Context, target string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read upstream body: %w", err)
	}
	return resp.StatusCode, body, nil
}
