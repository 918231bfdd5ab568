package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/djen/internal/djen"
	"github.com/mohammad-safakhou/djen/internal/normalize"
	"github.com/mohammad-safakhou/djen/internal/pipeline"
	"github.com/mohammad-safakhou/djen/internal/store"
)

const dateLayout = "2006-01-02"

type extractRequest struct {
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
}

// extract runs one manual ingestion synchronously. The run outlives a
// disconnecting client and is bounded by the configured run timeout.
func (s *Server) extract(c echo.Context) error {
	var body extractRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	from, err := s.parseDate("date_from", body.DateFrom)
	if err != nil {
		return err
	}
	to, err := s.parseDate("date_to", body.DateTo)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), s.cfg.RunTimeout)
	defer cancel()
	rl, err := s.deps.Runner.Run(ctx, pipeline.Request{Trigger: store.TriggerManual, DateFrom: from, DateTo: to})
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrInvalidWindow), errors.Is(err, djen.ErrInvalidQuery):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
	return c.JSON(http.StatusOK, rl)
}

func (s *Server) notices(c echo.Context) error {
	from, err := s.parseDate("date_from", c.QueryParam("date_from"))
	if err != nil {
		return err
	}
	to, err := s.parseDate("date_to", c.QueryParam("date_to"))
	if err != nil {
		return err
	}
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return err
	}
	subjectOnly := false
	if raw := c.QueryParam("subject_only"); raw != "" {
		if subjectOnly, err = strconv.ParseBool(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "subject_only must be a boolean")
		}
	}

	filter := store.NoticeFilter{
		DateFrom: from,
		DateTo:   to,
		Court:    strings.TrimSpace(c.QueryParam("court")),
		Limit:    limit,
	}
	// subject_only is applied in memory, so read the widest page and cut
	// to the requested limit after filtering.
	if subjectOnly {
		filter.Limit = store.MaxNoticeLimit
	}
	items, err := s.deps.Store.QueryNotices(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if subjectOnly {
		limit = store.NoticeLimit(limit)
		kept := items[:0]
		for _, n := range items {
			if len(kept) == limit {
				break
			}
			if normalize.SoleAttorney(n.Body, s.deps.Subject) {
				kept = append(kept, n)
			}
		}
		items = kept
	}
	if items == nil {
		items = []store.Notice{}
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) logs(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return err
	}
	logs, err := s.deps.Store.ListRunLogs(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []store.RunLog{}
	}
	return c.JSON(http.StatusOK, logs)
}

type statsResponse struct {
	store.Stats
	State pipeline.State `json:"state"`
}

func (s *Server) stats(c echo.Context) error {
	st, err := s.deps.Store.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statsResponse{Stats: st, State: s.deps.Runner.State()})
}

func (s *Server) courtStats(c echo.Context) error {
	courts, err := s.deps.Store.CourtStats(c.Request().Context())
	if err != nil {
		return err
	}
	if courts == nil {
		courts = []store.CourtCount{}
	}
	return c.JSON(http.StatusOK, courts)
}

type schedulerResponse struct {
	Enabled  bool           `json:"enabled"`
	Cron     string         `json:"cron,omitempty"`
	Timezone string         `json:"timezone,omitempty"`
	NextRun  *time.Time     `json:"next_run,omitempty"`
	State    pipeline.State `json:"state"`
	LastRun  *store.RunLog  `json:"last_run,omitempty"`
}

func (s *Server) scheduler(c echo.Context) error {
	resp := schedulerResponse{State: s.deps.Runner.State(), LastRun: s.deps.Runner.LastRun()}
	if sch := s.deps.Schedule; sch != nil {
		next := sch.Next()
		resp.Enabled = true
		resp.Cron = sch.Spec()
		resp.Timezone = sch.Location().String()
		resp.NextRun = &next
	}
	return c.JSON(http.StatusOK, resp)
}

// parseDate reads a YYYY-MM-DD value in the service location. Empty means unset.
func (s *Server) parseDate(field, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, s.deps.Location)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, field+" must be YYYY-MM-DD")
	}
	return &t, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
	}
	return n, nil
}
