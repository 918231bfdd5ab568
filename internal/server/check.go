package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/djen/internal/djen"
	"github.com/mohammad-safakhou/djen/internal/normalize"
)

const (
	checkTimeout  = 30 * time.Second
	checkFragment = "<p>Teste de <b>processamento</b><br>com HTML</p>"
)

var errNoSource = errors.New("upstream source not configured")

type componentStatus struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type checkResponse struct {
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]componentStatus `json:"components"`
	OK         bool                       `json:"ok"`
}

// check exercises each component once: a one-item upstream query for
// yesterday, a storage ping and a normalization of a fixed fragment.
func (s *Server) check(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
	defer cancel()

	resp := checkResponse{
		Timestamp: s.now().UTC(),
		Components: map[string]componentStatus{
			"upstream":   statusOf(s.checkUpstream(ctx)),
			"storage":    statusOf(s.deps.Store.Ping(ctx)),
			"normalizer": statusOf(checkNormalizer()),
		},
		OK: true,
	}
	for name, st := range resp.Components {
		if !st.OK {
			resp.OK = false
			s.log.Warn("component check failed", "component", name, "error", st.Error)
		}
	}
	code := http.StatusOK
	if !resp.OK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) checkUpstream(ctx context.Context) error {
	if s.deps.Source == nil {
		return errNoSource
	}
	today := s.now().In(s.deps.Location)
	yesterday := time.Date(today.Year(), today.Month(), today.Day()-1, 0, 0, 0, 0, s.deps.Location)
	_, err := s.deps.Source.Fetch(ctx, djen.Query{
		SubjectName: s.deps.Subject,
		DateFrom:    yesterday,
		DateTo:      yesterday,
		PageSize:    1,
		Page:        1,
	})
	return err
}

func checkNormalizer() error {
	out, err := normalize.Body(checkFragment)
	if err != nil {
		return err
	}
	if strings.Contains(out, "<") {
		return errors.New("markup left in normalized text")
	}
	return nil
}

func statusOf(err error) componentStatus {
	if err != nil {
		return componentStatus{Error: err.Error()}
	}
	return componentStatus{OK: true}
}
