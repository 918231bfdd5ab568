// Package scheduler fires the daily ingestion run on a cron expression.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/mohammad-safakhou/djen/config"
	"github.com/mohammad-safakhou/djen/internal/pipeline"
	"github.com/mohammad-safakhou/djen/internal/store"
)

// Runner starts an ingestion run.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*store.RunLog, error)
}

// Scheduler triggers Runner at each cron fire time. The only retry is the next tick.
type Scheduler struct {
	spec   string
	expr   *cronexpr.Expression
	loc    *time.Location
	runner Runner
	logger *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu   sync.Mutex
	next time.Time
}

// New parses cfg.Cron in cfg.Timezone.
func New(cfg config.ScheduleConfig, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	cfg = cfg.Normalize()
	expr, err := cronexpr.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", cfg.Cron, err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		spec:   cfg.Cron,
		expr:   expr,
		loc:    loc,
		runner: runner,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
		after:  time.After,
	}, nil
}

// Spec returns the cron expression.
func (s *Scheduler) Spec() string { return s.spec }

// Location returns the timezone fire times are computed in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Next returns the upcoming fire time. Before Run starts it is computed from now.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next.IsZero() {
		return s.expr.Next(s.now().In(s.loc))
	}
	return s.next
}

// Run waits for each fire time and triggers a scheduled run. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "cron", s.spec, "timezone", s.loc.String())
	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return
		}
		next := s.expr.Next(s.now().In(s.loc))
		if next.IsZero() {
			s.logger.Error("cron expression has no future fire time", "cron", s.spec)
			return
		}
		s.mu.Lock()
		s.next = next
		s.mu.Unlock()
		s.logger.Debug("next run scheduled", "at", next)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-s.after(time.Until(next)):
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	rl, err := s.runner.Run(ctx, pipeline.Request{Trigger: store.TriggerScheduled})
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		s.logger.Warn("scheduled run skipped: run in progress")
	case err != nil:
		s.logger.Error("scheduled run failed", "error", err)
	case rl != nil:
		s.logger.Info("scheduled run done", "run_id", rl.ID, "status", rl.Status)
	}
}
