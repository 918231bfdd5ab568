package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/djen/internal/scheduler"
	srv "github.com/mohammad-safakhou/djen/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var addr string
	var noSchedule bool
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the daily scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			if noSchedule {
				cfg.Schedule.Enabled = false
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var schedWG sync.WaitGroup
			deps := srv.Deps{
				Store:    a.store,
				Runner:   a.orch,
				Source:   a.client,
				Gatherer: a.registry,
				Subject:  cfg.Subject.Name,
				Location: cfg.Schedule.Location(),
				Logger:   logger,
			}
			if cfg.Schedule.Enabled {
				sch, err := scheduler.New(cfg.Schedule, a.orch, logger)
				if err != nil {
					return err
				}
				deps.Schedule = sch
				schedWG.Add(1)
				go func() {
					defer schedWG.Done()
					sch.Run(ctx)
				}()
			} else {
				logger.Info("scheduler disabled")
			}

			api := srv.New(cfg.Server, deps)
			errCh := make(chan error, 1)
			go func() { errCh <- api.Start() }()

			var serveErr error
			select {
			case serveErr = <-errCh:
				stop()
			case <-ctx.Done():
				logger.Info("shutting down")
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := api.Shutdown(shutdownCtx); err != nil && serveErr == nil {
				serveErr = err
			}
			drain(a, &schedWG, cfg.Server.RunTimeout, logger)
			return serveErr
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&noSchedule, "no-schedule", false, "do not start the daily scheduler")

	return serve
}

// drain waits for the scheduler loop and any in-flight run so the run log is
// written before the store closes.
func drain(a *app, schedWG *sync.WaitGroup, timeout time.Duration, logger *slog.Logger) {
	schedWG.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.orch.Wait(ctx); err != nil {
		logger.Warn("in-flight run did not finish before shutdown", "error", err)
	}
}
