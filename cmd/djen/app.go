package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/djen/config"
	"github.com/mohammad-safakhou/djen/internal/dedup"
	"github.com/mohammad-safakhou/djen/internal/djen"
	"github.com/mohammad-safakhou/djen/internal/pipeline"
	"github.com/mohammad-safakhou/djen/internal/store"
)

// app holds the dependencies shared by serve and extract.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *store.Store
	redis    *redis.Client
	registry *prometheus.Registry
	client   *djen.Client
	orch     *pipeline.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Subject.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	dsn := cfg.Storage.Postgres.DSN()
	if cfg.Storage.Postgres.AutoMigrate {
		if err := store.Migrate(cfg.Storage.Postgres.Migrations, dsn, "up", 0); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		logger.Info("migrations applied", "source", cfg.Storage.Postgres.Migrations)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &app{cfg: cfg, log: logger, store: st}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := pipeline.NewMetrics(a.registry)

	a.client = djen.NewClient(cfg.Upstream, logger)
	a.orch = pipeline.New(a.client, dedup.New(st, logger), st, pipeline.Options{
		Subject:  cfg.Subject,
		Upstream: cfg.Upstream,
		Pipeline: cfg.Pipeline,
		Location: cfg.Schedule.Location(),
	}, logger).WithMetrics(metrics)

	if r := cfg.Storage.Redis; r.Enabled() {
		a.redis = redis.NewClient(&redis.Options{Addr: r.Addr(), Password: r.Password, DB: r.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping %s: %w", r.Addr(), err)
		}
		a.orch.WithLocker(pipeline.NewRedisLocker(a.redis, pipeline.DefaultLockKey, r.LockTTL))
		logger.Info("cross-process run lock enabled", "redis", r.Addr(), "ttl", r.LockTTL)
	}
	logger.Info("ingestion configured",
		"subject", cfg.Subject.Name,
		"oab_registrations", len(cfg.Subject.OABRegistrations),
		"upstream_mode", cfg.Upstream.Mode)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
