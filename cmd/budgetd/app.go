package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/pario-ai/budgetd/pkg/budget"
	"github.com/pario-ai/budgetd/pkg/config"
	"github.com/pario-ai/budgetd/pkg/ledger"
	"github.com/pario-ai/budgetd/pkg/ledger/postgres"
	"github.com/pario-ai/budgetd/pkg/ledger/sqlite"
	"github.com/pario-ai/budgetd/pkg/roles"
)

// app bundles the components every command needs.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    ledger.Store
	registry *prometheus.Registry
	opts     budget.Options
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := cfg.NewLogger()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := budget.Options{
		Store: store,
		Privileges: roles.Any{
			roles.NewStatic(cfg.Roles.Accounts...),
			roles.NewResolver(store, cfg.Roles.Privileged, cfg.Storage.Timeout, logger),
		},
		Plans:    budget.Plans{Fallback: cfg.Plans.Fallback, Caps: cfg.Plans.Caps},
		Location: loc,
		Timeout:  cfg.Storage.Timeout,
		Retry: budget.RetryPolicy{
			MaxAttempts: cfg.Recorder.MaxAttempts,
			Backoff:     cfg.Recorder.Backoff,
			MaxBackoff:  cfg.Recorder.MaxBackoff,
		},
		Logger:  logger,
		Metrics: budget.NewMetrics(reg),
	}
	return &app{cfg: cfg, logger: logger, store: store, registry: reg, opts: opts}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, postgres.PoolConfig{DSN: cfg.Storage.DSN, MaxConns: cfg.Storage.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return s, nil
	}
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close ledger", "error", err)
	}
}
