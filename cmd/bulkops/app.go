package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgnsrekt/bulkops/internal/action"
	"github.com/dgnsrekt/bulkops/internal/config"
	"github.com/dgnsrekt/bulkops/internal/controller"
	"github.com/dgnsrekt/bulkops/internal/executor"
	"github.com/dgnsrekt/bulkops/internal/relay"
	"github.com/dgnsrekt/bulkops/internal/runs"
	"github.com/dgnsrekt/bulkops/internal/storage"
	"github.com/dgnsrekt/bulkops/internal/store"
	"github.com/dgnsrekt/bulkops/internal/types"
)

// app is everything a command needs besides the browser connection.
type app struct {
	cfg      *config.Config
	store    *store.Store
	registry *storage.WriterRegistry
	broker   *relay.Broker
	svc      *controller.Service
}

func newApp(cfg *config.Config, tabs func() []types.TabInfo) (*app, error) {
	st, err := store.Open(cfg.DBDSN)
	if err != nil {
		return nil, err
	}

	catalog, err := action.LoadCatalog(cfg.FeaturesFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	runStore, err := runs.NewStore(cfg.RunsDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	registry := storage.NewWriterRegistry(cfg.DataDir, cfg.BufferSize, cfg.MaxFileSizeMB)
	broker := relay.NewBroker()

	execCfg := executor.Config{
		BatchSize:   cfg.BatchSize,
		BatchDelay:  cfg.BatchDelay,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		HTTPTimeout: cfg.HTTPTimeout,
	}
	opts := []controller.Option{
		controller.WithExecutor(execCfg),
		controller.WithBroker(broker),
		controller.WithAudit(registry),
		controller.WithMaxCredentialAge(cfg.MaxCredentialAge),
	}
	if cfg.NTFYEndpoint != "" {
		opts = append(opts, controller.WithNotifier(cfg.NTFYEndpoint, &http.Client{Timeout: 10 * time.Second}))
	}
	if tabs != nil {
		opts = append(opts, controller.WithTabs(tabs))
	}

	return &app{
		cfg:      cfg,
		store:    st,
		registry: registry,
		broker:   broker,
		svc:      controller.NewService(st, catalog, runStore, opts...),
	}, nil
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.svc.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop runs: %w", err))
	}
	if err := a.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit writers: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if len(errs) > 0 {
		slog.Warn("shutdown finished with errors", "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}
