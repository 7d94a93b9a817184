package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/bulkops/internal/api"
	"github.com/dgnsrekt/bulkops/internal/browser"
	"github.com/dgnsrekt/bulkops/internal/capture"
	"github.com/dgnsrekt/bulkops/internal/cdp"
	"github.com/dgnsrekt/bulkops/internal/config"
	"github.com/dgnsrekt/bulkops/internal/netutil"
	"github.com/dgnsrekt/bulkops/internal/types"
)

func newServeCmd() *cobra.Command {
	var (
		noBrowser     bool
		launchBrowser bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Observe the browser session and serve the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("launch-browser") {
				cfg.LaunchBrowser = launchBrowser
			}
			if err := setupLogger(cfg.LogLevel, cfg.LogFile, os.Stdout); err != nil {
				return err
			}
			return serve(cfg, !noBrowser)
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "serve the API without attaching to a browser")
	cmd.Flags().BoolVar(&launchBrowser, "launch-browser", false, "start a Chromium with remote debugging if none is running")
	return cmd
}

func serve(cfg *config.Config, attach bool) error {
	slog.Info("bulkops config loaded",
		"bind_addr", cfg.BindAddr,
		"cdp_url", cfg.GetCDPURL(),
		"tab_url_filter", cfg.TabURLFilter,
		"target_pattern", cfg.TargetPattern,
		"db_dsn", cfg.DBDSN,
		"runs_dir", cfg.RunsDir,
		"batch_size", cfg.BatchSize,
		"batch_delay", cfg.BatchDelay,
		"max_attempts", cfg.MaxAttempts,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tabRegistry := cdp.NewTabRegistry()
	a, err := newApp(cfg, tabRegistry.List)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	go a.svc.ForwardStoreChanges(ctx, a.store)

	if attach {
		if cfg.LaunchBrowser {
			launcher := browser.NewLauncher(browser.Config{
				CDPAddress: cfg.CDPAddress,
				CDPPort:    cfg.CDPPort,
				StartURL:   cfg.StartURL,
				ProfileDir: cfg.ProfileDir,
			})
			if err := launcher.Launch(ctx); err != nil {
				return err
			}
			defer launcher.Stop()
		}

		factory := func(tab types.TabInfo, body capture.BodySource) (cdp.Processor, error) {
			audit := a.registry.GetWriter(tab.PathSegment, "capture", tab.BrowserID)
			corr, err := capture.New(capture.Config{
				TargetPattern:     cfg.TargetPattern,
				IDField:           cfg.TargetIDField,
				PendingTTL:        cfg.PendingTTL,
				MaxAuditBodyBytes: cfg.MaxBodyBytes,
			}, a.store, body, audit)
			if err != nil {
				return nil, err
			}
			return corr, nil
		}

		cdpClient := cdp.NewClient(cfg, factory, a.svc.CaptureUpdated, tabRegistry)
		if err := cdpClient.Connect(ctx); err != nil {
			slog.Error("failed to connect to browser", "cdp_url", cfg.GetCDPURL(), "error", err)
			slog.Info("start Chromium with --remote-debugging-port, log in, and open the app, or pass --launch-browser")
			return err
		}
		defer func() {
			if err := cdpClient.Close(); err != nil {
				slog.Warn("CDP close failed", "error", err)
			}
		}()
		slog.Info("observing browser", "tabs", cdpClient.GetTabCount())
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		return err
	}

	srv := &http.Server{Handler: api.NewServer(a.svc, a.broker), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		addr := ln.Addr().String()
		slog.Info("bulkops listening", "addr", addr, "docs", "http://"+addr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		slog.Error("bulkops server failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("bulkops shutdown failed", "error", err)
	}
	return nil
}
