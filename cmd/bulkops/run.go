package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/bulkops/internal/controller"
	"github.com/dgnsrekt/bulkops/internal/relay"
	"github.com/dgnsrekt/bulkops/internal/runs"
)

func newRunCmd() *cobra.Command {
	var (
		req   controller.RunRequest
		input string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Apply an action to every captured target and wait for the result",
		Example: `  bulkops run --feature call-recording-retention
  bulkops run --template --injection query --key locationId --input '{"enabled":true}'
  bulkops run --feature call-recording-retention --targets loc1,loc2 --batch-size 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseInput(input)
			if err != nil {
				return err
			}
			req.Input = in

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogger(cfg.LogLevel, cfg.LogFile, nil); err != nil {
				return err
			}

			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = a.Close(closeCtx)
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			subID, events := a.broker.Subscribe()
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				for evt := range events {
					if evt.Feed == relay.FeedProgress {
						printProgress(out, evt.Payload)
					}
				}
			}()

			rec, err := a.svc.RunSync(ctx, req)
			a.broker.Unsubscribe(subID)
			<-printed
			if err != nil {
				return err
			}

			printSummary(out, rec)
			if rec.Status != runs.StatusCompleted {
				return fmt.Errorf("run %s %s", rec.ID, rec.Status)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Feature, "feature", "", "predefined action name (see `bulkops features`)")
	f.BoolVar(&req.UseTemplate, "template", false, "replay the recorded action template")
	f.StringVar(&req.Injection, "injection", "", "where the target id goes for templates: path, query or body")
	f.StringVar(&req.Key, "key", "", "query parameter, body field or path placeholder receiving the id")
	f.StringSliceVar(&req.TargetIDs, "targets", nil, "explicit target ids instead of the captured list")
	f.IntVar(&req.BatchSize, "batch-size", 0, "targets per batch (default from config)")
	f.StringVar(&input, "input", "", "JSON object merged into the request body")
	return cmd
}

func parseInput(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var in map[string]any
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return nil, fmt.Errorf("--input must be a JSON object: %w", err)
	}
	return in, nil
}

// withLocalApp runs fn against the local state without the browser.
func withLocalApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.LogLevel, cfg.LogFile, nil); err != nil {
		return err
	}
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	return fn(cmd.Context(), a)
}
