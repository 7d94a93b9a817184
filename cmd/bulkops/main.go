package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/bulkops/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bulkops",
		Short: "Apply one account setting across every location",
		Long: `bulkops watches a logged-in browser session over CDP, captures the
credentials and the location list the web app loads, and replays a chosen
settings change against every location in paced, retried batches.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newStateCmd(),
		newRecordCmd(),
		newFeaturesCmd(),
		newRunsCmd(),
		newWatchCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger installs the default slog handler. console may be nil, in which
// case logs only go to the rotating file.
func setupLogger(level, filename string, console io.Writer) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	var out io.Writer = logWriter
	if console != nil {
		out = io.MultiWriter(console, logWriter)
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
