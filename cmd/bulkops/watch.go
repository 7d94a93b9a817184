package main

import (
	"fmt"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/bulkops/internal/relay"
)

func newWatchCmd() *cobra.Command {
	var (
		server string
		feeds  []string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from a running bulkops serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := eventsURL(server)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", faint.Sprint("watching"), wsURL)
			err = relay.Watch(ctx, wsURL, feeds, func(m relay.Message) error {
				if m.Feed == relay.FeedProgress {
					printProgress(out, string(m.Data))
					return nil
				}
				fmt.Fprintf(out, "%s %s\n", bold.Sprint(m.Feed), m.Data)
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8190", "base URL of the bulkops API")
	cmd.Flags().StringSliceVar(&feeds, "feeds", nil, "feeds to receive (progress, run, store, capture); default all")
	return cmd
}

// eventsURL turns the API base URL into the WebSocket stream URL.
func eventsURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid --server: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid --server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/ws"
	return u.String(), nil
}
