package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Message is the frame format on the WebSocket stream.
type Message struct {
	Feed string          `json:"feed"`
	Data json.RawMessage `json:"data"`
}

// WebSocketHandler streams broker events as JSON text frames. It honours the
// same ?feeds= filter as the SSE handler. Client frames are read only to
// notice when the peer goes away.
func WebSocketHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		feedFilter := parseFeeds(r)

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Debug("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := wsutil.ReadClientData(conn); err != nil {
					return
				}
			}
		}()

		slog.Debug("websocket client connected", "subscriber", id, "remote", r.RemoteAddr)
		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if feedFilter != nil && !feedFilter[evt.Feed] {
					continue
				}
				frame, err := json.Marshal(Message{Feed: evt.Feed, Data: json.RawMessage(evt.Payload)})
				if err != nil {
					continue
				}
				if err := wsutil.WriteServerText(conn, frame); err != nil {
					slog.Debug("websocket write failed", "subscriber", id, "error", err)
					return
				}
			}
		}
	}
}

// Watch connects to a WebSocket stream and calls fn for every message until
// ctx is done, the server closes, or fn returns an error.
func Watch(ctx context.Context, rawURL string, feeds []string, fn func(Message) error) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("watch url: %w", err)
	}
	if len(feeds) > 0 {
		q := u.Query()
		q.Set("feeds", strings.Join(feeds, ","))
		u.RawQuery = q.Encode()
	}

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return fmt.Errorf("watch dial %s: %w", u.Redacted(), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isClosed(err) {
				return nil
			}
			return fmt.Errorf("watch read: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("watch: bad frame", "error", err)
			continue
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}

func isClosed(err error) bool {
	var closed wsutil.ClosedError
	return errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
