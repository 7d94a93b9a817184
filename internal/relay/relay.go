package relay

import (
	"context"
	"log/slog"
)

// Forward republishes values from ch on feed until ch closes or ctx is done.
// transform may rewrite a value before it is encoded, or drop it by returning
// false. A nil transform publishes values unchanged.
func Forward[T any](ctx context.Context, broker *Broker, feed string, ch <-chan T, transform func(T) (any, bool)) {
	slog.Debug("relay forwarding started", "feed", feed)
	defer slog.Debug("relay forwarding stopped", "feed", feed)

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			var out any = v
			if transform != nil {
				var keep bool
				if out, keep = transform(v); !keep {
					continue
				}
			}
			broker.PublishJSON(feed, out)
		}
	}
}
