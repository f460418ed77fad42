package watchbus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// SSEHandler streams WatchBus events over Server-Sent Events. The watched
// key is taken from the "key" query parameter; "prefix" subscribes to every
// key sharing a prefix instead.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		key, prefix := q.Get("key"), q.Get("prefix")
		if key == "" && prefix == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		var (
			ch  chan []byte
			err error
		)
		if key != "" {
			ch, err = bus.Watch(ctx, key)
		} else {
			key = prefix
			ch, err = bus.SubscribePrefix(ctx, prefix)
		}
		if err != nil {
			cancel()
			slog.Warn("tether: sse watch failed", "key", key, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
		}()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}
