package watchbus

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perchlock/go-perch/v1/metrics"
)

// heartbeatInterval keeps idle streams alive through proxies that cut quiet
// connections. Seat maps can sit unchanged for minutes between reservations.
const heartbeatInterval = 25 * time.Second

// attach subscribes to key on behalf of an HTTP client. The returned stop
// func is safe to call from multiple goroutines; the first call detaches the
// watcher and decrements the gauge.
func attach(r *http.Request, bus WatchBus, key string) (context.Context, chan []byte, func(), error) {
	ctx, cancel := context.WithCancel(r.Context())
	ch, err := bus.Watch(ctx, key)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	metrics.WatcherGauge.Inc()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			_ = bus.Unwatch(context.Background(), key, ch)
			metrics.WatcherGauge.Dec()
		})
	}
	return ctx, ch, stop, nil
}

// SSEHandler relays payloads for the key named by the "key" query parameter
// as server-sent events. Seat-map pages point an EventSource at it with the
// flight's watch key and re-render on every message.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		fl, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, ch, stop, err := attach(r, bus, key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer stop()

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fl.Flush()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case payload, open := <-ch:
				if !open {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				fl.Flush()
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				fl.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler relays payloads for the "key" query parameter over a
// WebSocket. Frames from the client are discarded; the read side exists only
// to notice the peer going away.
func WebSocketHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, ch, stop, err := attach(r, bus, key)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		defer stop()

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					stop()
					return
				}
			}
		}()

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case payload, open := <-ch:
				if !open {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-heartbeat.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}
