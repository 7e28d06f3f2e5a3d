// Package inspect serves the parked-thread registry over HTTP: a JSON
// snapshot, a Server-Sent Events stream and a WebSocket stream.
package inspect

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-qsync/v1/park"
)

// DefaultInterval is the stream period used when a handler is given a
// non-positive interval.
const DefaultInterval = time.Second

// snapshot returns the parked threads, keeping only those whose blocker
// contains the "blocker" query parameter when it is set.
func snapshot(r *http.Request) []park.Snapshot {
	all := park.Parked()
	filter := r.URL.Query().Get("blocker")
	out := make([]park.Snapshot, 0, len(all))
	for _, s := range all {
		if filter == "" || strings.Contains(s.Blocker, filter) {
			out = append(out, s)
		}
	}
	return out
}

// Handler writes the parked threads as a JSON array.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot(r)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// SSEHandler streams a snapshot of the parked threads every interval over
// Server-Sent Events.
func SSEHandler(interval time.Duration) http.HandlerFunc {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			data, err := json.Marshal(snapshot(r))
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-ticker.C:
			case <-r.Context().Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams a snapshot of the parked threads every interval
// over WebSocket, one JSON text message per snapshot.
func WebSocketHandler(interval time.Duration) http.HandlerFunc {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// reads only detect the client going away
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := conn.WriteJSON(snapshot(r)); err != nil {
				return
			}
			select {
			case <-ticker.C:
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
