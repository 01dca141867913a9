package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/metrics"
)

const sseKeepalive = 10 * time.Second

// handleStreamEvents streams lifecycle events over Server-Sent Events.
// ?kind= filters by kind prefix, e.g. "outbox" or "request.accepted". ?subject= filters by
// destination or counterparty address.
// GET /api/v1/stream/events?kind={prefix}&subject={address}
func handleStreamEvents(bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		kindPrefix := r.URL.Query().Get("kind")
		subject := r.URL.Query().Get("subject")

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch, unsubscribe := bus.Subscribe(32)
		defer unsubscribe()

		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}

		logger.DebugContext(r.Context(), "SSE client connected",
			"kind", kindPrefix,
			"subject", subject,
			"remote_addr", r.RemoteAddr,
		)

		// Send initial connection event
		hello, _ := json.Marshal(map[string]string{"kind": kindPrefix, "subject": subject})
		fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello)
		flusher.Flush()

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flusher.Flush()

			case event, ok := <-ch:
				if !ok {
					return
				}
				if !matchesEvent(event, kindPrefix, subject) {
					continue
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
				flusher.Flush()
				if m != nil {
					m.RecordSSEEventSent(string(event.Kind))
				}

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected", "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}

func matchesEvent(event events.Event, kindPrefix, subject string) bool {
	if kindPrefix != "" && !strings.HasPrefix(string(event.Kind), kindPrefix) {
		return false
	}
	return subject == "" || event.Subject == subject
}
