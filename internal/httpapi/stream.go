package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miosa-osa/osa/internal/bus"
)

const (
	// streamWriteTimeout bounds one SSE chunk write. A client that stops
	// reading for this long is dropped.
	streamWriteTimeout = 130 * time.Second

	// streamHeartbeat is the comment-ping cadence that keeps
	// intermediaries from reaping quiet streams.
	streamHeartbeat = 15 * time.Second
)

// handleStream serves one session's event feed over SSE. Event names are
// bus event types; data is the payload JSON.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.pubsub == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sessionID := r.PathValue("session_id")

	sub := s.pubsub.Subscribe(bus.SessionTopic(sessionID))
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	_ = rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_ = rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.C:
			if !open {
				return
			}
			data := []byte("{}")
			if ev.Payload != nil {
				encoded, err := json.Marshal(ev.Payload)
				if err != nil {
					s.logger.Warn("stream payload encode failed",
						"event_type", ev.Type, "error", err)
					continue
				}
				data = encoded
			}
			_ = rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
