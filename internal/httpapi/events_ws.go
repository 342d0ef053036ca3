package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/miosa-osa/osa/internal/bus"
	"github.com/miosa-osa/osa/pkg/models"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 45 * time.Second
	wsPingEvery = 15 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleEventsWS streams runtime events over a read-only websocket. The
// optional types query parameter narrows the firehose to a comma-
// separated set of event types.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.pubsub == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming unavailable")
		return
	}
	allowed := parseEventTypes(r.URL.Query().Get("types"))

	// Subscribe before the upgrade so no event published after the
	// handshake can be missed.
	sub := s.pubsub.Subscribe(bus.TopicFirehose)
	defer sub.Cancel()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The read loop only services control frames; its exit means the
	// client hung up.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if allowed != nil && !allowed[ev.Type] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// parseEventTypes returns nil for an empty filter, meaning every type.
func parseEventTypes(raw string) map[models.EventType]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	allowed := make(map[models.EventType]bool)
	for _, part := range strings.Split(raw, ",") {
		if t := strings.TrimSpace(part); t != "" {
			allowed[models.EventType(t)] = true
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	return allowed
}
