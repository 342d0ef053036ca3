package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/miosa-osa/osa/internal/bus"
	"github.com/miosa-osa/osa/pkg/models"
)

func newStreamHarness(t *testing.T) (*bus.Bus, *httptest.Server) {
	t.Helper()
	b := bus.New()
	ps := bus.NewPubSub(b, bus.WithPubSubLogger(discardLogger()))
	t.Cleanup(ps.Close)

	ts := httptest.NewServer(newTestServer(t, &fakeDeliverer{}, WithPubSub(ps)))
	t.Cleanup(ts.Close)
	return b, ts
}

func TestStreamDeliversSessionEvents(t *testing.T) {
	b, ts := newStreamHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/api/v1/orchestrate/s-9/stream", nil)
	if err != nil {
		t.Fatalf("NewRequest(): %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do(): %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q, want the connected comment", line)
	}

	// The subscription was registered before headers were written, so
	// both publishes land in the mailbox. Only the s-9 event may reach
	// this stream.
	b.Publish(models.NewEvent(models.EventAgentResponse, "s-other", map[string]any{"output": "not ours"}))
	b.Publish(models.NewEvent(models.EventAgentResponse, "s-9", map[string]any{"output": "for us"}))

	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event block: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}

	if event != "agent_response" {
		t.Errorf("event name = %q, want agent_response", event)
	}
	if !strings.Contains(data, "for us") {
		t.Errorf("data = %q, want the s-9 payload", data)
	}
	if strings.Contains(data, "not ours") {
		t.Errorf("data = %q leaked another session's payload", data)
	}
}

func TestStreamWithoutPubSubIs503(t *testing.T) {
	h := newTestServer(t, &fakeDeliverer{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orchestrate/s-1/stream", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d without pubsub, want 503", w.Code)
	}
}
