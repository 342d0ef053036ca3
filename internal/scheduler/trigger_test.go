package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miosa-osa/osa/internal/bus"
	"github.com/miosa-osa/osa/pkg/models"
)

func TestInterpolate(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := map[string]any{
		"env":   "prod",
		"count": float64(3),
		"ok":    true,
		"msg":   "it's fine",
	}

	cases := []struct {
		name string
		tmpl string
		want string
	}{
		{
			name: "payload key",
			tmpl: "deploy {{payload.env}}",
			want: "deploy 'prod'",
		},
		{
			name: "timestamp",
			tmpl: "at {{timestamp}}",
			want: "at '2026-03-01T12:00:00Z'",
		},
		{
			name: "whole payload as json",
			tmpl: "log {{payload}}",
			want: `log '{"count":3,"env":"prod","msg":"it'\''s fine","ok":true}'`,
		},
		{
			name: "number and bool values",
			tmpl: "n={{payload.count}} ok={{payload.ok}}",
			want: "n='3' ok='true'",
		},
		{
			name: "single quotes escaped",
			tmpl: "send {{payload.msg}}",
			want: `send 'it'\''s fine'`,
		},
		{
			name: "missing key becomes empty",
			tmpl: "x={{payload.nope}}",
			want: "x=''",
		},
		{
			name: "spaces inside braces",
			tmpl: "deploy {{ payload.env }}",
			want: "deploy 'prod'",
		},
		{
			name: "no placeholders unchanged",
			tmpl: "run the nightly report",
			want: "run the nightly report",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := interpolate(tc.tmpl, payload, ts); got != tc.want {
				t.Errorf("interpolate(%q) = %q, want %q", tc.tmpl, got, tc.want)
			}
		})
	}
}

func TestInterpolateStringPayload(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got := interpolate("say {{payload}}", "hello world", ts)
	if got != "say 'hello world'" {
		t.Errorf("interpolate string payload = %q, want %q", got, "say 'hello world'")
	}
	// Key lookup on a non-map payload yields the empty string.
	got = interpolate("x={{payload.key}}", "hello", ts)
	if got != "x=''" {
		t.Errorf("interpolate key on string payload = %q, want x=''", got)
	}
}

func TestShellEscapeNeutralizesInjection(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	text := interpolate("printf %s {{payload.msg}}",
		map[string]any{"msg": "hello; echo pwned"}, ts)

	s := NewScheduler(newTestStore(t), WithLogger(discardLogger()))
	out, err := s.runCommand(context.Background(), text)
	if err != nil {
		t.Fatalf("runCommand(%q): %v", text, err)
	}
	// The whole payload stays one argument; the semicolon never reaches
	// the shell as a separator.
	if out != "hello; echo pwned" {
		t.Errorf("command output = %q, want the literal payload", out)
	}
}

func TestTriggerDispatchViaBus(t *testing.T) {
	store := newTestStore(t)
	trig, err := store.AddTrigger(Trigger{
		Name:    "deploy notifier",
		Event:   "deploy",
		Type:    JobTypeAgent,
		Task:    "announce {{payload.env}} at {{timestamp}}",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddTrigger: %v", err)
	}

	tasks := make(chan string, 1)
	runner := AgentRunnerFunc(func(_ context.Context, task string) (string, error) {
		tasks <- task
		return "done", nil
	})

	b := bus.New()
	s := NewScheduler(store,
		WithLogger(discardLogger()),
		WithBus(b),
		WithAgentRunner(runner),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer s.Stop(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Publish(models.Event{
		Type:      models.EventExternalTrigger,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: map[string]any{
			"trigger_id": trig.ID,
			"payload":    map[string]any{"env": "prod; rm -rf /"},
		},
	})

	select {
	case task := <-tasks:
		want := `announce 'prod; rm -rf /' at '2026-03-01T12:00:00Z'`
		if task != want {
			t.Errorf("dispatched task = %q, want %q", task, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger not dispatched within 2s")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if trigs := store.Triggers(); trigs[0].FailureCount == 0 && !trigs[0].CircuitOpen {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("successful dispatch left breaker dirty")
}

func TestTriggerDispatchMatchesByEventName(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.AddTrigger(Trigger{
		Event:   "github.push",
		Type:    JobTypeAgent,
		Task:    "review the push",
		Enabled: true,
	}); err != nil {
		t.Fatalf("AddTrigger: %v", err)
	}

	var got string
	runner := AgentRunnerFunc(func(_ context.Context, task string) (string, error) {
		got = task
		return "", nil
	})
	s := NewScheduler(store, WithLogger(discardLogger()), WithAgentRunner(runner))

	s.dispatchTrigger(context.Background(), models.Event{
		Type:      models.EventExternalTrigger,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"event":   "github.push",
			"payload": map[string]any{"ref": "main"},
		},
	})
	if got != "review the push" {
		t.Errorf("event-name dispatch ran %q, want the trigger task", got)
	}
}

func TestTriggerDispatchSkipsDisabledAndUnmatched(t *testing.T) {
	store := newTestStore(t)
	trig, err := store.AddTrigger(Trigger{
		Event:   "deploy",
		Type:    JobTypeAgent,
		Task:    "x",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddTrigger: %v", err)
	}
	if err := store.ToggleTrigger(trig.ID, false); err != nil {
		t.Fatalf("ToggleTrigger: %v", err)
	}

	calls := 0
	runner := AgentRunnerFunc(func(_ context.Context, _ string) (string, error) {
		calls++
		return "", nil
	})
	s := NewScheduler(store, WithLogger(discardLogger()), WithAgentRunner(runner))

	s.dispatchTrigger(context.Background(), models.Event{
		Type:    models.EventExternalTrigger,
		Payload: map[string]any{"trigger_id": trig.ID},
	})
	s.dispatchTrigger(context.Background(), models.Event{
		Type:    models.EventExternalTrigger,
		Payload: map[string]any{"trigger_id": "unknown"},
	})
	if calls != 0 {
		t.Errorf("runner called %d times for disabled/unmatched triggers, want 0", calls)
	}
}

func TestTriggerCircuitOpensAfterThreeFailures(t *testing.T) {
	store := newTestStore(t)
	trig, err := store.AddTrigger(Trigger{
		Event:   "deploy",
		Type:    JobTypeAgent,
		Task:    "do {{payload}}",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddTrigger: %v", err)
	}

	calls := 0
	runner := AgentRunnerFunc(func(_ context.Context, _ string) (string, error) {
		calls++
		return "", errors.New("boom")
	})
	s := NewScheduler(store, WithLogger(discardLogger()), WithAgentRunner(runner))

	ev := models.Event{
		Type:      models.EventExternalTrigger,
		Timestamp: time.Now(),
		Payload:   map[string]any{"trigger_id": trig.ID, "payload": "x"},
	}
	for i := 0; i < 4; i++ {
		s.dispatchTrigger(context.Background(), ev)
	}

	if calls != 3 {
		t.Errorf("runner called %d times, want 3 (circuit opens on the third failure)", calls)
	}
	trigs := store.Triggers()
	if !trigs[0].CircuitOpen || trigs[0].FailureCount != 3 {
		t.Errorf("breaker = count %d open %v, want 3/true",
			trigs[0].FailureCount, trigs[0].CircuitOpen)
	}
}
