package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeHeartbeat(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), HeartbeatFilename)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write heartbeat file: %v", err)
	}
	return path
}

func TestHeartbeatCompletesUncheckedTasks(t *testing.T) {
	content := "# Heartbeat\n\n" +
		"- [x] old task (completed 2026-02-01T00:00:00Z)\n" +
		"- [ ] ping server\n" +
		"\nnotes below\n"
	path := writeHeartbeat(t, content)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var tasks []string
	runner := AgentRunnerFunc(func(_ context.Context, task string) (string, error) {
		tasks = append(tasks, task)
		return "pong", nil
	})
	s := NewScheduler(newTestStore(t),
		WithLogger(discardLogger()),
		WithAgentRunner(runner),
		WithHeartbeatPath(path),
		WithNow(func() time.Time { return now }),
	)

	n, err := s.RunHeartbeatOnce(context.Background())
	if err != nil {
		t.Fatalf("RunHeartbeatOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("completed %d tasks, want 1", n)
	}
	if len(tasks) != 1 || tasks[0] != "ping server" {
		t.Errorf("runner received %v, want [ping server]", tasks)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read heartbeat file: %v", err)
	}
	want := "# Heartbeat\n\n" +
		"- [x] old task (completed 2026-02-01T00:00:00Z)\n" +
		"- [x] ping server (completed 2026-03-01T12:00:00Z)\n" +
		"\nnotes below\n"
	if string(data) != want {
		t.Errorf("heartbeat file after tick = %q, want %q", data, want)
	}

	// The next tick finds nothing pending; checked lines never revert.
	n, err = s.RunHeartbeatOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunHeartbeatOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("second tick completed %d tasks, want 0", n)
	}
	if len(tasks) != 1 {
		t.Errorf("runner called %d times total, want 1", len(tasks))
	}
}

func TestHeartbeatFailedTaskStaysUnchecked(t *testing.T) {
	content := "- [ ] ping server\n- [ ] water the plants\n"
	path := writeHeartbeat(t, content)

	runner := AgentRunnerFunc(func(_ context.Context, task string) (string, error) {
		if task == "ping server" {
			return "", errors.New("server unreachable")
		}
		return "done", nil
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewScheduler(newTestStore(t),
		WithLogger(discardLogger()),
		WithAgentRunner(runner),
		WithHeartbeatPath(path),
		WithNow(func() time.Time { return now }),
	)

	n, err := s.RunHeartbeatOnce(context.Background())
	if err != nil {
		t.Fatalf("RunHeartbeatOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("completed %d tasks, want 1", n)
	}

	data, _ := os.ReadFile(path)
	want := "- [ ] ping server\n" +
		"- [x] water the plants (completed 2026-03-01T12:00:00Z)\n"
	if string(data) != want {
		t.Errorf("heartbeat file = %q, want failed task unchecked", data)
	}
}

func TestHeartbeatPreservesIndentation(t *testing.T) {
	content := "## chores\n  - [ ] rotate logs\n"
	path := writeHeartbeat(t, content)

	runner := AgentRunnerFunc(func(_ context.Context, _ string) (string, error) {
		return "rotated", nil
	})
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	s := NewScheduler(newTestStore(t),
		WithLogger(discardLogger()),
		WithAgentRunner(runner),
		WithHeartbeatPath(path),
		WithNow(func() time.Time { return now }),
	)

	if _, err := s.RunHeartbeatOnce(context.Background()); err != nil {
		t.Fatalf("RunHeartbeatOnce: %v", err)
	}
	data, _ := os.ReadFile(path)
	want := "## chores\n  - [x] rotate logs (completed 2026-03-01T09:30:00Z)\n"
	if string(data) != want {
		t.Errorf("heartbeat file = %q, want %q", data, want)
	}
}

func TestHeartbeatMissingFileIsNoop(t *testing.T) {
	s := NewScheduler(newTestStore(t),
		WithLogger(discardLogger()),
		WithHeartbeatPath(filepath.Join(t.TempDir(), HeartbeatFilename)),
	)
	n, err := s.RunHeartbeatOnce(context.Background())
	if err != nil {
		t.Fatalf("RunHeartbeatOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("completed %d tasks with no file, want 0", n)
	}
}

func TestHeartbeatQuietHoursSkipsTick(t *testing.T) {
	content := "- [ ] ping server\n"
	path := writeHeartbeat(t, content)

	calls := 0
	runner := AgentRunnerFunc(func(_ context.Context, _ string) (string, error) {
		calls++
		return "pong", nil
	})
	now := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	s := NewScheduler(newTestStore(t),
		WithLogger(discardLogger()),
		WithAgentRunner(runner),
		WithHeartbeatPath(path),
		WithQuietHours("23:00", "07:00", "UTC"),
		WithNow(func() time.Time { return now }),
	)

	n, err := s.RunHeartbeatOnce(context.Background())
	if err != nil {
		t.Fatalf("RunHeartbeatOnce: %v", err)
	}
	if n != 0 || calls != 0 {
		t.Errorf("quiet tick ran %d tasks (%d runner calls), want 0", n, calls)
	}
	if data, _ := os.ReadFile(path); string(data) != content {
		t.Error("quiet tick modified the heartbeat file")
	}

	// Noon is outside the window; the tick runs.
	now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n, err = s.RunHeartbeatOnce(context.Background())
	if err != nil {
		t.Fatalf("RunHeartbeatOnce outside window: %v", err)
	}
	if n != 1 || calls != 1 {
		t.Errorf("daytime tick ran %d tasks (%d runner calls), want 1", n, calls)
	}
}

func TestInQuietHours(t *testing.T) {
	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 1, hour, min, 0, 0, time.UTC)
	}
	cases := []struct {
		name       string
		start, end string
		tz         string
		at         time.Time
		want       bool
	}{
		{"inside wrapped window early morning", "23:00", "07:00", "UTC", at(3, 0), true},
		{"inside wrapped window late evening", "23:00", "07:00", "UTC", at(23, 30), true},
		{"outside wrapped window", "23:00", "07:00", "UTC", at(12, 0), false},
		{"window end is exclusive", "23:00", "07:00", "UTC", at(7, 0), false},
		{"window start is inclusive", "23:00", "07:00", "UTC", at(23, 0), true},
		{"simple window inside", "09:00", "17:00", "UTC", at(12, 0), true},
		{"simple window outside", "09:00", "17:00", "UTC", at(8, 59), false},
		{"not configured", "", "", "UTC", at(3, 0), false},
		{"zero-length window never quiet", "07:00", "07:00", "UTC", at(7, 0), false},
		{"bad start counts as not quiet", "25:99", "07:00", "UTC", at(3, 0), false},
		{"bad end counts as not quiet", "23:00", "late", "UTC", at(3, 0), false},
		{"bad timezone counts as not quiet", "23:00", "07:00", "Mars/Colony", at(3, 0), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewScheduler(newTestStore(t),
				WithLogger(discardLogger()),
				WithQuietHours(tc.start, tc.end, tc.tz),
			)
			if got := s.inQuietHours(tc.at); got != tc.want {
				t.Errorf("inQuietHours(%v) with window %s-%s = %v, want %v",
					tc.at, tc.start, tc.end, got, tc.want)
			}
		})
	}
}
