package scheduler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestCronCommandJobRunsOnMatchingMinute(t *testing.T) {
	store := newTestStore(t)
	job, err := store.AddJob(CronJob{
		Name:     "say hi",
		Schedule: "*/5 * * * *",
		Type:     JobTypeCommand,
		Command:  "echo hi",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 5, 30, 0, time.UTC)
	s := NewScheduler(store,
		WithLogger(discardLogger()),
		WithNow(func() time.Time { return now }),
	)

	out, err := s.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if out != "hi\n" {
		t.Errorf("RunJob output = %q, want %q", out, "hi\n")
	}

	if got := s.RunCronOnce(context.Background()); got != 1 {
		t.Errorf("RunCronOnce() at minute 05 = %d jobs, want 1", got)
	}
	jobs := store.Jobs()
	if jobs[0].FailureCount != 0 || jobs[0].CircuitOpen {
		t.Errorf("successful job has count=%d open=%v, want 0/false",
			jobs[0].FailureCount, jobs[0].CircuitOpen)
	}

	now = time.Date(2026, 3, 1, 12, 6, 30, 0, time.UTC)
	if got := s.RunCronOnce(context.Background()); got != 0 {
		t.Errorf("RunCronOnce() at minute 06 = %d jobs, want 0", got)
	}
}

func TestCronRunsJobOncePerMinute(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.AddJob(CronJob{
		Schedule: "* * * * *",
		Type:     JobTypeCommand,
		Command:  "echo tick",
		Enabled:  true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	s := NewScheduler(store,
		WithLogger(discardLogger()),
		WithNow(func() time.Time { return now }),
	)

	if got := s.RunCronOnce(context.Background()); got != 1 {
		t.Fatalf("first RunCronOnce() = %d, want 1", got)
	}
	now = now.Add(20 * time.Second)
	if got := s.RunCronOnce(context.Background()); got != 0 {
		t.Errorf("second RunCronOnce() in same minute = %d, want 0", got)
	}
	now = now.Add(time.Minute)
	if got := s.RunCronOnce(context.Background()); got != 1 {
		t.Errorf("RunCronOnce() in next minute = %d, want 1", got)
	}
}

func TestCronCircuitOpensAfterThreeFailures(t *testing.T) {
	store := newTestStore(t)
	job, err := store.AddJob(CronJob{
		Schedule: "*/5 * * * *",
		Type:     JobTypeCommand,
		Command:  "false",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	s := NewScheduler(store,
		WithLogger(discardLogger()),
		WithNow(func() time.Time { return now }),
	)

	for i := 0; i < 3; i++ {
		if got := s.RunCronOnce(context.Background()); got != 1 {
			t.Fatalf("tick %d: RunCronOnce() = %d jobs, want 1", i+1, got)
		}
		now = now.Add(5 * time.Minute)
	}

	jobs := store.Jobs()
	if !jobs[0].CircuitOpen {
		t.Fatal("circuit not open after 3 consecutive failures")
	}
	if jobs[0].FailureCount != 3 {
		t.Errorf("failure count = %d, want 3", jobs[0].FailureCount)
	}

	// Minute 25 matches the schedule but the open circuit skips the job.
	if got := s.RunCronOnce(context.Background()); got != 0 {
		t.Errorf("RunCronOnce() with open circuit = %d jobs, want 0", got)
	}

	if err := store.ToggleJob(job.ID, true); err != nil {
		t.Fatalf("ToggleJob: %v", err)
	}
	jobs = store.Jobs()
	if jobs[0].CircuitOpen || jobs[0].FailureCount != 0 {
		t.Errorf("toggle left breaker at count=%d open=%v, want 0/false",
			jobs[0].FailureCount, jobs[0].CircuitOpen)
	}
	if got := s.RunCronOnce(context.Background()); got != 1 {
		t.Errorf("RunCronOnce() after toggle = %d jobs, want 1", got)
	}
}

func TestCronSkipsDisabledJobs(t *testing.T) {
	store := newTestStore(t)
	job, err := store.AddJob(CronJob{
		Schedule: "* * * * *",
		Type:     JobTypeCommand,
		Command:  "echo hi",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := store.ToggleJob(job.ID, false); err != nil {
		t.Fatalf("ToggleJob: %v", err)
	}

	s := NewScheduler(store,
		WithLogger(discardLogger()),
		WithNow(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
	)
	if got := s.RunCronOnce(context.Background()); got != 0 {
		t.Errorf("RunCronOnce() with disabled job = %d, want 0", got)
	}
}

func TestAgentJobRunsTask(t *testing.T) {
	store := newTestStore(t)
	job, err := store.AddJob(CronJob{
		Schedule: "0 8 * * *",
		Type:     JobTypeAgent,
		Task:     "summarize yesterday's inbox",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	var got string
	runner := AgentRunnerFunc(func(_ context.Context, task string) (string, error) {
		got = task
		return "summary ready", nil
	})
	s := NewScheduler(store, WithLogger(discardLogger()), WithAgentRunner(runner))

	out, err := s.RunJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if got != "summarize yesterday's inbox" {
		t.Errorf("runner received %q, want the job task", got)
	}
	if out != "summary ready" {
		t.Errorf("RunJob output = %q, want %q", out, "summary ready")
	}
}

func TestAgentJobWithoutRunnerFails(t *testing.T) {
	s := NewScheduler(newTestStore(t), WithLogger(discardLogger()))
	if _, err := s.runJob(context.Background(), &CronJob{Type: JobTypeAgent, Task: "x"}); err == nil {
		t.Error("agent job without runner succeeded")
	}
}

func TestWebhookJobSendsRequest(t *testing.T) {
	var gotMethod, gotURL, gotToken, gotBody string
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		gotMethod = r.Method
		gotURL = r.URL.String()
		gotToken = r.Header.Get("X-Token")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader("ok")),
		}, nil
	})}

	s := NewScheduler(newTestStore(t), WithLogger(discardLogger()), WithHTTPClient(client))
	job := &CronJob{
		Type:    JobTypeWebhook,
		URL:     "https://example.com/hook",
		Method:  "put",
		Headers: map[string]string{"X-Token": "s3cr3t"},
		Body:    `{"ping":true}`,
	}
	if _, err := s.runJob(context.Background(), job); err != nil {
		t.Fatalf("webhook job: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %q, want PUT", gotMethod)
	}
	if gotURL != "https://example.com/hook" {
		t.Errorf("url = %q, want the job url", gotURL)
	}
	if gotToken != "s3cr3t" {
		t.Errorf("X-Token header = %q, want s3cr3t", gotToken)
	}
	if gotBody != `{"ping":true}` {
		t.Errorf("body = %q, want the job body", gotBody)
	}
}

func TestWebhookJobFailsOnErrorStatus(t *testing.T) {
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(strings.NewReader("boom")),
		}, nil
	})}
	s := NewScheduler(newTestStore(t), WithLogger(discardLogger()), WithHTTPClient(client))
	_, err := s.runJob(context.Background(), &CronJob{Type: JobTypeWebhook, URL: "https://example.com/hook"})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("webhook 500 error = %v, want status in message", err)
	}
}

func TestWebhookJobRejectsPrivateHosts(t *testing.T) {
	s := NewScheduler(newTestStore(t), WithLogger(discardLogger()))
	urls := []string{
		"http://127.0.0.1:8080/hook",
		"http://localhost/hook",
		"http://10.0.0.5/hook",
		"http://169.254.169.254/latest/meta-data",
		"ftp://example.com/hook",
	}
	for _, raw := range urls {
		if _, err := s.runJob(context.Background(), &CronJob{Type: JobTypeWebhook, URL: raw}); err == nil {
			t.Errorf("webhook URL %q accepted, want rejection", raw)
		}
	}
}

func TestWebhookFallbackRunsAgentTask(t *testing.T) {
	var got string
	runner := AgentRunnerFunc(func(_ context.Context, task string) (string, error) {
		got = task
		return "handled", nil
	})
	s := NewScheduler(newTestStore(t), WithLogger(discardLogger()), WithAgentRunner(runner))
	job := &CronJob{
		ID:           "w1",
		Type:         JobTypeWebhook,
		URL:          "http://localhost/hook",
		OnFailure:    "agent",
		FallbackTask: "tell me the hook failed",
	}

	out, err := s.runJob(context.Background(), job)
	if err != nil {
		t.Fatalf("fallback run: %v", err)
	}
	if got != "tell me the hook failed" {
		t.Errorf("fallback task = %q, want the configured task", got)
	}
	if out != "handled" {
		t.Errorf("fallback output = %q, want %q", out, "handled")
	}
}

func TestWebhookFailureWithoutFallbackSurfaces(t *testing.T) {
	s := NewScheduler(newTestStore(t), WithLogger(discardLogger()))
	job := &CronJob{Type: JobTypeWebhook, URL: "http://localhost/hook", OnFailure: "agent"}
	if _, err := s.runJob(context.Background(), job); err == nil {
		t.Error("webhook failure without fallback task succeeded")
	}
}
