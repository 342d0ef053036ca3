// Package scheduler runs the background work the runtime owes the user:
// cron jobs matched against the current UTC minute, HEARTBEAT.md checklist
// ticks, and event-driven triggers. Definitions live in the Store; every
// job and trigger carries a circuit breaker that opens after three
// consecutive failures and closes on toggle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/miosa-osa/osa/internal/bus"
	"github.com/miosa-osa/osa/internal/observability"
	"github.com/miosa-osa/osa/internal/tools"
	"github.com/miosa-osa/osa/pkg/models"
)

const (
	// DefaultCronTick is the cron evaluation interval.
	DefaultCronTick = time.Minute

	// DefaultHeartbeatTick is the HEARTBEAT.md evaluation interval.
	DefaultHeartbeatTick = 30 * time.Minute

	// defaultWebhookTimeout bounds one webhook job request.
	defaultWebhookTimeout = 10 * time.Second
)

// Scheduler drives cron ticks, heartbeat ticks, and trigger dispatch.
type Scheduler struct {
	store      *Store
	agent      AgentRunner
	bus        *bus.Bus
	httpClient *http.Client
	metrics    *observability.Metrics
	logger     *slog.Logger
	now        func() time.Time

	cronTick      time.Duration
	heartbeatTick time.Duration
	heartbeatPath string
	quietStart    string
	quietEnd      string
	timezone      string
	workdir       string

	mu          sync.Mutex
	started     bool
	unsubscribe func()
	lastRun     map[string]time.Time
	schedules   map[string]cron.Schedule
	wg          sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger. Default: slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAgentRunner sets the runner for agent jobs and heartbeat tasks.
func WithAgentRunner(runner AgentRunner) Option {
	return func(s *Scheduler) {
		if runner != nil {
			s.agent = runner
		}
	}
}

// WithBus subscribes the scheduler to external_trigger events for trigger
// dispatch. Without a bus, triggers never fire.
func WithBus(b *bus.Bus) Option {
	return func(s *Scheduler) {
		if b != nil {
			s.bus = b
		}
	}
}

// WithHTTPClient sets the client used by webhook jobs.
// Default: http.DefaultClient.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Scheduler) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithMetrics records scheduler runs on the given instrument set.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithCronTick overrides the cron evaluation interval. Default: 60s.
func WithCronTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cronTick = d
		}
	}
}

// WithHeartbeatTick overrides the heartbeat interval. Default: 30m.
func WithHeartbeatTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.heartbeatTick = d
		}
	}
}

// WithHeartbeatPath sets the checklist file heartbeat ticks read.
func WithHeartbeatPath(path string) Option {
	return func(s *Scheduler) { s.heartbeatPath = path }
}

// WithQuietHours sets a daily window during which heartbeat ticks are
// skipped. Times are "HH:MM" clock strings interpreted in timezone.
// Default timezone: UTC.
func WithQuietHours(start, end, timezone string) Option {
	return func(s *Scheduler) {
		s.quietStart = strings.TrimSpace(start)
		s.quietEnd = strings.TrimSpace(end)
		if tz := strings.TrimSpace(timezone); tz != "" {
			s.timezone = tz
		}
	}
}

// WithWorkdir sets the working directory for command jobs.
func WithWorkdir(dir string) Option {
	return func(s *Scheduler) { s.workdir = dir }
}

// NewScheduler creates a scheduler over the given store.
func NewScheduler(store *Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         store,
		httpClient:    http.DefaultClient,
		logger:        slog.Default().With("component", "scheduler"),
		now:           time.Now,
		cronTick:      DefaultCronTick,
		heartbeatTick: DefaultHeartbeatTick,
		timezone:      "UTC",
		lastRun:       make(map[string]time.Time),
		schedules:     make(map[string]cron.Schedule),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAgentRunner updates the runner for agent jobs after initialization.
func (s *Scheduler) SetAgentRunner(runner AgentRunner) {
	if s == nil || runner == nil {
		return
	}
	s.mu.Lock()
	s.agent = runner
	s.mu.Unlock()
}

// Start launches the cron and heartbeat tickers and subscribes to
// external_trigger events, all until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.bus != nil {
		unsubscribe := s.bus.Subscribe(models.EventExternalTrigger, func(ev models.Event) {
			// Bus handlers must return fast; dispatch runs in its own
			// goroutine that Stop waits for.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.dispatchTrigger(ctx, ev)
			}()
		})
		s.mu.Lock()
		s.unsubscribe = unsubscribe
		s.mu.Unlock()
	}

	s.wg.Add(2)
	go s.cronLoop(ctx)
	go s.heartbeatLoop(ctx)
	return nil
}

// Stop detaches from the bus and waits for in-flight work to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) cronLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cronTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunCronOnce(ctx)
		}
	}
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunHeartbeatOnce(ctx); err != nil {
				s.logger.Warn("heartbeat tick failed", "error", err)
			}
		}
	}
}

// RunCronOnce evaluates every cron job against the current UTC minute and
// runs the due ones. Returns the number of jobs executed.
func (s *Scheduler) RunCronOnce(ctx context.Context) int {
	minute := s.now().UTC().Truncate(time.Minute)
	count := 0
	for _, job := range s.store.Jobs() {
		if !job.Enabled || job.CircuitOpen {
			continue
		}
		sched, err := s.schedule(job.Schedule)
		if err != nil {
			s.logger.Warn("cron job has invalid schedule", "id", job.ID, "error", err)
			continue
		}
		if !matchesMinute(sched, minute) {
			continue
		}
		if !s.claimMinute(job.ID, minute) {
			continue
		}

		start := s.now()
		_, err = s.runJob(ctx, job)
		s.store.MarkJobResult(job.ID, err == nil)
		s.recordRun("cron", err)
		if err != nil {
			s.logger.Warn("cron job failed",
				"id", job.ID, "name", job.Name, "error", err)
		} else {
			s.logger.Info("cron job ran",
				"id", job.ID, "name", job.Name,
				"duration_ms", s.now().Sub(start).Milliseconds())
		}
		count++
	}
	return count
}

// RunJob executes a job immediately regardless of its schedule, recording
// the outcome in its breaker. Returns the job output.
func (s *Scheduler) RunJob(ctx context.Context, id string) (string, error) {
	var target *CronJob
	for _, job := range s.store.Jobs() {
		if job.ID == id {
			target = job
			break
		}
	}
	if target == nil {
		return "", fmt.Errorf("cron job %q: %w", id, ErrNotFound)
	}
	output, err := s.runJob(ctx, target)
	s.store.MarkJobResult(target.ID, err == nil)
	s.recordRun("cron", err)
	return output, err
}

func (s *Scheduler) runJob(ctx context.Context, job *CronJob) (string, error) {
	switch job.Type {
	case JobTypeAgent:
		return s.runAgentTask(ctx, job.Task)
	case JobTypeCommand:
		return s.runCommand(ctx, job.Command)
	case JobTypeWebhook:
		err := s.runWebhook(ctx, job)
		if err != nil && job.OnFailure == "agent" && strings.TrimSpace(job.FallbackTask) != "" {
			s.logger.Warn("webhook failed, running fallback task",
				"id", job.ID, "error", err)
			return s.runAgentTask(ctx, job.FallbackTask)
		}
		return "", err
	default:
		return "", fmt.Errorf("unsupported job type %q", job.Type)
	}
}

func (s *Scheduler) runAgentTask(ctx context.Context, task string) (string, error) {
	s.mu.Lock()
	runner := s.agent
	s.mu.Unlock()
	if runner == nil {
		return "", errors.New("agent runner not configured")
	}
	return runner.Run(ctx, task)
}

func (s *Scheduler) runCommand(ctx context.Context, command string) (string, error) {
	result, err := tools.RunShellCommand(ctx, command, s.workdir, tools.DefaultShellTimeout)
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return result.Stdout, fmt.Errorf("command exited %d: %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return result.Stdout, nil
}

func (s *Scheduler) runWebhook(ctx context.Context, job *CronJob) error {
	if err := tools.ValidateOutboundURL(job.URL); err != nil {
		return err
	}
	method := strings.ToUpper(strings.TrimSpace(job.Method))
	if method == "" {
		method = http.MethodPost
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWebhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, job.URL, strings.NewReader(job.Body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	for key, value := range job.Headers {
		req.Header.Set(key, value)
	}

	client := s.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// claimMinute reports whether the job has not yet run in this minute and
// marks it as run. One tick per minute even if evaluation happens twice.
func (s *Scheduler) claimMinute(id string, minute time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun[id].Equal(minute) {
		return false
	}
	s.lastRun[id] = minute
	return true
}

// schedule returns the parsed form of expr, caching by expression text.
func (s *Scheduler) schedule(expr string) (cron.Schedule, error) {
	s.mu.Lock()
	if sched, ok := s.schedules[expr]; ok {
		s.mu.Unlock()
		return sched, nil
	}
	s.mu.Unlock()

	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.schedules[expr] = sched
	s.mu.Unlock()
	return sched, nil
}

func (s *Scheduler) recordRun(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordSchedulerRun(kind, status)
}
