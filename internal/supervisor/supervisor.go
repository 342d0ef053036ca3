// Package supervisor keeps long-lived workers alive. A supervised worker
// that panics or returns an error is restarted with exponential backoff;
// one that exhausts its restart budget is abandoned with an error log.
// Workers are isolated from each other, so a crashing child never takes
// a sibling down.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/miosa-osa/osa/internal/backoff"
	"github.com/miosa-osa/osa/internal/observability"
)

// Worker is a long-lived task. It should run until its context is
// cancelled; returning nil ends supervision of this worker for good.
type Worker func(ctx context.Context) error

const (
	// DefaultMaxRestarts bounds restarts per worker within the budget window.
	DefaultMaxRestarts = 5
	// DefaultWindow is the sliding window the restart budget counts over.
	DefaultWindow = time.Minute
	// DefaultStableAfter is how long a worker must run before its backoff
	// curve resets to the first attempt.
	DefaultStableAfter = 30 * time.Second
)

// Supervisor runs workers in their own goroutines and restarts the ones
// that crash.
type Supervisor struct {
	policy      backoff.Policy
	maxRestarts int
	window      time.Duration
	stableAfter time.Duration
	metrics     *observability.Metrics
	logger      *slog.Logger
	now         func() time.Time
	wg          sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPolicy sets the restart backoff curve.
func WithPolicy(policy backoff.Policy) Option {
	return func(s *Supervisor) {
		s.policy = policy
	}
}

// WithRestartBudget bounds restarts to max per sliding window. A worker
// that crashes again with the budget spent is abandoned.
func WithRestartBudget(max int, window time.Duration) Option {
	return func(s *Supervisor) {
		if max > 0 {
			s.maxRestarts = max
		}
		if window > 0 {
			s.window = window
		}
	}
}

// WithStableAfter sets how long a run must last before the backoff curve
// resets. Zero disables the reset.
func WithStableAfter(d time.Duration) Option {
	return func(s *Supervisor) {
		s.stableAfter = d
	}
}

// WithMetrics attaches restart counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// New creates a supervisor. Default: 100ms..30s doubling backoff with 10%
// jitter, 5 restarts per minute per worker, backoff reset after 30s of
// healthy running.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		policy:      backoff.DefaultPolicy(),
		maxRestarts: DefaultMaxRestarts,
		window:      DefaultWindow,
		stableAfter: DefaultStableAfter,
		logger:      slog.Default().With("component", "supervisor"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Go starts a supervised worker. The worker keeps restarting until it
// exits cleanly, the context is cancelled, or its restart budget runs out.
func (s *Supervisor) Go(ctx context.Context, name string, run Worker) {
	s.wg.Add(1)
	go s.supervise(ctx, name, run)
}

// Wait blocks until every supervised worker has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, name string, run Worker) {
	defer s.wg.Done()

	attempt := 0
	var restarts []time.Time
	for {
		start := s.now()
		err := s.runOnce(ctx, run)
		if err == nil {
			s.logger.Info("worker exited", "worker", name)
			return
		}
		if ctx.Err() != nil {
			s.logger.Info("worker stopped", "worker", name)
			return
		}

		if s.stableAfter > 0 && s.now().Sub(start) >= s.stableAfter {
			attempt = 0
		}
		attempt++

		cutoff := s.now().Add(-s.window)
		kept := restarts[:0]
		for _, ts := range restarts {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		restarts = kept
		if len(restarts) >= s.maxRestarts {
			s.logger.Error("worker restart budget exhausted, giving up",
				"worker", name,
				"restarts", len(restarts),
				"window", s.window,
				"error", err)
			return
		}
		restarts = append(restarts, s.now())

		delay := s.policy.Delay(attempt)
		s.logger.Warn("worker crashed, restarting",
			"worker", name,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		s.metrics.RecordWorkerRestart(name)
		if backoff.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// runOnce executes one worker life, converting panics into errors.
func (s *Supervisor) runOnce(ctx context.Context, run Worker) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	return run(ctx)
}
