package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miosa-osa/osa/internal/backoff"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
}

func waitFor(t *testing.T, s *Supervisor) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
	}
}

func TestWorkerExitsCleanlyWithoutRestart(t *testing.T) {
	s := New(WithLogger(discardLogger()), WithPolicy(testPolicy()))

	var runs atomic.Int32
	s.Go(context.Background(), "once", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	waitFor(t, s)

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestWorkerRestartsAfterError(t *testing.T) {
	s := New(WithLogger(discardLogger()), WithPolicy(testPolicy()))

	var runs atomic.Int32
	s.Go(context.Background(), "flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("boom")
		}
		return nil
	})
	waitFor(t, s)

	if got := runs.Load(); got != 3 {
		t.Errorf("runs = %d, want 3", got)
	}
}

func TestWorkerRestartsAfterPanic(t *testing.T) {
	s := New(WithLogger(discardLogger()), WithPolicy(testPolicy()))

	var runs atomic.Int32
	s.Go(context.Background(), "panicky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("kaboom")
		}
		return nil
	})
	waitFor(t, s)

	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}

func TestRestartBudgetGivesUp(t *testing.T) {
	s := New(
		WithLogger(discardLogger()),
		WithPolicy(testPolicy()),
		WithRestartBudget(3, time.Hour),
	)

	var runs atomic.Int32
	s.Go(context.Background(), "doomed", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})
	waitFor(t, s)

	// The first run plus three budgeted restarts.
	if got := runs.Load(); got != 4 {
		t.Errorf("runs = %d, want 4", got)
	}
}

func TestCancelStopsWorkerWithoutRestart(t *testing.T) {
	s := New(WithLogger(discardLogger()), WithPolicy(testPolicy()))
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32
	started := make(chan struct{})
	s.Go(ctx, "blocker", func(ctx context.Context) error {
		runs.Add(1)
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	<-started
	cancel()
	waitFor(t, s)

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestCancelDuringBackoffWait(t *testing.T) {
	s := New(
		WithLogger(discardLogger()),
		WithPolicy(backoff.Policy{Initial: time.Hour, Factor: 2}),
	)
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int32
	failed := make(chan struct{})
	s.Go(ctx, "flaky", func(ctx context.Context) error {
		runs.Add(1)
		close(failed)
		return errors.New("boom")
	})

	<-failed
	cancel()
	waitFor(t, s)

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestCrashingWorkerDoesNotDisturbSibling(t *testing.T) {
	s := New(
		WithLogger(discardLogger()),
		WithPolicy(testPolicy()),
		WithRestartBudget(2, time.Hour),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var crashes atomic.Int32
	gaveUp := make(chan struct{})
	s.Go(ctx, "crasher", func(ctx context.Context) error {
		if crashes.Add(1) == 3 {
			defer close(gaveUp)
		}
		return errors.New("boom")
	})

	healthyStarted := make(chan struct{})
	healthyDone := make(chan struct{})
	s.Go(ctx, "steady", func(ctx context.Context) error {
		close(healthyStarted)
		<-ctx.Done()
		close(healthyDone)
		return ctx.Err()
	})

	<-healthyStarted
	<-gaveUp
	time.Sleep(20 * time.Millisecond)
	select {
	case <-healthyDone:
		t.Fatal("steady worker exited when its sibling crashed")
	default:
	}

	cancel()
	waitFor(t, s)

	if got := crashes.Load(); got != 3 {
		t.Errorf("crasher runs = %d, want 3", got)
	}
	select {
	case <-healthyDone:
	default:
		t.Error("steady worker did not exit after cancellation")
	}
}
