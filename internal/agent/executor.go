package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miosa-osa/osa/internal/oserr"
	"github.com/miosa-osa/osa/internal/tools"
	"github.com/miosa-osa/osa/pkg/models"
)

const (
	// DefaultToolParallelism bounds concurrent tool executions per iteration.
	DefaultToolParallelism = 10

	// DefaultToolTimeout is the per-call wall clock limit.
	DefaultToolTimeout = 60 * time.Second
)

// Executor fans an iteration's tool calls out to the registry with bounded
// concurrency and a per-call timeout. Results come back in input order
// regardless of completion order; a slow tool delays the iteration by at
// most the timeout.
type Executor struct {
	registry    *tools.Registry
	parallelism int
	timeout     time.Duration
	logger      *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithParallelism bounds concurrent executions. Default: 10.
func WithParallelism(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithToolTimeout sets the per-call wall clock limit. Default: 60s.
func WithToolTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger.With("component", "executor")
		}
	}
}

// NewExecutor creates an executor dispatching through the given registry.
func NewExecutor(registry *tools.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		parallelism: DefaultToolParallelism,
		timeout:     DefaultToolTimeout,
		logger:      slog.Default().With("component", "executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteAll runs every call and waits for all of them. The returned slice
// is indexed like calls; entries are always populated, with failures as
// values.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, e.parallelism)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = models.ToolResult{
					ToolCallID: tc.ID,
					Name:       tc.Name,
					Err:        ctx.Err().Error(),
					Code:       string(oserr.CodeToolExecutionFailed),
				}
				return
			}

			results[idx] = e.executeOne(ctx, tc)
		}(i, call)
	}

	wg.Wait()
	return results
}

// executeOne runs a single call under the per-call timeout. On timeout the
// registry goroutine is abandoned to finish in the background; its result
// is discarded.
func (e *Executor) executeOne(ctx context.Context, call models.ToolCall) models.ToolResult {
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan *models.ToolResult, 1)

	go func() {
		resultCh <- e.registry.Execute(execCtx, call)
	}()

	select {
	case res := <-resultCh:
		if res == nil {
			return models.ToolResult{
				ToolCallID: call.ID,
				Name:       call.Name,
				Err:        "tool execution produced no result",
				Code:       string(oserr.CodeToolExecutionFailed),
				DurationMS: time.Since(start).Milliseconds(),
			}
		}
		return *res
	case <-execCtx.Done():
		elapsed := time.Since(start)
		reason := fmt.Sprintf("timed out after %s", e.timeout)
		if ctx.Err() != nil {
			reason = "cancelled: " + ctx.Err().Error()
		}
		e.logger.Warn("tool execution cut off",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"elapsed_ms", elapsed.Milliseconds(),
			"reason", reason)
		return models.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Err:        reason,
			Code:       string(oserr.CodeToolExecutionFailed),
			DurationMS: elapsed.Milliseconds(),
		}
	}
}
