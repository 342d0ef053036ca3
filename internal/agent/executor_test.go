package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/miosa-osa/osa/internal/tools"
	"github.com/miosa-osa/osa/pkg/models"
)

func newExecutorRegistry(t *testing.T, toolset ...tools.Tool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range toolset {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name(), err)
		}
	}
	return reg
}

func TestExecuteAllPreservesInputOrder(t *testing.T) {
	// Later calls finish first; the result slice must still mirror the
	// input order.
	sleeper := fnTool{name: "sleeper", fn: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
		var in struct {
			Delay int    `json:"delay_ms"`
			Tag   string `json:"tag"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
		time.Sleep(time.Duration(in.Delay) * time.Millisecond)
		return &models.ToolResult{OK: true, Output: in.Tag}, nil
	}}
	reg := newExecutorRegistry(t, sleeper)
	ex := NewExecutor(reg)

	calls := []models.ToolCall{
		{ID: "c1", Name: "sleeper", Arguments: json.RawMessage(`{"delay_ms":60,"tag":"slow"}`)},
		{ID: "c2", Name: "sleeper", Arguments: json.RawMessage(`{"delay_ms":5,"tag":"fast"}`)},
		{ID: "c3", Name: "sleeper", Arguments: json.RawMessage(`{"delay_ms":30,"tag":"mid"}`)},
	}
	results := ex.ExecuteAll(context.Background(), calls)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, want := range []string{"slow", "fast", "mid"} {
		if results[i].Output != want {
			t.Errorf("results[%d].Output = %q, want %q", i, results[i].Output, want)
		}
		if results[i].ToolCallID != calls[i].ID {
			t.Errorf("results[%d].ToolCallID = %q, want %q", i, results[i].ToolCallID, calls[i].ID)
		}
	}
}

func TestExecuteAllBoundsWallClock(t *testing.T) {
	// Four 40 ms tools at parallelism 4 should take one sleep, not four.
	sleeper := fnTool{name: "sleeper", fn: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
		time.Sleep(40 * time.Millisecond)
		return &models.ToolResult{OK: true, Output: "done"}, nil
	}}
	reg := newExecutorRegistry(t, sleeper)
	ex := NewExecutor(reg, WithParallelism(4))

	calls := make([]models.ToolCall, 4)
	for i := range calls {
		calls[i] = models.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "sleeper", Arguments: json.RawMessage(`{}`)}
	}

	start := time.Now()
	results := ex.ExecuteAll(context.Background(), calls)
	elapsed := time.Since(start)

	for i, r := range results {
		if !r.OK {
			t.Errorf("results[%d] failed: %s", i, r.Err)
		}
	}
	if elapsed > 120*time.Millisecond {
		t.Errorf("wall clock = %v for 4 parallel 40ms tools, want well under 160ms", elapsed)
	}
}

func TestExecuteOneTimesOut(t *testing.T) {
	stuck := fnTool{name: "stuck", fn: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &models.ToolResult{OK: true, Output: "too late"}, nil
		}
	}}
	reg := newExecutorRegistry(t, stuck)
	ex := NewExecutor(reg, WithToolTimeout(50*time.Millisecond))

	results := ex.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "stuck", Arguments: json.RawMessage(`{}`)},
	})
	if results[0].OK {
		t.Fatal("stuck tool reported OK, want timeout failure")
	}
	if !strings.Contains(results[0].Err, "timed out") {
		t.Errorf("Err = %q, want timeout mention", results[0].Err)
	}
	if results[0].Code != "tool_execution_failed" {
		t.Errorf("Code = %q, want tool_execution_failed", results[0].Code)
	}
}

func TestExecuteAllTimeoutDoesNotDelayPeers(t *testing.T) {
	stuck := fnTool{name: "stuck", fn: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	quick := fnTool{name: "quick", fn: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
		return &models.ToolResult{OK: true, Output: "instant"}, nil
	}}
	reg := newExecutorRegistry(t, stuck, quick)
	ex := NewExecutor(reg, WithToolTimeout(60*time.Millisecond))

	start := time.Now()
	results := ex.ExecuteAll(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "stuck", Arguments: json.RawMessage(`{}`)},
		{ID: "c2", Name: "quick", Arguments: json.RawMessage(`{}`)},
	})
	elapsed := time.Since(start)

	if results[0].OK {
		t.Error("stuck result OK, want failure")
	}
	if !results[1].OK || results[1].Output != "instant" {
		t.Errorf("quick result = %+v, want instant success", results[1])
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("iteration waited %v, want roughly the 60ms timeout", elapsed)
	}
}

func TestExecuteAllCancelledContext(t *testing.T) {
	slow := fnTool{name: "slow", fn: func(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
		time.Sleep(50 * time.Millisecond)
		return &models.ToolResult{OK: true, Output: "ran"}, nil
	}}
	reg := newExecutorRegistry(t, slow)
	ex := NewExecutor(reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := ex.ExecuteAll(ctx, []models.ToolCall{
		{ID: "c1", Name: "slow", Arguments: json.RawMessage(`{}`)},
	})
	if results[0].OK {
		t.Error("result OK under cancelled context, want failure")
	}
}

func TestExecuteAllEmpty(t *testing.T) {
	ex := NewExecutor(newExecutorRegistry(t))
	if got := ex.ExecuteAll(context.Background(), nil); got != nil {
		t.Errorf("ExecuteAll(nil) = %v, want nil", got)
	}
}
