// Package agent implements the bounded ReAct loop that drives one session:
// classify the inbound message, call the model, fan tool calls out in
// parallel, compact the context when it grows past budget, and stop on a
// final answer, the iteration ceiling, a doom loop, or cancellation.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/miosa-osa/osa/internal/bus"
	"github.com/miosa-osa/osa/internal/hooks"
	"github.com/miosa-osa/osa/internal/observability"
	"github.com/miosa-osa/osa/internal/oserr"
	"github.com/miosa-osa/osa/internal/providers"
	"github.com/miosa-osa/osa/internal/sessions"
	"github.com/miosa-osa/osa/internal/signal"
	"github.com/miosa-osa/osa/internal/tools"
	"github.com/miosa-osa/osa/pkg/models"
)

const (
	// DefaultMaxIterations is the provider round-trip ceiling per run.
	DefaultMaxIterations = 30

	// DefaultMaxContextTokens is the estimated-token budget for the
	// working conversation.
	DefaultMaxContextTokens = 100_000

	// doomThreshold is the consecutive-failure count that halts the run.
	doomThreshold = 3
)

// ChatClient is the slice of the provider registry the loop depends on.
type ChatClient interface {
	Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
	ChatStream(ctx context.Context, req *providers.ChatRequest, cb func(providers.StreamEvent)) (*providers.ChatResponse, error)
}

// Config bounds one loop run. Zero values take the documented defaults.
type Config struct {
	// MaxIterations caps provider round-trips. Default: 30.
	MaxIterations int

	// MaxContextTokens is the estimated-token budget before compaction.
	// Default: 100000.
	MaxContextTokens int

	// ToolParallelism bounds concurrent tool executions. Default: 10.
	ToolParallelism int

	// ToolTimeout is the per-tool wall clock limit. Default: 60s.
	ToolTimeout time.Duration

	// CompactThreshold is the budget fraction that triggers compaction.
	// Default: 0.75.
	CompactThreshold float64

	// RecentTurns is the never-compacted recent zone size. Default: 6.
	RecentTurns int

	// SystemPrompt is pinned at the head of every provider call.
	SystemPrompt string

	// Identity is appended to the system prompt when set.
	Identity string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = DefaultMaxContextTokens
	}
	if c.ToolParallelism <= 0 {
		c.ToolParallelism = DefaultToolParallelism
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.CompactThreshold <= 0 || c.CompactThreshold >= 1 {
		c.CompactThreshold = DefaultCompactThreshold
	}
	if c.RecentTurns <= 0 {
		c.RecentTurns = DefaultRecentTurns
	}
	return c
}

// Termination names why a run ended.
type Termination string

const (
	TerminationCompleted     Termination = "completed"
	TerminationMaxIterations Termination = "max_iterations"
	TerminationDoomLoop      Termination = "doom_loop"
	TerminationCancelled     Termination = "cancelled"
)

// Result is the outcome of one completed run.
type Result struct {
	SessionID   string        `json:"session_id"`
	Output      string        `json:"output"`
	Signal      models.Signal `json:"signal"`
	ToolsUsed   []string      `json:"tools_used"`
	Iterations  int           `json:"iteration_count"`
	Duration    time.Duration `json:"-"`
	Termination Termination   `json:"termination"`
}

// LoopError wraps a failure with the phase and iteration it occurred in.
type LoopError struct {
	Phase     Phase
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("agent loop %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }

// Loop is the shared loop machinery. It holds no per-session state; each
// Run call threads a State owned by exactly one worker at a time.
type Loop struct {
	chat        ChatClient
	tools       *tools.Registry
	transcripts sessions.Store
	executor    *Executor
	compactor   *Compactor
	hooks       *hooks.Registry
	bus         *bus.Bus
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	archive     Archiver
	logger      *slog.Logger
	now         func() time.Time
	cfg         Config
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithBus attaches the event bus all loop events publish to.
func WithBus(b *bus.Bus) LoopOption {
	return func(l *Loop) { l.bus = b }
}

// WithHooks attaches loop-level pre/post LLM hooks.
func WithHooks(h *hooks.Registry) LoopOption {
	return func(l *Loop) { l.hooks = h }
}

// WithMetrics attaches runtime metrics.
func WithMetrics(m *observability.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithTracer attaches per-iteration tracing.
func WithTracer(t *observability.Tracer) LoopOption {
	return func(l *Loop) { l.tracer = t }
}

// WithArchive routes compacted originals to the episodic store.
func WithArchive(a Archiver) LoopOption {
	return func(l *Loop) { l.archive = a }
}

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger.With("component", "agent")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLoop wires the loop machinery. transcripts may be nil for ephemeral
// runs whose conversation should live only in the working list.
func NewLoop(chat ChatClient, registry *tools.Registry, transcripts sessions.Store, cfg Config, opts ...LoopOption) *Loop {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	l := &Loop{
		chat:        chat,
		tools:       registry,
		transcripts: transcripts,
		logger:      slog.Default().With("component", "agent"),
		now:         time.Now,
		cfg:         cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.executor = NewExecutor(registry,
		WithParallelism(l.cfg.ToolParallelism),
		WithToolTimeout(l.cfg.ToolTimeout),
		WithExecutorLogger(l.logger))
	l.compactor = NewCompactor(chat,
		WithArchiver(l.archive),
		WithRecentTurns(l.cfg.RecentTurns),
		WithCompactorLogger(l.logger),
		WithCompactorNow(l.now))
	return l
}

// Run executes the loop for one inbound message. It returns an error only
// for noise, provider exhaustion, context overflow, or persistence
// failure; halts (ceiling, doom, cancel) return a Result describing the
// termination.
func (l *Loop) Run(ctx context.Context, st *State, input string) (*Result, error) {
	if st == nil {
		return nil, fmt.Errorf("agent: nil state")
	}
	start := l.now()
	st.clearCancel()
	ctx = observability.WithSessionID(ctx, st.SessionID)

	st.Phase = PhaseClassifying
	verdict := signal.Filter(input)
	if verdict.Noise {
		l.publish(models.EventSignalFiltered, st.SessionID, map[string]any{
			"reason": string(verdict.Reason),
			"weight": verdict.Weight,
		})
		l.metrics.RecordFiltered(string(verdict.Reason))
		l.logger.Info("message filtered",
			"session_id", st.SessionID,
			"reason", verdict.Reason,
			"weight", verdict.Weight)
		st.Phase = PhaseIdle
		return nil, oserr.New(oserr.CodeSignalFiltered, "message filtered as noise (%s)", verdict.Reason)
	}

	sig := signal.ClassifyAt(input, st.Channel, l.now())
	l.publish(models.EventSignalClassified, st.SessionID, map[string]any{"signal": sig})
	l.metrics.RecordSignal(string(sig.Mode), string(sig.Genre))

	if err := l.append(ctx, st, models.Message{
		ID:        uuid.NewString(),
		SessionID: st.SessionID,
		Role:      models.RoleUser,
		Content:   input,
		CreatedAt: l.now().UTC(),
	}); err != nil {
		return nil, &LoopError{Phase: PhaseClassifying, Iteration: st.Iteration, Cause: err}
	}

	var toolsUsed []string
	seen := make(map[string]bool)

	for {
		if st.Cancelled() {
			return l.cancelled(st, sig, toolsUsed, start), nil
		}
		if st.Iteration >= l.cfg.MaxIterations {
			return l.respond(ctx, st, sig, toolsUsed, start, TerminationMaxIterations,
				fmt.Sprintf("Stopped after reaching the %d-iteration ceiling without a final answer.", l.cfg.MaxIterations))
		}
		st.Iteration++
		iter := st.Iteration
		if st.ConsecutiveFailures >= doomThreshold {
			return l.respond(ctx, st, sig, toolsUsed, start, TerminationDoomLoop,
				fmt.Sprintf("repeated-failure halt: %s failed in %d consecutive iterations; giving up on this approach.",
					strings.Join(uniqueStrings(st.lastToolNames), ", "), st.ConsecutiveFailures))
		}

		iterCtx := ctx
		var span trace.Span
		if l.tracer != nil {
			iterCtx, span = l.tracer.TraceIteration(ctx, st.SessionID, iter)
		}

		req := l.buildRequest(st)
		if providers.EstimateTokens(req) > l.compactAt() {
			st.Phase = PhaseCompacting
			compacted, err := l.compactor.Compact(iterCtx, st.SessionID, st.Messages)
			if err != nil {
				st.compactFailures++
				l.logger.Warn("compaction failed",
					"session_id", st.SessionID,
					"iteration", iter,
					"attempt", st.compactFailures,
					"error", err)
				if st.compactFailures >= 2 {
					endSpan(span)
					return nil, &LoopError{Phase: PhaseCompacting, Iteration: iter,
						Cause: oserr.Wrap(oserr.CodeContextOverflow, err, "context exceeds budget and compaction failed twice")}
				}
			} else {
				st.compactFailures = 0
				st.Messages = compacted
				req = l.buildRequest(st)
			}
		}

		st.Phase = PhaseThinking
		if l.hooks != nil {
			l.hooks.RunLoop(iterCtx, hooks.LoopPreLLM, &hooks.LoopContext{
				SessionID: st.SessionID,
				Iteration: iter,
			})
		}
		l.publish(models.EventLLMRequest, st.SessionID, map[string]any{"iteration": iter})

		llmStart := l.now()
		resp, err := l.chat.ChatStream(iterCtx, req, func(ev providers.StreamEvent) {
			if ev.Kind == providers.StreamTextDelta && ev.Text != "" {
				l.publish(models.EventAgentThinking, st.SessionID, map[string]any{
					"text":      ev.Text,
					"iteration": iter,
				})
			}
		})
		llmDuration := l.now().Sub(llmStart)

		if l.hooks != nil {
			lc := &hooks.LoopContext{
				SessionID: st.SessionID,
				Iteration: iter,
				Err:       err,
				Duration:  llmDuration,
			}
			if resp != nil {
				lc.Provider = resp.Provider
				lc.Model = resp.Model
			}
			l.hooks.RunLoop(iterCtx, hooks.LoopPostLLM, lc)
		}
		if err != nil {
			endSpan(span)
			return nil, &LoopError{Phase: PhaseThinking, Iteration: iter, Cause: err}
		}

		responsePayload := map[string]any{
			"iteration":     iter,
			"duration_ms":   llmDuration.Milliseconds(),
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"provider":      resp.Provider,
			"model":         resp.Model,
		}

		if !resp.HasToolCalls() {
			l.publish(models.EventLLMResponse, st.SessionID, responsePayload)
			endSpan(span)
			return l.respond(ctx, st, sig, toolsUsed, start, TerminationCompleted, resp.Content)
		}

		st.Phase = PhaseTooling
		calls := append([]models.ToolCall(nil), resp.ToolCalls...)
		sort.Slice(calls, func(i, j int) bool { return calls[i].ID < calls[j].ID })

		if err := l.append(ctx, st, models.Message{
			ID:        uuid.NewString(),
			SessionID: st.SessionID,
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
			CreatedAt: l.now().UTC(),
		}); err != nil {
			endSpan(span)
			return nil, &LoopError{Phase: PhaseTooling, Iteration: iter, Cause: err}
		}

		for _, tc := range calls {
			if !seen[tc.Name] {
				seen[tc.Name] = true
				toolsUsed = append(toolsUsed, tc.Name)
			}
			l.publish(models.EventToolCall, st.SessionID, map[string]any{
				"phase":        models.PhaseStart,
				"tool":         tc.Name,
				"tool_call_id": tc.ID,
				"iteration":    iter,
			})
		}

		results := l.executor.ExecuteAll(iterCtx, calls)

		for _, res := range results {
			l.publish(models.EventToolCall, st.SessionID, map[string]any{
				"phase":        models.PhaseEnd,
				"tool":         res.Name,
				"tool_call_id": res.ToolCallID,
				"iteration":    iter,
				"duration_ms":  res.DurationMS,
				"ok":           res.OK,
			})
		}
		l.publish(models.EventLLMResponse, st.SessionID, responsePayload)
		endSpan(span)

		for _, res := range results {
			if err := l.append(ctx, st, toolMessage(st.SessionID, res, l.now().UTC())); err != nil {
				return nil, &LoopError{Phase: PhaseTooling, Iteration: iter, Cause: err}
			}
		}

		sigHash, names := Signature(calls)
		st.observeTooling(sigHash, names, allFailed(results))

		if st.Cancelled() {
			return l.cancelled(st, sig, toolsUsed, start), nil
		}
	}
}

// respond persists the terminal assistant turn, publishes agent_response,
// and assembles the result.
func (l *Loop) respond(ctx context.Context, st *State, sig models.Signal, toolsUsed []string, start time.Time, reason Termination, text string) (*Result, error) {
	st.Phase = PhaseResponding

	msg := models.Message{
		ID:        uuid.NewString(),
		SessionID: st.SessionID,
		Role:      models.RoleAssistant,
		Content:   text,
		CreatedAt: l.now().UTC(),
	}
	if reason != TerminationCompleted {
		msg.Metadata = map[string]any{"termination": string(reason)}
	}
	if err := l.append(ctx, st, msg); err != nil {
		return nil, &LoopError{Phase: PhaseResponding, Iteration: st.Iteration, Cause: err}
	}

	res := &Result{
		SessionID:   st.SessionID,
		Output:      text,
		Signal:      sig,
		ToolsUsed:   toolsUsed,
		Iterations:  st.Iteration,
		Duration:    l.now().Sub(start),
		Termination: reason,
	}
	l.publish(models.EventAgentResponse, st.SessionID, map[string]any{
		"output":          text,
		"iteration_count": st.Iteration,
		"tools_used":      toolsUsed,
		"execution_ms":    res.Duration.Milliseconds(),
		"termination":     string(reason),
		"channel":         st.Channel,
	})
	l.logger.Info("run finished",
		"session_id", st.SessionID,
		"termination", reason,
		"iterations", st.Iteration,
		"duration_ms", res.Duration.Milliseconds())

	st.Phase = PhaseIdle
	return res, nil
}

// cancelled publishes agent_cancelled in place of agent_response. The
// interrupted turn stays in the transcript as far as it got.
func (l *Loop) cancelled(st *State, sig models.Signal, toolsUsed []string, start time.Time) *Result {
	l.publish(models.EventAgentCancelled, st.SessionID, map[string]any{
		"iteration": st.Iteration,
	})
	l.logger.Info("run cancelled",
		"session_id", st.SessionID,
		"iteration", st.Iteration)
	st.Phase = PhaseIdle
	return &Result{
		SessionID:   st.SessionID,
		Signal:      sig,
		ToolsUsed:   toolsUsed,
		Iterations:  st.Iteration,
		Duration:    l.now().Sub(start),
		Termination: TerminationCancelled,
	}
}

// append grows the working list and mirrors the message to the transcript.
func (l *Loop) append(ctx context.Context, st *State, msg models.Message) error {
	st.Messages = append(st.Messages, msg)
	if l.transcripts == nil {
		return nil
	}
	if err := l.transcripts.Append(ctx, st.SessionID, &msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	return nil
}

func (l *Loop) buildRequest(st *State) *providers.ChatRequest {
	return &providers.ChatRequest{
		System:   l.systemPrompt(),
		Messages: st.Messages,
		Tools:    l.toolDefs(),
	}
}

func (l *Loop) systemPrompt() string {
	if l.cfg.Identity == "" {
		return l.cfg.SystemPrompt
	}
	if l.cfg.SystemPrompt == "" {
		return l.cfg.Identity
	}
	return l.cfg.SystemPrompt + "\n\n" + l.cfg.Identity
}

func (l *Loop) toolDefs() []providers.ToolDef {
	list := l.tools.ListDirect()
	if len(list) == 0 {
		return nil
	}
	defs := make([]providers.ToolDef, 0, len(list))
	for _, t := range list {
		defs = append(defs, providers.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

func (l *Loop) compactAt() int {
	return int(float64(l.cfg.MaxContextTokens) * l.cfg.CompactThreshold)
}

func (l *Loop) publish(typ models.EventType, sessionID string, payload map[string]any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(models.NewEvent(typ, sessionID, payload))
}

// toolMessage converts a tool result into the tool-role transcript turn
// fed back to the model. Failures carry the error text as content and an
// is_error marker the provider adapters translate.
func toolMessage(sessionID string, res models.ToolResult, at time.Time) models.Message {
	msg := models.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Role:       models.RoleTool,
		ToolCallID: res.ToolCallID,
		Content:    res.Output,
		CreatedAt:  at,
	}
	if !res.OK {
		content := res.Err
		if content == "" {
			content = "tool execution failed"
		}
		msg.Content = content
		msg.Metadata = map[string]any{"is_error": true}
		if res.Code != "" {
			msg.Metadata["code"] = res.Code
		}
	}
	return msg
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}
