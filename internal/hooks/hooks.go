// Package hooks provides ordered lifecycle hooks around tool execution and
// the agent loop's LLM calls. Hooks observe and may veto; a failing hook is
// isolated and logged, never aborting the caller. The only way a hook stops
// anything is an explicit block decision from a pre-tool hook.
package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKey identifies a hook point.
type EventKey string

const (
	ToolPre     EventKey = "tool.pre"
	ToolPost    EventKey = "tool.post"
	LoopPreLLM  EventKey = "loop.pre_llm"
	LoopPostLLM EventKey = "loop.post_llm"
)

// Priority orders hook execution; lower runs first.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// ToolContext is the mutable payload threaded through pre and post tool
// hooks. Pre-hooks see the input; post-hooks additionally see output, error,
// and duration. Setting Blocked in a pre-hook prevents execution.
type ToolContext struct {
	ToolName    string
	ToolCallID  string
	SessionID   string
	Input       json.RawMessage
	Output      string
	Err         error
	Duration    time.Duration
	Blocked     bool
	BlockReason string
	Metadata    map[string]any
}

// Block marks the tool call as vetoed with a user-visible reason.
func (tc *ToolContext) Block(reason string) {
	tc.Blocked = true
	tc.BlockReason = reason
}

// LoopContext is the payload for loop.pre_llm / loop.post_llm hooks.
type LoopContext struct {
	SessionID string
	Iteration int
	Model     string
	Provider  string
	Err       error
	Duration  time.Duration
}

// ToolHandler runs at tool.pre / tool.post.
type ToolHandler func(ctx context.Context, tc *ToolContext) error

// LoopHandler runs at loop.pre_llm / loop.post_llm.
type LoopHandler func(ctx context.Context, lc *LoopContext) error

type registration struct {
	id       string
	name     string
	priority Priority
	tools    map[string]bool // nil = all tools
	toolFn   ToolHandler
	loopFn   LoopHandler
}

func (r *registration) matchesTool(name string) bool {
	if r.tools == nil {
		return true
	}
	return r.tools[name]
}

// Registry holds ordered hook registrations per event key.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EventKey][]*registration
	logger   *slog.Logger
}

// Option configures a registration.
type Option func(*registration)

// WithPriority sets execution order; lower runs first.
func WithPriority(p Priority) Option {
	return func(r *registration) { r.priority = p }
}

// WithName labels the registration for logs.
func WithName(name string) Option {
	return func(r *registration) { r.name = name }
}

// ForTools restricts a tool hook to the named tools.
func ForTools(names ...string) Option {
	return func(r *registration) {
		r.tools = make(map[string]bool, len(names))
		for _, n := range names {
			r.tools[n] = true
		}
	}
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[EventKey][]*registration),
		logger:   logger.With("component", "hooks"),
	}
}

// RegisterTool adds a handler at tool.pre or tool.post. Returns the
// registration ID for Unregister.
func (reg *Registry) RegisterTool(key EventKey, fn ToolHandler, opts ...Option) string {
	r := &registration{id: uuid.New().String(), priority: PriorityNormal, toolFn: fn}
	for _, opt := range opts {
		opt(r)
	}
	reg.insert(key, r)
	return r.id
}

// RegisterLoop adds a handler at loop.pre_llm or loop.post_llm.
func (reg *Registry) RegisterLoop(key EventKey, fn LoopHandler, opts ...Option) string {
	r := &registration{id: uuid.New().String(), priority: PriorityNormal, loopFn: fn}
	for _, opt := range opts {
		opt(r)
	}
	reg.insert(key, r)
	return r.id
}

func (reg *Registry) insert(key EventKey, r *registration) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.handlers[key] = append(reg.handlers[key], r)
	sort.SliceStable(reg.handlers[key], func(i, j int) bool {
		return reg.handlers[key][i].priority < reg.handlers[key][j].priority
	})
	reg.logger.Debug("registered hook", "event_key", key, "id", r.id, "name", r.name, "priority", r.priority)
}

// Unregister removes a registration by ID across all event keys.
func (reg *Registry) Unregister(id string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for key, regs := range reg.handlers {
		for i, r := range regs {
			if r.id == id {
				reg.handlers[key] = append(regs[:i], regs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// HandlerCount reports the number of handlers at an event key.
func (reg *Registry) HandlerCount(key EventKey) int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.handlers[key])
}

func (reg *Registry) snapshot(key EventKey) []*registration {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	regs := reg.handlers[key]
	out := make([]*registration, len(regs))
	copy(out, regs)
	return out
}

// RunToolPre runs tool.pre handlers in priority order. It returns early as
// soon as a handler blocks; handler errors and panics are logged and skipped.
func (reg *Registry) RunToolPre(ctx context.Context, tc *ToolContext) {
	for _, r := range reg.snapshot(ToolPre) {
		if !r.matchesTool(tc.ToolName) {
			continue
		}
		reg.callTool(ctx, ToolPre, r, tc)
		if tc.Blocked {
			reg.logger.Info("tool blocked by hook",
				"tool", tc.ToolName, "hook", r.name, "reason", tc.BlockReason)
			return
		}
	}
}

// RunToolPost runs tool.post handlers in priority order.
func (reg *Registry) RunToolPost(ctx context.Context, tc *ToolContext) {
	for _, r := range reg.snapshot(ToolPost) {
		if !r.matchesTool(tc.ToolName) {
			continue
		}
		reg.callTool(ctx, ToolPost, r, tc)
	}
}

// RunLoop runs loop.* handlers in priority order.
func (reg *Registry) RunLoop(ctx context.Context, key EventKey, lc *LoopContext) {
	for _, r := range reg.snapshot(key) {
		if r.loopFn == nil {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					reg.logger.Error("hook panic", "event_key", key, "hook", r.name,
						"panic", p, "stack", string(debug.Stack()))
				}
			}()
			if err := r.loopFn(ctx, lc); err != nil {
				reg.logger.Warn("hook error", "event_key", key, "hook", r.name, "error", err)
			}
		}()
	}
}

func (reg *Registry) callTool(ctx context.Context, key EventKey, r *registration, tc *ToolContext) {
	if r.toolFn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			reg.logger.Error("hook panic", "event_key", key, "hook", r.name,
				"tool", tc.ToolName, "panic", p, "stack", string(debug.Stack()))
		}
	}()
	if err := r.toolFn(ctx, tc); err != nil {
		reg.logger.Warn("hook error", "event_key", key, "hook", r.name,
			"tool", tc.ToolName, "error", err)
	}
}
