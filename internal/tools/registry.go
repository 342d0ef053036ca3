// Package tools owns the runtime tool surface: builtin tools, discovered
// skills, and the registry the agent loop dispatches through. Writes are
// serialized; readers work from an immutable snapshot published via an
// atomic pointer, so dispatch never blocks on registration and is
// re-entrant from hooks and tools themselves.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/miosa-osa/osa/internal/hooks"
	"github.com/miosa-osa/osa/internal/observability"
	"github.com/miosa-osa/osa/internal/oserr"
	"github.com/miosa-osa/osa/pkg/models"
)

const (
	// MaxToolNameLength bounds tool names to prevent abuse.
	MaxToolNameLength = 256

	// MaxToolParamsSize bounds tool arguments (10MB).
	MaxToolParamsSize = 10 * 1024 * 1024

	// GroupCore is the default machine group for tools registered without one.
	GroupCore = "core"
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Tool is a capability the agent can invoke. Execute returns failures as
// values inside the result; a non-nil error means the tool itself crashed.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error)
}

type registration struct {
	tool   Tool
	group  string
	schema *jsonschema.Schema // nil when the tool's schema did not compile
}

// snapshot is the immutable read view. Machine-disabled groups are filtered
// out before publication, so readers never consult the machine map.
type snapshot struct {
	tools map[string]registration
	names []string // sorted
}

var emptySnapshot = &snapshot{tools: map[string]registration{}}

// Registry maps tool names to implementations.
type Registry struct {
	mu       sync.Mutex
	all      map[string]registration // unfiltered, owned by mu
	machines map[string]bool         // group → enabled; absent = enabled
	current  atomic.Pointer[snapshot]

	hooks   *hooks.Registry
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "tools")
		}
	}
}

// WithHooks attaches the lifecycle hook registry consulted by Execute.
func WithHooks(h *hooks.Registry) Option {
	return func(r *Registry) { r.hooks = h }
}

// WithMetrics attaches execution metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		all:      make(map[string]registration),
		machines: make(map[string]bool),
		logger:   slog.Default().With("component", "tools"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(emptySnapshot)
	return r
}

// RegisterOption configures a single registration.
type RegisterOption func(*registration)

// InGroup assigns the tool to a machine group. Default: core.
func InGroup(group string) RegisterOption {
	return func(reg *registration) {
		if group != "" {
			reg.group = group
		}
	}
}

// Register adds a tool and republishes the snapshot. Registration fails on
// an invalid or duplicate name; a schema that does not compile only disables
// argument validation for that tool.
func (r *Registry) Register(tool Tool, opts ...RegisterOption) error {
	if tool == nil {
		return fmt.Errorf("tools: tool is required")
	}
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength || !toolNamePattern.MatchString(name) {
		return fmt.Errorf("tools: invalid tool name %q", name)
	}

	reg := registration{tool: tool, group: GroupCore}
	for _, opt := range opts {
		opt(&reg)
	}
	if raw := tool.Schema(); len(raw) > 0 {
		compiled, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			r.logger.Warn("tool schema did not compile; argument validation disabled",
				"tool", name, "error", err)
		} else {
			reg.schema = compiled
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.all[name]; exists {
		return fmt.Errorf("tools: %q already registered", name)
	}
	r.all[name] = reg
	r.publishLocked()
	r.logger.Info("registered tool", "tool", name, "group", reg.group)
	return nil
}

// Unregister removes a tool and republishes the snapshot.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.all[name]; !exists {
		return false
	}
	delete(r.all, name)
	r.publishLocked()
	return true
}

// SetMachines replaces the machine-group toggles and republishes. Groups
// absent from the map stay enabled.
func (r *Registry) SetMachines(machines map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.machines = make(map[string]bool, len(machines))
	for k, v := range machines {
		r.machines[k] = v
	}
	r.publishLocked()
}

// Machines returns the current group toggles, including groups known only
// from registrations.
func (r *Registry) Machines() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]bool)
	for _, reg := range r.all {
		out[reg.group] = true
	}
	for k, v := range r.machines {
		out[k] = v
	}
	return out
}

// publishLocked rebuilds the read snapshot applying the machine filter.
// Caller holds mu.
func (r *Registry) publishLocked() {
	snap := &snapshot{tools: make(map[string]registration, len(r.all))}
	for name, reg := range r.all {
		if enabled, known := r.machines[reg.group]; known && !enabled {
			continue
		}
		snap.tools[name] = reg
		snap.names = append(snap.names, name)
	}
	sort.Strings(snap.names)
	r.current.Store(snap)
}

// Get returns an enabled tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	reg, ok := r.current.Load().tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

// ListDirect returns the enabled tools sorted by name. It reads the
// published snapshot and is safe to call from hooks and tools.
func (r *Registry) ListDirect() []Tool {
	snap := r.current.Load()
	out := make([]Tool, 0, len(snap.names))
	for _, name := range snap.names {
		out = append(out, snap.tools[name].tool)
	}
	return out
}

// Names returns the enabled tool names sorted.
func (r *Registry) Names() []string {
	snap := r.current.Load()
	out := make([]string, len(snap.names))
	copy(out, snap.names)
	return out
}

// Execute runs the full guarded path for one tool call: pre-hooks (which may
// block), schema validation, the tool, post-hooks. Failures come back as
// values in the result; Execute itself never fails.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) *models.ToolResult {
	start := r.now()
	result := r.execute(ctx, call)
	result.ToolCallID = call.ID
	result.Name = call.Name
	if result.DurationMS == 0 {
		result.DurationMS = r.now().Sub(start).Milliseconds()
	}

	status := "ok"
	if !result.OK {
		status = "error"
	}
	r.metrics.RecordToolExecution(call.Name, status, float64(result.DurationMS)/1000)
	return result
}

func (r *Registry) execute(ctx context.Context, call models.ToolCall) *models.ToolResult {
	reg, ok := r.current.Load().tools[call.Name]
	if !ok {
		return failure(oserr.CodeToolExecutionFailed, fmt.Sprintf("unknown tool %q", call.Name))
	}
	if len(call.Arguments) > MaxToolParamsSize {
		return failure(oserr.CodeToolExecutionFailed, "tool arguments exceed size limit")
	}

	tc := &hooks.ToolContext{
		ToolName:   call.Name,
		ToolCallID: call.ID,
		SessionID:  observability.SessionID(ctx),
		Input:      call.Arguments,
	}
	if r.hooks != nil {
		r.hooks.RunToolPre(ctx, tc)
		if tc.Blocked {
			return failure(oserr.CodeToolBlockedByHook, tc.BlockReason)
		}
	}

	if reg.schema != nil {
		if err := validateArgs(reg.schema, call.Arguments); err != nil {
			return failure(oserr.CodeToolExecutionFailed, "invalid arguments: "+err.Error())
		}
	}

	start := r.now()
	result := r.invoke(ctx, reg.tool, call.Arguments)
	duration := r.now().Sub(start)
	result.DurationMS = duration.Milliseconds()

	if r.hooks != nil {
		tc.Output = result.Output
		tc.Duration = duration
		if !result.OK {
			tc.Err = fmt.Errorf("%s", result.Err)
		}
		r.hooks.RunToolPost(ctx, tc)
	}
	return result
}

// ExecuteDirect runs a tool by name with no hooks and no validation. It
// reads the snapshot only, so hooks and tools may call it without
// re-entering the guarded path.
func (r *Registry) ExecuteDirect(ctx context.Context, name string, args json.RawMessage) (*models.ToolResult, error) {
	reg, ok := r.current.Load().tools[name]
	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %q", name)
	}
	result := r.invoke(ctx, reg.tool, args)
	result.Name = name
	return result, nil
}

// invoke runs the tool with panic isolation. A panicking or erroring tool
// becomes a failed result, never a crash of the caller.
func (r *Registry) invoke(ctx context.Context, tool Tool, args json.RawMessage) (result *models.ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panic",
				"tool", tool.Name(), "panic", p, "stack", string(debug.Stack()))
			result = failure(oserr.CodeToolExecutionFailed, fmt.Sprintf("tool panic: %v", p))
		}
	}()

	res, err := tool.Execute(ctx, args)
	if err != nil {
		return failure(oserr.CodeToolExecutionFailed, err.Error())
	}
	if res == nil {
		return failure(oserr.CodeToolExecutionFailed, "tool returned no result")
	}
	if !res.OK && res.Code == "" {
		res.Code = string(oserr.CodeToolExecutionFailed)
	}
	return res
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(decoded)
}

func failure(code oserr.Code, reason string) *models.ToolResult {
	return &models.ToolResult{OK: false, Err: reason, Code: string(code)}
}
