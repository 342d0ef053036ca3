package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/miosa-osa/osa/internal/policy"
	"github.com/miosa-osa/osa/pkg/models"
)

const (
	// DefaultShellTimeout bounds one shell command.
	DefaultShellTimeout = 30 * time.Second

	// MaxShellOutput caps captured output per stream (100KB).
	MaxShellOutput = 100 * 1024

	// TruncationMarker is appended when output hits the cap.
	TruncationMarker = "\n[output truncated]"
)

// ExecResult is the outcome of one shell command.
type ExecResult struct {
	Command    string `json:"command"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exit_code"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// RunShellCommand validates the command against the shell policy and runs it
// under /bin/sh with a timeout and capped output. Shared by the shell tool
// and scheduler command jobs; policy violations return before any
// subprocess is spawned.
func RunShellCommand(ctx context.Context, command, dir string, timeout time.Duration) (*ExecResult, error) {
	if v := policy.Validate(command); v != nil {
		return nil, v.AsError()
	}
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if dir != "" {
		cmd.Dir = dir
	}
	stdout := newCappedBuffer(MaxShellOutput)
	stderr := newCappedBuffer(MaxShellOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()

	result := &ExecResult{
		Command:    command,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode(runErr),
		Truncated:  stdout.Truncated() || stderr.Truncated(),
		DurationMS: time.Since(start).Milliseconds(),
		TimedOut:   runCtx.Err() == context.DeadlineExceeded,
	}
	if result.TimedOut {
		return result, fmt.Errorf("command timed out after %s", timeout)
	}
	if runErr != nil && result.ExitCode == 0 {
		return result, fmt.Errorf("run command: %w", runErr)
	}
	return result, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 0
}

// ShellTool runs shell commands gated by the destructive-command policy.
type ShellTool struct {
	workdir string
	timeout time.Duration
}

// ShellOption configures a ShellTool.
type ShellOption func(*ShellTool)

// WithWorkdir sets the default working directory.
func WithWorkdir(dir string) ShellOption {
	return func(t *ShellTool) { t.workdir = dir }
}

// WithShellTimeout overrides the default command timeout.
func WithShellTimeout(d time.Duration) ShellOption {
	return func(t *ShellTool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// NewShellTool creates the shell_execute tool.
func NewShellTool(opts ...ShellOption) *ShellTool {
	t := &ShellTool{timeout: DefaultShellTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *ShellTool) Name() string { return "shell_execute" }

func (t *ShellTool) Description() string {
	return "Run a shell command. Destructive git operations and hook bypasses are blocked."
}

func (t *ShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to execute."},
			"cwd": {"type": "string", "description": "Working directory."},
			"timeout_seconds": {"type": "integer", "minimum": 0, "description": "Timeout in seconds (default 30)."}
		},
		"required": ["command"]
	}`)
}

func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("invalid parameters: %v", err)}, nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return &models.ToolResult{OK: false, Err: "command is required"}, nil
	}

	dir := input.Cwd
	if dir == "" {
		dir = t.workdir
	}
	timeout := t.timeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}

	result, err := RunShellCommand(ctx, command, dir, timeout)
	if err != nil {
		return &models.ToolResult{OK: false, Err: err.Error()}, nil
	}
	if result.ExitCode != 0 {
		payload, _ := json.Marshal(result)
		return &models.ToolResult{
			OK:     false,
			Output: string(payload),
			Err:    fmt.Sprintf("exit code %d", result.ExitCode),
		}, nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return &models.ToolResult{OK: false, Err: fmt.Sprintf("encode result: %v", err)}, nil
	}
	return &models.ToolResult{OK: true, Output: string(payload)}, nil
}

// cappedBuffer collects writes up to a byte limit and records that the
// limit was hit.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		b.truncated = true
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + TruncationMarker
	}
	return string(b.buf)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
