package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miosa-osa/osa/internal/tools"
	"github.com/miosa-osa/osa/pkg/models"
)

// GroupSkills is the machine group skill tools register under.
const GroupSkills = "skills"

// Tool adapts a skill into the registry's tool shape. Arguments are a
// single optional "args" string appended to the command single-quoted, so
// model-supplied text can never splice into the command line.
type Tool struct {
	skill *Skill
}

// NewTool wraps a parsed skill.
func NewTool(skill *Skill) *Tool {
	return &Tool{skill: skill}
}

func (t *Tool) Name() string { return t.skill.Name }

func (t *Tool) Description() string { return t.skill.Description }

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"args": {"type": "string", "description": "Extra arguments appended to the skill command."}
		}
	}`)
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Args string `json:"args"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return &models.ToolResult{OK: false, Err: fmt.Sprintf("invalid parameters: %v", err)}, nil
		}
	}

	command := t.skill.Command
	if extra := strings.TrimSpace(input.Args); extra != "" {
		command += " " + quoteArg(extra)
	}
	timeout := tools.DefaultShellTimeout
	if t.skill.TimeoutSeconds > 0 {
		timeout = time.Duration(t.skill.TimeoutSeconds) * time.Second
	}

	result, err := tools.RunShellCommand(ctx, command, t.skill.Dir, timeout)
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

// quoteArg single-quotes s for /bin/sh.
func quoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// RegisterAll discovers skills under root and registers each as a tool in
// the skills machine group. A skill whose name collides with an existing
// tool is logged and skipped. Returns how many registered.
func RegisterAll(registry *tools.Registry, root string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default().With("component", "skills")
	}

	found, err := Discover(root, logger)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, skill := range found {
		if err := registry.Register(NewTool(skill), tools.InGroup(GroupSkills)); err != nil {
			logger.Warn("skipping skill", "name", skill.Name, "error", err)
			continue
		}
		registered++
	}
	return registered, nil
}
