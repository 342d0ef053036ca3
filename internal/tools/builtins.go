package tools

import (
	"fmt"
	"time"

	"github.com/miosa-osa/osa/internal/memory"
)

// Machine group names for the builtin tools. Toggling a group via the
// machines surface enables or disables every tool in it at once.
const (
	GroupShell  = "shell"
	GroupFiles  = "files"
	GroupWeb    = "web"
	GroupMemory = "memory"
	GroupSystem = "system"
)

// BuiltinConfig wires the builtin tools to their collaborators.
type BuiltinConfig struct {
	// Workspace scopes shell and file tools. Empty means current directory.
	Workspace string

	// Memory backs memory_store / memory_search. Nil skips both.
	Memory *memory.Store

	// Now overrides the clock for current_time. Nil uses the system clock.
	Now func() time.Time

	// AllowPrivateHosts disables the web_fetch SSRF guard (tests only).
	AllowPrivateHosts bool
}

// RegisterBuiltins registers the builtin tool set on r.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) error {
	type entry struct {
		tool  Tool
		group string
	}
	var webOpts []WebFetchOption
	if cfg.AllowPrivateHosts {
		webOpts = append(webOpts, AllowPrivateHosts())
	}

	entries := []entry{
		{NewShellTool(WithWorkdir(cfg.Workspace)), GroupShell},
		{NewFileReadTool(cfg.Workspace), GroupFiles},
		{NewFileWriteTool(cfg.Workspace), GroupFiles},
		{NewWebFetchTool(webOpts...), GroupWeb},
		{NewCurrentTimeTool(cfg.Now), GroupSystem},
	}
	if cfg.Memory != nil {
		entries = append(entries,
			entry{NewMemoryStoreTool(cfg.Memory), GroupMemory},
			entry{NewMemorySearchTool(cfg.Memory), GroupMemory},
		)
	}

	for _, e := range entries {
		if err := r.Register(e.tool, InGroup(e.group)); err != nil {
			return fmt.Errorf("register builtin %s: %w", e.tool.Name(), err)
		}
	}
	return nil
}
