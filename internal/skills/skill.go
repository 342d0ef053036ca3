// Package skills discovers SKILL.md definitions and adapts them into
// registry tools. A skill is a directory under the skills root holding a
// SKILL.md with YAML frontmatter (name, description, command) and an
// optional markdown body of usage notes.
package skills

import (
	"errors"
	"fmt"
	"strings"
)

// Skill is one parsed SKILL.md definition.
type Skill struct {
	// Name is the unique skill identifier (lowercase alphanumeric, hyphens).
	// It becomes the tool name the agent invokes.
	Name string `yaml:"name"`

	// Description tells the model what the skill does and when to use it.
	Description string `yaml:"description"`

	// Command is the shell command the skill runs.
	Command string `yaml:"command"`

	// TimeoutSeconds bounds one run. Default: 30.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Notes is the markdown body under the frontmatter.
	Notes string `yaml:"-"`

	// Dir is the directory the skill was discovered in; the command runs
	// there.
	Dir string `yaml:"-"`
}

// Validate checks the required frontmatter fields.
func (s *Skill) Validate() error {
	if s.Name == "" {
		return errors.New("skill name is required")
	}
	for _, r := range s.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens, got %q", s.Name)
		}
	}
	if s.Description == "" {
		return errors.New("skill description is required")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("skill command is required")
	}
	return nil
}
