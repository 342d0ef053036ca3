package skills

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// Filename is the definition file every skill directory must hold.
	Filename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// ParseFile reads and parses one SKILL.md.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse parses SKILL.md content. dir is the skill's directory; its command
// runs there.
func Parse(data []byte, dir string) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	skill.Notes = strings.TrimSpace(string(body))
	skill.Dir = dir

	if err := skill.Validate(); err != nil {
		return nil, err
	}
	return &skill, nil
}

// splitFrontmatter separates the YAML frontmatter block from the markdown
// body. Both delimiters are required.
func splitFrontmatter(data []byte) (frontmatter, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, errors.New("empty skill file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, errors.New("missing opening frontmatter delimiter")
	}

	var front []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, errors.New("missing closing frontmatter delimiter")
	}

	var rest []string
	for scanner.Scan() {
		rest = append(rest, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}

	return []byte(strings.Join(front, "\n")), []byte(strings.Join(rest, "\n")), nil
}
