package skills

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// Discover scans root for skill directories. Directories without a
// SKILL.md are skipped silently; malformed definitions are logged and
// skipped so one broken skill never hides the rest. A missing root is an
// empty result, not an error.
func Discover(root string, logger *slog.Logger) ([]*Skill, error) {
	if logger == nil {
		logger = slog.Default().With("component", "skills")
	}

	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var found []*Skill
	seen := make(map[string]string) // name → first dir
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name(), Filename)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		skill, err := ParseFile(path)
		if err != nil {
			logger.Warn("skipping malformed skill", "path", path, "error", err)
			continue
		}
		if first, ok := seen[skill.Name]; ok {
			logger.Warn("skipping duplicate skill name",
				"name", skill.Name,
				"dir", skill.Dir,
				"first", first)
			continue
		}
		seen[skill.Name] = skill.Dir
		found = append(found, skill)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}
