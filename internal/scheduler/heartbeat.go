package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// HeartbeatFilename is the checklist file inside the state directory.
const HeartbeatFilename = "HEARTBEAT.md"

// uncheckedPattern matches an open checklist item, capturing the leading
// whitespace and the task text. Checked items never match, so completed
// lines are never reverted.
var uncheckedPattern = regexp.MustCompile(`^(\s*)- \[ \] (.*\S)\s*$`)

// RunHeartbeatOnce reads the heartbeat checklist, runs every unchecked
// item as an ephemeral agent task, and rewrites successful lines in place
// to `- [x] <task> (completed <timestamp>)`. The file is the source of
// truth; nothing is remembered between ticks. Returns the number of items
// completed.
func (s *Scheduler) RunHeartbeatOnce(ctx context.Context) (int, error) {
	if s.inQuietHours(s.now()) {
		s.logger.Debug("heartbeat tick skipped, quiet hours")
		return 0, nil
	}
	if s.heartbeatPath == "" {
		return 0, nil
	}

	data, err := os.ReadFile(s.heartbeatPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read heartbeat file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	completed := 0
	for i, line := range lines {
		m := uncheckedPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		indent, task := m[1], m[2]
		if _, err := s.runAgentTask(ctx, task); err != nil {
			s.logger.Warn("heartbeat task failed", "task", task, "error", err)
			s.recordRun("heartbeat", err)
			continue
		}
		stamp := s.now().UTC().Format(time.RFC3339)
		lines[i] = fmt.Sprintf("%s- [x] %s (completed %s)", indent, task, stamp)
		completed++
		s.recordRun("heartbeat", nil)
	}

	if completed == 0 {
		return 0, nil
	}
	out := strings.Join(lines, "\n")
	if err := writeFileAtomic(s.heartbeatPath, []byte(out), 0o600); err != nil {
		return completed, fmt.Errorf("rewrite heartbeat file: %w", err)
	}
	s.logger.Info("heartbeat tick completed tasks", "count", completed)
	return completed, nil
}

// inQuietHours reports whether t falls inside the configured daily window.
// Any lookup failure (bad clock strings, unknown timezone) counts as not
// quiet so the heartbeat keeps running.
func (s *Scheduler) inQuietHours(t time.Time) bool {
	if s.quietStart == "" || s.quietEnd == "" {
		return false
	}
	loc, err := time.LoadLocation(s.timezone)
	if err != nil {
		s.logger.Warn("quiet hours timezone lookup failed",
			"timezone", s.timezone, "error", err)
		return false
	}
	start, err := parseClock(s.quietStart)
	if err != nil {
		s.logger.Warn("quiet hours start unparseable", "start", s.quietStart)
		return false
	}
	end, err := parseClock(s.quietEnd)
	if err != nil {
		s.logger.Warn("quiet hours end unparseable", "end", s.quietEnd)
		return false
	}
	if start == end {
		return false
	}

	local := t.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	if start < end {
		return minutes >= start && minutes < end
	}
	// Window wraps midnight, e.g. 23:00-07:00.
	return minutes >= start || minutes < end
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
