package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions
// (minute hour dom month dow; dow 0-6 with 0 = Sunday).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseSchedule validates and parses a five-field cron expression. Fields
// are evaluated in UTC regardless of the process timezone.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse("CRON_TZ=UTC " + strings.TrimSpace(expr))
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// matchesMinute reports whether the schedule fires in the minute containing
// now. The schedule's first activation after one second before the minute
// boundary is the boundary itself exactly when the minute matches.
func matchesMinute(sched cron.Schedule, now time.Time) bool {
	minute := now.UTC().Truncate(time.Minute)
	return sched.Next(minute.Add(-time.Second)).Equal(minute)
}
