package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/miosa-osa/osa/pkg/models"
)

// CurrentTimeTool reports the current time, optionally in a named zone.
type CurrentTimeTool struct {
	now func() time.Time
}

// NewCurrentTimeTool creates the current_time tool. A nil now uses the
// system clock.
func NewCurrentTimeTool(now func() time.Time) *CurrentTimeTool {
	if now == nil {
		now = time.Now
	}
	return &CurrentTimeTool{now: now}
}

func (t *CurrentTimeTool) Name() string { return "current_time" }

func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone."
}

func (t *CurrentTimeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA timezone name, e.g. Asia/Tokyo. Default: UTC."}
		}
	}`)
}

func (t *CurrentTimeTool) Execute(ctx context.Context, args json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return &models.ToolResult{OK: false, Err: fmt.Sprintf("invalid parameters: %v", err)}, nil
		}
	}

	loc := time.UTC
	zone := strings.TrimSpace(input.Timezone)
	if zone != "" {
		parsed, err := time.LoadLocation(zone)
		if err != nil {
			return &models.ToolResult{OK: false, Err: fmt.Sprintf("unknown timezone %q", zone)}, nil
		}
		loc = parsed
	}

	now := t.now().In(loc)
	payload, _ := json.Marshal(map[string]any{
		"iso":      now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	})
	return &models.ToolResult{OK: true, Output: string(payload)}, nil
}
