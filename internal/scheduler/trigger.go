package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/miosa-osa/osa/pkg/models"
)

// placeholderPattern matches the three template placeholder forms:
// {{payload}}, {{timestamp}}, and {{payload.<key>}}.
var placeholderPattern = regexp.MustCompile(`\{\{\s*(payload(?:\.[A-Za-z0-9_-]+)?|timestamp)\s*\}\}`)

// dispatchTrigger runs the triggers matching one external_trigger event.
// The payload map carries "trigger_id" (matched against trigger IDs) or
// "event" (matched against trigger Event names when no id is given), plus
// an arbitrary "payload" value interpolated into the template.
func (s *Scheduler) dispatchTrigger(ctx context.Context, ev models.Event) {
	triggerID, _ := ev.Payload["trigger_id"].(string)
	eventName, _ := ev.Payload["event"].(string)
	payload := ev.Payload["payload"]

	matched := s.matchTriggers(triggerID, eventName)
	if len(matched) == 0 {
		s.logger.Debug("no trigger matched",
			"trigger_id", triggerID, "event", eventName)
		return
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	for _, trig := range matched {
		text := interpolate(trig.template(), payload, ts)
		var err error
		switch trig.Type {
		case JobTypeAgent:
			_, err = s.runAgentTask(ctx, text)
		case JobTypeCommand:
			_, err = s.runCommand(ctx, text)
		default:
			err = fmt.Errorf("unsupported trigger type %q", trig.Type)
		}
		s.store.MarkTriggerResult(trig.ID, err == nil)
		s.recordRun("trigger", err)
		if err != nil {
			s.logger.Warn("trigger failed",
				"id", trig.ID, "name", trig.Name, "error", err)
		} else {
			s.logger.Info("trigger ran", "id", trig.ID, "name", trig.Name)
		}
	}
}

func (s *Scheduler) matchTriggers(triggerID, eventName string) []*Trigger {
	var matched []*Trigger
	for _, trig := range s.store.Triggers() {
		if !trig.Enabled || trig.CircuitOpen {
			continue
		}
		switch {
		case triggerID != "" && trig.ID == triggerID:
			matched = append(matched, trig)
		case triggerID == "" && eventName != "" && trig.Event == eventName:
			matched = append(matched, trig)
		}
	}
	return matched
}

// interpolate renders a trigger template. Every substitution is shell
// escaped so payload values cannot break out of the command they are
// spliced into.
func interpolate(tmpl string, payload any, ts time.Time) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		inner := strings.TrimSpace(strings.Trim(match, "{}"))
		switch {
		case inner == "timestamp":
			return shellEscape(ts.UTC().Format(time.RFC3339))
		case inner == "payload":
			return shellEscape(renderValue(payload))
		default:
			key := strings.TrimPrefix(inner, "payload.")
			return shellEscape(renderValue(payloadKey(payload, key)))
		}
	})
}

func payloadKey(payload any, key string) any {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	return m[key]
}

func renderValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	case bool:
		return strconv.FormatBool(value)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(data)
	}
}

// shellEscape single-quotes a value for /bin/sh.
func shellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
