package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// JobType selects how a cron job or trigger executes its work.
type JobType string

const (
	// JobTypeAgent runs the task text through a transient agent session.
	JobTypeAgent JobType = "agent"
	// JobTypeCommand runs a shell command gated by the shell policy.
	JobTypeCommand JobType = "command"
	// JobTypeWebhook performs an outbound HTTP request.
	JobTypeWebhook JobType = "webhook"
)

// CronJob is one scheduled job from CRONS.json. Schedule is a five-field
// cron expression (minute hour dom month dow) evaluated against the
// current UTC minute.
type CronJob struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Schedule string  `json:"schedule"`
	Type     JobType `json:"type"`

	// Task is the agent prompt for agent jobs.
	Task string `json:"task,omitempty"`

	// Command is the shell command for command jobs.
	Command string `json:"command,omitempty"`

	// Webhook request fields. Method defaults to POST.
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`

	// OnFailure set to "agent" runs FallbackTask through the agent loop
	// when the webhook fails.
	OnFailure    string `json:"on_failure,omitempty"`
	FallbackTask string `json:"fallback_task,omitempty"`

	Enabled bool `json:"enabled"`

	// Breaker runtime. Three consecutive failures open the circuit and the
	// job is skipped until a toggle closes it again.
	FailureCount int  `json:"failure_count,omitempty"`
	CircuitOpen  bool `json:"circuit_open,omitempty"`
}

// Validate checks the schedule expression and the fields the job's type
// requires.
func (j *CronJob) Validate() error {
	if strings.TrimSpace(j.Schedule) == "" {
		return errors.New("cron job missing schedule")
	}
	if _, err := ParseSchedule(j.Schedule); err != nil {
		return err
	}
	switch j.Type {
	case JobTypeAgent:
		if strings.TrimSpace(j.Task) == "" {
			return errors.New("agent job missing task")
		}
	case JobTypeCommand:
		if strings.TrimSpace(j.Command) == "" {
			return errors.New("command job missing command")
		}
	case JobTypeWebhook:
		if strings.TrimSpace(j.URL) == "" {
			return errors.New("webhook job missing url")
		}
	default:
		return fmt.Errorf("unsupported job type %q", j.Type)
	}
	return nil
}

func (j *CronJob) clone() *CronJob {
	out := *j
	if j.Headers != nil {
		headers := make(map[string]string, len(j.Headers))
		for k, v := range j.Headers {
			headers[k] = v
		}
		out.Headers = headers
	}
	return &out
}

// Trigger is one event-driven job from TRIGGERS.json. Event names the
// external event it answers to; Task or Command is a template whose
// {{payload}}, {{timestamp}}, and {{payload.<key>}} placeholders are
// interpolated (shell-escaped) at dispatch time.
type Trigger struct {
	ID      string  `json:"id"`
	Name    string  `json:"name,omitempty"`
	Event   string  `json:"event"`
	Type    JobType `json:"type"`
	Task    string  `json:"task,omitempty"`
	Command string  `json:"command,omitempty"`
	Enabled bool    `json:"enabled"`

	FailureCount int  `json:"failure_count,omitempty"`
	CircuitOpen  bool `json:"circuit_open,omitempty"`
}

// Validate checks the fields the trigger's type requires. Triggers only
// support agent and command execution.
func (t *Trigger) Validate() error {
	switch t.Type {
	case JobTypeAgent:
		if strings.TrimSpace(t.Task) == "" {
			return errors.New("agent trigger missing task")
		}
	case JobTypeCommand:
		if strings.TrimSpace(t.Command) == "" {
			return errors.New("command trigger missing command")
		}
	default:
		return fmt.Errorf("unsupported trigger type %q", t.Type)
	}
	return nil
}

func (t *Trigger) clone() *Trigger {
	out := *t
	return &out
}

// template returns the text the trigger interpolates and executes.
func (t *Trigger) template() string {
	if t.Type == JobTypeAgent {
		return t.Task
	}
	return t.Command
}

// AgentRunner executes one task as an ephemeral agent session and returns
// the final output.
type AgentRunner interface {
	Run(ctx context.Context, task string) (string, error)
}

// AgentRunnerFunc adapts a function to an AgentRunner.
type AgentRunnerFunc func(ctx context.Context, task string) (string, error)

// Run executes the agent runner function.
func (f AgentRunnerFunc) Run(ctx context.Context, task string) (string, error) {
	return f(ctx, task)
}
