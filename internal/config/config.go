// Package config owns the runtime configuration: the ~/.osa state directory,
// config.json loading (JSON5 with environment expansion), defaults, and
// validation. Configuration problems are invalid_config errors, which the
// CLI maps to exit code 2.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvHome overrides the state directory root.
const EnvHome = "OSA_HOME"

// DefaultDirName is the state directory under $HOME.
const DefaultDirName = ".osa"

// ConfigFilename is the config file inside the state directory.
const ConfigFilename = "config.json"

// Config is the full runtime configuration.
type Config struct {
	// Workspace is the directory shell and file tools operate in.
	// Default: the user's home directory.
	Workspace string `json:"workspace,omitempty"`

	Providers ProvidersConfig `json:"providers"`
	Agent     AgentConfig     `json:"agent"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Sessions  SessionsConfig  `json:"sessions"`
	RateLimit RateLimitConfig `json:"rate_limit"`

	// Channels carries adapter credentials keyed by channel name. The core
	// treats the inner maps as opaque.
	Channels map[string]map[string]string `json:"channels,omitempty"`

	// Machines toggles tool capability groups. Absent groups stay enabled.
	Machines map[string]bool `json:"machines,omitempty"`
}

// ProvidersConfig selects the default LLM provider and the fallback order.
type ProvidersConfig struct {
	// Default names the provider used when a request does not pick one.
	// Default: anthropic.
	Default string `json:"default"`

	// Fallback is the failover order tried after the default fails.
	Fallback []string `json:"fallback,omitempty"`

	Anthropic ProviderKeyConfig `json:"anthropic"`
	OpenAI    ProviderKeyConfig `json:"openai"`
	Groq      ProviderKeyConfig `json:"groq"`
	Google    ProviderKeyConfig `json:"google"`
	Bedrock   BedrockKeyConfig  `json:"bedrock"`
}

// ProviderKeyConfig is one API-key provider's settings.
type ProviderKeyConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// BedrockKeyConfig is the AWS Bedrock settings. Empty credentials fall back
// to the default AWS chain.
type BedrockKeyConfig struct {
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty"`
	Model           string `json:"model,omitempty"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	// MaxIterations caps think→tool cycles per delivery. Default: 30.
	MaxIterations int `json:"max_iterations"`

	// MaxContextTokens is the compaction budget. Default: 100000.
	MaxContextTokens int `json:"max_context_tokens"`

	// ToolParallelism caps concurrent tool executions per iteration.
	// Default: 10.
	ToolParallelism int `json:"tool_parallelism"`

	// ToolTimeout bounds one tool execution. Default: 60s.
	ToolTimeout Duration `json:"tool_timeout"`

	// SystemPrompt is prepended to every session. Optional.
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// SchedulerConfig tunes the background schedulers.
type SchedulerConfig struct {
	// Enabled turns the scheduler on under `osa serve`. Default: true.
	Enabled *bool `json:"enabled,omitempty"`

	// CronTick is the cron evaluation interval. Default: 60s.
	CronTick Duration `json:"cron_tick"`

	// HeartbeatInterval is the HEARTBEAT.md tick. Default: 30m.
	HeartbeatInterval Duration `json:"heartbeat_interval"`

	// QuietHoursStart/End define a daily window ("23:00", "07:00") during
	// which heartbeat ticks are skipped. Both empty disables quiet hours.
	QuietHoursStart string `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string `json:"quiet_hours_end,omitempty"`

	// Timezone interprets quiet hours. Default: UTC.
	Timezone string `json:"timezone,omitempty"`
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	// Host to bind. Default: 127.0.0.1.
	Host string `json:"host"`

	// Port to bind. Default: 8080.
	Port int `json:"port"`
}

// AuthConfig holds signing secrets.
type AuthConfig struct {
	// JWTSecret signs API tokens (HS256). Required for serve.
	JWTSecret string `json:"jwt_secret,omitempty"`

	// WebhookSecret verifies inbound webhook signatures. Optional.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `json:"level"`

	// Format: text or json. Default: text.
	Format string `json:"format"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	// OTLPEndpoint enables trace export when set (host:port, gRPC).
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
}

// SessionsConfig tunes session lifecycle.
type SessionsConfig struct {
	// TTL expires idle sessions. Default: 60m.
	TTL Duration `json:"ttl"`
}

// RateLimitConfig bounds the HTTP API per user.
type RateLimitConfig struct {
	// Disabled turns API rate limiting off.
	Disabled bool `json:"disabled,omitempty"`

	// RequestsPerMinute per user. Default: 60.
	RequestsPerMinute int `json:"requests_per_minute"`

	// Burst above the steady rate. Default: 10.
	Burst int `json:"burst"`
}

// Duration decodes both JSON numbers (seconds) and Go duration strings.
type Duration time.Duration

// UnmarshalJSON accepts "90s", "5m", or a bare number of seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	secs, err := time.ParseDuration(s + "s")
	if err != nil {
		return err
	}
	*d = Duration(secs)
	return nil
}

// MarshalJSON writes the Go duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Home resolves the state directory: $OSA_HOME if set, else ~/.osa.
func Home() string {
	if custom := strings.TrimSpace(os.Getenv(EnvHome)); custom != "" {
		return custom
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDirName
	}
	return filepath.Join(home, DefaultDirName)
}

// Path returns the location of a state file inside the home directory.
func Path(name string) string {
	return filepath.Join(Home(), name)
}

// SchedulerEnabled reports whether the scheduler should run. Unset means
// enabled.
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}
