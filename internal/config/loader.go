package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/miosa-osa/osa/internal/oserr"
)

// Load reads and parses a config file. Environment variables in the file
// are expanded before decoding, so secrets can stay out of the file itself
// ("api_key": "${ANTHROPIC_API_KEY}"). A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Defaults + environment only.
	case err != nil:
		return nil, oserr.Wrap(oserr.CodeInvalidConfig, err, "read config %s", path)
	default:
		expanded := os.ExpandEnv(string(data))
		if err := json5.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, oserr.Wrap(oserr.CodeInvalidConfig, err, "parse config %s", path)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads the config from the state directory.
func LoadDefault() (*Config, error) {
	return Load(Path(ConfigFilename))
}

// Default returns the documented defaults with environment credentials
// applied, exactly what Load yields for a missing file.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg
}

// applyEnv fills unset provider credentials from the conventional
// environment variables.
func applyEnv(cfg *Config) {
	fill := func(dst *string, keys ...string) {
		if *dst != "" {
			return
		}
		for _, key := range keys {
			if v := strings.TrimSpace(os.Getenv(key)); v != "" {
				*dst = v
				return
			}
		}
	}
	fill(&cfg.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	fill(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	fill(&cfg.Providers.Groq.APIKey, "GROQ_API_KEY")
	fill(&cfg.Providers.Google.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	fill(&cfg.Providers.Bedrock.Region, "AWS_REGION", "AWS_DEFAULT_REGION")
	fill(&cfg.Auth.JWTSecret, "OSA_JWT_SECRET")
	fill(&cfg.Auth.WebhookSecret, "OSA_WEBHOOK_SECRET")
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Workspace = home
		} else {
			cfg.Workspace = "."
		}
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 30
	}
	if cfg.Agent.MaxContextTokens == 0 {
		cfg.Agent.MaxContextTokens = 100_000
	}
	if cfg.Agent.ToolParallelism == 0 {
		cfg.Agent.ToolParallelism = 10
	}
	if cfg.Agent.ToolTimeout == 0 {
		cfg.Agent.ToolTimeout = Duration(60 * time.Second)
	}
	if cfg.Scheduler.CronTick == 0 {
		cfg.Scheduler.CronTick = Duration(60 * time.Second)
	}
	if cfg.Scheduler.HeartbeatInterval == 0 {
		cfg.Scheduler.HeartbeatInterval = Duration(30 * time.Minute)
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = Duration(60 * time.Minute)
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
}

// knownProviders are the names accepted in default/fallback settings.
var knownProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"groq":      true,
	"google":    true,
	"bedrock":   true,
}

// Validate checks structural sanity. It does not require credentials;
// Configured() answers that per provider.
func (c *Config) Validate() error {
	if !knownProviders[c.Providers.Default] {
		return oserr.New(oserr.CodeInvalidConfig,
			"unknown default provider %q", c.Providers.Default)
	}
	for _, name := range c.Providers.Fallback {
		if !knownProviders[name] {
			return oserr.New(oserr.CodeInvalidConfig,
				"unknown fallback provider %q", name)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return oserr.New(oserr.CodeInvalidConfig, "invalid server port %d", c.Server.Port)
	}
	if c.Agent.MaxIterations < 1 {
		return oserr.New(oserr.CodeInvalidConfig,
			"agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.ToolParallelism < 1 {
		return oserr.New(oserr.CodeInvalidConfig,
			"agent.tool_parallelism must be at least 1, got %d", c.Agent.ToolParallelism)
	}
	for _, bound := range []struct {
		name  string
		value string
	}{
		{"scheduler.quiet_hours_start", c.Scheduler.QuietHoursStart},
		{"scheduler.quiet_hours_end", c.Scheduler.QuietHoursEnd},
	} {
		if bound.value == "" {
			continue
		}
		if _, err := time.Parse("15:04", bound.value); err != nil {
			return oserr.New(oserr.CodeInvalidConfig,
				"%s must be HH:MM, got %q", bound.name, bound.value)
		}
	}
	if (c.Scheduler.QuietHoursStart == "") != (c.Scheduler.QuietHoursEnd == "") {
		return oserr.New(oserr.CodeInvalidConfig,
			"quiet hours need both start and end")
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return oserr.New(oserr.CodeInvalidConfig,
				"unknown scheduler timezone %q", c.Scheduler.Timezone)
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return oserr.New(oserr.CodeInvalidConfig,
			"logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// Configured reports whether a provider has usable credentials.
func (c *Config) Configured(name string) bool {
	switch name {
	case "anthropic":
		return c.Providers.Anthropic.APIKey != ""
	case "openai":
		return c.Providers.OpenAI.APIKey != ""
	case "groq":
		return c.Providers.Groq.APIKey != ""
	case "google":
		return c.Providers.Google.APIKey != ""
	case "bedrock":
		if c.Providers.Bedrock.AccessKeyID != "" && c.Providers.Bedrock.SecretAccessKey != "" {
			return true
		}
		// The default AWS chain may still resolve credentials.
		return os.Getenv("AWS_ACCESS_KEY_ID") != "" || os.Getenv("AWS_PROFILE") != ""
	}
	return false
}

// ConfiguredProviders lists providers with credentials, default first.
func (c *Config) ConfiguredProviders() []string {
	var out []string
	if c.Configured(c.Providers.Default) {
		out = append(out, c.Providers.Default)
	}
	for _, name := range []string{"anthropic", "openai", "groq", "google", "bedrock"} {
		if name == c.Providers.Default || !c.Configured(name) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Save writes the config atomically (temp file + rename) with owner-only
// permissions, since it can carry API keys. Written as plain JSON, which
// the JSON5 reader accepts back.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod config: %w", err)
	}
	if _, err := tmp.Write(append(payload, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	return os.Rename(tmpName, path)
}
