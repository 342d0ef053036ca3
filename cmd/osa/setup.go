package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/miosa-osa/osa/internal/config"
	"github.com/miosa-osa/osa/internal/scheduler"
)

// buildSetupCmd creates the "setup" command for guided onboarding.
func buildSetupCmd(configPath *string) *cobra.Command {
	var (
		provider       string
		apiKey         string
		model          string
		nonInteractive bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Create or update the config file with guided prompts",
		Long: `Create or update the config file. Prompts for the default LLM provider
and its API key (input hidden), generates an API auth secret if none is
set, and seeds the state directory (HEARTBEAT.md, skills/).

Existing settings are kept unless answered differently.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSetup(cmd, *configPath, setupOptions{
				provider:       provider,
				apiKey:         apiKey,
				model:          model,
				nonInteractive: nonInteractive,
			})
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Default LLM provider (anthropic/openai/groq/google/bedrock)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Provider API key")
	cmd.Flags().StringVar(&model, "model", "", "Provider model override")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Skip prompts; use flags and existing values only")
	return cmd
}

type setupOptions struct {
	provider       string
	apiKey         string
	model          string
	nonInteractive bool
}

// runSetup handles the setup command.
func runSetup(cmd *cobra.Command, configPath string, opts setupOptions) error {
	out := cmd.OutOrStdout()

	// Start from the existing config so re-running setup edits rather than
	// resets. A broken file falls back to defaults with a warning.
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "Existing config unusable (%v); starting from defaults.\n", err)
		cfg = config.Default()
	}

	if opts.provider != "" {
		cfg.Providers.Default = opts.provider
	}
	reader := bufio.NewReader(os.Stdin)
	if !opts.nonInteractive {
		cfg.Providers.Default = promptString(reader, "Default LLM provider (anthropic/openai/groq/google/bedrock)", cfg.Providers.Default)
	}

	key := opts.apiKey
	if key == "" && !opts.nonInteractive && cfg.Providers.Default != "bedrock" {
		label := fmt.Sprintf("%s API key", cfg.Providers.Default)
		if cfg.Configured(cfg.Providers.Default) {
			label += " (blank keeps the current key)"
		}
		key = promptPassword(reader, label)
	}
	applyProviderKey(cfg, cfg.Providers.Default, key, opts.model)

	if cfg.Providers.Default == "bedrock" && !opts.nonInteractive {
		cfg.Providers.Bedrock.Region = promptString(reader, "AWS region", cfg.Providers.Bedrock.Region)
	}

	if cfg.Auth.JWTSecret == "" {
		secret, err := generateSecret()
		if err != nil {
			return fmt.Errorf("generate auth secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
		fmt.Fprintln(out, "Generated a new API auth secret.")
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(configPath, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Config written: %s\n", configPath)

	created, err := seedStateDir()
	if err != nil {
		return err
	}
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, path := range created {
			fmt.Fprintf(out, "  - %s\n", path)
		}
	}

	if !cfg.Configured(cfg.Providers.Default) {
		fmt.Fprintf(out, "Note: no credentials for %s yet; set the API key before running osa.\n",
			cfg.Providers.Default)
	}
	return nil
}

// applyProviderKey writes the credentials for one provider.
func applyProviderKey(cfg *config.Config, provider, key, model string) {
	set := func(dst *config.ProviderKeyConfig) {
		if key != "" {
			dst.APIKey = key
		}
		if model != "" {
			dst.Model = model
		}
	}
	switch provider {
	case "anthropic":
		set(&cfg.Providers.Anthropic)
	case "openai":
		set(&cfg.Providers.OpenAI)
	case "groq":
		set(&cfg.Providers.Groq)
	case "google":
		set(&cfg.Providers.Google)
	case "bedrock":
		if model != "" {
			cfg.Providers.Bedrock.Model = model
		}
	}
}

// heartbeatTemplate seeds an empty checklist. Unchecked items would run on
// the next tick, so the starter has none.
const heartbeatTemplate = `# Heartbeat

Unchecked items (` + "`- [ ] task`" + `) run as agent tasks on every heartbeat
tick and are rewritten to ` + "`- [x] task (completed <timestamp>)`" + ` when
they succeed.
`

// seedStateDir creates the state files setup owns, skipping ones that
// already exist. Returns the paths created.
func seedStateDir() ([]string, error) {
	var created []string

	skillsDir := config.Path("skills")
	if _, err := os.Stat(skillsDir); os.IsNotExist(err) {
		if err := os.MkdirAll(skillsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create skills dir: %w", err)
		}
		created = append(created, skillsDir+string(filepath.Separator))
	}

	heartbeat := config.Path(scheduler.HeartbeatFilename)
	if _, err := os.Stat(heartbeat); os.IsNotExist(err) {
		if err := os.WriteFile(heartbeat, []byte(heartbeatTemplate), 0o600); err != nil {
			return nil, fmt.Errorf("write heartbeat file: %w", err)
		}
		created = append(created, heartbeat)
	}

	return created, nil
}

// generateSecret returns 32 bytes of entropy, hex encoded.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// promptString asks for a line of input, returning the default when the
// answer is blank.
func promptString(reader *bufio.Reader, label, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", label, defaultValue)
	} else {
		fmt.Printf("%s: ", label)
	}
	text, _ := reader.ReadString('\n')
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultValue
	}
	return text
}

// promptPassword prompts without echoing when stdin is a terminal.
func promptPassword(reader *bufio.Reader, label string) string {
	fmt.Printf("%s: ", label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		text, err := term.ReadPassword(fd)
		fmt.Println()
		if err == nil {
			return strings.TrimSpace(string(text))
		}
	}
	text, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
