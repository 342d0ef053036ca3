package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	goruntime "runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/miosa-osa/osa/internal/config"
	"github.com/miosa-osa/osa/internal/scheduler"
	"github.com/miosa-osa/osa/internal/skills"
)

// openTaskPattern counts runnable heartbeat items the way the scheduler
// matches them: checklist syntax at the start of a line.
var openTaskPattern = regexp.MustCompile(`(?m)^\s*- \[ \] \S`)

// buildDoctorCmd creates the "doctor" command for environment checks.
func buildDoctorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.OutOrStdout(), *configPath)
		},
	}
}

// runDoctor prints a health report. It returns an error only when the
// report itself cannot be produced; findings are printed, not returned.
func runDoctor(out io.Writer, configPath string) error {
	fmt.Fprintln(out, "osa doctor")
	fmt.Fprintf(out, "  %-12s %s (commit: %s)\n", "Version:", version, shortCommit(commit))
	fmt.Fprintf(out, "  %-12s %s/%s\n", "OS:", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintf(out, "  %-12s %s\n", "Go:", goruntime.Version())
	fmt.Fprintln(out)

	home := config.Home()
	fmt.Fprintf(out, "  %-12s %s", "State dir:", home)
	if err := checkWritable(home); err != nil {
		fmt.Fprintf(out, " (NOT WRITABLE: %s)\n", err)
	} else {
		fmt.Fprintln(out, " (OK)")
	}

	fmt.Fprintf(out, "  %-12s %s", "Config:", configPath)
	if _, err := os.Stat(configPath); err != nil {
		fmt.Fprintln(out, " (NOT FOUND, defaults apply)")
	} else {
		fmt.Fprintln(out, " (OK)")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(out, "  Config load error: %s\n", err)
		return nil
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Providers:")
	for _, name := range []string{"anthropic", "openai", "groq", "google", "bedrock"} {
		label := name
		if name == cfg.Providers.Default {
			label += " (default)"
		}
		switch key := providerKey(cfg, name); {
		case cfg.Configured(name) && key != "":
			fmt.Fprintf(out, "    %-20s %s\n", label+":", maskKey(key))
		case cfg.Configured(name):
			// Bedrock can resolve through the ambient AWS chain.
			fmt.Fprintf(out, "    %-20s configured\n", label+":")
		default:
			fmt.Fprintf(out, "    %-20s (not configured)\n", label+":")
		}
	}
	if len(cfg.ConfiguredProviders()) == 0 {
		fmt.Fprintln(out, "    no provider has credentials; run `osa setup`")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Auth:")
	if cfg.Auth.JWTSecret != "" {
		fmt.Fprintf(out, "    %-20s enabled\n", "API tokens:")
	} else {
		fmt.Fprintf(out, "    %-20s disabled (auth.jwt_secret not set)\n", "API tokens:")
	}
	if cfg.Auth.WebhookSecret != "" {
		fmt.Fprintf(out, "    %-20s enabled\n", "Webhook signatures:")
	} else {
		fmt.Fprintf(out, "    %-20s disabled\n", "Webhook signatures:")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Scheduler:")
	if store, err := scheduler.NewStore(home); err != nil {
		fmt.Fprintf(out, "    %-20s LOAD FAILED (%s)\n", "Job store:", err)
	} else {
		fmt.Fprintf(out, "    %-20s %d cron jobs, %d triggers\n", "Job store:",
			len(store.Jobs()), len(store.Triggers()))
		_ = store.Close()
	}
	heartbeat := config.Path(scheduler.HeartbeatFilename)
	if data, err := os.ReadFile(heartbeat); err != nil {
		fmt.Fprintf(out, "    %-20s not present\n", "Heartbeat:")
	} else {
		fmt.Fprintf(out, "    %-20s %d open tasks\n", "Heartbeat:",
			len(openTaskPattern.FindAllIndex(data, -1)))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Skills:")
	if found, err := skills.Discover(config.Path("skills"), nil); err != nil {
		fmt.Fprintf(out, "    %-20s DISCOVERY FAILED (%s)\n", "SKILL.md files:", err)
	} else {
		fmt.Fprintf(out, "    %-20s %d\n", "SKILL.md files:", len(found))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  External tools:")
	checkBinary(out, "git")
	checkBinary(out, "curl")

	fmt.Fprintln(out)
	fmt.Fprintf(out, "  %-12s %s", "Workspace:", cfg.Workspace)
	if _, err := os.Stat(cfg.Workspace); err != nil {
		fmt.Fprintln(out, " (NOT FOUND)")
	} else {
		fmt.Fprintln(out, " (OK)")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Doctor check complete.")
	return nil
}

// checkWritable verifies the directory exists (creating it if needed) and
// accepts a write.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// providerKey returns the credential doctor masks for display.
func providerKey(cfg *config.Config, name string) string {
	switch name {
	case "anthropic":
		return cfg.Providers.Anthropic.APIKey
	case "openai":
		return cfg.Providers.OpenAI.APIKey
	case "groq":
		return cfg.Providers.Groq.APIKey
	case "google":
		return cfg.Providers.Google.APIKey
	case "bedrock":
		return cfg.Providers.Bedrock.AccessKeyID
	}
	return ""
}

// maskKey shows just enough of a credential to recognize it.
func maskKey(key string) string {
	if len(key) < 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func checkBinary(out io.Writer, name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Fprintf(out, "    %-20s NOT FOUND\n", name+":")
	} else {
		fmt.Fprintf(out, "    %-20s %s\n", name+":", path)
	}
}
