// Command osa is the personal agent runtime. Run bare for an interactive
// chat, `osa serve` for the headless runtime, `osa setup` for onboarding.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/miosa-osa/osa/internal/config"
	"github.com/miosa-osa/osa/internal/oserr"
)

// Build information, populated by ldflags.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g. "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

// Exit codes. Configuration problems are distinguishable from runtime
// failures so wrappers and service managers can react differently.
const (
	exitOK          = 0
	exitError       = 1
	exitConfig      = 2
	exitInterrupted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := buildRootCmd().ExecuteContext(ctx)
	os.Exit(exitCode(err))
}

// exitCode maps a command error onto the documented exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		// The interrupt context cancelled; the shutdown already logged.
		return exitInterrupted
	case oserr.CodeOf(err) == oserr.CodeInvalidConfig:
		fmt.Fprintln(os.Stderr, "osa:", oserr.UserMessage(err))
		return exitConfig
	default:
		fmt.Fprintln(os.Stderr, "osa:", err)
		return exitError
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "osa",
		Short: "Osa - personal agent runtime",
		Long: `Osa runs a personal agent: signals in, classified, answered by a
bounded tool-using loop, with cron jobs, heartbeat tasks, and an HTTP API.

Run with no arguments for an interactive chat. Run "osa serve" for the
headless runtime (HTTP facade, scheduler, event streams).

State lives in ~/.osa (override with OSA_HOME).`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath)
		},
		// SilenceUsage prevents printing usage on every error; main prints
		// the error itself so it can pick the exit code.
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.Path(config.ConfigFilename),
		"Path to the config file")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildSetupCmd(&configPath),
		buildDoctorCmd(&configPath),
		buildVersionCmd(),
	)
	return rootCmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "osa %s (commit: %s, built: %s)\n",
				version, shortCommit(commit), date)
		},
	}
}

// shortCommit abbreviates a full SHA; placeholder values pass through.
func shortCommit(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
