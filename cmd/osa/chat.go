package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/miosa-osa/osa/internal/agent"
	"github.com/miosa-osa/osa/internal/channels"
	"github.com/miosa-osa/osa/internal/config"
	"github.com/miosa-osa/osa/internal/orchestrator"
	"github.com/miosa-osa/osa/internal/oserr"
)

// runChat is the interactive chat surface: one session per launch, replies
// written to stdout through the console adapter, logs on stderr.
func runChat(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := buildLogger(cfg, false)

	rt, err := buildRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.close(closeCtx)
	}()

	console := channels.NewConsole("cli", os.Stdout)
	sessionID := uuid.NewString()
	userID := localUser()

	fmt.Printf("osa %s (Ctrl-D or /quit to exit, /new for a fresh session)\n", version)

	// Stdin reads cannot be interrupted by context, so a goroutine feeds
	// lines into a channel the loop can select against.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Print("you> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				fmt.Println()
				return nil
			}
			input := strings.TrimSpace(line)
			switch input {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			case "/new":
				sessionID = uuid.NewString()
				fmt.Println("(started a fresh session)")
				continue
			}

			result, err := rt.orch.Deliver(ctx, orchestrator.Request{
				Input:     input,
				UserID:    userID,
				SessionID: sessionID,
				Channel:   "cli",
			})
			if err != nil {
				fmt.Printf("(%s)\n", oserr.UserMessage(err))
				continue
			}
			printResult(ctx, console, result)
		}
	}
}

// printResult writes the reply, noting abnormal terminations that produced
// no text.
func printResult(ctx context.Context, console *channels.Console, result *agent.Result) {
	if result.Output != "" {
		_ = console.Send(ctx, "", result.Output, channels.SendOptions{})
	}
	if result.Termination != agent.TerminationCompleted {
		fmt.Printf("(run ended early: %s)\n", result.Termination)
	}
}

// localUser names the chat user for session attribution.
func localUser() string {
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return u
	}
	return "local"
}
