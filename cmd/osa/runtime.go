package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/miosa-osa/osa/internal/agent"
	"github.com/miosa-osa/osa/internal/bus"
	"github.com/miosa-osa/osa/internal/channels"
	"github.com/miosa-osa/osa/internal/config"
	"github.com/miosa-osa/osa/internal/hooks"
	"github.com/miosa-osa/osa/internal/memory"
	"github.com/miosa-osa/osa/internal/observability"
	"github.com/miosa-osa/osa/internal/orchestrator"
	"github.com/miosa-osa/osa/internal/oserr"
	"github.com/miosa-osa/osa/internal/providers"
	"github.com/miosa-osa/osa/internal/sessions"
	"github.com/miosa-osa/osa/internal/skills"
	"github.com/miosa-osa/osa/internal/tools"
)

// IdentityFilename is the optional persona file in the state directory. Its
// content is pinned to the system prompt of every session.
const IdentityFilename = "IDENTITY.md"

// runtime bundles the wired subsystems shared by the chat REPL and serve.
type runtime struct {
	cfg     *config.Config
	log     *observability.Logger
	metrics *observability.Metrics

	bus    *bus.Bus
	pubsub *bus.PubSub

	transcripts *sessions.FileStore
	memory      *memory.Store

	tools     *tools.Registry
	hooks     *hooks.Registry
	providers *providers.Registry
	adapters  *channels.Registry

	loop *agent.Loop
	orch *orchestrator.Orchestrator

	traceStop func(context.Context) error
}

// buildRuntime assembles the agent core: stores, bus, providers, tools,
// loop, orchestrator. Callers own shutdown via close.
func buildRuntime(ctx context.Context, cfg *config.Config, log *observability.Logger) (*runtime, error) {
	metrics := observability.NewMetrics(nil)
	tracer, traceStop := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "osa",
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
	})

	b := bus.New(bus.WithLogger(log.Component("bus")))
	ps := bus.NewPubSub(b, bus.WithPubSubLogger(log.Component("bus")))

	transcripts, err := sessions.NewFileStore(config.Path("sessions"), sessions.WithLogger(log.Logger))
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	mem, err := memory.Open(config.Path("memory"), memory.WithLogger(log.Logger))
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	hookReg := hooks.NewRegistry(log.Logger)
	toolReg := tools.NewRegistry(
		tools.WithLogger(log.Logger),
		tools.WithHooks(hookReg),
		tools.WithMetrics(metrics),
	)
	if err := tools.RegisterBuiltins(toolReg, tools.BuiltinConfig{
		Workspace: cfg.Workspace,
		Memory:    mem,
	}); err != nil {
		return nil, err
	}
	if n, err := skills.RegisterAll(toolReg, config.Path("skills"), log.Component("skills")); err != nil {
		log.Warn("skill discovery failed", "error", err)
	} else if n > 0 {
		log.Info("skills registered", "count", n)
	}
	if len(cfg.Machines) > 0 {
		toolReg.SetMachines(cfg.Machines)
	}

	registry, err := buildProviders(ctx, cfg, log, metrics)
	if err != nil {
		return nil, err
	}

	loop := agent.NewLoop(registry, toolReg, transcripts, agent.Config{
		MaxIterations:    cfg.Agent.MaxIterations,
		MaxContextTokens: cfg.Agent.MaxContextTokens,
		ToolParallelism:  cfg.Agent.ToolParallelism,
		ToolTimeout:      cfg.Agent.ToolTimeout.Std(),
		SystemPrompt:     cfg.Agent.SystemPrompt,
		Identity:         loadIdentity(),
	},
		agent.WithBus(b),
		agent.WithHooks(hookReg),
		agent.WithMetrics(metrics),
		agent.WithTracer(tracer),
		agent.WithArchive(mem),
		agent.WithLogger(log.Logger),
	)

	adapters := channels.NewRegistry()
	orch := orchestrator.New(loop, transcripts,
		orchestrator.WithLogger(log.Logger),
		orchestrator.WithBus(b),
		orchestrator.WithAdapters(adapters),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithSessionTTL(cfg.Sessions.TTL.Std()),
	)

	return &runtime{
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		bus:         b,
		pubsub:      ps,
		transcripts: transcripts,
		memory:      mem,
		tools:       toolReg,
		hooks:       hookReg,
		providers:   registry,
		adapters:    adapters,
		loop:        loop,
		orch:        orch,
		traceStop:   traceStop,
	}, nil
}

// close releases the runtime in reverse dependency order.
func (rt *runtime) close(ctx context.Context) {
	rt.orch.Close()
	rt.pubsub.Close()
	if err := rt.memory.Close(); err != nil {
		rt.log.Warn("memory store close failed", "error", err)
	}
	if err := rt.traceStop(ctx); err != nil {
		rt.log.Warn("trace exporter shutdown failed", "error", err)
	}
}

// buildProviders constructs every provider with credentials and registers
// it. At least one must be usable.
func buildProviders(ctx context.Context, cfg *config.Config, log *observability.Logger, metrics *observability.Metrics) (*providers.Registry, error) {
	registry := providers.NewRegistry(cfg.Providers.Default, cfg.Providers.Fallback,
		providers.WithLogger(log.Logger),
		providers.WithMetrics(metrics),
	)

	build := func(name string) (providers.Provider, error) {
		switch name {
		case "anthropic":
			return providers.NewAnthropic(providers.AnthropicConfig{
				APIKey:  cfg.Providers.Anthropic.APIKey,
				BaseURL: cfg.Providers.Anthropic.BaseURL,
				Model:   cfg.Providers.Anthropic.Model,
			})
		case "openai":
			return providers.NewOpenAI(providers.OpenAIConfig{
				APIKey:  cfg.Providers.OpenAI.APIKey,
				BaseURL: cfg.Providers.OpenAI.BaseURL,
				Model:   cfg.Providers.OpenAI.Model,
			})
		case "groq":
			return providers.NewGroq(providers.OpenAIConfig{
				APIKey:  cfg.Providers.Groq.APIKey,
				BaseURL: cfg.Providers.Groq.BaseURL,
				Model:   cfg.Providers.Groq.Model,
			})
		case "google":
			return providers.NewGoogle(ctx, providers.GoogleConfig{
				APIKey: cfg.Providers.Google.APIKey,
				Model:  cfg.Providers.Google.Model,
			})
		case "bedrock":
			return providers.NewBedrock(ctx, providers.BedrockConfig{
				Region:          cfg.Providers.Bedrock.Region,
				AccessKeyID:     cfg.Providers.Bedrock.AccessKeyID,
				SecretAccessKey: cfg.Providers.Bedrock.SecretAccessKey,
				SessionToken:    cfg.Providers.Bedrock.SessionToken,
				Model:           cfg.Providers.Bedrock.Model,
			})
		}
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	registered := 0
	for _, name := range cfg.ConfiguredProviders() {
		p, err := build(name)
		if err != nil {
			log.Warn("provider unavailable", "provider", name, "error", err)
			continue
		}
		registry.Register(p)
		registered++
	}
	if registered == 0 {
		return nil, oserr.New(oserr.CodeInvalidConfig,
			"no LLM provider configured; set an API key in config.json or run `osa setup`")
	}
	return registry, nil
}

// loadIdentity reads the optional persona file from the state directory.
func loadIdentity() string {
	data, err := os.ReadFile(config.Path(IdentityFilename))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// buildLogger constructs the process logger from config and installs it as
// the slog default, so subsystems not handed an explicit logger still emit
// redacted structured records.
func buildLogger(cfg *config.Config, debug bool) *observability.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	log := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(log.Logger)
	return log
}

// shutdownTimeout bounds graceful teardown of the HTTP server, scheduler,
// and in-flight sends.
const shutdownTimeout = 15 * time.Second
