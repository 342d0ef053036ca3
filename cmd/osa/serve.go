package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/miosa-osa/osa/internal/auth"
	"github.com/miosa-osa/osa/internal/config"
	"github.com/miosa-osa/osa/internal/httpapi"
	"github.com/miosa-osa/osa/internal/ratelimit"
	"github.com/miosa-osa/osa/internal/scheduler"
	"github.com/miosa-osa/osa/internal/supervisor"
	"github.com/miosa-osa/osa/pkg/models"
)

// buildServeCmd creates the "serve" command that starts the headless
// runtime.
func buildServeCmd(configPath *string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the headless runtime",
		Long: `Run the headless runtime: the HTTP facade (orchestrate, classify,
memory, machines, SSE and websocket event streams), the cron and heartbeat
scheduler, and the session sweeper, all supervised with restart backoff.

Graceful shutdown on SIGINT/SIGTERM.`,
		Example: `  # Start with the default config (~/.osa/config.json)
  osa serve

  # Start with debug logging
  osa serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// runServe wires the full runtime and blocks until the context is
// cancelled by a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := buildLogger(cfg, debug)

	log.Info("starting osa runtime",
		"version", version,
		"commit", shortCommit(commit),
		"config", configPath,
	)

	rt, err := buildRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.close(closeCtx)
	}()

	schedStore, err := scheduler.NewStore(config.Home(),
		scheduler.WithStoreLogger(log.Component("scheduler")))
	if err != nil {
		return fmt.Errorf("open scheduler store: %w", err)
	}
	defer schedStore.Close()

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled() {
		sched = scheduler.NewScheduler(schedStore,
			scheduler.WithLogger(log.Component("scheduler")),
			scheduler.WithBus(rt.bus),
			scheduler.WithMetrics(rt.metrics),
			scheduler.WithCronTick(cfg.Scheduler.CronTick.Std()),
			scheduler.WithHeartbeatTick(cfg.Scheduler.HeartbeatInterval.Std()),
			scheduler.WithHeartbeatPath(config.Path(scheduler.HeartbeatFilename)),
			scheduler.WithQuietHours(cfg.Scheduler.QuietHoursStart, cfg.Scheduler.QuietHoursEnd, cfg.Scheduler.Timezone),
			scheduler.WithWorkdir(cfg.Workspace),
		)
		sched.SetAgentRunner(scheduler.AgentRunnerFunc(rt.orch.RunTask))
	} else {
		log.Info("scheduler disabled by config")
	}

	tokens := auth.NewTokenService(cfg.Auth.JWTSecret)
	if !tokens.Enabled() {
		log.Warn("API auth disabled, auth.jwt_secret is not set")
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		PerSecond: float64(cfg.RateLimit.RequestsPerMinute) / 60,
		Burst:     cfg.RateLimit.Burst,
		Disabled:  cfg.RateLimit.Disabled,
	})

	api := httpapi.NewServer(rt.orch,
		httpapi.WithLogger(log.Logger),
		httpapi.WithTokenService(tokens),
		httpapi.WithLimiter(limiter),
		httpapi.WithMemory(rt.memory),
		httpapi.WithMachines(rt.tools),
		httpapi.WithPubSub(rt.pubsub),
		httpapi.WithMetrics(rt.metrics),
		httpapi.WithVersion(version),
	)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sup := supervisor.New(
		supervisor.WithLogger(log.Component("supervisor")),
		supervisor.WithMetrics(rt.metrics),
	)

	sup.Go(ctx, "http", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn("http shutdown incomplete", "error", err)
			}
			return ctx.Err()
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		}
	})

	if sched != nil {
		sup.Go(ctx, "scheduler", func(ctx context.Context) error {
			if err := sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				log.Warn("scheduler stop incomplete", "error", err)
			}
			return ctx.Err()
		})
		// Hot reload of CRONS.json / TRIGGERS.json edited outside the API.
		if err := schedStore.Watch(ctx); err != nil {
			log.Warn("scheduler file watch unavailable", "error", err)
		}
	}

	sup.Go(ctx, "session-sweeper", rt.orch.Run)

	rt.bus.Publish(models.NewEvent(models.EventSystem, "", map[string]any{
		"notice":  "runtime started",
		"version": version,
		"addr":    addr,
	}))
	log.Info("osa runtime started",
		"addr", addr,
		"providers", rt.providers.Names(),
		"scheduler", sched != nil,
	)

	sup.Wait()

	rt.bus.Publish(models.NewEvent(models.EventSystem, "", map[string]any{
		"notice": "runtime stopping",
	}))
	log.Info("osa runtime stopped")
	return ctx.Err()
}
