package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/beam-bots/bb-reactor/internal/engine"
	"github.com/beam-bots/bb-reactor/internal/journal"
	"github.com/beam-bots/bb-reactor/internal/logging"
	"github.com/beam-bots/bb-reactor/internal/match"
	"github.com/beam-bots/bb-reactor/internal/metrics"
	"github.com/beam-bots/bb-reactor/internal/rig"
	"github.com/beam-bots/bb-reactor/internal/scheduler"
	mcpserver "github.com/beam-bots/bb-reactor/pkg/mcp"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

func runServe() {
	cfg := loadConfig()

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(cfg.LogLevel))
	// Logs go to stderr: stdout carries the MCP stdio transport.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))
	slog.SetDefault(logger)

	if err := os.MkdirAll(reactorDir(), 0o700); err != nil {
		logger.Error("cannot create state directory", slog.String("dir", reactorDir()), slog.Any("error", err))
		os.Exit(1)
	}
	writePidFile(logger)
	defer removePidFile()

	jnl, err := journal.Open("file:" + cfg.DBPath)
	if err != nil {
		logger.Error("cannot open journal", slog.String("path", cfg.DBPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer jnl.Close()
	if err := jnl.Migrate(context.Background()); err != nil {
		logger.Error("journal migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	cache := engine.NewHandoffCache()
	memRig := rig.NewMemoryRigSize(cache, logger, cfg.PoolSize)
	defer memRig.Close()
	registerSimTarget(memRig, logger)

	sessions := mcpserver.NewSessionRegistry()
	// The rig records safety reports; the notifier forwards them there and
	// pushes each one to the MCP session driving the target.
	notifier := mcpserver.NewSafetyNotifier(memRig, sessions)

	commands := engine.NewCommandExecutor(memRig, cache, notifier, jnl, logger)
	events := engine.NewEventWaiter(memRig, jnl, logger)
	states := engine.NewStateWaiter(memRig, jnl, logger)

	matchers, err := match.NewRegistry()
	if err != nil {
		logger.Error("cannot build match engines", slog.Any("error", err))
		os.Exit(1)
	}

	sched := scheduler.NewScheduler(jnl, &scheduleRunner{commands: commands, observer: memRig, journal: jnl}, logger)

	srv := mcpserver.NewReactorServer(mcpserver.ReactorServerDeps{
		Commands:  commands,
		Events:    events,
		States:    states,
		Observer:  memRig,
		Journal:   jnl,
		Scheduler: sched,
		Matchers:  matchers,
		Sessions:  sessions,
		Logger:    logger,
	})
	notifier.Bind(srv.MCPServer())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go watchConfig(ctx, cfg, levelVar, logger)

	if cfg.Metrics {
		metricsSrv := serveMetrics(cfg.MetricsAddr, logger)
		defer shutdownMetrics(metricsSrv, logger)
	}

	if err := sched.Start(ctx); err != nil {
		logger.Error("cannot start scheduler", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = sched.Stop() }()
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-schedule recovery failed", slog.Any("error", err))
	}

	logger.Info("reactor serving MCP on stdio",
		slog.String("version", version),
		slog.String("db", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize))

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.Any("error", err))
		return
	}
	logger.Info("reactor stopped")
}

// scheduleRunner adapts the command executor to the scheduler, minting a
// fresh execution context per run.
type scheduleRunner struct {
	commands *engine.CommandExecutor
	observer rig.StateObserver
	journal  journal.Journal
}

func (r *scheduleRunner) Run(ctx context.Context, target schema.RigHandle, command string, goal map[string]any, timeout time.Duration) error {
	ec, err := engine.NewExecutionContext(ctx, r.observer, target)
	if err != nil {
		return err
	}
	// Best-effort: a journal write failure must not block the run.
	_ = r.journal.AppendEntry(ctx, &journal.Entry{
		ExecutionID: ec.ExecutionID,
		Step:        command,
		Event:       schema.EventScheduleDispatched,
		Payload:     map[string]any{"command": command, "target": string(target)},
	})
	step := schema.CommandStep{Name: command, Command: command, Goal: goal, Timeout: timeout}
	_, err = r.commands.Execute(ctx, ec, step)
	return err
}

// watchConfig applies SIGHUP-triggered reloads. Only the log level can
// change live; anything else is reported and waits for a restart.
func watchConfig(ctx context.Context, current Config, levelVar *slog.LevelVar, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next := loadConfig()
			d := diffConfigs(current, next)
			if d.LogLevelChanged {
				levelVar.Set(parseLevel(next.LogLevel))
				logger.Info("log level updated", slog.String("level", next.LogLevel))
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("config changes require a restart", slog.Any("fields", d.RestartNeeded))
			}
			current = next
		}
	}
}

// serveMetrics exposes Prometheus metrics on its own listener; the MCP
// transport owns stdio.
func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", slog.Any("error", err))
	}
}

func writePidFile(logger *slog.Logger) {
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("cannot write pidfile", slog.String("path", pidPath()), slog.Any("error", err))
	}
}

func removePidFile() {
	_ = os.Remove(pidPath())
}
