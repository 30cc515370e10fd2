package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hexley-dev/kmd/internal/ambient"
	"github.com/hexley-dev/kmd/internal/config"
	"github.com/hexley-dev/kmd/internal/eventlog"
	"github.com/hexley-dev/kmd/internal/events"
	"github.com/hexley-dev/kmd/internal/kmserver"
	"github.com/hexley-dev/kmd/internal/metrics"
	"github.com/hexley-dev/kmd/internal/orchestrator"
	"github.com/hexley-dev/kmd/internal/portlease"
	"github.com/hexley-dev/kmd/internal/project"
	"github.com/hexley-dev/kmd/internal/protocol"
	"github.com/hexley-dev/kmd/internal/registry"
	"github.com/hexley-dev/kmd/internal/telemetry"
	"github.com/hexley-dev/kmd/internal/triggerbus"
)

func resolveProject(cli cliConfig) (project.Paths, error) {
	if cli.projectPath != "" {
		return project.Resolve(cli.projectPath)
	}
	return project.FromEnv()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// runServe runs the full KM in the foreground: port lease, event log,
// registry, trigger bus, orchestrator, ambient engine and the HTTP
// surface. `kmd start` launches this detached.
func runServe(ctx context.Context, cli cliConfig) error {
	paths, err := resolveProject(cli)
	if err != nil {
		return err
	}
	if err := paths.EnsureLayout(); err != nil {
		return err
	}

	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.TraceEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	allocator := portlease.New(paths, cfg.PortMin, cfg.PortMax, logger)
	lease, ln, err := allocator.Acquire(ctx)
	if errors.Is(err, portlease.ErrPortExhausted) {
		printResult(cli, map[string]any{
			"status":       protocol.StatusPortExhausted,
			"project_path": paths.Root,
		})
		return exitWith(exitPortExhausted, err)
	}
	if err != nil {
		return err
	}
	if ln == nil {
		fmt.Printf("km already running for %s on port %d (pid %d)\n", paths.Root, lease.Port, lease.PID)
		return nil
	}
	defer func() { _ = allocator.Release() }()

	m := metrics.New()
	pub := events.NewBus(256)

	// bus is assigned below, before the first append can happen.
	var bus *triggerbus.Bus
	log, err := eventlog.Open(eventlog.Options{
		Path:       paths.EventLog(),
		ArchiveDir: paths.ArchiveDir(),
		LockPath:   filepath.Join(paths.EventsDir(), ".append.lock"),
		MaxBytes:   cfg.EventLogMaxBytes,
		MaxAge:     time.Duration(cfg.EventLogMaxAgeHours) * time.Hour,
		Logger:     logger,
		OnAppend: func(evt protocol.Event) {
			pub.Publish(evt)
			m.Observe(evt)
			switch evt.Type {
			case protocol.EventTriggerSubmitted, protocol.EventTriggerClaimed,
				protocol.EventTriggerCompleted, protocol.EventTriggerFailed,
				protocol.EventTriggerEvicted:
				if bus != nil {
					m.PendingTriggers.Set(float64(bus.Counts()[protocol.TriggerPending]))
				}
			}
		},
		OnRotate: func(string) { m.EventLogRotations.Inc() },
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	store, err := registry.Open(paths.RegistryDB())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	bus = triggerbus.New(paths.TriggersDir(), triggerbus.Config{
		MaxAttempts:    cfg.TriggerMaxAttempts,
		ClaimTTL:       time.Duration(cfg.TriggerClaimSeconds) * time.Second,
		DependencyWait: time.Duration(cfg.DependencyWaitSeconds) * time.Second,
		HighWatermark:  cfg.TriggerHighWatermark,
	}, log, logger)

	engine := ambient.NewEngine(store, bus, log, time.Duration(cfg.AmbientTickSeconds)*time.Second, logger)
	for _, rule := range ambient.BuiltinRules() {
		if err := engine.Register(rule); err != nil {
			return err
		}
	}
	userRules, err := ambient.LoadRules(paths.RulesFile())
	if err != nil {
		return err
	}
	for _, rule := range userRules {
		if err := engine.Register(rule); err != nil {
			return err
		}
	}

	agentCommand := os.Getenv("KM_AGENT_COMMAND")
	if agentCommand == "" {
		agentCommand = "claude-agent"
	}
	orch := orchestrator.New(orchestrator.Config{
		Workers:      cfg.Workers,
		AgentCommand: agentCommand,
		AgentDir:     paths.Root,
	}, bus, store, log, nil, m, logger)

	server := kmserver.New(cfg, paths, version, log, store, bus, pub, m, logger)

	if _, err := log.Append(protocol.Event{
		Type:   protocol.EventKMStarted,
		Source: protocol.Source{Kind: protocol.SourceSystem, Name: "kmd"},
		Payload: map[string]any{
			"port":    lease.Port,
			"pid":     lease.PID,
			"version": version,
		},
	}); err != nil {
		logger.Warn("failed to record startup event", zap.Error(err))
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	go engine.Run(bgCtx)
	go func() {
		if err := orch.Run(bgCtx); err != nil {
			logger.Error("orchestrator stopped", zap.Error(err))
		}
	}()

	serveErr := server.Serve(ctx, ln)
	cancelBg()

	if _, err := log.Append(protocol.Event{
		Type:    protocol.EventKMStopped,
		Source:  protocol.Source{Kind: protocol.SourceSystem, Name: "kmd"},
		Payload: map[string]any{"port": lease.Port},
	}); err != nil {
		logger.Warn("failed to record shutdown event", zap.Error(err))
	}

	return serveErr
}
