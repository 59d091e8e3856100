package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/labbox/internal/artifact"
	"github.com/jkaninda/labbox/internal/config"
	"github.com/jkaninda/labbox/internal/egress"
	"github.com/jkaninda/labbox/internal/events"
	"github.com/jkaninda/labbox/internal/killswitch"
	"github.com/jkaninda/labbox/internal/observability"
	"github.com/jkaninda/labbox/internal/sandbox"
	"github.com/jkaninda/labbox/internal/session"
	"github.com/jkaninda/labbox/internal/snapshot"
	"github.com/jkaninda/labbox/internal/storage"
	"github.com/jkaninda/labbox/internal/workspace"
)

// SharedComponents holds the subsystems every long-running mode needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Obs       *observability.Observability

	Backend    snapshot.Backend
	Store      *snapshot.Store
	Runtime    sandbox.Runtime
	Supervisor *sandbox.Supervisor
	Bus        *events.Bus
	Sessions   *session.Manager
	KillSwitch *killswitch.Controller
	Egress     *egress.Proxy // nil = isolates get no network.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist. LABBOX_CONFIG overrides --config.
func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("LABBOX_CONFIG", configPath))
}

// initShared wires storage, the isolate supervisor, the session orchestrator
// and the panic controller. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	observability.SetVersion(version)
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}
	instrumented := obs.MetricsOrNil() != nil || obs.TracerOrNil() != nil || obs.AnomalyOrNil() != nil

	// Snapshot storage.
	backend, err := storage.Open(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.addCleanup(func() {
		if err := backend.Close(); err != nil {
			logger.Error("closing storage", slog.String("error", err.Error()))
		}
	})
	if instrumented {
		backend = observability.NewInstrumentedBackend(backend, cfg.StorageDriverName(), obs.Metrics, obs.Tracer, obs.Anomaly)
	}
	sc.Backend = backend

	snapCfg := snapshot.Config{
		CodeFilename:     cfg.Snapshots.CodeFilename,
		MaxCommitRetries: cfg.Snapshots.MaxCommitRetries,
		Observer:         obs.SnapshotObserver(),
	}
	sc.Store = snapshot.NewStore(backend, snapshot.NewVault(cfg.HistoryDir()), snapCfg, logger)
	logger.Debug("snapshot store initialized",
		slog.String("driver", cfg.StorageDriverName()),
		slog.String("history_dir", cfg.HistoryDir()),
	)

	// Egress proxy. Isolates get a network only when it is active.
	var network sandbox.NetworkPolicy
	if cfg.Egress.Active() {
		proxyCfg := egress.Config{
			ListenAddr:   cfg.Egress.Listen(),
			Allowlist:    cfg.Egress.Allowlist,
			AllowPrivate: cfg.Egress.AllowPrivateNetworks,
		}
		if m := obs.MetricsOrNil(); m != nil {
			proxyCfg.Observer = m
		}
		sc.Egress = egress.New(proxyCfg, logger)
		network.ProxyURL = cfg.Egress.ProxyURL()
		logger.Debug("egress proxy configured",
			slog.String("addr", cfg.Egress.Listen()),
			slog.Int("allowlist_entries", len(cfg.Egress.Allowlist)),
		)
	}

	// Isolate runtime and supervisor.
	rt, err := initRuntime(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing sandbox: %w", err)
	}
	if instrumented {
		rt = observability.NewInstrumentedRuntime(rt, obs.Metrics, obs.Tracer, obs.Anomaly)
	}
	sc.Runtime = rt

	supCfg := sandbox.SupervisorConfig{
		Timeout:        cfg.Sandbox.Timeout(),
		StartTimeout:   cfg.Sandbox.StartTimeout(),
		KillGrace:      cfg.Sandbox.KillGrace(),
		IdleTTL:        cfg.Sandbox.IdleTTL(),
		MaxIsolates:    cfg.Sandbox.MaxIsolates,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		ScratchBytes:   cfg.Sandbox.ScratchMaxBytes,
		Limits:         cfg.Sandbox.Limits,
		Network:        network,
	}
	if m := obs.MetricsOrNil(); m != nil {
		supCfg.Observer = m
	}
	sup := sandbox.NewSupervisor(rt, supCfg, logger)
	sc.Supervisor = sup
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sup.Shutdown(shutdownCtx)
	})
	logger.Debug("isolate supervisor initialized",
		slog.String("runtime", rt.Name()),
		slog.Duration("timeout", supCfg.Timeout),
		slog.Int("max_isolates", supCfg.MaxIsolates),
		slog.Bool("egress", network.Allowed()),
	)

	// Events.
	bus := events.NewBus(logger)
	sc.Bus = bus
	sc.addCleanup(bus.Close)

	// Session orchestrator.
	var collector session.Collector = artifact.NewCollector(artifact.Config{
		MaxArtifacts: cfg.Artifacts.MaxArtifacts,
		MaxBytes:     cfg.Artifacts.MaxArtifactBytes,
	}, logger)
	if m := obs.MetricsOrNil(); m != nil {
		collector = observability.NewInstrumentedCollector(collector, m)
	}
	sc.Sessions = session.NewManager(sup, collector, sc.Store, ws, session.Config{
		IdleTimeout: cfg.Sessions.IdleTimeout(),
		Events:      bus,
		Tracer:      obs.SpanTracer(),
	}, logger)

	// Panic controller.
	ksCfg := killswitch.Config{
		Grace:  cfg.Sandbox.KillGrace(),
		Events: bus,
		Tracer: obs.SpanTracer(),
	}
	if m := obs.MetricsOrNil(); m != nil {
		ksCfg.Observer = m
	}
	sc.KillSwitch = killswitch.New(sup, ksCfg, logger)

	// Readiness checks.
	if obs != nil && obs.Health != nil {
		health := cfg.Observability.Health
		if health == nil || health.IncludeStorage {
			obs.Health.AddCheck("storage", observability.StorageCheck(backend))
		}
		if health == nil || health.IncludeSandbox {
			obs.Health.AddCheck("sandbox", observability.RuntimeCheck(rt))
		}
		if obs.Anomaly != nil {
			obs.Health.AddCheck("anomaly", observability.AnomalyCheck(obs.Anomaly,
				observability.OpExecution, observability.OpCommit, observability.OpStorage))
		}
	}

	return sc, nil
}

// initWorkspace resolves the scratch root from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.Workspace)
}

// initRuntime builds the configured isolate runtime.
func initRuntime(cfg *config.Config, logger *slog.Logger) (sandbox.Runtime, error) {
	sb := cfg.Sandbox
	limits := sandbox.ResourceDefaults{
		CPUSeconds:   sb.Limits.CPUSeconds,
		MemoryMB:     int(sb.Limits.MemoryBytes >> 20),
		MaxOpenFiles: sb.Limits.MaxOpenFiles,
		DiskMB:       int(sb.Limits.DiskBytes >> 20),
	}

	switch sb.RuntimeType() {
	case config.SandboxProcess:
		return sandbox.NewProcessRuntime(sandbox.ProcessConfig{
			Interpreter:      sb.Interpreter,
			DefaultLimits:    limits,
			MaxOutputBytes:   sb.MaxOutputBytes,
			ShareHostNetwork: sb.Process.ShareHostNetwork,
		}, logger), nil
	case config.SandboxDocker:
		return sandbox.NewDockerRuntime(sandbox.DockerConfig{
			Image:          sb.Docker.Image,
			Interpreter:    sb.Interpreter,
			CPUCores:       sb.Docker.CPUCores,
			PIDsLimit:      sb.Docker.PIDsLimit,
			Network:        sb.Docker.Network,
			SeccompProfile: sb.Docker.SeccompProfile,
			User:           sb.Docker.User,
			TmpfsSizeMB:    sb.Docker.TmpfsSizeMB,
			DefaultLimits:  limits,
			MaxOutputBytes: sb.MaxOutputBytes,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox type: %q", sb.Type)
	}
}
