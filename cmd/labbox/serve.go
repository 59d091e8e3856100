package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/labbox/internal/config"
	"github.com/jkaninda/labbox/internal/gateway"
	"github.com/jkaninda/labbox/internal/gateway/httpapi"
	"github.com/jkaninda/labbox/internal/gateway/mcpserver"
	"github.com/jkaninda/labbox/internal/gateway/ws"
	"github.com/jkaninda/labbox/internal/ratelimit"
	"github.com/jkaninda/labbox/internal/scheduler"
)

const pruneRateLimitsSchedule = "*/15 * * * *"

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, event stream, MCP endpoint and housekeeping",
	RunE:  runServe,
}

func init() {
	// Registered on root and serve so `labbox --port` and `labbox serve --port` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts labbox as a long-running server.
func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{}
		}
		cfg.Gateways.HTTP.Enabled = true
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	logger.Info("starting labbox", slog.String("version", version), slog.String("config", configPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Isolates left behind by a previous process are destroyed before serving.
	if n, err := sc.Supervisor.Reconcile(ctx); err != nil {
		logger.Warn("reconciling orphaned isolates", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("removed orphaned isolates", slog.Int("count", n))
	}
	// No session is live yet, so leftover scratch directories belong to nobody.
	// History is untouched; a resumed session starts from its head code.
	if err := sc.Workspace.CleanSessions(); err != nil {
		logger.Warn("cleaning stale session scratch", slog.String("error", err.Error()))
	}

	var limiter *ratelimit.Limiter
	if cfg.Gateways.HTTP != nil && cfg.Gateways.HTTP.Enabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.Gateways.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.Gateways.HTTP.RateLimit.BurstSize,
		})
	}

	// Housekeeping.
	jobs := scheduler.HousekeepingJobs(&cfg.Sessions, sc.Sessions, sc.Supervisor, sc.Obs.MetricsOrNil())
	if limiter != nil {
		jobs = append(jobs, scheduler.Job{
			Name:     "prune_rate_limits",
			Schedule: pruneRateLimitsSchedule,
			Run: func(_ context.Context, _ time.Time) (int, error) {
				return limiter.Prune(), nil
			},
		})
	}
	var schedMetrics *scheduler.Metrics
	if m := sc.Obs.MetricsOrNil(); m != nil {
		schedMetrics = scheduler.NewMetrics(m.Registry)
	}
	sched, err := scheduler.New(jobs, schedMetrics, logger)
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}
	stopScheduler := sched.Start(ctx)
	defer stopScheduler()
	logger.Debug("housekeeping scheduler started", slog.Int("jobs", len(jobs)))

	gateways := buildGateways(sc, limiter)
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// buildGateways creates the egress proxy and the HTTP gateway with the
// event stream and MCP endpoint mounted on it.
func buildGateways(sc *SharedComponents, limiter *ratelimit.Limiter) []gateway.Gateway {
	cfg := sc.Config
	var gws []gateway.Gateway

	if sc.Egress != nil {
		gws = append(gws, sc.Egress)
		sc.Logger.Debug("gateway enabled", slog.String("type", "egress"), slog.String("addr", cfg.Egress.Listen()))
	}

	httpCfg := cfg.Gateways.HTTP
	if httpCfg == nil || !httpCfg.Enabled {
		if cfg.Gateways.MCP != nil && cfg.Gateways.MCP.Enabled {
			sc.Logger.Warn("mcp over http requires the http gateway; use `labbox mcp` for stdio")
		}
		return gws
	}

	apiKeys := httpCfg.APIKeyUserMapping
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("LABBOX_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}
	if len(apiKeys) == 0 {
		sc.Logger.Warn("no API keys configured; every /v1 request will be rejected")
	}

	gwCfg := httpapi.Config{
		ListenAddr:     httpCfg.ListenAddr,
		EnableDocs:     httpCfg.EnableDocs,
		Version:        version,
		APIKeys:        apiKeys,
		MaxRequestSize: httpCfg.MaxRequestSizeBytes,
	}
	if obs := sc.Obs; obs != nil {
		gwCfg.Metrics = obs.Metrics
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	httpGW := httpapi.NewGateway(gwCfg, sc.Sessions, sc.KillSwitch, limiter, sc.Logger).WithSSE(sc.Bus)

	if httpCfg.Events {
		stream := httpapi.RequireAPIKey(apiKeys, ws.NewServer(sc.Bus, ws.Options{}, sc.Logger).Handler())
		httpGW.WithHandler("/v1/events", stream)
		httpGW.WithHandler("/v1/sessions/{id}/events", stream)
		sc.Logger.Debug("event stream mounted", slog.String("path", "/v1/sessions/{id}/events"))
	}

	if mcpCfg := cfg.Gateways.MCP; mcpCfg != nil && mcpCfg.Enabled {
		path := mcpCfg.MCPPath()
		tools := mcpserver.New(sc.Sessions, sc.KillSwitch, version, sc.Logger)
		httpGW.WithHandler(path, httpapi.RequireAPIKey(apiKeys, tools.HTTPHandler(path)),
			http.MethodGet, http.MethodPost, http.MethodDelete)
		sc.Logger.Debug("mcp endpoint mounted", slog.String("path", path))
	}

	gws = append(gws, httpGW)
	sc.Logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", httpCfg.ListenAddr),
		slog.Bool("events", httpCfg.Events),
		slog.Bool("mcp", cfg.Gateways.MCP != nil && cfg.Gateways.MCP.Enabled),
	)
	return gws
}
