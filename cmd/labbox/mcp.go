package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/labbox/internal/gateway/mcpserver"
	"github.com/jkaninda/labbox/internal/scheduler"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the sandbox as MCP tools over stdio",
	Long: `Serve the sandbox as Model Context Protocol tools on stdin/stdout, for
agent hosts that launch tool servers as subprocesses. Logs go to stderr.

Example host entry:
  {"command": "labbox", "args": ["mcp", "--log-format", "text"]}`,
	RunE: runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sc.Egress != nil {
		go func() {
			if err := sc.Egress.Start(ctx); err != nil {
				logger.Error("egress proxy exited", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sc.Egress.Stop(stopCtx)
		}()
	}

	sched, err := scheduler.New(
		scheduler.HousekeepingJobs(&cfg.Sessions, sc.Sessions, sc.Supervisor, sc.Obs.MetricsOrNil()),
		nil, logger)
	if err != nil {
		return fmt.Errorf("initializing scheduler: %w", err)
	}
	stopScheduler := sched.Start(ctx)
	defer stopScheduler()

	tools := mcpserver.New(sc.Sessions, sc.KillSwitch, version, logger)
	if err := tools.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp stdio server: %w", err)
	}
	return nil
}
