// Package killswitch implements the Panic Controller: emergency termination
// of every live isolate, plus targeted kills and listing.
package killswitch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/events"
	"github.com/jkaninda/labbox/internal/sandbox"
)

// Registry is the part of the supervisor the controller drives.
type Registry interface {
	Detach(reason string) []*sandbox.Isolate
	Terminate(ctx context.Context, iso *sandbox.Isolate) error
	Info(iso *sandbox.Isolate) domain.IsolateInfo
	Kill(ctx context.Context, isolateID string) error
	ListActive() []domain.IsolateInfo
}

// Observer is told about every panic.
type Observer interface {
	RecordPanic(killed, failed int)
}

// Config tunes the controller.
type Config struct {
	Concurrency int           // Isolates killed in parallel. Default: 16.
	Grace       time.Duration // Budget per isolate kill. Default: 5s.
	Events      events.Publisher
	Observer    Observer
	Tracer      trace.Tracer
}

func (c Config) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return 16
}

func (c Config) grace() time.Duration {
	if c.Grace > 0 {
		return c.Grace
	}
	return 5 * time.Second
}

// Report summarizes a panic.
type Report struct {
	ContainersKilled int           `json:"containers_killed"`
	Failed           int           `json:"failed"`
	Duration         time.Duration `json:"duration_ns"`
}

// Controller is the Panic Controller.
type Controller struct {
	registry Registry
	config   Config
	logger   *slog.Logger
}

// New creates a Controller over the supervisor's registry.
func New(registry Registry, cfg Config, logger *slog.Logger) *Controller {
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Controller{registry: registry, config: cfg, logger: logger}
}

// Panic removes every live isolate from the registry and force-kills them
// concurrently. Per-isolate failures are counted in the report, never
// returned. Executions running in the killed isolates fail with Killed.
func (c *Controller) Panic(ctx context.Context) Report {
	start := time.Now()
	ctx, span := c.config.Tracer.Start(ctx, "killswitch.panic")
	defer span.End()

	isolates := c.registry.Detach(sandbox.KillPanic)

	var killed, failed atomic.Int64
	// Kills must run even when the caller's context is already canceled.
	killCtx := context.WithoutCancel(ctx)
	g := new(errgroup.Group)
	g.SetLimit(c.config.concurrency())
	for _, iso := range isolates {
		g.Go(func() error {
			isoCtx, cancel := context.WithTimeout(killCtx, c.config.grace())
			defer cancel()
			if err := c.registry.Terminate(isoCtx, iso); err != nil {
				failed.Add(1)
				info := c.registry.Info(iso)
				c.logger.Error("panic kill failed",
					slog.String("isolate", info.ID),
					slog.String("session", info.SessionID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			killed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		ContainersKilled: int(killed.Load()),
		Failed:           int(failed.Load()),
		Duration:         time.Since(start),
	}
	span.SetAttributes(
		attribute.Int("panic.killed", report.ContainersKilled),
		attribute.Int("panic.failed", report.Failed),
	)

	c.logger.Warn("panic: all isolates terminated",
		slog.Int("containers_killed", report.ContainersKilled),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", report.Duration),
	)
	if c.config.Observer != nil {
		c.config.Observer.RecordPanic(report.ContainersKilled, report.Failed)
	}
	c.config.Events.Publish(events.Event{
		Type: events.PanicTriggered,
		Data: map[string]any{
			"containers_killed": report.ContainersKilled,
			"failed":            report.Failed,
		},
	})
	return report
}

// Kill destroys one isolate. Unknown ids fail with ErrIsolateNotFound.
func (c *Controller) Kill(ctx context.Context, isolateID string) error {
	var sessionID string
	for _, info := range c.registry.ListActive() {
		if info.ID == isolateID {
			sessionID = info.SessionID
			break
		}
	}
	if err := c.registry.Kill(ctx, isolateID); err != nil {
		return err
	}
	c.logger.Warn("isolate killed",
		slog.String("isolate", isolateID),
		slog.String("session", sessionID),
	)
	c.config.Events.Publish(events.Event{
		Type:      events.IsolateKilled,
		SessionID: sessionID,
		Data:      map[string]any{"isolate_id": isolateID},
	})
	return nil
}

// ListActive returns the live isolates, oldest first.
func (c *Controller) ListActive() []domain.IsolateInfo {
	return c.registry.ListActive()
}

var _ Registry = (*sandbox.Supervisor)(nil)
