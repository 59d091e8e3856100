// Package scheduler runs labbox housekeeping on cron schedules: sweeping
// idle sessions, reaping expired isolates and reconciling the runtime
// against the supervisor's registry.
//
// Runs of the same job never overlap; a run still in progress when its
// next tick arrives causes that tick to be skipped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/labbox/internal/config"
)

// Default schedules, in standard five-field cron syntax.
const (
	DefaultSweepSchedule     = "*/5 * * * *"
	DefaultReapSchedule      = "* * * * *"
	DefaultReconcileSchedule = "*/10 * * * *"
)

// Job is a named unit of housekeeping. Run returns how many items it acted on.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context, now time.Time) (int, error)
}

// Sweeper drops idle sessions.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) int
}

// Reaper removes expired isolates and isolates the registry does not own.
type Reaper interface {
	Reap(ctx context.Context, now time.Time) int
	Reconcile(ctx context.Context) (int, error)
}

// SweepRecorder receives the number of sessions each sweep dropped.
type SweepRecorder interface {
	RecordSweep(n int)
}

// Scheduler fires housekeeping jobs on their schedules.
type Scheduler struct {
	jobs    []Job
	metrics *Metrics
	logger  *slog.Logger
	parser  cron.Parser
	now     func() time.Time
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// New creates a Scheduler for jobs. Every schedule is validated up front.
func New(jobs []Job, metrics *Metrics, logger *slog.Logger) (*Scheduler, error) {
	for _, j := range jobs {
		if j.Run == nil {
			return nil, fmt.Errorf("job %q has no run function", j.Name)
		}
		if err := ValidateCronExpression(j.Schedule); err != nil {
			return nil, fmt.Errorf("job %q: %w", j.Name, err)
		}
	}
	return &Scheduler{
		jobs:    jobs,
		metrics: metrics,
		logger:  logger,
		parser:  parser,
		now:     time.Now,
	}, nil
}

// HousekeepingJobs builds the standard job set from config. A nil sweeper
// or reaper leaves its jobs out.
func HousekeepingJobs(cfg *config.SessionsConfig, sessions Sweeper, isolates Reaper, rec SweepRecorder) []Job {
	if cfg == nil {
		cfg = &config.SessionsConfig{}
	}
	var jobs []Job
	if sessions != nil {
		jobs = append(jobs, Job{
			Name:     "sweep_sessions",
			Schedule: orDefault(cfg.SweepSchedule, DefaultSweepSchedule),
			Run: func(ctx context.Context, now time.Time) (int, error) {
				n := sessions.Sweep(ctx, now)
				if rec != nil {
					rec.RecordSweep(n)
				}
				return n, nil
			},
		})
	}
	if isolates != nil {
		jobs = append(jobs,
			Job{
				Name:     "reap_isolates",
				Schedule: orDefault(cfg.ReapSchedule, DefaultReapSchedule),
				Run: func(ctx context.Context, now time.Time) (int, error) {
					return isolates.Reap(ctx, now), nil
				},
			},
			Job{
				Name:     "reconcile_isolates",
				Schedule: orDefault(cfg.ReconcileSchedule, DefaultReconcileSchedule),
				Run: func(ctx context.Context, _ time.Time) (int, error) {
					return isolates.Reconcile(ctx)
				},
			},
		)
	}
	return jobs
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Start schedules every job and returns a function that stops the scheduler
// and waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, j := range s.jobs {
		if _, err := c.AddFunc(j.Schedule, func() { s.RunJob(ctx, j) }); err != nil {
			// Schedules were validated in New.
			s.logger.Error("scheduling job failed",
				slog.String("job", j.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	c.Start()

	s.logger.InfoContext(ctx, "housekeeping scheduler started", slog.Int("jobs", len(s.jobs)))

	return func() {
		cancel()
		<-c.Stop().Done()
		s.logger.Info("housekeeping scheduler stopped")
	}
}

// RunJob runs one job immediately and records the outcome.
func (s *Scheduler) RunJob(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	start := s.now()
	if s.metrics != nil {
		s.metrics.JobsFired.WithLabelValues(j.Name).Inc()
	}

	n, err := j.Run(ctx, start.UTC())

	if s.metrics != nil {
		s.metrics.JobDuration.WithLabelValues(j.Name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "housekeeping job failed",
			slog.String("job", j.Name),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.JobsFailed.WithLabelValues(j.Name).Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.JobsSucceeded.WithLabelValues(j.Name).Inc()
		s.metrics.ItemsProcessed.WithLabelValues(j.Name).Add(float64(n))
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "housekeeping job finished",
			slog.String("job", j.Name),
			slog.Int("items", n),
		)
	}
}

// ComputeNextRun returns the next fire time after now for a cron expression.
func ComputeNextRun(expr string, now time.Time) (time.Time, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	return schedule.Next(now), nil
}

// ValidateCronExpression checks if a cron expression is valid.
func ValidateCronExpression(expr string) error {
	_, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
