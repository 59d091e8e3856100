package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/labbox/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSweeper struct{ calls, dropped int }

func (f *fakeSweeper) Sweep(context.Context, time.Time) int {
	f.calls++
	return f.dropped
}

type fakeReaper struct {
	reaped       int
	reconciled   int
	reconcileErr error
}

func (f *fakeReaper) Reap(context.Context, time.Time) int { return f.reaped }

func (f *fakeReaper) Reconcile(context.Context) (int, error) {
	return f.reconciled, f.reconcileErr
}

type sweepCounter struct{ total int }

func (s *sweepCounter) RecordSweep(n int) { s.total += n }

func TestValidateCronExpression(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"* * * * *", false},
		{"*/5 * * * *", false},
		{"0 9 * * MON-FRI", false},
		{"", true},
		{"* * * *", true},
		{"61 * * * *", true},
		{"@every 5m", true},
	}
	for _, tt := range tests {
		err := ValidateCronExpression(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateCronExpression(%q) err = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestComputeNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 3, 30, 0, time.UTC)
	next, err := ComputeNextRun("*/5 * * * *", now)
	if err != nil {
		t.Fatalf("ComputeNextRun: %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNew_RejectsBadJobs(t *testing.T) {
	run := func(context.Context, time.Time) (int, error) { return 0, nil }
	if _, err := New([]Job{{Name: "x", Schedule: "nope", Run: run}}, nil, testLogger()); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if _, err := New([]Job{{Name: "x", Schedule: "* * * * *"}}, nil, testLogger()); err == nil {
		t.Error("expected error for missing run function")
	}
}

func TestHousekeepingJobs(t *testing.T) {
	sweeper := &fakeSweeper{dropped: 3}
	reaper := &fakeReaper{reaped: 1, reconciled: 2}
	rec := &sweepCounter{}

	jobs := HousekeepingJobs(&config.SessionsConfig{SweepSchedule: "0 * * * *"}, sweeper, reaper, rec)
	if len(jobs) != 3 {
		t.Fatalf("jobs = %d, want 3", len(jobs))
	}

	byName := make(map[string]Job)
	for _, j := range jobs {
		byName[j.Name] = j
	}
	if got := byName["sweep_sessions"].Schedule; got != "0 * * * *" {
		t.Errorf("sweep schedule = %q, want configured value", got)
	}
	if got := byName["reap_isolates"].Schedule; got != DefaultReapSchedule {
		t.Errorf("reap schedule = %q, want default", got)
	}

	n, err := byName["sweep_sessions"].Run(context.Background(), time.Now())
	if err != nil || n != 3 {
		t.Errorf("sweep = %d, %v", n, err)
	}
	if rec.total != 3 {
		t.Errorf("recorded sweeps = %d, want 3", rec.total)
	}
	if n, _ := byName["reconcile_isolates"].Run(context.Background(), time.Now()); n != 2 {
		t.Errorf("reconcile = %d, want 2", n)
	}

	if jobs := HousekeepingJobs(nil, nil, reaper, nil); len(jobs) != 2 {
		t.Errorf("jobs without sweeper = %d, want 2", len(jobs))
	}
}

func TestRunJob_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	reaper := &fakeReaper{reaped: 4, reconcileErr: errors.New("docker unavailable")}

	jobs := HousekeepingJobs(nil, nil, reaper, nil)
	s, err := New(jobs, metrics, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, j := range jobs {
		s.RunJob(context.Background(), j)
	}

	if got := counterValue(metrics.JobsSucceeded.WithLabelValues("reap_isolates")); got != 1 {
		t.Errorf("reap successes = %v, want 1", got)
	}
	if got := counterValue(metrics.ItemsProcessed.WithLabelValues("reap_isolates")); got != 4 {
		t.Errorf("reaped items = %v, want 4", got)
	}
	if got := counterValue(metrics.JobsFailed.WithLabelValues("reconcile_isolates")); got != 1 {
		t.Errorf("reconcile failures = %v, want 1", got)
	}
}

func TestRunJob_CanceledContext(t *testing.T) {
	sweeper := &fakeSweeper{}
	jobs := HousekeepingJobs(nil, sweeper, nil, nil)
	s, err := New(jobs, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunJob(ctx, jobs[0])
	if sweeper.calls != 0 {
		t.Error("job ran after cancellation")
	}
}

func TestStartStop(t *testing.T) {
	s, err := New(HousekeepingJobs(nil, &fakeSweeper{}, nil, nil), nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("expected nil metrics for nil registry")
	}
}
