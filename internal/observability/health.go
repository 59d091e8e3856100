package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/labbox/internal/sandbox"
	"github.com/jkaninda/labbox/internal/snapshot"
)

const healthCheckTimeout = 3 * time.Second

// HealthChecker aggregates health from multiple subsystems.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named health check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
	h.mu.Unlock()
}

// CheckHealth returns liveness status. Always returns "ok" if the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs all registered checks in parallel and returns aggregate
// readiness: "ok" only if all checks pass, "degraded" if any fail.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := c.Check(checkCtx)
			res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
				if h.logger != nil {
					h.logger.Warn("readiness check failed",
						slog.String("check", c.Name),
						slog.String("error", err.Error()),
					)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			status.Checks[c.Name] = res
			if err != nil {
				status.Status = "degraded"
			}
		}()
	}
	wg.Wait()

	return status
}

// StorageCheck pings the snapshot backend.
func StorageCheck(b snapshot.Backend) func(ctx context.Context) error {
	return b.Ping
}

// RuntimeCheck verifies the isolate runtime answers a listing.
func RuntimeCheck(rt sandbox.Runtime) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if _, err := rt.List(ctx); err != nil {
			return fmt.Errorf("%s runtime unavailable: %w", rt.Name(), err)
		}
		return nil
	}
}

// AnomalyCheck fails while any of operations is above its error-rate threshold.
func AnomalyCheck(a *AnomalyDetector, operations ...string) func(ctx context.Context) error {
	return func(context.Context) error {
		for _, op := range operations {
			if a.Anomalous(op) {
				rate, total := a.ErrorRate(op)
				return fmt.Errorf("%s error rate %.0f%% over %d samples", op, rate*100, total)
			}
		}
		return nil
	}
}
