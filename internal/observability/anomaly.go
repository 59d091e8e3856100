package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/labbox/internal/config"
)

// minSamples is the number of outcomes an operation needs in the window
// before its error rate is judged.
const minSamples = 5

// AnomalyDetector performs threshold-based anomaly detection using sliding windows.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	alerting      map[string]bool // operations currently above threshold
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		alerting:      make(map[string]bool),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// ErrorRate returns the error rate of operation over the window and the
// number of outcomes it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, total int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	errs, n := a.counts(operation)
	if n == 0 {
		return 0, 0
	}
	return errs / n, int(n)
}

// Anomalous reports whether operation is currently above the error-rate
// threshold.
func (a *AnomalyDetector) Anomalous(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerting[operation]
}

func (a *AnomalyDetector) counts(operation string) (errs, total float64) {
	now := a.now()
	errs = a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	successes := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	return errs, errs + successes
}

// checkErrorRate logs once when an operation crosses the threshold and once
// when it recovers. Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	errs, total := a.counts(operation)
	if total < minSamples {
		return
	}

	rate := errs / total
	switch {
	case rate > threshold && !a.alerting[operation]:
		a.alerting[operation] = true
		if a.logger != nil {
			a.logger.Warn("anomaly detected: high error rate",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
				slog.Float64("threshold", threshold),
				slog.Float64("errors", errs),
				slog.Float64("total", total),
			)
		}
	case rate <= threshold && a.alerting[operation]:
		a.alerting[operation] = false
		if a.logger != nil {
			a.logger.Info("anomaly cleared",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
			)
		}
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
