package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/labbox/internal/artifact"
	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/sandbox"
	"github.com/jkaninda/labbox/internal/snapshot"
)

// Anomaly operation names.
const (
	OpExecution = "execution"
	OpCommit    = "commit"
	OpStorage   = "storage"
)

// --- InstrumentedRuntime ---

// InstrumentedRuntime wraps a sandbox.Runtime with metrics, tracing, and
// anomaly detection. Instances it starts are wrapped too.
type InstrumentedRuntime struct {
	inner   sandbox.Runtime
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedRuntime wraps an isolate runtime with observability.
func NewInstrumentedRuntime(inner sandbox.Runtime, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedRuntime {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRuntime{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (r *InstrumentedRuntime) Name() string { return r.inner.Name() }

func (r *InstrumentedRuntime) Start(ctx context.Context, spec sandbox.IsolateSpec) (sandbox.Instance, error) {
	runtime := r.inner.Name()

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "isolate.start",
			trace.WithAttributes(
				attribute.String("isolate.runtime", runtime),
				attribute.String("isolate.id", spec.IsolateID),
				attribute.String("session.id", spec.SessionID),
			))
		defer span.End()
	}

	inst, err := r.inner.Start(ctx, spec)
	if err != nil {
		if r.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if r.metrics != nil {
			r.metrics.IsolateStartsTotal.WithLabelValues(runtime, "error").Inc()
		}
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.IsolateStartsTotal.WithLabelValues(runtime, "success").Inc()
		gauge := r.metrics.IsolatesActive.WithLabelValues(runtime)
		gauge.Inc()
		go func() {
			<-inst.Done()
			gauge.Dec()
		}()
	}
	return &instrumentedInstance{Instance: inst, runtime: r}, nil
}

func (r *InstrumentedRuntime) List(ctx context.Context) ([]string, error) {
	return r.inner.List(ctx)
}

func (r *InstrumentedRuntime) Remove(ctx context.Context, name string) error {
	return r.inner.Remove(ctx, name)
}

// instrumentedInstance records every Exec.
type instrumentedInstance struct {
	sandbox.Instance
	runtime *InstrumentedRuntime
}

func (i *instrumentedInstance) Exec(ctx context.Context, code string) (*sandbox.ExecOutput, error) {
	r := i.runtime
	runtime := r.inner.Name()

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "isolate.exec",
			trace.WithAttributes(
				attribute.String("isolate.runtime", runtime),
				attribute.String("isolate.instance", i.ID()),
				attribute.Int("code.bytes", len(code)),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := i.Instance.Exec(ctx, code)
	duration := time.Since(start).Seconds()

	status := execStatus(out, err)
	if r.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.String("execution.status", status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if r.metrics != nil {
		r.metrics.ExecutionsTotal.WithLabelValues(runtime, status).Inc()
		r.metrics.ExecutionDuration.WithLabelValues(runtime).Observe(duration)
	}

	if r.anomaly != nil {
		if err != nil {
			r.anomaly.RecordError(OpExecution)
		} else {
			r.anomaly.RecordSuccess(OpExecution)
		}
	}

	return out, err
}

// execStatus labels an Exec outcome: the kernel status on a reply, otherwise
// why no reply came.
func execStatus(out *sandbox.ExecOutput, err error) string {
	switch {
	case err == nil && out != nil:
		return string(out.Status)
	case errors.Is(err, context.DeadlineExceeded):
		return string(domain.StatusTimeout)
	case errors.Is(err, sandbox.ErrInstanceExited):
		return "exited"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "failed"
	}
}

// --- InstrumentedBackend ---

// InstrumentedBackend wraps a snapshot.Backend with metrics, tracing, and
// anomaly detection.
type InstrumentedBackend struct {
	inner   snapshot.Backend
	driver  string
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedBackend wraps a snapshot backend with observability.
func NewInstrumentedBackend(inner snapshot.Backend, driver string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBackend {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedBackend{
		inner:   inner,
		driver:  driver,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

// observe starts a span for op and returns the func that finishes it.
func (b *InstrumentedBackend) observe(ctx context.Context, op, sessionID string) (context.Context, func(error)) {
	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "storage."+op,
			trace.WithAttributes(
				attribute.String("storage.driver", b.driver),
				attribute.String("session.id", sessionID),
			))
	}
	start := time.Now()

	return ctx, func(err error) {
		// Lookups that miss are answers, not failures.
		failed := err != nil &&
			!errors.Is(err, domain.ErrCommitNotFound) &&
			!errors.Is(err, domain.ErrBranchNotFound) &&
			!errors.Is(err, domain.ErrBranchExists)

		if span != nil {
			if failed {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
		if b.metrics != nil {
			res := "success"
			if failed {
				res = "error"
			}
			b.metrics.StorageOpsTotal.WithLabelValues(op, res).Inc()
			b.metrics.StorageOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
		if b.anomaly != nil {
			if failed {
				b.anomaly.RecordError(OpStorage)
			} else {
				b.anomaly.RecordSuccess(OpStorage)
			}
		}
	}
}

func (b *InstrumentedBackend) PutCommit(ctx context.Context, c *domain.Commit) (err error) {
	ctx, done := b.observe(ctx, "put_commit", c.SessionID)
	defer func() { done(err) }()
	return b.inner.PutCommit(ctx, c)
}

func (b *InstrumentedBackend) GetCommit(ctx context.Context, sessionID, sha string) (_ *domain.Commit, err error) {
	ctx, done := b.observe(ctx, "get_commit", sessionID)
	defer func() { done(err) }()
	return b.inner.GetCommit(ctx, sessionID, sha)
}

func (b *InstrumentedBackend) CommitSession(ctx context.Context, sha string) (_ string, err error) {
	ctx, done := b.observe(ctx, "commit_session", "")
	defer func() { done(err) }()
	return b.inner.CommitSession(ctx, sha)
}

func (b *InstrumentedBackend) ListCommits(ctx context.Context, sessionID string) (_ []domain.Commit, err error) {
	ctx, done := b.observe(ctx, "list_commits", sessionID)
	defer func() { done(err) }()
	return b.inner.ListCommits(ctx, sessionID)
}

func (b *InstrumentedBackend) GetBranch(ctx context.Context, sessionID, name string) (_ *domain.Branch, err error) {
	ctx, done := b.observe(ctx, "get_branch", sessionID)
	defer func() { done(err) }()
	return b.inner.GetBranch(ctx, sessionID, name)
}

func (b *InstrumentedBackend) CreateBranch(ctx context.Context, br *domain.Branch) (err error) {
	ctx, done := b.observe(ctx, "create_branch", br.SessionID)
	defer func() { done(err) }()
	return b.inner.CreateBranch(ctx, br)
}

func (b *InstrumentedBackend) AdvanceHead(ctx context.Context, sessionID, name, oldSHA, newSHA string, at time.Time) (_ bool, err error) {
	ctx, done := b.observe(ctx, "advance_head", sessionID)
	defer func() { done(err) }()
	return b.inner.AdvanceHead(ctx, sessionID, name, oldSHA, newSHA, at)
}

func (b *InstrumentedBackend) ListBranches(ctx context.Context, sessionID string) (_ []domain.Branch, err error) {
	ctx, done := b.observe(ctx, "list_branches", sessionID)
	defer func() { done(err) }()
	return b.inner.ListBranches(ctx, sessionID)
}

func (b *InstrumentedBackend) DeleteSession(ctx context.Context, sessionID string) (err error) {
	ctx, done := b.observe(ctx, "delete_session", sessionID)
	defer func() { done(err) }()
	return b.inner.DeleteSession(ctx, sessionID)
}

func (b *InstrumentedBackend) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

func (b *InstrumentedBackend) Close() error {
	return b.inner.Close()
}

// --- snapshot.Observer ---

// commitObserver fans commit outcomes out to metrics and anomaly detection.
type commitObserver struct {
	metrics *MetricsCollector
	anomaly *AnomalyDetector
}

func (o commitObserver) RecordCommit(duration time.Duration, err error) {
	o.metrics.RecordCommit(duration, err)
	if o.anomaly != nil {
		if err != nil {
			o.anomaly.RecordError(OpCommit)
		} else {
			o.anomaly.RecordSuccess(OpCommit)
		}
	}
}

func (o commitObserver) RecordHeadConflict() {
	o.metrics.RecordHeadConflict()
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Runtime      = (*InstrumentedRuntime)(nil)
	_ sandbox.Instance     = (*instrumentedInstance)(nil)
	_ snapshot.Backend     = (*InstrumentedBackend)(nil)
	_ snapshot.Observer    = commitObserver{}
	_ sandbox.KillObserver = (*MetricsCollector)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}

// --- InstrumentedCollector ---

// Collector is the artifact harvesting contract the session manager uses.
type Collector interface {
	Baseline(dir string) (artifact.Snapshot, error)
	Collect(dir string, baseline artifact.Snapshot) ([]domain.Artifact, error)
}

// InstrumentedCollector counts collected artifacts by kind.
type InstrumentedCollector struct {
	inner   Collector
	metrics *MetricsCollector
}

// NewInstrumentedCollector wraps an artifact collector with metrics.
func NewInstrumentedCollector(inner Collector, metrics *MetricsCollector) *InstrumentedCollector {
	return &InstrumentedCollector{inner: inner, metrics: metrics}
}

func (c *InstrumentedCollector) Baseline(dir string) (artifact.Snapshot, error) {
	return c.inner.Baseline(dir)
}

func (c *InstrumentedCollector) Collect(dir string, baseline artifact.Snapshot) ([]domain.Artifact, error) {
	artifacts, err := c.inner.Collect(dir, baseline)
	c.metrics.RecordArtifacts(artifacts)
	return artifacts, err
}
