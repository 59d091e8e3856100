// Package session implements the Session Orchestrator: it binds each session
// to a scratch directory, an isolate and a snapshot history, and sequences
// execute as supervisor, then collector, then snapshot store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/labbox/internal/artifact"
	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/events"
	"github.com/jkaninda/labbox/internal/snapshot"
	"github.com/jkaninda/labbox/internal/workspace"
)

const (
	defaultIdleTimeout  = time.Hour
	messagePreviewRunes = 50
	manualCommitMessage = "Manual commit"
)

// Supervisor is the part of the isolate supervisor the orchestrator drives.
type Supervisor interface {
	Execute(ctx context.Context, sessionID, workDir, code string) (*domain.ExecutionResult, error)
	Release(ctx context.Context, sessionID string) error
	Lookup(sessionID string) (domain.IsolateInfo, bool)
}

// Collector harvests execution outputs.
type Collector interface {
	Baseline(dir string) (artifact.Snapshot, error)
	Collect(dir string, baseline artifact.Snapshot) ([]domain.Artifact, error)
}

// Config tunes the Manager.
type Config struct {
	IdleTimeout time.Duration    // Sessions untouched this long are swept. Default: 1h.
	Events      events.Publisher // Optional.
	Tracer      trace.Tracer     // Optional.
	Now         func() time.Time // Default: time.Now.
}

// Manager is the Session Orchestrator.
type Manager struct {
	sup       Supervisor
	collector Collector
	store     *snapshot.Store
	ws        *workspace.Workspace
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*state
}

// state is one in-memory session. mu guards session and deleted. writeMu
// orders history writes against Delete.
type state struct {
	mu      sync.Mutex
	session domain.Session
	deleted bool

	writeMu sync.Mutex
}

// NewManager wires the orchestrator.
func NewManager(sup Supervisor, collector Collector, store *snapshot.Store, ws *workspace.Workspace, cfg Config, logger *slog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		sup:       sup,
		collector: collector,
		store:     store,
		ws:        ws,
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*state),
	}
}

// Store returns the snapshot store backing the sessions.
func (m *Manager) Store() *snapshot.Store { return m.store }

// CreateOptions configures Create.
type CreateOptions struct {
	ID string // Optional client-supplied id; a UUID is generated when empty.
}

// Create registers a session, or returns it when it is already live. An id
// with existing history resumes on main at the head code.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (domain.Session, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if !domain.ValidSessionID(id) {
		return domain.Session{}, fmt.Errorf("%w: session id %q", domain.ErrInvalidArgument, id)
	}
	st, _, err := m.ensure(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	return m.view(st), nil
}

// ensure returns the live session, creating it on first access.
func (m *Manager) ensure(ctx context.Context, id string) (*state, bool, error) {
	if !domain.ValidSessionID(id) {
		return nil, false, fmt.Errorf("%w: session id %q", domain.ErrInvalidArgument, id)
	}
	m.mu.Lock()
	if st, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return st, false, nil
	}
	m.mu.Unlock()

	// Resolve history outside the registry lock; storage may be slow.
	code := ""
	history, err := m.store.History(ctx, id, domain.DefaultBranch, 1)
	if err != nil {
		return nil, false, fmt.Errorf("resuming session %s: %w", id, err)
	}
	if len(history) > 0 {
		code = history[0].Code
	}

	now := m.cfg.Now().UTC()
	fresh := &state{session: domain.Session{
		ID:             id,
		WorkspacePath:  m.ws.SessionDir(id),
		CreatedAt:      now,
		LastActivityAt: now,
		Active:         true,
		CurrentBranch:  domain.DefaultBranch,
		CurrentCode:    code,
	}}

	m.mu.Lock()
	if st, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return st, false, nil
	}
	m.sessions[id] = fresh
	m.mu.Unlock()

	m.logger.Info("session created",
		slog.String("session", id),
		slog.Bool("resumed", len(history) > 0),
	)
	m.cfg.Events.Publish(events.Event{
		Type:      events.SessionCreated,
		SessionID: id,
		Data:      map[string]any{"resumed": len(history) > 0},
	})
	return fresh, true, nil
}

func (m *Manager) lookup(id string) (*state, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return st, nil
}

func (m *Manager) view(st *state) domain.Session {
	st.mu.Lock()
	s := st.session
	st.mu.Unlock()
	if info, ok := m.sup.Lookup(s.ID); ok {
		s.IsolateID = info.ID
	}
	return s
}

// currentBranch is the session's current branch, or main for a session that
// is not live.
func (m *Manager) currentBranch(id string) string {
	st, err := m.lookup(id)
	if err != nil {
		return domain.DefaultBranch
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.session.CurrentBranch
}

// touch records activity on a live session.
func (m *Manager) touch(st *state) {
	st.mu.Lock()
	st.session.LastActivityAt = m.cfg.Now().UTC()
	st.mu.Unlock()
}

// begin marks the session as executing or fails with Busy.
func (m *Manager) begin(st *state) (domain.Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.session.Executing {
		return domain.Session{}, fmt.Errorf("%w: session %s is executing", domain.ErrBusy, st.session.ID)
	}
	st.session.Executing = true
	st.session.LastActivityAt = m.cfg.Now().UTC()
	return st.session, nil
}

// write runs fn, a history write for the session, unless Delete has already
// claimed the session. Delete waits for a write in progress, so history
// written here is always removed with the session.
func (m *Manager) write(st *state, fn func() error) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	st.mu.Lock()
	deleted := st.deleted
	id := st.session.ID
	st.mu.Unlock()
	if deleted {
		return fmt.Errorf("%w: %s was deleted", domain.ErrSessionNotFound, id)
	}
	return fn()
}

func (m *Manager) end(st *state) {
	st.mu.Lock()
	st.session.Executing = false
	st.session.LastActivityAt = m.cfg.Now().UTC()
	st.mu.Unlock()
}

// ExecuteResult pairs an execution result with the commit recording it.
type ExecuteResult struct {
	Result *domain.ExecutionResult `json:"result"`
	Commit *domain.Commit          `json:"commit"`
}

// Execute runs code in the session's isolate and commits the outcome to the
// current branch. An empty message gets a generated one. Isolate failures
// produce no commit; Timeout and Killed errors carry the partial result. When
// the commit itself fails the error is an ExecError carrying the full result.
func (m *Manager) Execute(ctx context.Context, sessionID, code, message string) (_ *ExecuteResult, err error) {
	ctx, span := m.cfg.Tracer.Start(ctx, "session.execute",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("code.bytes", len(code)),
		))
	defer func() { endSpan(span, err) }()

	st, _, err := m.ensure(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := m.begin(st)
	if err != nil {
		return nil, err
	}
	defer m.end(st)

	dir := sess.WorkspacePath
	baseline, err := m.collector.Baseline(dir)
	if err != nil {
		m.logger.Warn("artifact baseline failed",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
	}

	m.cfg.Events.Publish(events.Event{
		Type:      events.ExecutionStarted,
		SessionID: sessionID,
		Data:      map[string]any{"branch": sess.CurrentBranch},
	})

	result, err := m.sup.Execute(ctx, sessionID, dir, code)
	if err != nil {
		m.cfg.Events.Publish(events.Event{
			Type:      events.ExecutionFailed,
			SessionID: sessionID,
			Data:      map[string]any{"error_kind": domain.KindOf(err), "error": err.Error()},
		})
		return nil, err
	}

	artifacts, err := m.collector.Collect(dir, baseline)
	if err != nil {
		m.logger.Warn("artifact collection failed",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
	}
	result.Artifacts = artifacts
	span.SetAttributes(
		attribute.String("execution.status", string(result.Status)),
		attribute.Int("execution.artifacts", len(artifacts)),
	)

	if message == "" {
		message = ExecutionMessage(code, result.Status)
	}
	var commit *domain.Commit
	err = m.write(st, func() error {
		var err error
		commit, err = m.store.Commit(ctx, snapshot.CommitRequest{
			SessionID:   sessionID,
			Branch:      sess.CurrentBranch,
			Code:        code,
			Message:     message,
			Result:      result,
			ArtifactDir: dir,
		})
		return err
	})
	if err != nil {
		// The cell ran; the caller still gets its output.
		return nil, &domain.ExecError{Cause: fmt.Errorf("committing execution: %w", err), Partial: result}
	}

	st.mu.Lock()
	st.session.CurrentCode = code
	st.mu.Unlock()

	m.cfg.Events.Publish(events.Event{
		Type:      events.ExecutionFinished,
		SessionID: sessionID,
		Data: map[string]any{
			"status":          string(result.Status),
			"execution_count": result.ExecutionCount,
			"artifacts":       len(artifacts),
			"duration_ms":     result.Duration.Milliseconds(),
		},
	})
	m.publishCommit(commit)
	return &ExecuteResult{Result: commit.Result, Commit: commit}, nil
}

// ExecutionMessage builds the default commit message for an execution: the
// first 50 characters of code on one line, flagged when the cell failed.
func ExecutionMessage(code string, status domain.ExecStatus) string {
	preview := code
	truncated := utf8.RuneCountInString(code) > messagePreviewRunes
	if truncated {
		preview = string([]rune(code)[:messagePreviewRunes])
	}
	preview = strings.ReplaceAll(preview, "\n", " ")
	if truncated {
		preview += "..."
	}
	msg := "Execute: " + preview
	if status == domain.StatusError {
		msg = "[ERROR] " + msg
	}
	return msg
}

func (m *Manager) publishCommit(c *domain.Commit) {
	m.cfg.Events.Publish(events.Event{
		Type:      events.CommitCreated,
		SessionID: c.SessionID,
		Data: map[string]any{
			"sha":     c.SHA,
			"branch":  c.Branch,
			"message": c.Message,
		},
	})
}

// ManualCommit describes a commit without execution.
type ManualCommit struct {
	Code        string
	Message     string
	Description string
	Branch      string // Default: the session's current branch.
}

// CommitManual records code without running it.
func (m *Manager) CommitManual(ctx context.Context, sessionID string, req ManualCommit) (_ *domain.Commit, err error) {
	ctx, span := m.cfg.Tracer.Start(ctx, "session.commit_manual",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err) }()

	st, _, err := m.ensure(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	branch := req.Branch
	if branch == "" {
		branch = st.session.CurrentBranch
	}
	st.mu.Unlock()

	message := req.Message
	if message == "" {
		message = manualCommitMessage
	}
	var commit *domain.Commit
	err = m.write(st, func() error {
		var err error
		commit, err = m.store.Commit(ctx, snapshot.CommitRequest{
			SessionID:   sessionID,
			Branch:      branch,
			Code:        req.Code,
			Message:     message,
			Description: req.Description,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.session.CurrentBranch == branch {
		st.session.CurrentCode = req.Code
	}
	st.session.LastActivityAt = m.cfg.Now().UTC()
	st.mu.Unlock()

	m.publishCommit(commit)
	return commit, nil
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	CreateBranch string // When set, a branch at the commit is created and becomes current.
	Reseed       bool   // Copy the commit's artifacts and code file back into the scratch area.
}

// Restore checks out a historical commit. No branch head moves; with
// CreateBranch a new branch is created and switched to. Reseeding also
// replaces the isolate so the next execution starts from a clean
// interpreter over the restored files.
func (m *Manager) Restore(ctx context.Context, sessionID, sha string, opts RestoreOptions) (_ *snapshot.RestoreResult, err error) {
	ctx, span := m.cfg.Tracer.Start(ctx, "session.restore",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("commit.sha", sha),
		))
	defer func() { endSpan(span, err) }()

	st, _, err := m.ensure(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := m.begin(st)
	if err != nil {
		return nil, err
	}
	defer m.end(st)

	res, err := m.store.Restore(ctx, sessionID, sha, "")
	if err != nil {
		return nil, err
	}

	// The branch is created last so a failed reseed leaves nothing behind.
	if opts.CreateBranch != "" {
		if err := m.checkBranchFree(ctx, sessionID, opts.CreateBranch); err != nil {
			return nil, err
		}
	}
	if opts.Reseed {
		if err := m.reseed(ctx, sess, res.Commit); err != nil {
			return nil, err
		}
	}
	if opts.CreateBranch != "" {
		err := m.write(st, func() error {
			var err error
			res.Branch, err = m.store.CreateBranch(ctx, sessionID, opts.CreateBranch, sha)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	st.mu.Lock()
	st.session.CurrentCode = res.Code
	if res.Branch != nil {
		st.session.CurrentBranch = res.Branch.Name
	}
	st.mu.Unlock()

	data := map[string]any{"sha": res.Commit.SHA, "reseed": opts.Reseed}
	if res.Branch != nil {
		data["branch"] = res.Branch.Name
		m.cfg.Events.Publish(events.Event{
			Type:      events.BranchCreated,
			SessionID: sessionID,
			Data:      map[string]any{"branch": res.Branch.Name, "head_sha": res.Branch.HeadSHA},
		})
	}
	m.cfg.Events.Publish(events.Event{Type: events.SessionRestored, SessionID: sessionID, Data: data})
	return res, nil
}

// checkBranchFree fails with InvalidArgument or BranchExists when name cannot
// be created.
func (m *Manager) checkBranchFree(ctx context.Context, sessionID, name string) error {
	clean, err := snapshot.SanitizeBranchName(name)
	if err != nil {
		return err
	}
	_, err = m.store.Branch(ctx, sessionID, clean)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", domain.ErrBranchExists, clean)
	case errors.Is(err, domain.ErrBranchNotFound):
		return nil
	default:
		return err
	}
}

func (m *Manager) reseed(ctx context.Context, sess domain.Session, c *domain.Commit) error {
	if err := m.sup.Release(ctx, sess.ID); err != nil {
		return fmt.Errorf("releasing isolate before reseed: %w", err)
	}
	if err := m.store.Reseed(ctx, sess.ID, c.SHA, sess.WorkspacePath); err != nil {
		return err
	}
	scratch, err := workspace.OpenScratch(sess.WorkspacePath)
	if err != nil {
		return err
	}
	defer scratch.Close()
	if err := scratch.WriteFile(m.store.CodeFilename(), strings.NewReader(c.Code), 0o640); err != nil {
		return fmt.Errorf("writing %s: %w", m.store.CodeFilename(), err)
	}
	m.logger.Info("scratch area reseeded",
		slog.String("session", sess.ID),
		slog.String("sha", c.ShortSHA()),
		slog.Int("artifacts", len(c.Artifacts())),
	)
	return nil
}

// RevertTo returns the code at sha and makes it the session's current code.
// Nothing is re-run and no head moves.
func (m *Manager) RevertTo(ctx context.Context, sessionID, sha string) (string, error) {
	res, err := m.Restore(ctx, sessionID, sha, RestoreOptions{})
	if err != nil {
		return "", err
	}
	return res.Code, nil
}

// CreateBranch forks a branch at fromSHA (main's head when empty). The
// current branch does not change.
func (m *Manager) CreateBranch(ctx context.Context, sessionID, name, fromSHA string) (_ *domain.Branch, err error) {
	ctx, span := m.cfg.Tracer.Start(ctx, "session.create_branch",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("branch.name", name),
		))
	defer func() { endSpan(span, err) }()

	if !domain.ValidSessionID(sessionID) {
		return nil, fmt.Errorf("%w: session id %q", domain.ErrInvalidArgument, sessionID)
	}
	b, err := m.store.CreateBranch(ctx, sessionID, name, fromSHA)
	if err != nil {
		return nil, err
	}
	if st, err := m.lookup(sessionID); err == nil {
		m.touch(st)
	}
	m.cfg.Events.Publish(events.Event{
		Type:      events.BranchCreated,
		SessionID: sessionID,
		Data:      map[string]any{"branch": b.Name, "head_sha": b.HeadSHA},
	})
	return b, nil
}

// SwitchBranch makes name the current branch and returns its head code.
// Rejected with Busy while the session is executing.
func (m *Manager) SwitchBranch(ctx context.Context, sessionID, name string) (_ string, err error) {
	ctx, span := m.cfg.Tracer.Start(ctx, "session.switch_branch",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("branch.name", name),
		))
	defer func() { endSpan(span, err) }()

	st, _, err := m.ensure(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if _, err := m.begin(st); err != nil {
		return "", err
	}
	defer m.end(st)

	b, err := m.store.Branch(ctx, sessionID, name)
	if err != nil {
		return "", err
	}
	head, err := m.store.GetCommit(ctx, sessionID, b.HeadSHA)
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	previous := st.session.CurrentBranch
	st.session.CurrentBranch = b.Name
	st.session.CurrentCode = head.Code
	st.mu.Unlock()

	m.cfg.Events.Publish(events.Event{
		Type:      events.BranchSwitched,
		SessionID: sessionID,
		Data:      map[string]any{"from": previous, "to": b.Name, "head_sha": b.HeadSHA},
	})
	return head.Code, nil
}

// History lists commits of branch, newest first. An empty branch means the
// session's current branch.
func (m *Manager) History(ctx context.Context, sessionID, branch string, limit int) ([]domain.Commit, error) {
	if branch == "" {
		branch = m.currentBranch(sessionID)
	}
	return m.store.History(ctx, sessionID, branch, limit)
}

// Diff compares two commits of the session; an empty toSHA diffs fromSHA
// against its parent.
func (m *Manager) Diff(ctx context.Context, sessionID, fromSHA, toSHA string) (*domain.Diff, error) {
	return m.store.Diff(ctx, sessionID, fromSHA, toSHA)
}

// Branches lists the session's branches, marking the current one.
func (m *Manager) Branches(ctx context.Context, sessionID string) ([]domain.BranchInfo, error) {
	return m.store.Branches(ctx, sessionID, m.currentBranch(sessionID))
}

// Tree returns every commit reachable from any branch.
func (m *Manager) Tree(ctx context.Context, sessionID string) ([]domain.Commit, error) {
	return m.store.Tree(ctx, sessionID)
}

// Stats summarizes the session's history.
func (m *Manager) Stats(ctx context.Context, sessionID string) (*domain.HistoryStats, error) {
	return m.store.Stats(ctx, sessionID)
}

// ExportNotebook renders a branch (the current one when empty) as a notebook.
func (m *Manager) ExportNotebook(ctx context.Context, sessionID, branch string) ([]byte, error) {
	if branch == "" {
		branch = m.currentBranch(sessionID)
	}
	return m.store.ExportNotebook(ctx, sessionID, branch)
}

// FileAt returns a logical file at a commit.
func (m *Manager) FileAt(ctx context.Context, sessionID, sha, path string) ([]byte, error) {
	return m.store.FileAt(ctx, sessionID, sha, path)
}

// Get returns a live session.
func (m *Manager) Get(sessionID string) (domain.Session, error) {
	st, err := m.lookup(sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	return m.view(st), nil
}

// List returns live sessions, oldest first.
func (m *Manager) List() []domain.Session {
	m.mu.Lock()
	states := make([]*state, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.Unlock()

	sessions := make([]domain.Session, 0, len(states))
	for _, st := range states {
		sessions = append(sessions, m.view(st))
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Delete destroys a session: its isolate, scratch area and history. A
// running execution observes Killed.
func (m *Manager) Delete(ctx context.Context, sessionID string) (err error) {
	ctx, span := m.cfg.Tracer.Start(ctx, "session.delete",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { endSpan(span, err) }()

	if !domain.ValidSessionID(sessionID) {
		return fmt.Errorf("%w: session id %q", domain.ErrInvalidArgument, sessionID)
	}
	m.mu.Lock()
	st, live := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if live {
		// Waits for a history write in flight; later ones are refused.
		st.writeMu.Lock()
		st.mu.Lock()
		st.deleted = true
		st.mu.Unlock()
		st.writeMu.Unlock()
	}

	if !live {
		history, err := m.store.History(ctx, sessionID, domain.DefaultBranch, 1)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
		}
	}

	var errs []error
	if err := m.sup.Release(ctx, sessionID); err != nil {
		errs = append(errs, fmt.Errorf("releasing isolate: %w", err))
	}
	if err := m.ws.CleanSession(sessionID); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	m.logger.Info("session deleted", slog.String("session", sessionID))
	m.cfg.Events.Publish(events.Event{Type: events.SessionDeleted, SessionID: sessionID})
	return nil
}

// Sweep drops sessions idle since before now minus the idle timeout: their
// isolate and scratch area go away, their history stays. It returns how many
// sessions were swept.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var expired []string
	for id, st := range m.sessions {
		st.mu.Lock()
		idle := !st.session.Executing && st.session.LastActivityAt.Before(cutoff)
		st.mu.Unlock()
		if idle {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.sup.Release(ctx, id); err != nil {
			m.logger.Warn("releasing idle session isolate failed",
				slog.String("session", id),
				slog.String("error", err.Error()),
			)
		}
		if err := m.ws.CleanSession(id); err != nil {
			m.logger.Warn("removing idle session scratch failed",
				slog.String("session", id),
				slog.String("error", err.Error()),
			)
		}
		m.cfg.Events.Publish(events.Event{Type: events.SessionExpired, SessionID: id})
	}
	if len(expired) > 0 {
		m.logger.Info("idle sessions swept", slog.Int("count", len(expired)))
	}
	return len(expired)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.kind", domain.KindOf(err)))
	}
	span.End()
}
