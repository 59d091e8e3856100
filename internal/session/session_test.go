package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/labbox/internal/artifact"
	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/events"
	"github.com/jkaninda/labbox/internal/sandbox"
	"github.com/jkaninda/labbox/internal/sandbox/sandboxtest"
	"github.com/jkaninda/labbox/internal/session"
	"github.com/jkaninda/labbox/internal/snapshot"
	"github.com/jkaninda/labbox/internal/storage/filesystem"
	"github.com/jkaninda/labbox/internal/workspace"
)

type harness struct {
	mgr *session.Manager
	sup *sandbox.Supervisor
	rt  *sandboxtest.Runtime
	bus *events.Bus
	ws  *workspace.Workspace
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, supCfg sandbox.SupervisorConfig, cfg session.Config) *harness {
	t.Helper()
	return newHarnessWithCollector(t, supCfg, cfg, nil)
}

// newHarnessWithCollector lets a test wrap the real collector.
func newHarnessWithCollector(t *testing.T, supCfg sandbox.SupervisorConfig, cfg session.Config, wrap func(session.Collector) session.Collector) *harness {
	t.Helper()
	logger := discardLogger()
	root := t.TempDir()

	rt := sandboxtest.New(nil)
	sup := sandbox.NewSupervisor(rt, supCfg, logger)
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	backend, err := filesystem.Open(filepath.Join(root, "history"), logger)
	if err != nil {
		t.Fatalf("filesystem.Open: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	store := snapshot.NewStore(backend, snapshot.NewVault(backend.Root()), snapshot.Config{}, logger)

	ws, err := workspace.New(filepath.Join(root, "workspace"))
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}

	bus := events.NewBus(logger)
	t.Cleanup(bus.Close)
	if cfg.Events == nil {
		cfg.Events = bus
	}

	var collector session.Collector = artifact.NewCollector(artifact.Config{}, logger)
	if wrap != nil {
		collector = wrap(collector)
	}
	return &harness{
		mgr: session.NewManager(sup, collector, store, ws, cfg, logger),
		sup: sup,
		rt:  rt,
		bus: bus,
		ws:  ws,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestExecute_PrintCommitsOnMain(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	sess, err := h.mgr.Create(ctx, session.CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !domain.ValidSessionID(sess.ID) {
		t.Fatalf("generated id %q is not a valid session id", sess.ID)
	}

	out, err := h.mgr.Execute(ctx, sess.ID, `print("hi")`, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result.Status != domain.StatusOK || out.Result.Stdout != "hi\n" {
		t.Errorf("result = %+v, want ok with stdout %q", out.Result, "hi\n")
	}
	if out.Commit.Branch != domain.DefaultBranch {
		t.Errorf("commit branch = %q, want main", out.Commit.Branch)
	}
	if out.Commit.Message != `Execute: print("hi")` {
		t.Errorf("message = %q", out.Commit.Message)
	}

	history, err := h.mgr.History(ctx, sess.ID, "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].SHA != out.Commit.SHA {
		t.Fatalf("history = %+v, want the single execution commit", history)
	}

	got, err := h.mgr.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CurrentCode != `print("hi")` || got.Executing {
		t.Errorf("session = %+v", got)
	}
	if got.IsolateID == "" {
		t.Error("session has no isolate after an execution")
	}
}

func TestExecute_StatePersistsAcrossCells(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	if _, err := h.mgr.Execute(ctx, "s1", `x = "41"`, ""); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	out, err := h.mgr.Execute(ctx, "s1", `print(x)`, "")
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if out.Result.Stdout != "41\n" {
		t.Errorf("stdout = %q, want the variable bound by the previous cell", out.Result.Stdout)
	}
	if out.Result.ExecutionCount != 2 {
		t.Errorf("execution_count = %d, want 2", out.Result.ExecutionCount)
	}
	if out.Commit.ParentSHA == "" {
		t.Error("second commit has no parent")
	}
}

func TestExecute_ErrorStatusIsCommitted(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})

	out, err := h.mgr.Execute(context.Background(), "s1", `raise ValueError("bad")`, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result.Status != domain.StatusError {
		t.Fatalf("status = %q, want error", out.Result.Status)
	}
	if !strings.HasPrefix(out.Commit.Message, "[ERROR] Execute: ") {
		t.Errorf("message = %q, want an [ERROR] prefix", out.Commit.Message)
	}
	if !strings.Contains(out.Result.Stderr, "ValueError: bad") {
		t.Errorf("stderr = %q", out.Result.Stderr)
	}
}

func TestExecute_TimeoutLeavesNoCommit(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{Timeout: 100 * time.Millisecond}, session.Config{})
	ctx := context.Background()
	sub, unsubscribe := h.bus.Subscribe("s1", 16)
	defer unsubscribe()

	_, err := h.mgr.Execute(ctx, "s1", "print(\"tick\")\ntime.sleep(10)", "")
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if p := domain.PartialResult(err); p == nil || p.Stdout != "tick\n" {
		t.Errorf("partial result = %+v, want the flushed output", p)
	}

	history, err := h.mgr.History(ctx, "s1", "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history = %d commits, want none after a timeout", len(history))
	}
	if _, ok := h.sup.Lookup("s1"); ok {
		t.Error("timed-out isolate is still registered")
	}
	got, err := h.mgr.Get("s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Executing {
		t.Error("session still marked executing")
	}

	var failed bool
	for len(sub) > 0 {
		if e := <-sub; e.Type == events.ExecutionFailed && e.Data["error_kind"] == "Timeout" {
			failed = true
		}
	}
	if !failed {
		t.Error("no execution.failed event with kind Timeout")
	}
}

func TestExecute_ArtifactsInManifest(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	out, err := h.mgr.Execute(ctx, "s1", "import matplotlib\nwrite(\"plot.png\", \"PNG\")\nwrite(\"data.csv\", \"a,b\")", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	arts := out.Commit.Artifacts()
	if len(arts) != 2 {
		t.Fatalf("artifacts = %+v, want 2", arts)
	}
	byName := map[string]domain.Artifact{}
	for _, a := range arts {
		byName[a.Filename] = a
	}
	if byName["plot.png"].Kind != domain.ArtifactPlot {
		t.Errorf("plot.png kind = %q, want plot", byName["plot.png"].Kind)
	}
	if byName["data.csv"].Kind != domain.ArtifactTable {
		t.Errorf("data.csv kind = %q, want table", byName["data.csv"].Kind)
	}

	data, err := h.mgr.FileAt(ctx, "s1", out.Commit.SHA, "data.csv")
	if err != nil {
		t.Fatalf("FileAt: %v", err)
	}
	if string(data) != "a,b" {
		t.Errorf("data.csv = %q", data)
	}

	// An unchanged file is not an artifact of the next cell.
	next, err := h.mgr.Execute(ctx, "s1", `print("again")`, "")
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if n := len(next.Commit.Artifacts()); n != 0 {
		t.Errorf("second commit has %d artifacts, want 0", n)
	}
}

func TestExecute_ConcurrentCallsOnOneSession(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.mgr.Execute(ctx, "s1", "time.sleep(0.3)\nprint(\"slow\")", "")
		done <- err
	}()
	waitFor(t, "first execution to start", func() bool {
		s, err := h.mgr.Get("s1")
		return err == nil && s.Executing
	})

	if _, err := h.mgr.Execute(ctx, "s1", `print("fast")`, ""); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("concurrent execute err = %v, want ErrBusy", err)
	}
	if _, err := h.mgr.SwitchBranch(ctx, "s1", "main"); !errors.Is(err, domain.ErrBusy) {
		t.Errorf("switch during execution err = %v, want ErrBusy", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first execute: %v", err)
	}

	history, err := h.mgr.History(ctx, "s1", "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history = %d commits, want 1", len(history))
	}
}

func TestExecute_ParallelSessionsCommitIndependently(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	const sessions, cells = 4, 3
	var wg sync.WaitGroup
	errs := make(chan error, sessions*cells)
	for i := 0; i < sessions; i++ {
		id := "s" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < cells; j++ {
				if _, err := h.mgr.Execute(ctx, id, `print("x")`, ""); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("execute: %v", err)
	}

	for i := 0; i < sessions; i++ {
		id := "s" + string(rune('a'+i))
		history, err := h.mgr.History(ctx, id, "", 0)
		if err != nil {
			t.Fatalf("History(%s): %v", id, err)
		}
		if len(history) != cells {
			t.Errorf("%s: %d commits, want %d", id, len(history), cells)
		}
	}
	if n := len(h.mgr.List()); n != sessions {
		t.Errorf("List = %d sessions, want %d", n, sessions)
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	if _, err := h.mgr.Create(ctx, session.CreateOptions{ID: "../escape"}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("Create(../escape) err = %v, want ErrInvalidArgument", err)
	}
	first, err := h.mgr.Create(ctx, session.CreateOptions{ID: "nb-1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	again, err := h.mgr.Create(ctx, session.CreateOptions{ID: "nb-1"})
	if err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if !again.CreatedAt.Equal(first.CreatedAt) {
		t.Error("creating a live session twice replaced it")
	}
	if _, err := h.mgr.Get("missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrSessionNotFound", err)
	}
}

func TestBranches_CreateSwitchAndCommit(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	base, err := h.mgr.Execute(ctx, "s1", `print("base")`, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	b, err := h.mgr.CreateBranch(ctx, "s1", "experiment", "")
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if b.HeadSHA != base.Commit.SHA {
		t.Errorf("branch head = %s, want main's head", b.HeadSHA)
	}
	if s, _ := h.mgr.Get("s1"); s.CurrentBranch != domain.DefaultBranch {
		t.Errorf("current branch = %q after create, want main", s.CurrentBranch)
	}

	code, err := h.mgr.SwitchBranch(ctx, "s1", "experiment")
	if err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}
	if code != `print("base")` {
		t.Errorf("switch returned code %q", code)
	}
	exp, err := h.mgr.Execute(ctx, "s1", `print("exp")`, "try something")
	if err != nil {
		t.Fatalf("Execute on experiment: %v", err)
	}
	if exp.Commit.Branch != "experiment" || exp.Commit.Message != "try something" {
		t.Errorf("commit = %+v", exp.Commit)
	}

	mainHistory, err := h.mgr.History(ctx, "s1", domain.DefaultBranch, 0)
	if err != nil {
		t.Fatalf("History(main): %v", err)
	}
	if len(mainHistory) != 1 {
		t.Errorf("main has %d commits, want 1", len(mainHistory))
	}

	infos, err := h.mgr.Branches(ctx, "s1")
	if err != nil {
		t.Fatalf("Branches: %v", err)
	}
	for _, info := range infos {
		if info.Name == "experiment" {
			if !info.Current || info.CommitsAhead != 1 {
				t.Errorf("experiment info = %+v, want current and 1 ahead", info)
			}
		}
	}

	if _, err := h.mgr.SwitchBranch(ctx, "s1", "nope"); !errors.Is(err, domain.ErrBranchNotFound) {
		t.Errorf("switch to unknown branch err = %v, want ErrBranchNotFound", err)
	}
}

func TestCommitManual(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	c, err := h.mgr.CommitManual(ctx, "s1", session.ManualCommit{Code: "x = 1"})
	if err != nil {
		t.Fatalf("CommitManual: %v", err)
	}
	if c.Message != "Manual commit" || c.Result != nil {
		t.Errorf("commit = %+v", c)
	}
	if _, ok := h.sup.Lookup("s1"); ok {
		t.Error("manual commit started an isolate")
	}
	if s, _ := h.mgr.Get("s1"); s.CurrentCode != "x = 1" {
		t.Errorf("current code = %q", s.CurrentCode)
	}
}

func TestRestore(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	old, err := h.mgr.Execute(ctx, "s1", `write("out.txt", "v1")`, "")
	if err != nil {
		t.Fatalf("Execute v1: %v", err)
	}
	head, err := h.mgr.Execute(ctx, "s1", `write("out.txt", "v2")`, "")
	if err != nil {
		t.Fatalf("Execute v2: %v", err)
	}

	code, err := h.mgr.RevertTo(ctx, "s1", old.Commit.SHA)
	if err != nil {
		t.Fatalf("RevertTo: %v", err)
	}
	if code != `write("out.txt", "v1")` {
		t.Errorf("reverted code = %q", code)
	}
	history, _ := h.mgr.History(ctx, "s1", "", 0)
	if len(history) != 2 || history[0].SHA != head.Commit.SHA {
		t.Error("revert moved main's head")
	}

	res, err := h.mgr.Restore(ctx, "s1", old.Commit.SHA, session.RestoreOptions{CreateBranch: "from-v1", Reseed: true})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.Branch == nil || res.Branch.Name != "from-v1" {
		t.Fatalf("restore branch = %+v", res.Branch)
	}
	s, _ := h.mgr.Get("s1")
	if s.CurrentBranch != "from-v1" {
		t.Errorf("current branch = %q, want from-v1", s.CurrentBranch)
	}
	if _, ok := h.sup.Lookup("s1"); ok {
		t.Error("isolate survived a reseeding restore")
	}
	data, err := os.ReadFile(filepath.Join(s.WorkspacePath, "out.txt"))
	if err != nil {
		t.Fatalf("reading reseeded artifact: %v", err)
	}
	if string(data) != "v1" {
		t.Errorf("out.txt = %q, want v1", data)
	}
	if _, err := os.Stat(filepath.Join(s.WorkspacePath, "main.py")); err != nil {
		t.Errorf("code file not reseeded: %v", err)
	}

	if _, err := h.mgr.Restore(ctx, "s1", strings.Repeat("0", 40), session.RestoreOptions{}); !errors.Is(err, domain.ErrCommitNotFound) {
		t.Errorf("restore unknown sha err = %v, want ErrCommitNotFound", err)
	}
}

func TestResumeFromHistory(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	if _, err := h.mgr.Execute(ctx, "s1", `print("kept")`, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := h.mgr.Sweep(ctx, time.Now().Add(2*time.Hour)); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if _, err := h.mgr.Get("s1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("swept session still live: %v", err)
	}

	s, err := h.mgr.Create(ctx, session.CreateOptions{ID: "s1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.CurrentCode != `print("kept")` {
		t.Errorf("resumed code = %q, want main's head code", s.CurrentCode)
	}
}

func TestSweep_KeepsActiveSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{IdleTimeout: 10 * time.Minute, Now: clock})
	ctx := context.Background()

	if _, err := h.mgr.Create(ctx, session.CreateOptions{ID: "idle"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n := h.mgr.Sweep(ctx, now.Add(5*time.Minute)); n != 0 {
		t.Errorf("Sweep before timeout = %d, want 0", n)
	}
	if n := h.mgr.Sweep(ctx, now.Add(11*time.Minute)); n != 1 {
		t.Errorf("Sweep after timeout = %d, want 1", n)
	}
	if n := len(h.mgr.List()); n != 0 {
		t.Errorf("List = %d after sweep, want 0", n)
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	out, err := h.mgr.Execute(ctx, "s1", `write("a.txt", "x")`, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	dir := filepath.Join(h.ws.SessionsDir(), "s1")
	if err := h.mgr.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := h.sup.Lookup("s1"); ok {
		t.Error("isolate survived delete")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir still present: %v", err)
	}
	if _, err := h.mgr.Store().GetCommit(ctx, "s1", out.Commit.SHA); !errors.Is(err, domain.ErrCommitNotFound) {
		t.Errorf("commit survived delete: %v", err)
	}
	if err := h.mgr.Delete(ctx, "s1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("second delete err = %v, want ErrSessionNotFound", err)
	}
}

func TestExportNotebook_UsesCurrentBranch(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	if _, err := h.mgr.Execute(ctx, "s1", `print("one")`, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	nb, err := h.mgr.ExportNotebook(ctx, "s1", "")
	if err != nil {
		t.Fatalf("ExportNotebook: %v", err)
	}
	if !strings.Contains(string(nb), `"nbformat": 4`) || !strings.Contains(string(nb), "one") {
		t.Errorf("notebook = %s", nb)
	}
}

func TestExecutionMessage(t *testing.T) {
	long := strings.Repeat("a", 60)
	tests := []struct {
		name   string
		code   string
		status domain.ExecStatus
		want   string
	}{
		{"short", `print("hi")`, domain.StatusOK, `Execute: print("hi")`},
		{"newlines flattened", "a = 1\nb = 2", domain.StatusOK, "Execute: a = 1 b = 2"},
		{"truncated", long, domain.StatusOK, "Execute: " + strings.Repeat("a", 50) + "..."},
		{"error prefix", "boom", domain.StatusError, "[ERROR] Execute: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := session.ExecutionMessage(tt.code, tt.status); got != tt.want {
				t.Errorf("ExecutionMessage = %q, want %q", got, tt.want)
			}
		})
	}
}

// hookCollector calls after once Collect returns.
type hookCollector struct {
	session.Collector
	after func(dir string, got []domain.Artifact)
}

func (c *hookCollector) Collect(dir string, baseline artifact.Snapshot) ([]domain.Artifact, error) {
	got, err := c.Collector.Collect(dir, baseline)
	if err == nil {
		c.after(dir, got)
	}
	return got, err
}

func TestExecute_VanishedArtifactStillCommits(t *testing.T) {
	h := newHarnessWithCollector(t, sandbox.SupervisorConfig{}, session.Config{}, func(c session.Collector) session.Collector {
		return &hookCollector{Collector: c, after: func(dir string, got []domain.Artifact) {
			for _, a := range got {
				_ = os.Remove(filepath.Join(dir, filepath.FromSlash(a.Filename)))
			}
		}}
	})
	ctx := context.Background()

	out, err := h.mgr.Execute(ctx, "s1", `write("tmp.csv", "a,b")`, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Result.Status != domain.StatusOK {
		t.Errorf("status = %q, want ok", out.Result.Status)
	}
	if n := len(out.Commit.Artifacts()); n != 0 {
		t.Errorf("commit has %d artifacts, want the vanished file skipped", n)
	}
	if n := len(out.Result.Artifacts); n != 0 {
		t.Errorf("result lists %d artifacts, want 0", n)
	}
	history, err := h.mgr.History(ctx, "s1", "", 0)
	if err != nil || len(history) != 1 {
		t.Errorf("history = %d commits, %v; want 1", len(history), err)
	}
}

func TestRestore_ReseedDoesNotWriteThroughSymlinks(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	out, err := h.mgr.Execute(ctx, "s1", `write("plot.png", "PNG")`, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	s, _ := h.mgr.Get("s1")

	hostDir := t.TempDir()
	for _, name := range []string{"plot.png", "main.py"} {
		host := filepath.Join(hostDir, name)
		if err := os.WriteFile(host, []byte("HOST-SECRET"), 0o600); err != nil {
			t.Fatal(err)
		}
		p := filepath.Join(s.WorkspacePath, name)
		_ = os.Remove(p)
		if err := os.Symlink(host, p); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := h.mgr.Restore(ctx, "s1", out.Commit.SHA, session.RestoreOptions{Reseed: true}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	for _, name := range []string{"plot.png", "main.py"} {
		data, err := os.ReadFile(filepath.Join(hostDir, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "HOST-SECRET" {
			t.Errorf("host %s = %q, reseed wrote through the symlink", name, data)
		}
		info, err := os.Lstat(filepath.Join(s.WorkspacePath, name))
		if err != nil {
			t.Fatal(err)
		}
		if !info.Mode().IsRegular() {
			t.Errorf("%s mode = %v, want regular file", name, info.Mode())
		}
	}
	data, _ := os.ReadFile(filepath.Join(s.WorkspacePath, "plot.png"))
	if string(data) != "PNG" {
		t.Errorf("plot.png = %q, want the committed content", data)
	}
}

func TestRestore_FailedReseedCreatesNoBranch(t *testing.T) {
	h := newHarness(t, sandbox.SupervisorConfig{}, session.Config{})
	ctx := context.Background()

	out, err := h.mgr.Execute(ctx, "s1", `print("v1")`, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	s, _ := h.mgr.Get("s1")

	// A file where the scratch dir should be makes the reseed fail.
	if err := os.RemoveAll(s.WorkspacePath); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.WorkspacePath, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	opts := session.RestoreOptions{CreateBranch: "fork", Reseed: true}
	if _, err := h.mgr.Restore(ctx, "s1", out.Commit.SHA, opts); err == nil {
		t.Fatal("Restore succeeded over a broken scratch dir")
	}
	if _, err := h.mgr.Store().Branch(ctx, "s1", "fork"); !errors.Is(err, domain.ErrBranchNotFound) {
		t.Errorf("branch after failed reseed: err = %v, want ErrBranchNotFound", err)
	}
	if cur, _ := h.mgr.Get("s1"); cur.CurrentBranch != domain.DefaultBranch {
		t.Errorf("current branch = %q, want main", cur.CurrentBranch)
	}

	// The retry goes through once the scratch dir is back.
	if err := os.Remove(s.WorkspacePath); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(s.WorkspacePath, 0o750); err != nil {
		t.Fatal(err)
	}
	res, err := h.mgr.Restore(ctx, "s1", out.Commit.SHA, opts)
	if err != nil {
		t.Fatalf("retry Restore: %v", err)
	}
	if res.Branch == nil || res.Branch.Name != "fork" {
		t.Errorf("restore branch = %+v, want fork", res.Branch)
	}

	if _, err := h.mgr.Restore(ctx, "s1", out.Commit.SHA, opts); !errors.Is(err, domain.ErrBranchExists) {
		t.Errorf("restore onto an existing branch err = %v, want ErrBranchExists", err)
	}
}

func TestDelete_DuringExecuteLeavesNoHistory(t *testing.T) {
	collecting := make(chan struct{})
	resume := make(chan struct{})
	h := newHarnessWithCollector(t, sandbox.SupervisorConfig{}, session.Config{}, func(c session.Collector) session.Collector {
		return &hookCollector{Collector: c, after: func(string, []domain.Artifact) {
			close(collecting)
			<-resume
		}}
	})
	ctx := context.Background()
	if _, err := h.mgr.Create(ctx, session.CreateOptions{ID: "s1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := h.mgr.Execute(ctx, "s1", `print("late")`, "")
		errc <- err
	}()

	// The cell has left the isolate and has not committed yet.
	<-collecting
	if err := h.mgr.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	close(resume)

	err := <-errc
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("Execute err = %v, want ErrSessionNotFound", err)
	}
	if partial := domain.PartialResult(err); partial == nil || partial.Stdout != "late\n" {
		t.Errorf("partial result = %+v, want the cell output", partial)
	}
	history, err := h.mgr.Store().History(ctx, "s1", domain.DefaultBranch, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history = %d commits after delete, want 0", len(history))
	}
}
