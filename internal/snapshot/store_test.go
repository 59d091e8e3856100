package snapshot_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/snapshot"
	"github.com/jkaninda/labbox/internal/storage/filesystem"
)

type countingObserver struct {
	mu        sync.Mutex
	commits   int
	failures  int
	conflicts int
}

func (o *countingObserver) RecordCommit(_ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commits++
	if err != nil {
		o.failures++
	}
}

func (o *countingObserver) RecordHeadConflict() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conflicts++
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBackend(t *testing.T) *filesystem.Store {
	t.Helper()
	b, err := filesystem.Open(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("filesystem.Open: %v", err)
	}
	return b
}

func newStore(t *testing.T, b snapshot.Backend, root string, obs snapshot.Observer) *snapshot.Store {
	t.Helper()
	return snapshot.NewStore(b, snapshot.NewVault(root), snapshot.Config{Observer: obs}, discardLogger())
}

func newTestStore(t *testing.T) *snapshot.Store {
	t.Helper()
	b := newBackend(t)
	return newStore(t, b, b.Root(), nil)
}

func mustCommit(t *testing.T, s *snapshot.Store, req snapshot.CommitRequest) *domain.Commit {
	t.Helper()
	c, err := s.Commit(context.Background(), req)
	if err != nil {
		t.Fatalf("Commit(%q): %v", req.Message, err)
	}
	return c
}

func headOf(t *testing.T, s *snapshot.Store, session, branch string) string {
	t.Helper()
	b, err := s.Branch(context.Background(), session, branch)
	if err != nil {
		t.Fatalf("Branch(%s): %v", branch, err)
	}
	return b.HeadSHA
}

func TestCommit_FirstCommitCreatesMain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if h, err := s.History(ctx, "s1", "main", 0); err != nil || len(h) != 0 {
		t.Fatalf("History of empty session = %v, %v; want empty", h, err)
	}

	c := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "print(1)\n", Message: "first"})
	if len(c.SHA) != 40 {
		t.Errorf("sha %q is not 40 hex chars", c.SHA)
	}
	if c.ParentSHA != "" || c.Branch != "main" {
		t.Errorf("root commit = parent %q branch %q", c.ParentSHA, c.Branch)
	}
	if c.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt not UTC: %v", c.CreatedAt)
	}
	if got := headOf(t, s, "s1", "main"); got != c.SHA {
		t.Errorf("main head = %s, want %s", got, c.SHA)
	}

	second := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "print(2)\n", Message: "second"})
	if second.ParentSHA != c.SHA {
		t.Errorf("second.ParentSHA = %s, want %s", second.ParentSHA, c.SHA)
	}
	if !second.CreatedAt.After(c.CreatedAt) {
		t.Errorf("second.CreatedAt %v not after first %v", second.CreatedAt, c.CreatedAt)
	}
}

func TestCommit_IdenticalContentGetsDistinctIDs(t *testing.T) {
	s := newTestStore(t)
	a := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "x", Message: "same"})
	b := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s2", Code: "x", Message: "same"})
	if a.SHA == b.SHA {
		t.Fatal("identical commits in two sessions share an id")
	}
}

func TestCommit_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Commit(ctx, snapshot.CommitRequest{SessionID: "s1", Branch: "ghost", Code: "x"})
	if !errors.Is(err, domain.ErrBranchNotFound) {
		t.Errorf("commit to missing branch: err = %v, want ErrBranchNotFound", err)
	}
	_, err = s.Commit(ctx, snapshot.CommitRequest{SessionID: "../etc", Code: "x"})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("commit with bad session id: err = %v, want ErrInvalidArgument", err)
	}
}

// racingBackend lets another writer move the branch head just before the
// store's compare-and-swap, a configurable number of times.
type racingBackend struct {
	snapshot.Backend
	losses int
	rivals []string
}

func (r *racingBackend) AdvanceHead(ctx context.Context, sessionID, name, oldSHA, newSHA string, at time.Time) (bool, error) {
	if r.losses > 0 {
		r.losses--
		rival := &domain.Commit{
			SHA:       strings.Repeat("f", 39) + string(rune('0'+len(r.rivals))),
			SessionID: sessionID,
			Branch:    name,
			Message:   "rival",
			Code:      "rival = True\n",
			ParentSHA: oldSHA,
			CreatedAt: at,
		}
		if err := r.Backend.PutCommit(ctx, rival); err != nil {
			return false, err
		}
		if ok, err := r.Backend.AdvanceHead(ctx, sessionID, name, oldSHA, rival.SHA, at); err != nil || !ok {
			return false, errors.New("rival could not move head")
		}
		r.rivals = append(r.rivals, rival.SHA)
	}
	return r.Backend.AdvanceHead(ctx, sessionID, name, oldSHA, newSHA, at)
}

func TestCommit_RetriesOnHeadConflict(t *testing.T) {
	fs := newBackend(t)
	racing := &racingBackend{Backend: fs}
	obs := &countingObserver{}
	s := newStore(t, racing, fs.Root(), obs)
	ctx := context.Background()

	root := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "a = 1\n", Message: "root"})

	racing.losses = 1
	c := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "b = 2\n", Message: "mine"})
	if len(racing.rivals) != 1 {
		t.Fatalf("rival commits = %d, want 1", len(racing.rivals))
	}
	if c.ParentSHA != racing.rivals[0] {
		t.Errorf("commit parent = %s, want rival head %s", c.ParentSHA, racing.rivals[0])
	}

	history, err := s.History(ctx, "s1", "main", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []string{c.SHA, racing.rivals[0], root.SHA}
	if len(history) != len(want) {
		t.Fatalf("History = %d commits, want %d", len(history), len(want))
	}
	for i := range want {
		if history[i].SHA != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, history[i].ShortSHA(), want[i][:7])
		}
	}
	if obs.conflicts != 1 {
		t.Errorf("conflicts observed = %d, want 1", obs.conflicts)
	}
	if obs.commits != 2 || obs.failures != 0 {
		t.Errorf("commits observed = %d (failures %d), want 2 (0)", obs.commits, obs.failures)
	}
}

func TestCommit_GivesUpAfterRetries(t *testing.T) {
	fs := newBackend(t)
	racing := &racingBackend{Backend: fs}
	obs := &countingObserver{}
	s := snapshot.NewStore(racing, snapshot.NewVault(fs.Root()), snapshot.Config{MaxCommitRetries: 2, Observer: obs}, discardLogger())

	mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "a\n", Message: "root"})
	racing.losses = 10
	_, err := s.Commit(context.Background(), snapshot.CommitRequest{SessionID: "s1", Code: "b\n", Message: "doomed"})
	if !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("err = %v, want ErrStorageFailure", err)
	}
	if obs.conflicts != 3 || obs.failures != 1 {
		t.Errorf("conflicts = %d failures = %d, want 3 and 1", obs.conflicts, obs.failures)
	}
}

func TestBranchFork_DiffAgainstMain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "x = 1\nprint(x)\n", Message: "A"})
	if _, err := s.CreateBranch(ctx, "s1", "feat", a.SHA); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	b := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Branch: "feat", Code: "x = 2\nprint(x)\n", Message: "B"})

	mainHistory, err := s.History(ctx, "s1", "main", 0)
	if err != nil {
		t.Fatalf("History(main): %v", err)
	}
	featHistory, err := s.History(ctx, "s1", "feat", 0)
	if err != nil {
		t.Fatalf("History(feat): %v", err)
	}
	if len(mainHistory) != 1 || len(featHistory) != 2 {
		t.Fatalf("history lengths main=%d feat=%d, want 1 and 2", len(mainHistory), len(featHistory))
	}
	if featHistory[0].SHA != b.SHA || featHistory[1].SHA != a.SHA {
		t.Errorf("feat history = [%s %s], want [B A]", featHistory[0].Message, featHistory[1].Message)
	}

	d, err := s.Diff(ctx, "s1", headOf(t, s, "s1", "main"), headOf(t, s, "s1", "feat"))
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(d.FilesModified) != 1 || d.FilesModified[0] != "main.py" {
		t.Fatalf("FilesModified = %v, want [main.py]", d.FilesModified)
	}
	fd := d.Files[0]
	if fd.Before != a.Code || fd.After != b.Code {
		t.Errorf("before/after = %q/%q", fd.Before, fd.After)
	}
	if !strings.Contains(fd.Unified, "-x = 1") || !strings.Contains(fd.Unified, "+x = 2") {
		t.Errorf("unified diff missing change:\n%s", fd.Unified)
	}
}

func TestDiff_ParentAndRoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	root := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "a = 1\n", Message: "root"})
	next := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "a = 1\nb = 2\n", Message: "next"})

	d, err := s.Diff(ctx, "s1", next.SHA, "")
	if err != nil {
		t.Fatalf("Diff parent: %v", err)
	}
	if d.FromSHA != root.SHA || d.ToSHA != next.SHA {
		t.Errorf("parent diff from %s to %s", d.FromSHA, d.ToSHA)
	}
	if len(d.FilesModified) != 1 {
		t.Errorf("FilesModified = %v", d.FilesModified)
	}

	d, err = s.Diff(ctx, "s1", root.SHA, "")
	if err != nil {
		t.Fatalf("Diff root: %v", err)
	}
	if d.FromSHA != "" || len(d.FilesAdded) != 1 || d.FilesAdded[0] != "main.py" {
		t.Errorf("root diff = %+v", d)
	}

	d, err = s.Diff(ctx, "s1", root.SHA, root.SHA)
	if err != nil {
		t.Fatalf("Diff self: %v", err)
	}
	if !d.Empty() {
		t.Errorf("self diff not empty: %+v", d)
	}
}

func TestDiff_CrossSessionAndUnknown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mine := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "x\n", Message: "mine"})
	theirs := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s2", Code: "y\n", Message: "theirs"})

	if _, err := s.Diff(ctx, "s1", mine.SHA, theirs.SHA); !errors.Is(err, domain.ErrCrossSessionDiff) {
		t.Errorf("cross-session diff: err = %v, want ErrCrossSessionDiff", err)
	}
	if _, err := s.Diff(ctx, "s1", theirs.SHA, mine.SHA); !errors.Is(err, domain.ErrCrossSessionDiff) {
		t.Errorf("cross-session diff (reversed): err = %v, want ErrCrossSessionDiff", err)
	}
	if _, err := s.GetCommit(ctx, "s1", theirs.SHA); !errors.Is(err, domain.ErrCrossSessionDiff) {
		t.Errorf("reading another session's commit: err = %v", err)
	}
	missing := strings.Repeat("0", 40)
	if _, err := s.Diff(ctx, "s1", mine.SHA, missing); !errors.Is(err, domain.ErrCommitNotFound) {
		t.Errorf("unknown sha: err = %v, want ErrCommitNotFound", err)
	}
}

func writeFile(t *testing.T, dir, name, content string) domain.Artifact {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte(content))
	return domain.Artifact{Filename: name, Kind: domain.ArtifactOther, SizeBytes: int64(len(content)), SHA256: hex.EncodeToString(sum[:])}
}

func TestArtifacts_VaultDiffAndReseed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	work := t.TempDir()

	plot := writeFile(t, work, "plot.png", "\x89PNG fake")
	plot.Kind = domain.ArtifactPlot
	csv1 := writeFile(t, work, "out/data.csv", "a,b\n1,2\n")
	csv1.Kind = domain.ArtifactTable
	first := mustCommit(t, s, snapshot.CommitRequest{
		SessionID:   "s1",
		Code:        "make()\n",
		Message:     "first",
		Result:      &domain.ExecutionResult{Status: domain.StatusOK, Artifacts: []domain.Artifact{csv1, plot}},
		ArtifactDir: work,
	})
	for _, a := range first.Artifacts() {
		if a.OwningCommitSHA != first.SHA {
			t.Errorf("%s owned by %q, want %s", a.Filename, a.OwningCommitSHA, first.SHA)
		}
	}

	// The workspace changes after the commit; the vault copy must not.
	csv2 := writeFile(t, work, "out/data.csv", "a,b\n1,3\n")
	csv2.Kind = domain.ArtifactTable
	second := mustCommit(t, s, snapshot.CommitRequest{
		SessionID:   "s1",
		Code:        "make()\n",
		Message:     "second",
		Result:      &domain.ExecutionResult{Status: domain.StatusOK, Artifacts: []domain.Artifact{csv2}},
		ArtifactDir: work,
	})

	data, err := s.FileAt(ctx, "s1", first.SHA, "out/data.csv")
	if err != nil {
		t.Fatalf("FileAt: %v", err)
	}
	if string(data) != "a,b\n1,2\n" {
		t.Errorf("vault copy = %q, want the committed content", data)
	}
	code, err := s.FileAt(ctx, "s1", first.SHA, "main.py")
	if err != nil || string(code) != "make()\n" {
		t.Errorf("FileAt(main.py) = %q, %v", code, err)
	}
	if _, err := s.FileAt(ctx, "s1", first.SHA, "nope.txt"); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("FileAt(missing): err = %v", err)
	}

	d, err := s.Diff(ctx, "s1", first.SHA, second.SHA)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if strings.Join(d.FilesModified, ",") != "out/data.csv" {
		t.Errorf("FilesModified = %v", d.FilesModified)
	}
	if strings.Join(d.FilesDeleted, ",") != "plot.png" {
		t.Errorf("FilesDeleted = %v", d.FilesDeleted)
	}
	for _, fd := range d.Files {
		if fd.Path == "out/data.csv" && (!strings.Contains(fd.Unified, "-1,2") || !strings.Contains(fd.Unified, "+1,3")) {
			t.Errorf("csv unified diff:\n%s", fd.Unified)
		}
	}

	dst := t.TempDir()
	if err := s.Reseed(ctx, "s1", first.SHA, dst); err != nil {
		t.Fatalf("Reseed: %v", err)
	}
	for name, want := range map[string]string{"plot.png": "\x89PNG fake", "out/data.csv": "a,b\n1,2\n"} {
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(name)))
		if err != nil || string(got) != want {
			t.Errorf("reseeded %s = %q, %v", name, got, err)
		}
	}

	stats, err := s.Stats(ctx, "s1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Commits != 2 || stats.Branches != 1 || stats.Artifacts != 3 {
		t.Errorf("Stats = %+v", stats)
	}
	if want := csv1.SizeBytes + plot.SizeBytes + csv2.SizeBytes; stats.ArtifactBytes != want {
		t.Errorf("ArtifactBytes = %d, want %d", stats.ArtifactBytes, want)
	}
}

func TestRestore_NonDestructiveAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "v = 1\n", Message: "old"})
	mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "v = 2\n", Message: "new"})
	if _, err := s.CreateBranch(ctx, "s1", "side", ""); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	heads := func() map[string]string {
		infos, err := s.Branches(ctx, "s1", "main")
		if err != nil {
			t.Fatalf("Branches: %v", err)
		}
		m := make(map[string]string)
		for _, b := range infos {
			m[b.Name] = b.HeadSHA
		}
		return m
	}
	before := heads()

	r1, err := s.Restore(ctx, "s1", old.SHA, "")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	r2, err := s.Restore(ctx, "s1", old.SHA, "")
	if err != nil {
		t.Fatalf("Restore again: %v", err)
	}
	if r1.Code != "v = 1\n" || r1.Code != r2.Code {
		t.Errorf("restored code %q then %q", r1.Code, r2.Code)
	}
	if r1.Branch != nil {
		t.Errorf("restore without create_branch created %+v", r1.Branch)
	}
	after := heads()
	for name, sha := range before {
		if after[name] != sha {
			t.Errorf("restore moved %s from %s to %s", name, sha, after[name])
		}
	}

	r3, err := s.Restore(ctx, "s1", old.SHA, "from old")
	if err != nil {
		t.Fatalf("Restore with branch: %v", err)
	}
	if r3.Branch == nil || r3.Branch.Name != "from-old" || r3.Branch.HeadSHA != old.SHA {
		t.Errorf("restore branch = %+v", r3.Branch)
	}
	if _, err := s.Restore(ctx, "s1", old.SHA, "from-old"); !errors.Is(err, domain.ErrBranchExists) {
		t.Errorf("duplicate restore branch: err = %v, want ErrBranchExists", err)
	}
}

func TestBranchIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	x := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "base\n", Message: "X"})
	afterX := mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "main work\n", Message: "main after X"})
	if _, err := s.CreateBranch(ctx, "s1", "fork", x.SHA); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	for i := 0; i < 3; i++ {
		mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Branch: "fork", Code: "fork work\n", Message: "fork"})
	}

	if got := headOf(t, s, "s1", "main"); got != afterX.SHA {
		t.Errorf("main head moved to %s", got)
	}
	history, err := s.History(ctx, "s1", "main", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].SHA != afterX.SHA || history[1].SHA != x.SHA {
		t.Errorf("main history changed: %d commits", len(history))
	}

	infos, err := s.Branches(ctx, "s1", "fork")
	if err != nil {
		t.Fatalf("Branches: %v", err)
	}
	for _, b := range infos {
		switch b.Name {
		case "fork":
			if !b.Current || b.CommitsAhead != 3 || b.CommitsBehind != 1 {
				t.Errorf("fork info = %+v, want current, 3 ahead, 1 behind", b)
			}
		case "main":
			if b.Current || b.CommitsAhead != 0 || b.CommitsBehind != 0 {
				t.Errorf("main info = %+v", b)
			}
		}
	}

	tree, err := s.Tree(ctx, "s1")
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(tree) != 5 {
		t.Errorf("Tree = %d commits, want 5", len(tree))
	}
	for i := 1; i < len(tree); i++ {
		if tree[i].CreatedAt.After(tree[i-1].CreatedAt) {
			t.Errorf("tree not newest first at %d", i)
		}
	}
}

func TestCreateBranch_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateBranch(ctx, "s1", "feat", ""); !errors.Is(err, domain.ErrBranchNotFound) {
		t.Errorf("fork of missing main: err = %v, want ErrBranchNotFound", err)
	}
	mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "x\n", Message: "root"})

	tests := []struct {
		name    string
		want    string
		wantErr error
	}{
		{"feature", "feature", nil},
		{"my idea/v2", "my-idea-v2", nil},
		{"main", "", domain.ErrBranchExists},
		{"", "", domain.ErrInvalidArgument},
		{"..", "", domain.ErrInvalidArgument},
		{"-leading", "", domain.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := s.CreateBranch(ctx, "s1", tt.name, "")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateBranch: %v", err)
			}
			if b.Name != tt.want {
				t.Errorf("name = %q, want %q", b.Name, tt.want)
			}
		})
	}
}

func TestHistory_UnknownBranch(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.History(context.Background(), "s1", "nope", 0); !errors.Is(err, domain.ErrBranchNotFound) {
		t.Errorf("err = %v, want ErrBranchNotFound", err)
	}
}

func TestExportNotebook(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCommit(t, s, snapshot.CommitRequest{
		SessionID: "s1",
		Code:      "print('hi')\n",
		Message:   "Execute: print('hi')",
		Result:    &domain.ExecutionResult{Status: domain.StatusOK, Stdout: "hi\n", ExecutionCount: 1},
	})
	mustCommit(t, s, snapshot.CommitRequest{
		SessionID: "s1",
		Code:      "1/0\n",
		Message:   "[ERROR] Execute: 1/0",
		Result: &domain.ExecutionResult{
			Status:         domain.StatusError,
			Stderr:         "Traceback (most recent call last):\nZeroDivisionError: division by zero\n",
			ExecutionCount: 2,
		},
	})
	mustCommit(t, s, snapshot.CommitRequest{SessionID: "s1", Code: "# notes\n", Message: "manual"})

	data, err := s.ExportNotebook(ctx, "s1", "")
	if err != nil {
		t.Fatalf("ExportNotebook: %v", err)
	}
	var nb struct {
		NBFormat      int `json:"nbformat"`
		NBFormatMinor int `json:"nbformat_minor"`
		Metadata      struct {
			KernelSpec map[string]string `json:"kernelspec"`
		} `json:"metadata"`
		Cells []struct {
			CellType       string   `json:"cell_type"`
			ExecutionCount *int     `json:"execution_count"`
			Source         []string `json:"source"`
			Outputs        []struct {
				OutputType string   `json:"output_type"`
				Name       string   `json:"name"`
				Text       []string `json:"text"`
				EName      string   `json:"ename"`
				EValue     string   `json:"evalue"`
			} `json:"outputs"`
		} `json:"cells"`
	}
	if err := json.Unmarshal(data, &nb); err != nil {
		t.Fatalf("notebook is not JSON: %v", err)
	}
	if nb.NBFormat != 4 || nb.NBFormatMinor != 5 || nb.Metadata.KernelSpec["name"] != "python3" {
		t.Errorf("header = %d.%d kernel %v", nb.NBFormat, nb.NBFormatMinor, nb.Metadata.KernelSpec)
	}
	if len(nb.Cells) != 4 || nb.Cells[0].CellType != "markdown" {
		t.Fatalf("cells = %d, first %q", len(nb.Cells), nb.Cells[0].CellType)
	}

	ok := nb.Cells[1]
	if strings.Join(ok.Source, "") != "print('hi')\n" || ok.ExecutionCount == nil || *ok.ExecutionCount != 1 {
		t.Errorf("first code cell = %+v", ok)
	}
	if len(ok.Outputs) != 1 || ok.Outputs[0].Name != "stdout" || strings.Join(ok.Outputs[0].Text, "") != "hi\n" {
		t.Errorf("first cell outputs = %+v", ok.Outputs)
	}

	failed := nb.Cells[2]
	if len(failed.Outputs) != 1 || failed.Outputs[0].OutputType != "error" ||
		failed.Outputs[0].EName != "ZeroDivisionError" || failed.Outputs[0].EValue != "division by zero" {
		t.Errorf("error cell outputs = %+v", failed.Outputs)
	}

	manual := nb.Cells[3]
	if manual.ExecutionCount != nil || len(manual.Outputs) != 0 {
		t.Errorf("manual cell = %+v", manual)
	}
}

func TestDeleteSession(t *testing.T) {
	b := newBackend(t)
	s := newStore(t, b, b.Root(), nil)
	ctx := context.Background()
	work := t.TempDir()
	a := writeFile(t, work, "out.txt", "data")
	c := mustCommit(t, s, snapshot.CommitRequest{
		SessionID:   "gone",
		Code:        "x\n",
		Message:     "m",
		Result:      &domain.ExecutionResult{Status: domain.StatusOK, Artifacts: []domain.Artifact{a}},
		ArtifactDir: work,
	})
	keep := mustCommit(t, s, snapshot.CommitRequest{SessionID: "kept", Code: "y\n", Message: "m"})

	if err := s.DeleteSession(ctx, "gone"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if h, err := s.History(ctx, "gone", "main", 0); err != nil || len(h) != 0 {
		t.Errorf("History after delete = %d commits, %v", len(h), err)
	}
	if _, err := s.GetCommit(ctx, "gone", c.SHA); !errors.Is(err, domain.ErrCommitNotFound) {
		t.Errorf("GetCommit after delete: err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(b.Root(), "gone")); !os.IsNotExist(err) {
		t.Errorf("session directory survived: %v", err)
	}
	if _, err := s.GetCommit(ctx, "kept", keep.SHA); err != nil {
		t.Errorf("other session damaged: %v", err)
	}
}

func TestCommit_SkipsVanishedArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := t.TempDir()
	host := filepath.Join(base, "host.txt")
	if err := os.WriteFile(host, []byte("HOST-SECRET"), 0o600); err != nil {
		t.Fatal(err)
	}
	work := filepath.Join(base, "work")
	if err := os.Mkdir(work, 0o750); err != nil {
		t.Fatal(err)
	}

	kept := writeFile(t, work, "kept.csv", "a\n1\n")
	gone := writeFile(t, work, "gone.csv", "a\n2\n")
	swapped := writeFile(t, work, "swapped.csv", "a\n3\n")
	// After collection: one file is deleted and one replaced by a symlink
	// to a host file.
	if err := os.Remove(filepath.Join(work, "gone.csv")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(work, "swapped.csv")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(host, filepath.Join(work, "swapped.csv")); err != nil {
		t.Fatal(err)
	}

	c := mustCommit(t, s, snapshot.CommitRequest{
		SessionID:   "s1",
		Code:        "make()\n",
		Message:     "run",
		Result:      &domain.ExecutionResult{Status: domain.StatusOK, Artifacts: []domain.Artifact{gone, kept, swapped}},
		ArtifactDir: work,
	})
	var names []string
	for _, a := range c.Artifacts() {
		names = append(names, a.Filename)
	}
	if strings.Join(names, ",") != "kept.csv" {
		t.Errorf("committed artifacts = %v, want only kept.csv", names)
	}
	if _, err := s.FileAt(ctx, "s1", c.SHA, "swapped.csv"); err == nil {
		t.Error("FileAt(swapped.csv) served a file the commit does not own")
	}
	if data, err := s.FileAt(ctx, "s1", c.SHA, "kept.csv"); err != nil || string(data) != "a\n1\n" {
		t.Errorf("FileAt(kept.csv) = %q, %v", data, err)
	}
}

func TestReseed_ReplacesSymlinksInsteadOfWritingThrough(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	work := t.TempDir()
	plot := writeFile(t, work, "plot.png", "\x89PNG fake")
	c := mustCommit(t, s, snapshot.CommitRequest{
		SessionID:   "s1",
		Code:        "plot()\n",
		Message:     "run",
		Result:      &domain.ExecutionResult{Status: domain.StatusOK, Artifacts: []domain.Artifact{plot}},
		ArtifactDir: work,
	})

	host := filepath.Join(t.TempDir(), "host.png")
	if err := os.WriteFile(host, []byte("HOST-SECRET"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(work, "plot.png")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(host, filepath.Join(work, "plot.png")); err != nil {
		t.Fatal(err)
	}

	if err := s.Reseed(ctx, "s1", c.SHA, work); err != nil {
		t.Fatalf("Reseed: %v", err)
	}
	if data, _ := os.ReadFile(host); string(data) != "HOST-SECRET" {
		t.Errorf("host file = %q, reseed wrote through the symlink", data)
	}
	info, err := os.Lstat(filepath.Join(work, "plot.png"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.Mode().IsRegular() {
		t.Errorf("plot.png mode = %v, want regular file", info.Mode())
	}
}
