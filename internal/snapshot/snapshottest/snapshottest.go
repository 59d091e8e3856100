// Package snapshottest is a conformance suite for snapshot.Backend
// implementations. Each backend package runs it from its own tests:
//
//	func TestConformance(t *testing.T) {
//		snapshottest.Run(t, func(t *testing.T) snapshot.Backend { return newBackend(t) })
//	}
package snapshottest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/snapshot"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) snapshot.Backend

// Run executes every conformance test against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b snapshot.Backend)
	}{
		{"PutAndGetCommit", testPutAndGetCommit},
		{"CommitNotFound", testCommitNotFound},
		{"CommitSession", testCommitSession},
		{"ListCommits", testListCommits},
		{"Branches", testBranches},
		{"AdvanceHead", testAdvanceHead},
		{"AdvanceHeadRace", testAdvanceHeadRace},
		{"DeleteSession", testDeleteSession},
		{"Ping", testPing},
		{"StoreHistoryOrdering", testStoreHistoryOrdering},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func commit(session, sha, parent string, n int) *domain.Commit {
	return &domain.Commit{
		SHA:       sha,
		SessionID: session,
		Branch:    domain.DefaultBranch,
		Message:   fmt.Sprintf("commit %d", n),
		Code:      fmt.Sprintf("x = %d\n", n),
		ParentSHA: parent,
		CreatedAt: base.Add(time.Duration(n) * time.Second),
	}
}

func sha(n int) string {
	return fmt.Sprintf("%040x", n)
}

func testPutAndGetCommit(t *testing.T, b snapshot.Backend) {
	ctx := context.Background()
	c := commit("s1", sha(1), "", 1)
	c.Description = "first cell"
	c.CreatedAt = c.CreatedAt.Add(123 * time.Microsecond)
	c.Result = &domain.ExecutionResult{
		Status:         domain.StatusError,
		Stdout:         "partial\n",
		Stderr:         "Traceback...\nValueError: bad\n",
		ExitCode:       1,
		Duration:       1500 * time.Millisecond,
		ExecutionCount: 3,
		IsolateID:      "iso-1",
		Artifacts: []domain.Artifact{{
			Filename:        "plot.png",
			Kind:            domain.ArtifactPlot,
			SizeBytes:       2048,
			ContentType:     "image/png",
			SHA256:          "abc",
			OwningCommitSHA: sha(1),
		}},
	}
	if err := b.PutCommit(ctx, c); err != nil {
		t.Fatalf("PutCommit: %v", err)
	}

	got, err := b.GetCommit(ctx, "s1", sha(1))
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if got.SHA != c.SHA || got.SessionID != c.SessionID || got.Branch != c.Branch ||
		got.Message != c.Message || got.Description != c.Description || got.Code != c.Code ||
		got.ParentSHA != c.ParentSHA {
		t.Errorf("commit fields = %+v, want %+v", got, c)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, c.CreatedAt)
	}
	if got.Result == nil {
		t.Fatal("Result lost")
	}
	r := got.Result
	if r.Status != domain.StatusError || r.Stdout != "partial\n" || r.ExitCode != 1 ||
		r.Duration != 1500*time.Millisecond || r.ExecutionCount != 3 || r.IsolateID != "iso-1" {
		t.Errorf("Result = %+v", r)
	}
	if len(r.Artifacts) != 1 || r.Artifacts[0] != c.Result.Artifacts[0] {
		t.Errorf("Artifacts = %+v, want %+v", r.Artifacts, c.Result.Artifacts)
	}

	manual := commit("s1", sha(2), sha(1), 2)
	if err := b.PutCommit(ctx, manual); err != nil {
		t.Fatalf("PutCommit manual: %v", err)
	}
	got, err = b.GetCommit(ctx, "s1", sha(2))
	if err != nil {
		t.Fatalf("GetCommit manual: %v", err)
	}
	if got.Result != nil {
		t.Errorf("manual commit Result = %+v, want nil", got.Result)
	}
}

func testCommitNotFound(t *testing.T, b snapshot.Backend) {
	ctx := context.Background()
	if _, err := b.GetCommit(ctx, "s1", sha(9)); !errors.Is(err, domain.ErrCommitNotFound) {
		t.Errorf("GetCommit missing: err = %v, want ErrCommitNotFound", err)
	}
	if err := b.PutCommit(ctx, commit("s1", sha(1), "", 1)); err != nil {
		t.Fatalf("PutCommit: %v", err)
	}
	if _, err := b.GetCommit(ctx, "s2", sha(1)); !errors.Is(err, domain.ErrCommitNotFound) {
		t.Errorf("GetCommit from other session: err = %v, want ErrCommitNotFound", err)
	}
}

func testCommitSession(t *testing.T, b snapshot.Backend) {
	ctx := context.Background()
	if err := b.PutCommit(ctx, commit("alpha", sha(1), "", 1)); err != nil {
		t.Fatalf("PutCommit: %v", err)
	}
	if err := b.PutCommit(ctx, commit("beta", sha(2), "", 2)); err != nil {
		t.Fatalf("PutCommit: %v", err)
	}
	for want, s := range map[string]string{"alpha": sha(1), "beta": sha(2)} {
		got, err := b.CommitSession(ctx, s)
		if err != nil {
			t.Fatalf("CommitSession(%s): %v", s, err)
		}
		if got != want {
			t.Errorf("CommitSession(%s) = %q, want %q", s, got, want)
		}
	}
	if _, err := b.CommitSession(ctx, sha(3)); !errors.Is(err, domain.ErrCommitNotFound) {
		t.Errorf("CommitSession missing: err = %v, want ErrCommitNotFound", err)
	}
}

func testListCommits(t *testing.T, b snapshot.Backend) {
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		parent := ""
		if i > 1 {
			parent = sha(i - 1)
		}
		if err := b.PutCommit(ctx, commit("s1", sha(i), parent, i)); err != nil {
			t.Fatalf("PutCommit: %v", err)
		}
	}
	if err := b.PutCommit(ctx, commit("s2", sha(10), "", 10)); err != nil {
		t.Fatalf("PutCommit: %v", err)
	}

	commits, err := b.ListCommits(ctx, "s1")
	if err != nil {
		t.Fatalf("ListCommits: %v", err)
	}
	if len(commits) != 3 {
		t.Fatalf("ListCommits = %d commits, want 3", len(commits))
	}
	seen := make(map[string]bool)
	for _, c := range commits {
		if c.SessionID != "s1" {
			t.Errorf("commit %s has session %q", c.SHA, c.SessionID)
		}
		seen[c.SHA] = true
	}
	for i := 1; i <= 3; i++ {
		if !seen[sha(i)] {
			t.Errorf("commit %s missing from list", sha(i))
		}
	}

	empty, err := b.ListCommits(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListCommits empty: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("ListCommits(nobody) = %d commits, want 0", len(empty))
	}
}

func testBranches(t *testing.T, b snapshot.Backend) {
	ctx := context.Background()
	if _, err := b.GetBranch(ctx, "s1", "main"); !errors.Is(err, domain.ErrBranchNotFound) {
		t.Errorf("GetBranch missing: err = %v, want ErrBranchNotFound", err)
	}

	for _, name := range []string{"main", "experiment", "alt"} {
		err := b.CreateBranch(ctx, &domain.Branch{
			SessionID: "s1",
			Name:      name,
			HeadSHA:   sha(1),
			CreatedAt: base,
			UpdatedAt: base,
		})
		if err != nil {
			t.Fatalf("CreateBranch(%s): %v", name, err)
		}
	}
	err := b.CreateBranch(ctx, &domain.Branch{SessionID: "s1", Name: "main", HeadSHA: sha(2), CreatedAt: base, UpdatedAt: base})
	if !errors.Is(err, domain.ErrBranchExists) {
		t.Errorf("CreateBranch duplicate: err = %v, want ErrBranchExists", err)
	}
	// Same name in another session is a different branch.
	if err := b.CreateBranch(ctx, &domain.Branch{SessionID: "s2", Name: "main", HeadSHA: sha(5), CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("CreateBranch other session: %v", err)
	}

	got, err := b.GetBranch(ctx, "s1", "main")
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if got.HeadSHA != sha(1) || got.SessionID != "s1" || got.Name != "main" {
		t.Errorf("GetBranch = %+v", got)
	}

	list, err := b.ListBranches(ctx, "s1")
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	var names []string
	for _, br := range list {
		names = append(names, br.Name)
	}
	if fmt.Sprint(names) != "[alt experiment main]" {
		t.Errorf("ListBranches = %v, want [alt experiment main]", names)
	}
}

func testAdvanceHead(t *testing.T, b snapshot.Backend) {
	ctx := context.Background()
	if err := b.CreateBranch(ctx, &domain.Branch{SessionID: "s1", Name: "main", HeadSHA: sha(1), CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	later := base.Add(time.Minute)
	moved, err := b.AdvanceHead(ctx, "s1", "main", sha(1), sha(2), later)
	if err != nil {
		t.Fatalf("AdvanceHead: %v", err)
	}
	if !moved {
		t.Fatal("AdvanceHead from current head did not move")
	}

	moved, err = b.AdvanceHead(ctx, "s1", "main", sha(1), sha(3), later)
	if err != nil {
		t.Fatalf("AdvanceHead stale: %v", err)
	}
	if moved {
		t.Error("AdvanceHead from stale head moved")
	}

	got, err := b.GetBranch(ctx, "s1", "main")
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if got.HeadSHA != sha(2) {
		t.Errorf("head = %s, want %s", got.HeadSHA, sha(2))
	}
	if !got.UpdatedAt.Equal(later) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, later)
	}

	if moved, err := b.AdvanceHead(ctx, "s1", "missing", sha(2), sha(3), later); err == nil && moved {
		t.Error("AdvanceHead on a missing branch moved")
	}
}

func testAdvanceHeadRace(t *testing.T, b snapshot.Backend) {
	ctx := context.Background()
	if err := b.CreateBranch(ctx, &domain.Branch{SessionID: "s1", Name: "main", HeadSHA: sha(1), CreatedAt: base, UpdatedAt: base}); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	const writers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			moved, err := b.AdvanceHead(ctx, "s1", "main", sha(1), sha(100+i), base.Add(time.Second))
			if err != nil {
				errs <- err
				return
			}
			if moved {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("AdvanceHead: %v", err)
	}
	if n := wins.Load(); n != 1 {
		t.Errorf("%d writers advanced the head, want exactly 1", n)
	}
}

func testDeleteSession(t *testing.T, b snapshot.Backend) {
	ctx := context.Background()
	for _, s := range []string{"doomed", "kept"} {
		c := commit(s, sha(len(s)), "", 1)
		if err := b.PutCommit(ctx, c); err != nil {
			t.Fatalf("PutCommit: %v", err)
		}
		if err := b.CreateBranch(ctx, &domain.Branch{SessionID: s, Name: "main", HeadSHA: c.SHA, CreatedAt: base, UpdatedAt: base}); err != nil {
			t.Fatalf("CreateBranch: %v", err)
		}
	}

	if err := b.DeleteSession(ctx, "doomed"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := b.GetBranch(ctx, "doomed", "main"); !errors.Is(err, domain.ErrBranchNotFound) {
		t.Errorf("branch survived delete: err = %v", err)
	}
	if _, err := b.GetCommit(ctx, "doomed", sha(len("doomed"))); !errors.Is(err, domain.ErrCommitNotFound) {
		t.Errorf("commit survived delete: err = %v", err)
	}
	if _, err := b.CommitSession(ctx, sha(len("doomed"))); !errors.Is(err, domain.ErrCommitNotFound) {
		t.Errorf("commit index survived delete: err = %v", err)
	}
	if _, err := b.GetBranch(ctx, "kept", "main"); err != nil {
		t.Errorf("other session lost its branch: %v", err)
	}
	if err := b.DeleteSession(ctx, "never-existed"); err != nil {
		t.Errorf("DeleteSession of unknown session: %v", err)
	}
}

func testPing(t *testing.T, b snapshot.Backend) {
	if err := b.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

// testStoreHistoryOrdering drives the Store over the backend: commits of a
// session come back newest first with strictly decreasing timestamps.
func testStoreHistoryOrdering(t *testing.T, b snapshot.Backend) {
	ctx := context.Background()
	now := base
	store := snapshot.NewStore(b, snapshot.NewVault(t.TempDir()), snapshot.Config{
		// A frozen clock forces the store to bump timestamps itself.
		Now: func() time.Time { return now },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var shas []string
	for i := 0; i < 5; i++ {
		c, err := store.Commit(ctx, snapshot.CommitRequest{
			SessionID: "ordered",
			Code:      fmt.Sprintf("print(%d)\n", i),
			Message:   fmt.Sprintf("cell %d", i),
		})
		if err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
		shas = append(shas, c.SHA)
	}

	history, err := store.History(ctx, "ordered", "main", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != len(shas) {
		t.Fatalf("History = %d commits, want %d", len(history), len(shas))
	}
	for i, c := range history {
		if want := shas[len(shas)-1-i]; c.SHA != want {
			t.Errorf("history[%d] = %s, want %s", i, c.ShortSHA(), want[:7])
		}
		if i > 0 && !history[i-1].CreatedAt.After(c.CreatedAt) {
			t.Errorf("history[%d].CreatedAt %v not after history[%d].CreatedAt %v",
				i-1, history[i-1].CreatedAt, i, c.CreatedAt)
		}
	}

	limited, err := store.History(ctx, "ordered", "main", 2)
	if err != nil {
		t.Fatalf("History limit: %v", err)
	}
	if len(limited) != 2 || limited[0].SHA != shas[4] {
		t.Errorf("History(limit 2) returned %d commits", len(limited))
	}
}
