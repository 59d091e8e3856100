package filesystem

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/snapshot"
	"github.com/jkaninda/labbox/internal/snapshot/snapshottest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	snapshottest.Run(t, func(t *testing.T) snapshot.Backend { return newTestStore(t) })
}

func TestLayout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sha := strings.Repeat("ab", 20)
	c := &domain.Commit{SHA: sha, SessionID: "s1", Branch: "main", Code: "print(1)\n", CreatedAt: time.Now().UTC()}
	if err := s.PutCommit(ctx, c); err != nil {
		t.Fatalf("PutCommit: %v", err)
	}
	if err := s.CreateBranch(ctx, &domain.Branch{SessionID: "s1", Name: "main", HeadSHA: sha}); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	for _, p := range []string{
		filepath.Join("s1", "commits", sha+".json"),
		filepath.Join("s1", "branches", "main"),
		filepath.Join("index", sha),
	} {
		if _, err := os.Stat(filepath.Join(s.Root(), p)); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}
	owner, err := os.ReadFile(filepath.Join(s.Root(), "index", sha))
	if err != nil {
		t.Fatal(err)
	}
	if string(owner) != "s1" {
		t.Errorf("index entry = %q, want s1", owner)
	}
}

func TestRejectsUnsafeNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetCommit(ctx, "s1", "../../etc/passwd"); !errors.Is(err, domain.ErrCommitNotFound) {
		t.Errorf("GetCommit traversal: err = %v", err)
	}
	if _, err := s.GetBranch(ctx, "s1", "../main"); !errors.Is(err, domain.ErrBranchNotFound) {
		t.Errorf("GetBranch traversal: err = %v", err)
	}
	err := s.CreateBranch(ctx, &domain.Branch{SessionID: "s1", Name: "a/b", HeadSHA: strings.Repeat("0", 40)})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("CreateBranch with slash: err = %v", err)
	}
}

func TestIgnoresTempFiles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateBranch(ctx, &domain.Branch{SessionID: "s1", Name: "main", HeadSHA: strings.Repeat("1", 40)}); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	// Leftover from an interrupted write.
	if err := os.WriteFile(filepath.Join(s.Root(), "s1", "branches", ".tmp-123"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	branches, err := s.ListBranches(ctx, "s1")
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(branches) != 1 || branches[0].Name != "main" {
		t.Errorf("ListBranches = %+v", branches)
	}
}
