// Package filesystem implements snapshot.Backend on a plain directory tree.
// It is the default backend and needs no external service.
//
// Layout under the root:
//
//	{session}/branches/{name}       branch head (JSON)
//	{session}/commits/{sha}.json    commit object
//	index/{sha}                     owning session id
//
// Artifact bytes live next to these in {session}/artifacts, written by the
// snapshot vault. Every file is written to a temp file and renamed into place,
// so readers never see a partial object.
package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/snapshot"
)

const indexDir = "index"

var shaPattern = regexp.MustCompile(`^[0-9a-f]{7,64}$`)

// Store is a snapshot.Backend over a directory.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-session, serializes branch writes
}

// branchFile is the on-disk form of a branch head.
type branchFile struct {
	Name      string    `json:"name"`
	HeadSHA   string    `json:"head_sha"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open prepares root and returns a Store over it.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem storage root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, indexDir), 0o750); err != nil {
		return nil, fmt.Errorf("creating storage root %s: %w", root, err)
	}
	logger.Info("filesystem store opened", slog.String("root", root))
	return &Store{root: root, logger: logger, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the storage root. The snapshot vault shares it.
func (s *Store) Root() string { return s.root }

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *Store) commitPath(sessionID, sha string) string {
	return filepath.Join(s.root, sessionID, "commits", sha+".json")
}

func (s *Store) branchPath(sessionID, name string) string {
	return filepath.Join(s.root, sessionID, "branches", name)
}

func (s *Store) indexPath(sha string) string {
	return filepath.Join(s.root, indexDir, sha)
}

// PutCommit writes the commit object, then its index entry.
func (s *Store) PutCommit(ctx context.Context, c *domain.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !shaPattern.MatchString(c.SHA) || !validSegment(c.SessionID) {
		return fmt.Errorf("%w: commit %q of session %q", domain.ErrInvalidArgument, c.SHA, c.SessionID)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding commit %s: %w", c.SHA, err)
	}
	if err := writeFileAtomic(s.commitPath(c.SessionID, c.SHA), data); err != nil {
		return fmt.Errorf("writing commit %s: %w", c.SHA, err)
	}
	if err := writeFileAtomic(s.indexPath(c.SHA), []byte(c.SessionID)); err != nil {
		return fmt.Errorf("indexing commit %s: %w", c.SHA, err)
	}
	return nil
}

func (s *Store) GetCommit(ctx context.Context, sessionID, sha string) (*domain.Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !shaPattern.MatchString(sha) || !validSegment(sessionID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCommitNotFound, sha)
	}
	return readCommit(s.commitPath(sessionID, sha))
}

func readCommit(path string) (*domain.Commit, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCommitNotFound, strings.TrimSuffix(filepath.Base(path), ".json"))
	}
	if err != nil {
		return nil, fmt.Errorf("reading commit: %w", err)
	}
	var c domain.Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding commit %s: %w", path, err)
	}
	return &c, nil
}

func (s *Store) CommitSession(ctx context.Context, sha string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !shaPattern.MatchString(sha) {
		return "", fmt.Errorf("%w: %s", domain.ErrCommitNotFound, sha)
	}
	data, err := os.ReadFile(s.indexPath(sha))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", domain.ErrCommitNotFound, sha)
	}
	if err != nil {
		return "", fmt.Errorf("reading commit index: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) ListCommits(ctx context.Context, sessionID string) ([]domain.Commit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validSegment(sessionID) {
		return []domain.Commit{}, nil
	}
	dir := filepath.Join(s.root, sessionID, "commits")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []domain.Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}
	commits := make([]domain.Commit, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		c, err := readCommit(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		commits = append(commits, *c)
	}
	return commits, nil
}

func (s *Store) GetBranch(ctx context.Context, sessionID, name string) (*domain.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validSegment(sessionID) || !validSegment(name) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBranchNotFound, name)
	}
	return s.readBranch(sessionID, name)
}

func (s *Store) readBranch(sessionID, name string) (*domain.Branch, error) {
	data, err := os.ReadFile(s.branchPath(sessionID, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBranchNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading branch %s: %w", name, err)
	}
	var bf branchFile
	if err := json.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("decoding branch %s: %w", name, err)
	}
	return &domain.Branch{
		SessionID: sessionID,
		Name:      name,
		HeadSHA:   bf.HeadSHA,
		CreatedAt: bf.CreatedAt,
		UpdatedAt: bf.UpdatedAt,
	}, nil
}

func (s *Store) writeBranch(b *domain.Branch) error {
	data, err := json.Marshal(branchFile{
		Name:      b.Name,
		HeadSHA:   b.HeadSHA,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding branch %s: %w", b.Name, err)
	}
	if err := writeFileAtomic(s.branchPath(b.SessionID, b.Name), data); err != nil {
		return fmt.Errorf("writing branch %s: %w", b.Name, err)
	}
	return nil
}

func (s *Store) CreateBranch(ctx context.Context, b *domain.Branch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validSegment(b.SessionID) || !validSegment(b.Name) {
		return fmt.Errorf("%w: branch %q", domain.ErrInvalidArgument, b.Name)
	}
	l := s.sessionLock(b.SessionID)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(s.branchPath(b.SessionID, b.Name)); err == nil {
		return fmt.Errorf("%w: %s", domain.ErrBranchExists, b.Name)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking branch %s: %w", b.Name, err)
	}
	return s.writeBranch(b)
}

// AdvanceHead re-reads the head file under the session lock and rewrites it
// only when it still points at oldSHA.
func (s *Store) AdvanceHead(ctx context.Context, sessionID, name, oldSHA, newSHA string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !validSegment(sessionID) || !validSegment(name) {
		return false, fmt.Errorf("%w: %s", domain.ErrBranchNotFound, name)
	}
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	b, err := s.readBranch(sessionID, name)
	if err != nil {
		return false, err
	}
	if b.HeadSHA != oldSHA {
		return false, nil
	}
	b.HeadSHA = newSHA
	b.UpdatedAt = at
	if err := s.writeBranch(b); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListBranches(ctx context.Context, sessionID string) ([]domain.Branch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validSegment(sessionID) {
		return []domain.Branch{}, nil
	}
	entries, err := os.ReadDir(filepath.Join(s.root, sessionID, "branches"))
	if errors.Is(err, fs.ErrNotExist) {
		return []domain.Branch{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	branches := make([]domain.Branch, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		b, err := s.readBranch(sessionID, e.Name())
		if err != nil {
			return nil, err
		}
		branches = append(branches, *b)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

// DeleteSession drops the index entries first so no sha resolves to a
// half-deleted session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if !validSegment(sessionID) {
		return fmt.Errorf("%w: session %q", domain.ErrInvalidArgument, sessionID)
	}
	commits, err := s.ListCommits(ctx, sessionID)
	if err != nil {
		return err
	}
	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	for _, c := range commits {
		if err := os.Remove(s.indexPath(c.SHA)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing index entry %s: %w", c.SHA, err)
		}
	}
	for _, sub := range []string{"commits", "branches"} {
		if err := os.RemoveAll(filepath.Join(s.root, sessionID, sub)); err != nil {
			return fmt.Errorf("removing %s: %w", sub, err)
		}
	}
	s.logger.Debug("session history removed",
		slog.String("session", sessionID),
		slog.Int("commits", len(commits)),
	)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %s is not a directory", s.root)
	}
	return nil
}

func (s *Store) Close() error { return nil }

// validSegment reports whether name is usable as a single path element.
func validSegment(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

// writeFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

var _ snapshot.Backend = (*Store)(nil)
