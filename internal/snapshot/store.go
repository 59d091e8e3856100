// Package snapshot implements per-session version history: immutable commits
// of code plus execution results, named branches, diffs and restores.
//
// The semantics live here once; persistence is delegated to a Backend and
// artifact bytes to a Vault.
package snapshot

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/labbox/internal/domain"
)

const (
	defaultCodeFilename     = "main.py"
	defaultMaxCommitRetries = 5
	defaultMaxInlineBytes   = 64 << 10
)

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,99}$`)

// Observer receives commit metrics.
type Observer interface {
	RecordCommit(duration time.Duration, err error)
	RecordHeadConflict()
}

// Config tunes the Store.
type Config struct {
	CodeFilename     string // Logical name of the code file in diffs. Default: "main.py".
	MaxCommitRetries int    // Head conflicts tolerated per commit. Default: 5.
	MaxInlineBytes   int64  // Artifacts up to this size get before/after content in diffs. Default: 64 KiB.
	Observer         Observer
	Now              func() time.Time // Default: time.Now.
}

// Store is the Snapshot Store.
type Store struct {
	backend Backend
	vault   *Vault
	config  Config
	logger  *slog.Logger
}

// NewStore creates a Store over backend and vault.
func NewStore(backend Backend, vault *Vault, cfg Config, logger *slog.Logger) *Store {
	if cfg.CodeFilename == "" {
		cfg.CodeFilename = defaultCodeFilename
	}
	if cfg.MaxCommitRetries <= 0 {
		cfg.MaxCommitRetries = defaultMaxCommitRetries
	}
	if cfg.MaxInlineBytes <= 0 {
		cfg.MaxInlineBytes = defaultMaxInlineBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{backend: backend, vault: vault, config: cfg, logger: logger}
}

// CodeFilename returns the logical name of the code file.
func (s *Store) CodeFilename() string { return s.config.CodeFilename }

// Vault returns the artifact vault.
func (s *Store) Vault() *Vault { return s.vault }

// CommitRequest describes a new commit.
type CommitRequest struct {
	SessionID   string
	Branch      string // Default: "main".
	Code        string
	Message     string
	Description string
	Result      *domain.ExecutionResult // Nil for manual commits.
	ArtifactDir string                  // Directory Result.Artifacts are read from.
}

// Commit appends a commit to the head of req.Branch. The commit object and
// its artifacts are written before the head moves; when another writer moved
// the head first the commit is rebuilt on the new head.
func (s *Store) Commit(ctx context.Context, req CommitRequest) (commit *domain.Commit, err error) {
	start := time.Now()
	defer func() {
		if s.config.Observer != nil {
			s.config.Observer.RecordCommit(time.Since(start), err)
		}
	}()

	if err := checkSession(req.SessionID); err != nil {
		return nil, err
	}
	branch := req.Branch
	if branch == "" {
		branch = domain.DefaultBranch
	}

	for attempt := 0; attempt <= s.config.MaxCommitRetries; attempt++ {
		head, err := s.backend.GetBranch(ctx, req.SessionID, branch)
		create := false
		switch {
		case errors.Is(err, domain.ErrBranchNotFound):
			if branch != domain.DefaultBranch {
				return nil, err
			}
			create = true
		case err != nil:
			return nil, storageErr("reading branch head", err)
		}

		var parent *domain.Commit
		if !create {
			if parent, err = s.backend.GetCommit(ctx, req.SessionID, head.HeadSHA); err != nil {
				return nil, storageErr("reading head commit", err)
			}
		}

		c, err := s.prepare(req, branch, parent)
		if err != nil {
			return nil, err
		}
		if err := s.backend.PutCommit(ctx, c); err != nil {
			return nil, storageErr("writing commit", err)
		}

		if create {
			err = s.backend.CreateBranch(ctx, &domain.Branch{
				SessionID: req.SessionID,
				Name:      branch,
				HeadSHA:   c.SHA,
				CreatedAt: c.CreatedAt,
				UpdatedAt: c.CreatedAt,
			})
			if err == nil {
				s.logCommit(c)
				return c, nil
			}
			if !errors.Is(err, domain.ErrBranchExists) {
				return nil, storageErr("creating branch", err)
			}
		} else {
			moved, err := s.backend.AdvanceHead(ctx, req.SessionID, branch, parent.SHA, c.SHA, c.CreatedAt)
			if err != nil {
				return nil, storageErr("advancing head", err)
			}
			if moved {
				s.logCommit(c)
				return c, nil
			}
		}

		if s.config.Observer != nil {
			s.config.Observer.RecordHeadConflict()
		}
		s.logger.Debug("branch head moved during commit, retrying",
			slog.String("session", req.SessionID),
			slog.String("branch", branch),
			slog.String("orphaned_sha", c.SHA),
			slog.Int("attempt", attempt+1),
		)
	}
	return nil, fmt.Errorf("%w: branch %s head kept moving after %d attempts",
		domain.ErrStorageFailure, branch, s.config.MaxCommitRetries+1)
}

// prepare builds the commit object and copies its artifacts into the vault.
func (s *Store) prepare(req CommitRequest, branch string, parent *domain.Commit) (*domain.Commit, error) {
	created := s.config.Now().UTC().Truncate(time.Microsecond)
	parentSHA := ""
	if parent != nil {
		parentSHA = parent.SHA
		if !created.After(parent.CreatedAt) {
			created = parent.CreatedAt.Add(time.Microsecond)
		}
	}

	c := &domain.Commit{
		SessionID:   req.SessionID,
		Branch:      branch,
		Message:     req.Message,
		Description: req.Description,
		Code:        req.Code,
		ParentSHA:   parentSHA,
		CreatedAt:   created,
	}
	c.SHA = commitID(c)

	if req.Result != nil {
		result := *req.Result
		result.Artifacts = make([]domain.Artifact, 0, len(req.Result.Artifacts))
		for _, a := range req.Result.Artifacts {
			if err := s.vault.Put(req.SessionID, c.SHA, req.ArtifactDir, a.Filename); err != nil {
				if errors.Is(err, ErrArtifactUnavailable) {
					s.logger.Warn("artifact vanished before commit, skipping",
						slog.String("session", req.SessionID),
						slog.String("file", a.Filename),
						slog.String("error", err.Error()),
					)
					continue
				}
				return nil, storageErr("storing artifact "+a.Filename, err)
			}
			a.OwningCommitSHA = c.SHA
			result.Artifacts = append(result.Artifacts, a)
		}
		c.Result = &result
	}
	return c, nil
}

func (s *Store) logCommit(c *domain.Commit) {
	s.logger.Info("commit created",
		slog.String("session", c.SessionID),
		slog.String("branch", c.Branch),
		slog.String("sha", c.ShortSHA()),
		slog.String("parent", shortSHA(c.ParentSHA)),
		slog.Int("artifacts", len(c.Artifacts())),
	)
}

// commitID hashes the commit content with a random nonce, so two identical
// commits never share an id.
func commitID(c *domain.Commit) string {
	h := sha1.New()
	for _, part := range []string{
		c.ParentSHA,
		c.SessionID,
		c.Branch,
		c.Message,
		c.Description,
		c.Code,
		c.CreatedAt.Format(time.RFC3339Nano),
		uuid.NewString(),
	} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GetCommit returns one commit of the session.
func (s *Store) GetCommit(ctx context.Context, sessionID, sha string) (*domain.Commit, error) {
	if err := s.owns(ctx, sessionID, sha); err != nil {
		return nil, err
	}
	c, err := s.backend.GetCommit(ctx, sessionID, sha)
	if err != nil {
		return nil, lookupErr("reading commit", err)
	}
	return c, nil
}

// History returns up to limit commits reachable from the branch head, newest
// first. limit <= 0 means no limit. A session without history has an empty
// main branch.
func (s *Store) History(ctx context.Context, sessionID, branch string, limit int) ([]domain.Commit, error) {
	if err := checkSession(sessionID); err != nil {
		return nil, err
	}
	if branch == "" {
		branch = domain.DefaultBranch
	}
	head, err := s.backend.GetBranch(ctx, sessionID, branch)
	if err != nil {
		if errors.Is(err, domain.ErrBranchNotFound) && branch == domain.DefaultBranch {
			return []domain.Commit{}, nil
		}
		return nil, lookupErr("reading branch", err)
	}
	return s.walk(ctx, sessionID, head.HeadSHA, limit)
}

// walk follows parent links from sha.
func (s *Store) walk(ctx context.Context, sessionID, sha string, limit int) ([]domain.Commit, error) {
	commits := []domain.Commit{}
	seen := make(map[string]bool)
	for sha != "" && (limit <= 0 || len(commits) < limit) {
		if seen[sha] {
			s.logger.Error("cycle in commit graph",
				slog.String("session", sessionID),
				slog.String("sha", sha),
			)
			break
		}
		seen[sha] = true
		c, err := s.backend.GetCommit(ctx, sessionID, sha)
		if err != nil {
			return nil, storageErr("walking history", err)
		}
		commits = append(commits, *c)
		sha = c.ParentSHA
	}
	return commits, nil
}

// ancestors returns the set of shas reachable from sha, sha included.
func (s *Store) ancestors(ctx context.Context, sessionID, sha string) (map[string]bool, error) {
	commits, err := s.walk(ctx, sessionID, sha, 0)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(commits))
	for _, c := range commits {
		set[c.SHA] = true
	}
	return set, nil
}

// SanitizeBranchName turns spaces and slashes into dashes and validates the result.
func SanitizeBranchName(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer(" ", "-", "/", "-").Replace(name)
	if !branchNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: invalid branch name %q", domain.ErrInvalidArgument, name)
	}
	return name, nil
}

// CreateBranch creates a branch at fromSHA. An empty fromSHA forks the head
// of main.
func (s *Store) CreateBranch(ctx context.Context, sessionID, name, fromSHA string) (*domain.Branch, error) {
	if err := checkSession(sessionID); err != nil {
		return nil, err
	}
	name, err := SanitizeBranchName(name)
	if err != nil {
		return nil, err
	}
	if fromSHA == "" {
		main, err := s.backend.GetBranch(ctx, sessionID, domain.DefaultBranch)
		if err != nil {
			return nil, lookupErr("resolving main", err)
		}
		fromSHA = main.HeadSHA
	} else if err := s.owns(ctx, sessionID, fromSHA); err != nil {
		return nil, err
	}

	now := s.config.Now().UTC().Truncate(time.Microsecond)
	b := &domain.Branch{
		SessionID: sessionID,
		Name:      name,
		HeadSHA:   fromSHA,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.backend.CreateBranch(ctx, b); err != nil {
		return nil, lookupErr("creating branch", err)
	}
	s.logger.Info("branch created",
		slog.String("session", sessionID),
		slog.String("branch", name),
		slog.String("from", shortSHA(fromSHA)),
	)
	return b, nil
}

// Branch resolves a branch.
func (s *Store) Branch(ctx context.Context, sessionID, name string) (*domain.Branch, error) {
	if err := checkSession(sessionID); err != nil {
		return nil, err
	}
	b, err := s.backend.GetBranch(ctx, sessionID, name)
	if err != nil {
		return nil, lookupErr("reading branch", err)
	}
	return b, nil
}

// Branches lists the session's branches with their distance from main.
// current marks the caller's current branch.
func (s *Store) Branches(ctx context.Context, sessionID, current string) ([]domain.BranchInfo, error) {
	if err := checkSession(sessionID); err != nil {
		return nil, err
	}
	branches, err := s.backend.ListBranches(ctx, sessionID)
	if err != nil {
		return nil, storageErr("listing branches", err)
	}

	var mainSet map[string]bool
	for _, b := range branches {
		if b.Name == domain.DefaultBranch {
			if mainSet, err = s.ancestors(ctx, sessionID, b.HeadSHA); err != nil {
				return nil, err
			}
		}
	}

	infos := make([]domain.BranchInfo, 0, len(branches))
	for _, b := range branches {
		info := domain.BranchInfo{Branch: b, Current: b.Name == current}
		if mainSet != nil && b.Name != domain.DefaultBranch {
			set, err := s.ancestors(ctx, sessionID, b.HeadSHA)
			if err != nil {
				return nil, err
			}
			for sha := range set {
				if !mainSet[sha] {
					info.CommitsAhead++
				}
			}
			for sha := range mainSet {
				if !set[sha] {
					info.CommitsBehind++
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// RestoreResult is what Restore hands back.
type RestoreResult struct {
	Code   string
	Commit *domain.Commit
	Branch *domain.Branch // Set when a branch was created.
}

// Restore reads the code at sha. Without createBranch no head moves; with it,
// a new branch pointing at sha is created.
func (s *Store) Restore(ctx context.Context, sessionID, sha, createBranch string) (*RestoreResult, error) {
	c, err := s.GetCommit(ctx, sessionID, sha)
	if err != nil {
		return nil, err
	}
	res := &RestoreResult{Code: c.Code, Commit: c}
	if createBranch != "" {
		b, err := s.CreateBranch(ctx, sessionID, createBranch, sha)
		if err != nil {
			return nil, err
		}
		res.Branch = b
	}
	return res, nil
}

// Tree returns every commit reachable from any branch, deduplicated, newest first.
func (s *Store) Tree(ctx context.Context, sessionID string) ([]domain.Commit, error) {
	if err := checkSession(sessionID); err != nil {
		return nil, err
	}
	branches, err := s.backend.ListBranches(ctx, sessionID)
	if err != nil {
		return nil, storageErr("listing branches", err)
	}
	seen := make(map[string]bool)
	var all []domain.Commit
	for _, b := range branches {
		commits, err := s.walk(ctx, sessionID, b.HeadSHA, 0)
		if err != nil {
			return nil, err
		}
		for _, c := range commits {
			if !seen[c.SHA] {
				seen[c.SHA] = true
				all = append(all, c)
			}
		}
	}
	sortNewestFirst(all)
	return all, nil
}

// Stats summarizes the session's reachable history.
func (s *Store) Stats(ctx context.Context, sessionID string) (*domain.HistoryStats, error) {
	commits, err := s.Tree(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	branches, err := s.backend.ListBranches(ctx, sessionID)
	if err != nil {
		return nil, storageErr("listing branches", err)
	}
	stats := &domain.HistoryStats{Commits: len(commits), Branches: len(branches)}
	for _, c := range commits {
		if c.Result != nil && c.Result.Status != domain.StatusOK {
			stats.FailedCommits++
		}
		for _, a := range c.Artifacts() {
			stats.Artifacts++
			stats.ArtifactBytes += a.SizeBytes
		}
		if c.CreatedAt.After(stats.LatestActivity) {
			stats.LatestActivity = c.CreatedAt
		}
	}
	return stats, nil
}

// FileAt returns the bytes of a logical file at a commit: the code file or
// one of the commit's artifacts.
func (s *Store) FileAt(ctx context.Context, sessionID, sha, filename string) ([]byte, error) {
	c, err := s.GetCommit(ctx, sessionID, sha)
	if err != nil {
		return nil, err
	}
	if filename == s.config.CodeFilename {
		return []byte(c.Code), nil
	}
	for _, a := range c.Artifacts() {
		if a.Filename == filename {
			return s.readArtifact(sessionID, sha, filename)
		}
	}
	return nil, fmt.Errorf("%w: %s has no file %q", domain.ErrInvalidArgument, shortSHA(sha), filename)
}

func (s *Store) readArtifact(sessionID, sha, filename string) ([]byte, error) {
	r, err := s.vault.Open(sessionID, sha, filename)
	if err != nil {
		return nil, storageErr("opening artifact", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, storageErr("reading artifact", err)
	}
	return data, nil
}

// Reseed copies the commit's artifacts into dir.
func (s *Store) Reseed(ctx context.Context, sessionID, sha, dir string) error {
	c, err := s.GetCommit(ctx, sessionID, sha)
	if err != nil {
		return err
	}
	for _, a := range c.Artifacts() {
		if err := s.vault.CopyOut(sessionID, sha, a.Filename, dir); err != nil {
			return storageErr("restoring artifact "+a.Filename, err)
		}
	}
	return nil
}

// DeleteSession removes the session's history and artifacts.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := checkSession(sessionID); err != nil {
		return err
	}
	if err := s.backend.DeleteSession(ctx, sessionID); err != nil {
		return storageErr("deleting session history", err)
	}
	if err := s.vault.DeleteSession(sessionID); err != nil {
		return storageErr("deleting session artifacts", err)
	}
	return nil
}

// Ping checks the backend.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// owns checks that sha exists and belongs to sessionID.
func (s *Store) owns(ctx context.Context, sessionID, sha string) error {
	if err := checkSession(sessionID); err != nil {
		return err
	}
	if sha == "" {
		return fmt.Errorf("%w: empty commit sha", domain.ErrInvalidArgument)
	}
	owner, err := s.backend.CommitSession(ctx, sha)
	if err != nil {
		return lookupErr("locating commit", err)
	}
	if owner != sessionID {
		return fmt.Errorf("%w: %s belongs to another session", domain.ErrCrossSessionDiff, shortSHA(sha))
	}
	return nil
}

func checkSession(sessionID string) error {
	if !domain.ValidSessionID(sessionID) {
		return fmt.Errorf("%w: invalid session id %q", domain.ErrInvalidArgument, sessionID)
	}
	return nil
}

// lookupErr passes caller-input errors through and turns the rest into
// storage failures.
func lookupErr(op string, err error) error {
	for _, kind := range []error{domain.ErrCommitNotFound, domain.ErrBranchNotFound, domain.ErrBranchExists, domain.ErrInvalidArgument} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return storageErr(op, err)
}

func storageErr(op string, err error) error {
	if errors.Is(err, domain.ErrStorageFailure) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageFailure, op, err)
}

func sortNewestFirst(commits []domain.Commit) {
	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].CreatedAt.After(commits[j].CreatedAt)
	})
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
