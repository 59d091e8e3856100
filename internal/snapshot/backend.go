package snapshot

import (
	"context"
	"time"

	"github.com/jkaninda/labbox/internal/domain"
)

// Backend persists commits and branch heads. Implementations return errors
// wrapping domain.ErrCommitNotFound, domain.ErrBranchNotFound and
// domain.ErrBranchExists where noted; any other error is treated as a
// storage failure by the Store.
//
// Commits are immutable once written. Only AdvanceHead moves a branch.
type Backend interface {
	// PutCommit writes a commit object. It must be durable before returning.
	PutCommit(ctx context.Context, c *domain.Commit) error

	// GetCommit reads a commit of the session. ErrCommitNotFound if absent.
	GetCommit(ctx context.Context, sessionID, sha string) (*domain.Commit, error)

	// CommitSession returns the session owning sha, across all sessions.
	// ErrCommitNotFound if no session has it.
	CommitSession(ctx context.Context, sha string) (string, error)

	// ListCommits returns every commit of the session, reachable or not.
	ListCommits(ctx context.Context, sessionID string) ([]domain.Commit, error)

	// GetBranch resolves a branch. ErrBranchNotFound if absent.
	GetBranch(ctx context.Context, sessionID, name string) (*domain.Branch, error)

	// CreateBranch adds a branch. ErrBranchExists on a name collision.
	CreateBranch(ctx context.Context, b *domain.Branch) error

	// AdvanceHead moves the branch head from oldSHA to newSHA and reports
	// false, without error, when the head no longer equals oldSHA.
	AdvanceHead(ctx context.Context, sessionID, name, oldSHA, newSHA string, at time.Time) (bool, error)

	// ListBranches returns the session's branches ordered by name.
	ListBranches(ctx context.Context, sessionID string) ([]domain.Branch, error)

	// DeleteSession removes the session's commits and branches.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
