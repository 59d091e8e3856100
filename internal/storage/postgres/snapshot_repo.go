package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/labbox/internal/domain"
)

// SnapshotRepository implements commit and branch persistence with GORM. The
// SQLite backend reuses it with its own duplicate-key detector.
type SnapshotRepository struct {
	db          *gorm.DB
	isDuplicate func(error) bool
}

// NewSnapshotRepository creates a SnapshotRepository. isDuplicate reports
// whether an insert failed on a unique constraint.
func NewSnapshotRepository(db *gorm.DB, isDuplicate func(error) bool) *SnapshotRepository {
	return &SnapshotRepository{db: db, isDuplicate: isDuplicate}
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PutCommit inserts a commit object.
func (r *SnapshotRepository) PutCommit(ctx context.Context, c *domain.Commit) error {
	model, err := toCommitModel(c)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("inserting commit %s: %w", c.SHA, err)
	}
	return nil
}

// GetCommit retrieves a commit by sha within a session.
func (r *SnapshotRepository) GetCommit(ctx context.Context, sessionID, sha string) (*domain.Commit, error) {
	var model CommitModel
	err := r.db.WithContext(ctx).
		Scopes(SessionScope(sessionID)).
		Where("sha = ?", sha).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCommitNotFound, sha)
	}
	if err != nil {
		return nil, fmt.Errorf("getting commit %s: %w", sha, err)
	}
	return toCommitDomain(&model)
}

// CommitSession returns the session owning sha.
func (r *SnapshotRepository) CommitSession(ctx context.Context, sha string) (string, error) {
	var model CommitModel
	err := r.db.WithContext(ctx).
		Select("sha", "session_id").
		Where("sha = ?", sha).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", domain.ErrCommitNotFound, sha)
	}
	if err != nil {
		return "", fmt.Errorf("locating commit %s: %w", sha, err)
	}
	return model.SessionID, nil
}

// ListCommits returns every commit of a session, oldest first.
func (r *SnapshotRepository) ListCommits(ctx context.Context, sessionID string) ([]domain.Commit, error) {
	var models []CommitModel
	if err := r.db.WithContext(ctx).
		Scopes(SessionScope(sessionID)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing commits: %w", err)
	}
	commits := make([]domain.Commit, 0, len(models))
	for i := range models {
		c, err := toCommitDomain(&models[i])
		if err != nil {
			return nil, err
		}
		commits = append(commits, *c)
	}
	return commits, nil
}

// GetBranch resolves a branch.
func (r *SnapshotRepository) GetBranch(ctx context.Context, sessionID, name string) (*domain.Branch, error) {
	var model BranchModel
	err := r.db.WithContext(ctx).
		Scopes(SessionScope(sessionID)).
		Where("name = ?", name).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBranchNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("getting branch %s: %w", name, err)
	}
	b := toBranchDomain(&model)
	return &b, nil
}

// CreateBranch inserts a branch; the primary key rejects duplicates.
func (r *SnapshotRepository) CreateBranch(ctx context.Context, b *domain.Branch) error {
	model := toBranchModel(b)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if r.isDuplicate != nil && r.isDuplicate(err) {
			return fmt.Errorf("%w: %s", domain.ErrBranchExists, b.Name)
		}
		return fmt.Errorf("creating branch %s: %w", b.Name, err)
	}
	return nil
}

// AdvanceHead moves the head with UPDATE ... WHERE head_sha = oldSHA. Zero
// affected rows means another writer won.
func (r *SnapshotRepository) AdvanceHead(ctx context.Context, sessionID, name, oldSHA, newSHA string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&BranchModel{}).
		Scopes(SessionScope(sessionID)).
		Where("name = ? AND head_sha = ?", name, oldSHA).
		Updates(map[string]any{
			"head_sha":   newSHA,
			"updated_at": at.UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("advancing branch %s: %w", name, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListBranches returns a session's branches ordered by name.
func (r *SnapshotRepository) ListBranches(ctx context.Context, sessionID string) ([]domain.Branch, error) {
	var models []BranchModel
	if err := r.db.WithContext(ctx).
		Scopes(SessionScope(sessionID)).
		Order("name ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	branches := make([]domain.Branch, len(models))
	for i := range models {
		branches[i] = toBranchDomain(&models[i])
	}
	return branches, nil
}

// DeleteSession removes a session's branches and commits in one transaction.
func (r *SnapshotRepository) DeleteSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Scopes(SessionScope(sessionID)).Delete(&BranchModel{}).Error; err != nil {
			return fmt.Errorf("deleting branches: %w", err)
		}
		if err := tx.Scopes(SessionScope(sessionID)).Delete(&CommitModel{}).Error; err != nil {
			return fmt.Errorf("deleting commits: %w", err)
		}
		return nil
	})
}
