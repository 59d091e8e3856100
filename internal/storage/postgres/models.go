package postgres

import (
	"time"
)

// CommitModel maps to the "snapshot_commits" table. Commits are insert-only.
type CommitModel struct {
	SHA         string    `gorm:"primaryKey;size:64"`
	SessionID   string    `gorm:"not null;size:64;index:idx_commits_session_created,priority:1"`
	Branch      string    `gorm:"not null;size:100"`
	Message     string    `gorm:"not null"`
	Description string    `gorm:"type:text"`
	Code        string    `gorm:"type:text;not null"`
	ParentSHA   string    `gorm:"size:64;index"`
	Result      string    `gorm:"type:text"` // JSON-encoded ExecutionResult, empty for manual commits.
	CreatedAt   time.Time `gorm:"not null;index:idx_commits_session_created,priority:2"`
}

func (CommitModel) TableName() string { return "snapshot_commits" }

// BranchModel maps to the "snapshot_branches" table. HeadSHA only moves
// through a conditional update.
type BranchModel struct {
	SessionID string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"primaryKey;size:100"`
	HeadSHA   string `gorm:"not null;size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (BranchModel) TableName() string { return "snapshot_branches" }
