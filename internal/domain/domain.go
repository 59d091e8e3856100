// Package domain defines the entity types shared by the sandbox, snapshot and
// session packages.
package domain

import (
	"regexp"
	"time"
)

// DefaultBranch is the branch every session history starts on.
const DefaultBranch = "main"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidSessionID reports whether id is usable as a session id. Session ids
// become directory names, so the alphabet is restricted.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Session is the unit of isolation and history.
type Session struct {
	ID             string    `json:"session_id"`
	WorkspacePath  string    `json:"workspace_path"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Active         bool      `json:"active"`
	CurrentBranch  string    `json:"current_branch"`
	CurrentCode    string    `json:"current_code,omitempty"`
	Executing      bool      `json:"executing"`
	IsolateID      string    `json:"isolate_id,omitempty"`
}

// IsolateStatus is a state of the isolate lifecycle:
// starting -> running <-> idle -> terminating -> terminated.
type IsolateStatus string

const (
	IsolateStarting    IsolateStatus = "starting"
	IsolateRunning     IsolateStatus = "running"
	IsolateIdle        IsolateStatus = "idle"
	IsolateTerminating IsolateStatus = "terminating"
	IsolateTerminated  IsolateStatus = "terminated"
)

// ResourceLimits constrains a single isolate. Zero values mean "use the
// runtime default".
type ResourceLimits struct {
	MemoryBytes  int64 `json:"memory_bytes" yaml:"memory_bytes"`
	CPUShares    int   `json:"cpu_shares" yaml:"cpu_shares"`
	CPUSeconds   int   `json:"cpu_seconds" yaml:"cpu_seconds"`
	MaxProcesses int   `json:"max_processes" yaml:"max_processes"`
	MaxOpenFiles int   `json:"max_open_files" yaml:"max_open_files"`
	DiskBytes    int64 `json:"disk_bytes" yaml:"disk_bytes"`
}

// IsolateInfo is a read-only view of a live isolate.
type IsolateInfo struct {
	ID             string         `json:"isolate_id"`
	SessionID      string         `json:"session_id"`
	Status         IsolateStatus  `json:"status"`
	Runtime        string         `json:"runtime"`
	Limits         ResourceLimits `json:"resource_limits"`
	ExecutionCount int            `json:"execution_count"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// ExecStatus tags an ExecutionResult.
type ExecStatus string

const (
	StatusOK      ExecStatus = "ok"
	StatusError   ExecStatus = "error"
	StatusTimeout ExecStatus = "timeout"
)

// ExecutionResult is the outcome of running one code cell.
type ExecutionResult struct {
	Status         ExecStatus    `json:"status"`
	Stdout         string        `json:"stdout"`
	Stderr         string        `json:"stderr"`
	ExitCode       int           `json:"exit_code"`
	Duration       time.Duration `json:"duration_ns"`
	ExecutionCount int           `json:"execution_count"`
	IsolateID      string        `json:"isolate_id,omitempty"`
	Artifacts      []Artifact    `json:"artifacts,omitempty"`
}

// ArtifactKind classifies a collected file.
type ArtifactKind string

const (
	ArtifactPlot  ArtifactKind = "plot"
	ArtifactTable ArtifactKind = "table"
	ArtifactOther ArtifactKind = "other"
)

// Artifact describes a file produced by an execution.
type Artifact struct {
	Filename        string       `json:"filename"`
	Kind            ArtifactKind `json:"kind"`
	SizeBytes       int64        `json:"size_bytes"`
	ContentType     string       `json:"content_type,omitempty"`
	SHA256          string       `json:"sha256,omitempty"`
	OwningCommitSHA string       `json:"owning_commit_sha,omitempty"`
}

// Commit is an immutable snapshot of code plus an optional execution result.
type Commit struct {
	SHA         string           `json:"sha"`
	SessionID   string           `json:"session_id"`
	Branch      string           `json:"branch"`
	Message     string           `json:"message"`
	Description string           `json:"description,omitempty"`
	Code        string           `json:"code"`
	ParentSHA   string           `json:"parent_sha,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Result      *ExecutionResult `json:"execution_result,omitempty"`
}

// ShortSHA returns the first seven characters of the commit id.
func (c *Commit) ShortSHA() string {
	if len(c.SHA) <= 7 {
		return c.SHA
	}
	return c.SHA[:7]
}

// Artifacts returns the artifact manifest recorded with the commit.
func (c *Commit) Artifacts() []Artifact {
	if c.Result == nil {
		return nil
	}
	return c.Result.Artifacts
}

// Branch is a named pointer into a session's commit graph.
type Branch struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	HeadSHA   string    `json:"head_sha"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BranchInfo is a branch listing entry relative to the main branch.
type BranchInfo struct {
	Branch
	Current       bool `json:"current"`
	CommitsAhead  int  `json:"commits_ahead"`
	CommitsBehind int  `json:"commits_behind"`
}

// FileChange is the kind of change a file underwent between two commits.
type FileChange string

const (
	FileAdded    FileChange = "added"
	FileModified FileChange = "modified"
	FileDeleted  FileChange = "deleted"
)

// FileDiff is the per-file part of a Diff.
type FileDiff struct {
	Path    string     `json:"path"`
	Change  FileChange `json:"change"`
	Before  string     `json:"before,omitempty"`
	After   string     `json:"after,omitempty"`
	Unified string     `json:"unified,omitempty"`
}

// Diff compares two commits of the same session.
type Diff struct {
	SessionID     string     `json:"session_id"`
	FromSHA       string     `json:"from_sha"`
	ToSHA         string     `json:"to_sha"`
	FilesAdded    []string   `json:"files_added"`
	FilesModified []string   `json:"files_modified"`
	FilesDeleted  []string   `json:"files_deleted"`
	Files         []FileDiff `json:"files"`
}

// Empty reports whether the two commits are identical.
func (d *Diff) Empty() bool {
	return len(d.FilesAdded) == 0 && len(d.FilesModified) == 0 && len(d.FilesDeleted) == 0
}

// HistoryStats summarizes a session history.
type HistoryStats struct {
	Commits        int       `json:"commits"`
	Branches       int       `json:"branches"`
	Artifacts      int       `json:"artifacts"`
	ArtifactBytes  int64     `json:"artifact_bytes"`
	FailedCommits  int       `json:"failed_commits"`
	LatestActivity time.Time `json:"latest_activity,omitempty"`
}
