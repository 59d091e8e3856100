package domain

import (
	"errors"
)

// Error kinds. Callers match them with errors.Is; every layer wraps them
// with fmt.Errorf("%w: ...").
var (
	ErrBusy                  = errors.New("session busy")
	ErrTimeout               = errors.New("execution timed out")
	ErrKilled                = errors.New("isolate killed")
	ErrIsolateStartFailed    = errors.New("isolate start failed")
	ErrResourceLimitExceeded = errors.New("resource limit exceeded")
	ErrStorageFailure        = errors.New("storage failure")
	ErrBranchNotFound        = errors.New("branch not found")
	ErrBranchExists          = errors.New("branch already exists")
	ErrCommitNotFound        = errors.New("commit not found")
	ErrCrossSessionDiff      = errors.New("commits belong to different sessions")
	ErrSessionNotFound       = errors.New("session not found")
	ErrIsolateNotFound       = errors.New("isolate not found")
	ErrInvalidArgument       = errors.New("invalid argument")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrBusy, "Busy"},
	{ErrTimeout, "Timeout"},
	{ErrKilled, "Killed"},
	{ErrIsolateStartFailed, "IsolateStartFailed"},
	{ErrResourceLimitExceeded, "ResourceLimitExceeded"},
	{ErrStorageFailure, "StorageFailure"},
	{ErrBranchNotFound, "BranchNotFound"},
	{ErrBranchExists, "BranchExists"},
	{ErrCommitNotFound, "CommitNotFound"},
	{ErrCrossSessionDiff, "CrossSessionDiff"},
	{ErrSessionNotFound, "SessionNotFound"},
	{ErrIsolateNotFound, "IsolateNotFound"},
	{ErrInvalidArgument, "InvalidArgument"},
}

// KindOf returns the wire name of the first error kind err matches, or
// "Internal" when it matches none.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// ExecError is returned when an execution ends without a normal reply from
// the isolate (timeout or kill). Partial holds whatever output was flushed
// before the isolate died.
type ExecError struct {
	Cause   error
	Partial *ExecutionResult
}

func (e *ExecError) Error() string {
	return e.Cause.Error()
}

func (e *ExecError) Unwrap() error {
	return e.Cause
}

// PartialResult extracts the partial result carried by err, if any.
func PartialResult(err error) *ExecutionResult {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Partial
	}
	return nil
}
