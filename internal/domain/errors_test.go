package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "Internal"},
		{"busy", ErrBusy, "Busy"},
		{"wrapped", fmt.Errorf("%w: feat", ErrBranchNotFound), "BranchNotFound"},
		{"double wrapped", fmt.Errorf("commit: %w", fmt.Errorf("%w: disk full", ErrStorageFailure)), "StorageFailure"},
		{"exec error", &ExecError{Cause: fmt.Errorf("%w after 30s", ErrTimeout)}, "Timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPartialResult(t *testing.T) {
	partial := &ExecutionResult{Status: StatusTimeout, Stdout: "tick\n"}
	err := fmt.Errorf("execute: %w", &ExecError{Cause: ErrTimeout, Partial: partial})

	if !errors.Is(err, ErrTimeout) {
		t.Fatal("expected wrapped ExecError to match ErrTimeout")
	}
	if got := PartialResult(err); got != partial {
		t.Errorf("PartialResult() = %v, want %v", got, partial)
	}
	if got := PartialResult(ErrKilled); got != nil {
		t.Errorf("PartialResult(ErrKilled) = %v, want nil", got)
	}
}

func TestCommitShortSHA(t *testing.T) {
	c := &Commit{SHA: "0123456789abcdef"}
	if got := c.ShortSHA(); got != "0123456" {
		t.Errorf("ShortSHA() = %q", got)
	}
	short := &Commit{SHA: "abc"}
	if got := short.ShortSHA(); got != "abc" {
		t.Errorf("ShortSHA() = %q", got)
	}
}

func TestValidSessionID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"abc", true},
		{"a1_b-2", true},
		{"550e8400-e29b-41d4-a716-446655440000", true},
		{"", false},
		{"-leading", false},
		{"../etc", false},
		{"has space", false},
		{"a/b", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tt := range tests {
		if got := ValidSessionID(tt.id); got != tt.want {
			t.Errorf("ValidSessionID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
