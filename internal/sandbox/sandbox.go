// Package sandbox runs untrusted code cells inside long-lived, resource-capped
// isolates. A Runtime starts isolates (host processes or docker containers);
// the Supervisor binds at most one isolate to each session and owns the
// registry the panic controller drains.
package sandbox

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/jkaninda/labbox/internal/domain"
)

// ErrInstanceExited is returned by Instance.Exec when the isolate died before
// answering.
var ErrInstanceExited = errors.New("isolate exited")

// Runtime creates isolates. Implementations must be safe for concurrent use.
type Runtime interface {
	// Name identifies the runtime in logs, metrics and isolate listings.
	Name() string

	// Start launches an isolate and blocks until its kernel is ready or ctx
	// expires.
	Start(ctx context.Context, spec IsolateSpec) (Instance, error)

	// List returns the runtime-level names of every isolate this runtime
	// manages on the host, including ones left behind by a previous process.
	List(ctx context.Context) ([]string, error)

	// Remove force-destroys an isolate by runtime-level name.
	Remove(ctx context.Context, name string) error
}

// Instance is a started isolate.
type Instance interface {
	// ID is the runtime-level name (container name or process id string).
	ID() string

	// Exec runs one code cell. It returns ErrInstanceExited if the isolate
	// dies first and ctx.Err() if ctx ends first.
	Exec(ctx context.Context, code string) (*ExecOutput, error)

	// Kill destroys the isolate. It is safe to call more than once.
	Kill(ctx context.Context) error

	// Done is closed once the isolate has fully exited.
	Done() <-chan struct{}

	// ExitReason describes why the isolate exited. Valid after Done.
	ExitReason() ExitReason
}

// IsolateSpec describes the isolate to start.
type IsolateSpec struct {
	IsolateID string
	SessionID string
	WorkDir   string // Host scratch directory, the only writable area.
	Limits    domain.ResourceLimits
	Network   NetworkPolicy
}

// NetworkPolicy is default-deny. ProxyURL is set only when an allowlisting
// egress proxy is running.
type NetworkPolicy struct {
	ProxyURL string
}

// Allowed reports whether the isolate gets any network access.
func (n NetworkPolicy) Allowed() bool {
	return n.ProxyURL != ""
}

// ExecOutput is the kernel's answer for one cell.
type ExecOutput struct {
	Status    domain.ExecStatus
	Stdout    string
	Stderr    string
	ExitCode  int
	ErrorKind string // "", "exception", "memory" or "exit"
	Duration  time.Duration
}

// ExitReason describes how an isolate ended.
type ExitReason struct {
	ExitCode   int
	Signal     syscall.Signal
	OOMKilled  bool
	KilledByUs bool
}

// ResourceLimit reports whether the isolate was stopped by a resource cap
// (memory, cpu time, file size) rather than by us or a normal exit.
func (r ExitReason) ResourceLimit() bool {
	if r.KilledByUs {
		return false
	}
	if r.OOMKilled {
		return true
	}
	switch r.Signal {
	case syscall.SIGKILL, syscall.SIGXCPU, syscall.SIGXFSZ:
		return true
	}
	return r.ExitCode == 137
}

// KillObserver is notified whenever the supervisor destroys an isolate.
type KillObserver interface {
	IsolateKilled(runtime, reason string)
}

// Kill reasons reported to a KillObserver.
const (
	KillTimeout  = "timeout"
	KillPanic    = "panic"
	KillTargeted = "targeted"
	KillIdle     = "idle"
	KillRelease  = "release"
	KillLimit    = "resource_limit"
	KillCanceled = "canceled"
	KillOrphan   = "orphan"
)
