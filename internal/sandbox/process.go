package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
)

const (
	defaultCPUSeconds   = 300
	defaultMemoryMB     = 512
	defaultMaxOpenFiles = 256
	defaultDiskMB       = 256
)

// ProcessConfig configures the host process runtime.
type ProcessConfig struct {
	Interpreter    string // Default: "python3".
	DefaultLimits  ResourceDefaults
	MaxOutputBytes int
	// ShareHostNetwork runs the kernel in the host network namespace even
	// when the isolate gets no egress. Without it the kernel runs under
	// `unshare -rn` (fresh user and network namespace) and Start fails when
	// unshare is missing.
	ShareHostNetwork bool
}

// ResourceDefaults are the limits applied when an IsolateSpec leaves a
// field at zero.
type ResourceDefaults struct {
	CPUSeconds   int
	MemoryMB     int
	MaxOpenFiles int
	DiskMB       int
}

// ProcessRuntime runs each isolate as a long-lived interpreter process on the
// host. It is development grade: it has no filesystem or syscall isolation
// beyond ulimits, a private process group and a network namespace. With egress
// allowed the kernel shares the host network and the proxy is advisory; use
// the docker runtime to enforce it.
//
// Guarantees:
//   - Kernel runs in its own process group (Setpgid); Kill SIGKILLs the group
//   - No environment inheritance from the parent process
//   - Virtual memory, cumulative CPU time, open files and file size capped via ulimit
//   - Working directory is the session scratch area
//   - No network unless egress is allowed or ShareHostNetwork is set
type ProcessRuntime struct {
	interpreter      string
	limits           ResourceDefaults
	maxOutput        int
	shareHostNetwork bool
	logger           *slog.Logger

	mu   sync.Mutex
	live map[string]*processInstance
}

// NewProcessRuntime creates a process runtime.
func NewProcessRuntime(cfg ProcessConfig, logger *slog.Logger) *ProcessRuntime {
	limits := cfg.DefaultLimits
	if limits.CPUSeconds == 0 {
		limits.CPUSeconds = defaultCPUSeconds
	}
	if limits.MemoryMB == 0 {
		limits.MemoryMB = defaultMemoryMB
	}
	if limits.MaxOpenFiles == 0 {
		limits.MaxOpenFiles = defaultMaxOpenFiles
	}
	if limits.DiskMB == 0 {
		limits.DiskMB = defaultDiskMB
	}
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = maxOutputBytes
	}
	return &ProcessRuntime{
		interpreter:      interpreter,
		limits:           limits,
		maxOutput:        maxOutput,
		shareHostNetwork: cfg.ShareHostNetwork,
		logger:           logger,
		live:             make(map[string]*processInstance),
	}
}

func (r *ProcessRuntime) Name() string { return "process" }

// commandArgs builds the /bin/sh arguments that launch the kernel:
// sh -c 'ulimit ...; exec "$@"' _ [unshare -rn] python3 -u -c <kernel>.
// Positional parameters keep the kernel source out of the shell string.
func (r *ProcessRuntime) commandArgs(spec IsolateSpec, limits ResourceDefaults) ([]string, error) {
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; ulimit -n %d 2>/dev/null; ulimit -f %d 2>/dev/null; exec \"$@\"",
		limits.MemoryMB*1024, limits.CPUSeconds, limits.MaxOpenFiles, limits.DiskMB*1024*2,
	)
	args := []string{"-c", shellScript, "_"} // "_" is the $0 placeholder
	if !r.shareHostNetwork && !spec.Network.Allowed() {
		unshare, err := exec.LookPath("unshare")
		if err != nil {
			return nil, fmt.Errorf("isolating network for %s: %w", spec.IsolateID, err)
		}
		args = append(args, unshare, "-rn")
	}
	return append(args, r.interpreter, "-u", "-c", kernelSource), nil
}

// Start launches the kernel and waits for its handshake.
func (r *ProcessRuntime) Start(ctx context.Context, spec IsolateSpec) (Instance, error) {
	if spec.WorkDir == "" {
		return nil, fmt.Errorf("isolate %s: empty work dir", spec.IsolateID)
	}
	if err := os.MkdirAll(spec.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	controlDir := filepath.Join(spec.WorkDir, controlDirName)
	if err := prepareControlDir(spec.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating control dir: %w", err)
	}

	limits := r.resolveLimits(spec)
	args, err := r.commandArgs(spec, limits)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("/bin/sh", args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = kernelEnv(spec.WorkDir, controlDir, r.maxOutput, spec.Network)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	// Negative PID = kill the entire process group.
	killGroup := func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	r.logger.Info("starting process isolate",
		slog.String("isolate", spec.IsolateID),
		slog.String("session", spec.SessionID),
		slog.String("dir", spec.WorkDir),
		slog.Int("memory_limit_mb", limits.MemoryMB),
		slog.Int("cpu_limit_sec", limits.CPUSeconds),
		slog.Bool("network", spec.Network.Allowed()),
		slog.Bool("host_network", r.shareHostNetwork),
	)

	k, err := startKernel(ctx, spec.IsolateID, cmd, kernelHooks{stop: killGroup}, r.logger)
	if err != nil {
		return nil, err
	}
	inst := &processInstance{kernelProcess: k}

	r.mu.Lock()
	r.live[k.ID()] = inst
	r.mu.Unlock()
	go func() {
		<-k.Done()
		r.mu.Lock()
		delete(r.live, k.ID())
		r.mu.Unlock()
	}()

	return inst, nil
}

// List returns the ids of the kernels started by this runtime that are still alive.
func (r *ProcessRuntime) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	return ids, nil
}

// Remove kills a live kernel by id. Unknown ids are ignored: host processes
// cannot outlive the runtime that started them in a way we could track.
func (r *ProcessRuntime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.live[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.Kill(ctx)
}

// resolveLimits merges isolate-level overrides with runtime defaults.
func (r *ProcessRuntime) resolveLimits(spec IsolateSpec) ResourceDefaults {
	limits := r.limits
	if spec.Limits.CPUSeconds > 0 {
		limits.CPUSeconds = spec.Limits.CPUSeconds
	}
	if spec.Limits.MemoryBytes > 0 {
		limits.MemoryMB = int(spec.Limits.MemoryBytes >> 20)
	}
	if spec.Limits.MaxOpenFiles > 0 {
		limits.MaxOpenFiles = spec.Limits.MaxOpenFiles
	}
	if spec.Limits.DiskBytes > 0 {
		limits.DiskMB = int(spec.Limits.DiskBytes >> 20)
	}
	return limits
}

type processInstance struct {
	*kernelProcess
}

// Kill SIGKILLs the kernel's process group and waits for it to be reaped.
func (p *processInstance) Kill(ctx context.Context) error {
	p.killed.Store(true)
	_ = p.stdin.Close()
	if err := p.signalStop(); err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing isolate %s: %w", p.id, err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for isolate %s to exit: %w", p.id, ctx.Err())
	}
}

// exitReasonOf translates a wait status into an ExitReason.
func exitReasonOf(state *os.ProcessState) ExitReason {
	if state == nil {
		return ExitReason{ExitCode: -1}
	}
	reason := ExitReason{ExitCode: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		reason.Signal = ws.Signal()
	}
	return reason
}

var _ Runtime = (*ProcessRuntime)(nil)
