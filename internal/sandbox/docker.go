package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "python:3.12-slim"
	defaultDockerUser      = "65534:65534"
	defaultDockerTmpfsMB   = 64

	// containerWorkDir is where the session scratch area is mounted.
	containerWorkDir = "/workspace"

	labelManaged = "labbox.managed"
	labelSession = "labbox.session"
)

// DockerConfig configures the Docker runtime.
type DockerConfig struct {
	Image          string  // Runtime image with the interpreter (e.g. "python:3.12-slim").
	Interpreter    string  // Default: "python3".
	CPUCores       float64 // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int     // --pids-limit (prevents fork bombs).
	Network        string  // Network used when egress is allowed. Default: "bridge".
	SeccompProfile string  // Optional seccomp profile path.
	User           string  // Default: "65534:65534".
	TmpfsSizeMB    int     // Size of the /tmp tmpfs.
	DefaultLimits  ResourceDefaults
	MaxOutputBytes int
}

// DockerRuntime runs each isolate in a long-lived hardened container whose
// stdin/stdout carry the kernel protocol.
//
// Security guarantees:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only); only /workspace and a tmpfs /tmp are writable
//   - Privilege escalation blocked (--security-opt=no-new-privileges), optional seccomp profile
//   - Non-root user
//   - Network disabled (--network=none) unless an egress proxy is configured
//   - Memory hard limit with no swap (OOM kill on exceed), PIDs limit, CPU rate limit
//   - Containers labelled so orphans from a crashed process can be found and removed
type DockerRuntime struct {
	config DockerConfig
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*dockerInstance
}

// NewDockerRuntime creates a Docker runtime.
func NewDockerRuntime(cfg DockerConfig, logger *slog.Logger) *DockerRuntime {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	if cfg.Network == "" {
		cfg.Network = "bridge"
	}
	if cfg.User == "" {
		cfg.User = defaultDockerUser
	}
	if cfg.TmpfsSizeMB <= 0 {
		cfg.TmpfsSizeMB = defaultDockerTmpfsMB
	}
	if cfg.DefaultLimits.MemoryMB == 0 {
		cfg.DefaultLimits.MemoryMB = defaultMemoryMB
	}
	if cfg.DefaultLimits.MaxOpenFiles == 0 {
		cfg.DefaultLimits.MaxOpenFiles = defaultMaxOpenFiles
	}
	if cfg.DefaultLimits.DiskMB == 0 {
		cfg.DefaultLimits.DiskMB = defaultDiskMB
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = maxOutputBytes
	}
	return &DockerRuntime{
		config: cfg,
		logger: logger,
		live:   make(map[string]*dockerInstance),
	}
}

func (r *DockerRuntime) Name() string { return "docker" }

// Start runs a new container and waits for the kernel handshake.
func (r *DockerRuntime) Start(ctx context.Context, spec IsolateSpec) (Instance, error) {
	if spec.WorkDir == "" {
		return nil, fmt.Errorf("isolate %s: empty work dir", spec.IsolateID)
	}
	name := containerName(spec.IsolateID)
	if name == "" {
		var err error
		if name, err = generateContainerName(); err != nil {
			return nil, fmt.Errorf("generating container name: %w", err)
		}
	}

	// The container user is unprivileged; the scratch area must be writable by it.
	if err := os.MkdirAll(spec.WorkDir, 0o777); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	if err := os.Chmod(spec.WorkDir, 0o777); err != nil {
		return nil, fmt.Errorf("opening scratch dir to container user: %w", err)
	}
	if err := prepareControlDir(spec.WorkDir, 0o777); err != nil {
		return nil, fmt.Errorf("creating control dir: %w", err)
	}

	args := r.buildDockerArgs(name, spec)
	args = append(args, r.config.Interpreter, "-u", "-c", kernelSource)

	cmd := exec.Command("docker", args...)
	inst := &dockerInstance{runtime: r, name: name}
	hooks := kernelHooks{
		stop: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Kill()
		},
		afterExit: inst.afterExit,
	}

	r.logger.Info("starting docker isolate",
		slog.String("container", name),
		slog.String("session", spec.SessionID),
		slog.String("image", r.config.Image),
		slog.Float64("cpu_cores", r.config.CPUCores),
		slog.Bool("network", spec.Network.Allowed()),
	)

	k, err := startKernel(ctx, name, cmd, hooks, r.logger)
	if err != nil {
		r.forceRemoveContainer(name)
		return nil, err
	}
	inst.kernelProcess = k

	r.mu.Lock()
	r.live[name] = inst
	r.mu.Unlock()

	return inst, nil
}

// List returns every labbox-managed container on the host, running or not.
func (r *DockerRuntime) List(ctx context.Context) ([]string, error) {
	out, err := exec.CommandContext(ctx, "docker", "ps", "-a",
		"--filter", "label="+labelManaged+"=true",
		"--format", "{{.Names}}",
	).Output()
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Remove force-removes a container by name.
func (r *DockerRuntime) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	inst, ok := r.live[name]
	r.mu.Unlock()
	if ok {
		return inst.Kill(ctx)
	}
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		return fmt.Errorf("docker rm -f %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// buildDockerArgs constructs the full docker run argument list with all
// security hardening flags. The command itself is NOT included.
func (r *DockerRuntime) buildDockerArgs(name string, spec IsolateSpec) []string {
	limits := r.resolveLimits(spec)
	memoryFlag := strconv.Itoa(limits.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(r.config.CPUCores, 'f', 2, 64)
	pids := r.config.PIDsLimit
	if spec.Limits.MaxProcesses > 0 {
		pids = spec.Limits.MaxProcesses
	}
	nofile := strconv.Itoa(limits.MaxOpenFiles)
	fsize := strconv.FormatInt(int64(limits.DiskMB)<<20, 10)

	args := []string{
		"run", "-i",
		"--name", name,
		"--label", labelManaged + "=true",
		"--label", labelSession + "=" + spec.SessionID,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=" + r.config.User,

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,
		"--pids-limit=" + strconv.Itoa(pids),
		"--ulimit", "nofile=" + nofile + ":" + nofile,
		"--ulimit", "fsize=" + fsize + ":" + fsize,

		// --- Writable areas ---
		"--tmpfs", fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%dm", r.config.TmpfsSizeMB),
		"-v", spec.WorkDir + ":" + containerWorkDir + ":rw",
		"--workdir", containerWorkDir,
	}

	if limits.CPUSeconds > 0 {
		cpu := strconv.Itoa(limits.CPUSeconds)
		args = append(args, "--ulimit", "cpu="+cpu+":"+cpu)
	}
	if spec.Limits.CPUShares > 0 {
		args = append(args, "--cpu-shares="+strconv.Itoa(spec.Limits.CPUShares))
	}
	if r.config.SeccompProfile != "" {
		args = append(args, "--security-opt", "seccomp="+r.config.SeccompProfile)
	}

	// Network policy: no network stack at all unless egress goes through the proxy.
	if spec.Network.Allowed() {
		args = append(args, "--network="+r.config.Network)
	} else {
		args = append(args, "--network=none")
	}

	for _, kv := range kernelEnv("/tmp", containerWorkDir+"/"+controlDirName, r.config.MaxOutputBytes, spec.Network) {
		args = append(args, "--env", kv)
	}

	// Image (must come after all flags, before command).
	args = append(args, r.config.Image)
	return args
}

func (r *DockerRuntime) resolveLimits(spec IsolateSpec) ResourceDefaults {
	limits := r.config.DefaultLimits
	if spec.Limits.MemoryBytes > 0 {
		limits.MemoryMB = int(spec.Limits.MemoryBytes >> 20)
	}
	if spec.Limits.CPUSeconds > 0 {
		limits.CPUSeconds = spec.Limits.CPUSeconds
	}
	if spec.Limits.MaxOpenFiles > 0 {
		limits.MaxOpenFiles = spec.Limits.MaxOpenFiles
	}
	if spec.Limits.DiskBytes > 0 {
		limits.DiskMB = int(spec.Limits.DiskBytes >> 20)
	}
	return limits
}

// forceRemoveContainer removes a container by name, best effort.
func (r *DockerRuntime) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		r.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// oomKilled asks the daemon whether the container's last exit was an OOM kill.
func (r *DockerRuntime) oomKilled(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.OOMKilled}}", name).Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "true"
}

type dockerInstance struct {
	*kernelProcess
	runtime *DockerRuntime
	name    string
}

// Kill stops the container, then the attached docker client.
func (d *dockerInstance) Kill(ctx context.Context) error {
	d.killed.Store(true)

	var killErr error
	out, err := exec.CommandContext(ctx, "docker", "kill", d.name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) && !bytes.Contains(out, []byte("is not running")) {
		killErr = fmt.Errorf("docker kill %s: %w", d.name, err)
	}
	_ = d.stdin.Close()
	_ = d.signalStop()

	select {
	case <-d.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for container %s to exit: %w", d.name, ctx.Err())
	}
	return killErr
}

// afterExit records OOM kills and removes the stopped container.
func (d *dockerInstance) afterExit(reason *ExitReason) {
	if !reason.KilledByUs && d.runtime.oomKilled(d.name) {
		reason.OOMKilled = true
	}
	d.runtime.forceRemoveContainer(d.name)

	d.runtime.mu.Lock()
	delete(d.runtime.live, d.name)
	d.runtime.mu.Unlock()
}

// containerName derives the container name from an isolate id.
func containerName(isolateID string) string {
	if isolateID == "" {
		return ""
	}
	return "labbox-" + isolateID
}

// generateContainerName returns a unique container name: labbox-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "labbox-sbx-" + hex.EncodeToString(b), nil
}

var _ Runtime = (*DockerRuntime)(nil)
