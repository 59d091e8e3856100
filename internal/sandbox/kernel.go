package sandbox

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/workspace"
)

// kernelSource is the guest driver run by every isolate as `python3 -u -c`.
//
//go:embed kernel.py
var kernelSource string

const (
	// maxOutputBytes caps stdout/stderr per cell when the caller sets no limit.
	maxOutputBytes = 1 << 20 // 1 MB

	controlDirName = workspace.ControlDirName
)

// kernelRequest is one line written to the kernel's stdin.
type kernelRequest struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
}

// kernelMessage is one line read from the kernel's protocol stream. The first
// message is the ready handshake; every later one answers a request.
type kernelMessage struct {
	Ready     bool   `json:"ready,omitempty"`
	PID       int    `json:"pid,omitempty"`
	ID        int    `json:"id"`
	Status    string `json:"status"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ErrorKind string `json:"error_kind"`
	ExitCode  int    `json:"exit_code"`
}

// kernelProcess is a started interpreter speaking the kernel protocol over
// its stdin/stdout pipes. Both runtimes embed one and add their own Kill.
type kernelProcess struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	hooks  kernelHooks
	logger *slog.Logger

	messages chan kernelMessage
	done     chan struct{}

	execMu sync.Mutex
	seq    int

	killed atomic.Bool
	stderr *limitedBuffer
	reason ExitReason
}

// kernelHooks lets a runtime customise how its kernels stop.
type kernelHooks struct {
	// stop terminates the local process and anything it spawned.
	stop func() error
	// afterExit runs once the process is reaped, before Done is closed. It
	// may enrich the exit reason and release runtime resources.
	afterExit func(*ExitReason)
}

// startKernel starts cmd and waits for the ready handshake.
func startKernel(ctx context.Context, id string, cmd *exec.Cmd, hooks kernelHooks, logger *slog.Logger) (*kernelProcess, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdout pipe: %w", err)
	}
	stderr := &limitedBuffer{remaining: 64 << 10}
	cmd.Stderr = stderr

	k := &kernelProcess{
		id:       id,
		cmd:      cmd,
		stdin:    stdin,
		hooks:    hooks,
		logger:   logger,
		messages: make(chan kernelMessage, 4),
		done:     make(chan struct{}),
		stderr:   stderr,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting kernel: %w", err)
	}
	go k.readLoop(stdout)

	select {
	case msg := <-k.messages:
		if !msg.Ready {
			k.forceStop()
			return nil, fmt.Errorf("kernel sent %q before ready", msg.Status)
		}
		logger.Debug("kernel ready",
			slog.String("isolate", id),
			slog.Int("pid", msg.PID),
		)
		return k, nil
	case <-k.done:
		return nil, fmt.Errorf("kernel exited during startup: %s", k.stderr.String())
	case <-ctx.Done():
		k.forceStop()
		return nil, fmt.Errorf("waiting for kernel handshake: %w", ctx.Err())
	}
}

// readLoop decodes protocol messages until EOF, then reaps the process.
// All reads complete before Wait, as exec.Cmd requires.
func (k *kernelProcess) readLoop(stdout io.Reader) {
	dec := json.NewDecoder(stdout)
	for {
		var msg kernelMessage
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && !k.killed.Load() {
				k.logger.Warn("kernel protocol stream broken",
					slog.String("isolate", k.id),
					slog.String("error", err.Error()),
				)
				_ = k.signalStop()
			}
			_, _ = io.Copy(io.Discard, stdout)
			break
		}
		select {
		case k.messages <- msg:
		default:
			k.logger.Warn("dropping unsolicited kernel message",
				slog.String("isolate", k.id),
				slog.Int("id", msg.ID),
			)
		}
	}

	if err := k.cmd.Wait(); err != nil {
		k.logger.Debug("kernel exited",
			slog.String("isolate", k.id),
			slog.String("error", err.Error()),
		)
	}
	k.reason = exitReasonOf(k.cmd.ProcessState)
	k.reason.KilledByUs = k.killed.Load()
	if k.hooks.afterExit != nil {
		k.hooks.afterExit(&k.reason)
	}
	close(k.done)
}

// Exec sends one cell and waits for its answer, the process exit or ctx.
func (k *kernelProcess) Exec(ctx context.Context, code string) (*ExecOutput, error) {
	k.execMu.Lock()
	defer k.execMu.Unlock()

	k.seq++
	id := k.seq
	line, err := json.Marshal(kernelRequest{ID: id, Code: code})
	if err != nil {
		return nil, fmt.Errorf("encoding kernel request: %w", err)
	}
	line = append(line, '\n')

	start := time.Now()
	if _, err := k.stdin.Write(line); err != nil {
		select {
		case <-k.done:
			return nil, ErrInstanceExited
		default:
		}
		return nil, fmt.Errorf("writing kernel request: %w", err)
	}

	for {
		select {
		case msg := <-k.messages:
			if msg.ID != id {
				continue
			}
			return msg.output(time.Since(start)), nil
		case <-k.done:
			// A reply may have raced the exit.
			select {
			case msg := <-k.messages:
				if msg.ID == id {
					return msg.output(time.Since(start)), nil
				}
			default:
			}
			return nil, ErrInstanceExited
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m kernelMessage) output(d time.Duration) *ExecOutput {
	status := domain.StatusOK
	if m.Status != string(domain.StatusOK) {
		status = domain.StatusError
	}
	return &ExecOutput{
		Status:    status,
		Stdout:    m.Stdout,
		Stderr:    m.Stderr,
		ExitCode:  m.ExitCode,
		ErrorKind: m.ErrorKind,
		Duration:  d,
	}
}

// signalStop kills the local process without marking the kill as ours.
func (k *kernelProcess) signalStop() error {
	if k.hooks.stop != nil {
		return k.hooks.stop()
	}
	if k.cmd.Process == nil {
		return nil
	}
	return k.cmd.Process.Kill()
}

// forceStop kills the local process and waits for the reader to finish.
func (k *kernelProcess) forceStop() {
	k.killed.Store(true)
	_ = k.stdin.Close()
	_ = k.signalStop()
	<-k.done
}

func (k *kernelProcess) ID() string { return k.id }

func (k *kernelProcess) Done() <-chan struct{} { return k.done }

func (k *kernelProcess) ExitReason() ExitReason {
	select {
	case <-k.done:
		return k.reason
	default:
		return ExitReason{}
	}
}

// kernelEnv is the sanitized environment shared by both runtimes. The
// parent environment is never inherited.
func kernelEnv(home, controlDir string, maxOutput int, network NetworkPolicy) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=C.UTF-8",
		"TERM=dumb",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
		"MPLBACKEND=Agg",
		"LABBOX_CONTROL_DIR=" + controlDir,
		"LABBOX_MAX_OUTPUT=" + strconv.Itoa(maxOutput),
	}
	if network.Allowed() {
		env = append(env,
			"HTTP_PROXY="+network.ProxyURL,
			"HTTPS_PROXY="+network.ProxyURL,
			"http_proxy="+network.ProxyURL,
			"https_proxy="+network.ProxyURL,
			"PIP_PROXY="+network.ProxyURL,
		)
	}
	return env
}

// ReadCapture returns what the kernel's current (or last) cell wrote to the
// capture files under workDir, capped at maxBytes per stream. This is the
// partial output of a cell whose isolate was killed. The guest can write the
// control dir, so a capture file that is not a regular file inside workDir
// reads as empty.
func ReadCapture(workDir string, maxBytes int) (stdout, stderr string) {
	if maxBytes <= 0 {
		maxBytes = maxOutputBytes
	}
	scratch, err := workspace.OpenScratch(workDir)
	if err != nil {
		return "", ""
	}
	defer scratch.Close()
	read := func(name string) string {
		data, err := scratch.ReadFile(controlDirName+"/"+name, int64(maxBytes))
		if err != nil {
			return ""
		}
		return string(data)
	}
	return read("stdout"), read("stderr")
}

// resetCapture truncates the capture files so a new cell never reports the
// previous cell's output as partial output.
func resetCapture(workDir string) {
	scratch, err := workspace.OpenScratch(workDir)
	if err != nil {
		return
	}
	defer scratch.Close()
	for _, name := range []string{"stdout", "stderr"} {
		_ = scratch.Truncate(controlDirName + "/" + name)
	}
}

// prepareControlDir creates the kernel's control dir under workDir with perm,
// replacing a symlink or file the guest may have left in its place.
func prepareControlDir(workDir string, perm os.FileMode) error {
	scratch, err := workspace.OpenScratch(workDir)
	if err != nil {
		return err
	}
	defer scratch.Close()
	return scratch.EnsureDir(controlDirName, perm)
}

// limitedBuffer keeps the first bytes written to it and discards the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	remaining int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > b.remaining {
		n = b.remaining
	}
	b.buf = append(b.buf, p[:n]...)
	b.remaining -= n
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
