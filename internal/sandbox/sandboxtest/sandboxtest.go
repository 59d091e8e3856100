// Package sandboxtest provides a scripted in-memory sandbox.Runtime for
// deterministic tests of code built on top of the supervisor.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/sandbox"
	"github.com/jkaninda/labbox/internal/workspace"
)

// Script answers one cell. It runs on its own goroutine; it should return
// promptly once ctx is done.
type Script func(ctx context.Context, inst *Instance, code string) (*sandbox.ExecOutput, error)

// Runtime is a fake sandbox.Runtime whose isolates run a Script.
type Runtime struct {
	script Script

	mu        sync.Mutex
	startErr  error
	killErr   error
	instances map[string]*Instance
	orphans   map[string]bool
	starts    int
}

// New returns a Runtime running script. A nil script uses Interpreter.
func New(script Script) *Runtime {
	if script == nil {
		script = Interpreter
	}
	return &Runtime{
		script:    script,
		instances: make(map[string]*Instance),
		orphans:   make(map[string]bool),
	}
}

func (r *Runtime) Name() string { return "fake" }

// FailStarts makes every subsequent Start return err (nil restores).
func (r *Runtime) FailStarts(err error) {
	r.mu.Lock()
	r.startErr = err
	r.mu.Unlock()
}

// FailKills makes Kill report err for every instance; the instance still
// exits (nil restores).
func (r *Runtime) FailKills(err error) {
	r.mu.Lock()
	r.killErr = err
	r.mu.Unlock()
}

func (r *Runtime) killError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.killErr
}

func (r *Runtime) Start(ctx context.Context, spec sandbox.IsolateSpec) (sandbox.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inst := &Instance{
		id:      "fake-" + spec.IsolateID,
		spec:    spec,
		script:  r.script,
		runtime: r,
		done:    make(chan struct{}),
		running: make(chan struct{}, 1),
		vars:    make(map[string]string),
	}
	r.instances[inst.id] = inst
	r.starts++
	return inst, nil
}

func (r *Runtime) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for id, inst := range r.instances {
		if !inst.exited() {
			names = append(names, id)
		}
	}
	for name := range r.orphans {
		names = append(names, name)
	}
	return names, nil
}

func (r *Runtime) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	inst, ok := r.instances[name]
	delete(r.orphans, name)
	r.mu.Unlock()
	if ok {
		return inst.Kill(ctx)
	}
	return nil
}

// AddOrphan makes List report an instance nobody owns.
func (r *Runtime) AddOrphan(name string) {
	r.mu.Lock()
	r.orphans[name] = true
	r.mu.Unlock()
}

// Starts returns how many isolates were started.
func (r *Runtime) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Live returns how many isolates have not exited.
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inst := range r.instances {
		if !inst.exited() {
			n++
		}
	}
	return n
}

// Instance is a fake isolate.
type Instance struct {
	id      string
	spec    sandbox.IsolateSpec
	script  Script
	runtime *Runtime

	done     chan struct{}
	doneOnce sync.Once
	running  chan struct{}

	mu     sync.Mutex
	reason sandbox.ExitReason
	vars   map[string]string
}

func (i *Instance) ID() string { return i.id }

// WorkDir returns the scratch directory the isolate was started with.
func (i *Instance) WorkDir() string { return i.spec.WorkDir }

// Running is signalled each time a cell starts.
func (i *Instance) Running() <-chan struct{} { return i.running }

func (i *Instance) Exec(ctx context.Context, code string) (*sandbox.ExecOutput, error) {
	if i.exited() {
		return nil, sandbox.ErrInstanceExited
	}
	select {
	case i.running <- struct{}{}:
	default:
	}

	type answer struct {
		out *sandbox.ExecOutput
		err error
	}
	cellCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-i.done:
			cancel()
		case <-cellCtx.Done():
		}
	}()

	ch := make(chan answer, 1)
	start := time.Now()
	go func() {
		out, err := i.script(cellCtx, i, code)
		ch <- answer{out, err}
	}()

	select {
	case a := <-ch:
		if i.exited() {
			return nil, sandbox.ErrInstanceExited
		}
		if a.err != nil {
			return nil, a.err
		}
		if a.out.Duration == 0 {
			a.out.Duration = time.Since(start)
		}
		return a.out, nil
	case <-i.done:
		return nil, sandbox.ErrInstanceExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (i *Instance) Kill(_ context.Context) error {
	i.exit(sandbox.ExitReason{ExitCode: 137, Signal: syscall.SIGKILL, KilledByUs: true})
	return i.runtime.killError()
}

// Crash makes the isolate exit on its own with reason.
func (i *Instance) Crash(reason sandbox.ExitReason) {
	i.exit(reason)
}

func (i *Instance) Done() <-chan struct{} { return i.done }

func (i *Instance) ExitReason() sandbox.ExitReason {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reason
}

func (i *Instance) exit(reason sandbox.ExitReason) {
	i.doneOnce.Do(func() {
		i.mu.Lock()
		i.reason = reason
		i.mu.Unlock()
		close(i.done)
	})
}

func (i *Instance) exited() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

var (
	printRe  = regexp.MustCompile(`^print\((["'])(.*)(["'])\)$`)
	printVar = regexp.MustCompile(`^print\(([A-Za-z_][A-Za-z0-9_]*)\)$`)
	assignRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(["'])(.*)(["'])$`)
	sleepRe  = regexp.MustCompile(`^time\.sleep\(([0-9.]+)\)$`)
	writeRe  = regexp.MustCompile(`^write\(["']([^"']+)["'],\s*["'](.*)["']\)$`)
	raiseRe  = regexp.MustCompile(`^raise (\w+)\((.*)\)$`)
)

// Interpreter is a tiny line-based stand-in for the python kernel. Each
// line may be:
//
//	print("text")          append text and a newline to stdout
//	name = "text"          bind a variable that persists across cells
//	print(name)            print a bound variable (NameError if unbound)
//	time.sleep(N)          block for N seconds or until the cell is cancelled
//	write("path", "data")  create a file in the scratch area
//	raise Name(msg)        stop with status error and a traceback on stderr
//	exit(N)                stop with status error and exit code N
//	oom()                  crash the isolate as if the kernel OOM killer hit it
//
// Blank lines, comments and imports are ignored; anything else is an error.
func Interpreter(ctx context.Context, inst *Instance, code string) (*sandbox.ExecOutput, error) {
	var stdout strings.Builder
	fail := func(stderr string, code int) *sandbox.ExecOutput {
		return &sandbox.ExecOutput{
			Status:    domain.StatusError,
			Stdout:    stdout.String(),
			Stderr:    stderr,
			ExitCode:  code,
			ErrorKind: "exception",
		}
	}

	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "import "):
		case printRe.MatchString(line):
			m := printRe.FindStringSubmatch(line)
			stdout.WriteString(m[2] + "\n")
		case printVar.MatchString(line):
			name := printVar.FindStringSubmatch(line)[1]
			inst.mu.Lock()
			v, ok := inst.vars[name]
			inst.mu.Unlock()
			if !ok {
				return fail(fmt.Sprintf("Traceback (most recent call last):\nNameError: name '%s' is not defined\n", name), 1), nil
			}
			stdout.WriteString(v + "\n")
		case assignRe.MatchString(line):
			m := assignRe.FindStringSubmatch(line)
			inst.mu.Lock()
			inst.vars[m[1]] = m[3]
			inst.mu.Unlock()
		case sleepRe.MatchString(line):
			secs, _ := strconv.ParseFloat(sleepRe.FindStringSubmatch(line)[1], 64)
			writeCapture(inst, stdout.String())
			select {
			case <-time.After(time.Duration(secs * float64(time.Second))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case writeRe.MatchString(line):
			m := writeRe.FindStringSubmatch(line)
			path := filepath.Join(inst.WorkDir(), filepath.FromSlash(m[1]))
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return fail(err.Error()+"\n", 1), nil
			}
			if err := os.WriteFile(path, []byte(m[2]), 0o640); err != nil {
				return fail(err.Error()+"\n", 1), nil
			}
		case raiseRe.MatchString(line):
			m := raiseRe.FindStringSubmatch(line)
			return fail(fmt.Sprintf("Traceback (most recent call last):\n  File \"<cell>\", line 1, in <module>\n%s: %s\n", m[1], strings.Trim(m[2], `"'`)), 1), nil
		case strings.HasPrefix(line, "exit(") && strings.HasSuffix(line, ")"):
			n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(line, "exit("), ")"))
			if err != nil {
				n = 1
			}
			out := fail("", n)
			out.ErrorKind = "exit"
			return out, nil
		case line == "oom()":
			writeCapture(inst, stdout.String())
			inst.Crash(sandbox.ExitReason{ExitCode: 137, Signal: syscall.SIGKILL, OOMKilled: true})
			return nil, errors.New("isolate crashed")
		default:
			return fail(fmt.Sprintf("Traceback (most recent call last):\nSyntaxError: unsupported statement %q\n", line), 1), nil
		}
	}
	return &sandbox.ExecOutput{Status: domain.StatusOK, Stdout: stdout.String()}, nil
}

// writeCapture mirrors the kernel's capture file so partial output is
// visible to the supervisor after a kill.
func writeCapture(inst *Instance, stdout string) {
	dir := filepath.Join(inst.WorkDir(), workspace.ControlDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, "stdout"), []byte(stdout), 0o600)
}

var _ sandbox.Runtime = (*Runtime)(nil)
