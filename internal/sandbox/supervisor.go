package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/labbox/internal/domain"
	"github.com/jkaninda/labbox/internal/workspace"
)

const defaultScratchBytes = 512 << 20

// SupervisorConfig configures isolate lifecycle policy.
type SupervisorConfig struct {
	Timeout        time.Duration // Wall-clock deadline per execution. Default: 30s.
	StartTimeout   time.Duration // Deadline for a cold start. Default: 20s.
	KillGrace      time.Duration // Budget for one forced kill. Default: 5s.
	IdleTTL        time.Duration // Idle isolates older than this are reaped. Default: 15m.
	MaxIsolates    int           // 0 = unlimited.
	MaxOutputBytes int           // Cap for partial output read after a kill.
	ScratchBytes   int64         // Cap on the total size of a session's scratch area. Default: 512 MiB.
	ScratchPoll    time.Duration // How often a running cell's scratch area is measured. Default: 250ms.
	Limits         domain.ResourceLimits
	Network        NetworkPolicy
	Observer       KillObserver // Optional.
}

// Isolate is a registry entry: one isolate bound to one session.
type Isolate struct {
	id        string
	sessionID string
	workDir   string
	limits    domain.ResourceLimits
	createdAt time.Time

	// Guarded by Supervisor.mu.
	inst       Instance
	status     domain.IsolateStatus
	expiresAt  time.Time
	lastUsed   time.Time
	execCount  int
	killReason string
}

// Supervisor binds at most one isolate to each session and enforces the
// execution deadline. Its registry is the only record of live isolates.
type Supervisor struct {
	runtime Runtime
	cfg     SupervisorConfig
	logger  *slog.Logger

	mu        sync.Mutex
	bySession map[string]*Isolate
	byID      map[string]*Isolate
}

// NewSupervisor creates a Supervisor over runtime.
func NewSupervisor(runtime Runtime, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 20 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 15 * time.Minute
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = maxOutputBytes
	}
	if cfg.ScratchBytes <= 0 {
		cfg.ScratchBytes = defaultScratchBytes
	}
	if cfg.ScratchPoll <= 0 {
		cfg.ScratchPoll = 250 * time.Millisecond
	}
	return &Supervisor{
		runtime:   runtime,
		cfg:       cfg,
		logger:    logger,
		bySession: make(map[string]*Isolate),
		byID:      make(map[string]*Isolate),
	}
}

// Runtime returns the runtime isolates are started on.
func (s *Supervisor) Runtime() Runtime { return s.runtime }

// Timeout returns the per-execution deadline.
func (s *Supervisor) Timeout() time.Duration { return s.cfg.Timeout }

// Execute runs code in the session's isolate, cold-starting one if needed.
//
// Errors: ErrBusy when the session's isolate is not idle, ErrIsolateStartFailed,
// and *domain.ExecError wrapping ErrTimeout, ErrKilled or
// ErrResourceLimitExceeded with whatever output was flushed before the kill.
// A cell that grows the scratch area past ScratchBytes is torn down and the
// scratch area is emptied.
func (s *Supervisor) Execute(ctx context.Context, sessionID, workDir, code string) (*domain.ExecutionResult, error) {
	iso, err := s.acquire(ctx, sessionID, workDir)
	if err != nil {
		return nil, err
	}

	resetCapture(workDir)
	execCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	s.logger.Debug("executing cell",
		slog.String("session", sessionID),
		slog.String("isolate", iso.id),
		slog.Int("code_bytes", len(code)),
		slog.Duration("timeout", s.cfg.Timeout),
	)

	start := time.Now()
	stopWatch := s.watchScratch(iso, workDir)
	out, execErr := iso.inst.Exec(execCtx, code)
	stopWatch()
	elapsed := time.Since(start)

	s.mu.Lock()
	iso.execCount++
	count := iso.execCount
	iso.lastUsed = time.Now()
	killReason := iso.killReason
	s.mu.Unlock()

	if execErr == nil {
		result := &domain.ExecutionResult{
			Status:         out.Status,
			Stdout:         out.Stdout,
			Stderr:         out.Stderr,
			ExitCode:       out.ExitCode,
			Duration:       out.Duration,
			ExecutionCount: count,
			IsolateID:      iso.id,
		}
		if out.ErrorKind == "memory" {
			s.teardown(iso, KillLimit)
			return nil, &domain.ExecError{
				Cause:   fmt.Errorf("%w: guest raised MemoryError", domain.ErrResourceLimitExceeded),
				Partial: result,
			}
		}
		if used, full := s.scratchFull(iso, workDir); full {
			s.teardown(iso, KillLimit)
			s.clearScratch(iso, workDir)
			return nil, &domain.ExecError{
				Cause:   fmt.Errorf("%w: scratch area holds %d bytes, cap is %d", domain.ErrResourceLimitExceeded, used, s.cfg.ScratchBytes),
				Partial: result,
			}
		}
		s.release(iso)
		s.logger.Info("cell executed",
			slog.String("session", sessionID),
			slog.String("isolate", iso.id),
			slog.String("status", string(result.Status)),
			slog.Int("execution_count", count),
			slog.Duration("duration", elapsed),
		)
		return result, nil
	}

	partial := s.partialResult(iso, workDir, count, elapsed)

	switch {
	case killReason == KillLimit:
		// The scratch watch tore the isolate down.
		s.forget(iso)
		s.clearScratch(iso, workDir)
		return nil, &domain.ExecError{
			Cause:   fmt.Errorf("%w: scratch area over %d bytes", domain.ErrResourceLimitExceeded, s.cfg.ScratchBytes),
			Partial: partial,
		}

	case killReason != "":
		// Panic or targeted kill while the cell ran.
		s.forget(iso)
		return nil, &domain.ExecError{
			Cause:   fmt.Errorf("%w: %s", domain.ErrKilled, killReason),
			Partial: partial,
		}

	case errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil:
		s.teardown(iso, KillTimeout)
		partial.Status = domain.StatusTimeout
		partial.Stdout, partial.Stderr = ReadCapture(workDir, s.cfg.MaxOutputBytes)
		s.logger.Warn("execution timed out",
			slog.String("session", sessionID),
			slog.String("isolate", iso.id),
			slog.Duration("timeout", s.cfg.Timeout),
		)
		return nil, &domain.ExecError{
			Cause:   fmt.Errorf("%w after %s", domain.ErrTimeout, s.cfg.Timeout),
			Partial: partial,
		}

	case ctx.Err() != nil:
		s.teardown(iso, KillCanceled)
		partial.Stdout, partial.Stderr = ReadCapture(workDir, s.cfg.MaxOutputBytes)
		return nil, &domain.ExecError{
			Cause:   fmt.Errorf("%w: caller went away: %v", domain.ErrKilled, ctx.Err()),
			Partial: partial,
		}

	case errors.Is(execErr, ErrInstanceExited):
		s.forget(iso)
		reason := iso.inst.ExitReason()
		if reason.ResourceLimit() {
			s.notify(KillLimit)
			s.logger.Warn("isolate hit a resource limit",
				slog.String("session", sessionID),
				slog.String("isolate", iso.id),
				slog.Int("exit_code", reason.ExitCode),
				slog.String("signal", reason.Signal.String()),
				slog.Bool("oom_killed", reason.OOMKilled),
			)
			return nil, &domain.ExecError{
				Cause:   fmt.Errorf("%w: isolate exited (code %d, signal %s)", domain.ErrResourceLimitExceeded, reason.ExitCode, reason.Signal),
				Partial: partial,
			}
		}
		return nil, &domain.ExecError{
			Cause:   fmt.Errorf("%w: isolate exited unexpectedly (code %d)", domain.ErrKilled, reason.ExitCode),
			Partial: partial,
		}

	default:
		s.teardown(iso, KillCanceled)
		return nil, &domain.ExecError{
			Cause:   fmt.Errorf("%w: %v", domain.ErrKilled, execErr),
			Partial: partial,
		}
	}
}

// acquire returns the session's isolate in the running state, starting one
// if the session has none.
func (s *Supervisor) acquire(ctx context.Context, sessionID, workDir string) (*Isolate, error) {
	now := time.Now()

	s.mu.Lock()
	if iso, ok := s.bySession[sessionID]; ok {
		if iso.status != domain.IsolateIdle {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: isolate %s is %s", domain.ErrBusy, iso.id, iso.status)
		}
		iso.status = domain.IsolateRunning
		iso.expiresAt = now.Add(s.cfg.Timeout)
		s.mu.Unlock()
		return iso, nil
	}
	if s.cfg.MaxIsolates > 0 && len(s.byID) >= s.cfg.MaxIsolates {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d isolates already live", domain.ErrIsolateStartFailed, s.cfg.MaxIsolates)
	}
	iso := &Isolate{
		id:        uuid.NewString(),
		sessionID: sessionID,
		workDir:   workDir,
		limits:    s.cfg.Limits,
		createdAt: now,
		status:    domain.IsolateStarting,
		expiresAt: now.Add(s.cfg.StartTimeout),
		lastUsed:  now,
	}
	s.bySession[sessionID] = iso
	s.byID[iso.id] = iso
	s.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	inst, err := s.runtime.Start(startCtx, IsolateSpec{
		IsolateID: iso.id,
		SessionID: sessionID,
		WorkDir:   workDir,
		Limits:    s.cfg.Limits,
		Network:   s.cfg.Network,
	})
	if err != nil {
		s.forget(iso)
		s.logger.Error("isolate start failed",
			slog.String("session", sessionID),
			slog.String("isolate", iso.id),
			slog.String("runtime", s.runtime.Name()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", domain.ErrIsolateStartFailed, err)
	}

	s.mu.Lock()
	iso.inst = inst
	if iso.killReason != "" {
		// Killed while starting; the killer could not reach the instance.
		reason := iso.killReason
		s.mu.Unlock()
		s.kill(iso)
		return nil, fmt.Errorf("%w: %s during start", domain.ErrKilled, reason)
	}
	iso.status = domain.IsolateRunning
	iso.expiresAt = time.Now().Add(s.cfg.Timeout)
	s.mu.Unlock()

	go s.watch(iso)

	s.logger.Info("isolate started",
		slog.String("session", sessionID),
		slog.String("isolate", iso.id),
		slog.String("runtime", s.runtime.Name()),
		slog.String("instance", inst.ID()),
	)
	return iso, nil
}

// watch drops an idle isolate from the registry if it dies on its own.
func (s *Supervisor) watch(iso *Isolate) {
	<-iso.inst.Done()
	s.mu.Lock()
	current, ok := s.byID[iso.id]
	idle := ok && current == iso && iso.status == domain.IsolateIdle
	if idle {
		s.unregisterLocked(iso)
		iso.status = domain.IsolateTerminated
	}
	s.mu.Unlock()
	if idle {
		s.logger.Warn("idle isolate exited",
			slog.String("session", iso.sessionID),
			slog.String("isolate", iso.id),
			slog.Int("exit_code", iso.inst.ExitReason().ExitCode),
		)
	}
}

// release returns a running isolate to idle.
func (s *Supervisor) release(iso *Isolate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iso.status == domain.IsolateRunning {
		iso.status = domain.IsolateIdle
		iso.expiresAt = iso.lastUsed.Add(s.cfg.IdleTTL)
	}
}

// forget removes iso from the registry without killing it.
func (s *Supervisor) forget(iso *Isolate) {
	s.mu.Lock()
	s.unregisterLocked(iso)
	iso.status = domain.IsolateTerminated
	s.mu.Unlock()
}

func (s *Supervisor) unregisterLocked(iso *Isolate) {
	if s.bySession[iso.sessionID] == iso {
		delete(s.bySession, iso.sessionID)
	}
	if s.byID[iso.id] == iso {
		delete(s.byID, iso.id)
	}
}

// detachLocked marks iso as terminating and removes it from the registry.
// It reports false when iso was already detached.
func (s *Supervisor) detachLocked(iso *Isolate, reason string) bool {
	if s.byID[iso.id] != iso {
		return false
	}
	s.unregisterLocked(iso)
	iso.status = domain.IsolateTerminating
	iso.killReason = reason
	return true
}

// teardown detaches and kills iso.
func (s *Supervisor) teardown(iso *Isolate, reason string) {
	s.mu.Lock()
	detached := s.detachLocked(iso, reason)
	s.mu.Unlock()
	if !detached {
		return
	}
	if err := s.Terminate(context.Background(), iso); err != nil {
		s.logger.Warn("isolate teardown failed",
			slog.String("isolate", iso.id),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}

// Terminate force-kills a detached isolate within the kill grace period.
// Isolates still starting are killed by the starter once Start returns.
func (s *Supervisor) Terminate(ctx context.Context, iso *Isolate) error {
	s.mu.Lock()
	inst := iso.inst
	reason := iso.killReason
	s.mu.Unlock()

	s.notify(reason)
	if inst == nil {
		return nil
	}
	return s.killWithGrace(ctx, iso, inst)
}

func (s *Supervisor) kill(iso *Isolate) {
	s.mu.Lock()
	inst := iso.inst
	s.mu.Unlock()
	if inst == nil {
		return
	}
	if err := s.killWithGrace(context.Background(), iso, inst); err != nil {
		s.logger.Warn("isolate kill failed",
			slog.String("isolate", iso.id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Supervisor) killWithGrace(ctx context.Context, iso *Isolate, inst Instance) error {
	killCtx, cancel := context.WithTimeout(ctx, s.cfg.KillGrace)
	defer cancel()

	err := inst.Kill(killCtx)

	s.mu.Lock()
	iso.status = domain.IsolateTerminated
	reason := iso.killReason
	s.mu.Unlock()

	s.logger.Info("isolate destroyed",
		slog.String("session", iso.sessionID),
		slog.String("isolate", iso.id),
		slog.String("reason", reason),
	)
	return err
}

func (s *Supervisor) notify(reason string) {
	if s.cfg.Observer != nil && reason != "" {
		s.cfg.Observer.IsolateKilled(s.runtime.Name(), reason)
	}
}

// watchScratch measures workDir every ScratchPoll while a cell runs and tears
// iso down once the scratch area outgrows ScratchBytes. The returned func
// stops the watch and waits for it, teardown included.
func (s *Supervisor) watchScratch(iso *Isolate, workDir string) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(s.cfg.ScratchPoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if _, full := s.scratchFull(iso, workDir); full {
					s.teardown(iso, KillLimit)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// scratchFull reports the scratch area's size and whether it is over the cap.
func (s *Supervisor) scratchFull(iso *Isolate, workDir string) (int64, bool) {
	scratch, err := workspace.OpenScratch(workDir)
	if err != nil {
		return 0, false
	}
	defer scratch.Close()
	used, err := scratch.Usage()
	if err != nil {
		s.logger.Debug("measuring scratch area failed",
			slog.String("isolate", iso.id),
			slog.String("error", err.Error()),
		)
		return 0, false
	}
	if used <= s.cfg.ScratchBytes {
		return used, false
	}
	s.logger.Warn("scratch area over its size cap",
		slog.String("session", iso.sessionID),
		slog.String("isolate", iso.id),
		slog.Int64("used_bytes", used),
		slog.Int64("max_bytes", s.cfg.ScratchBytes),
	)
	return used, true
}

// clearScratch empties the scratch area of a torn-down isolate, the way a
// size-capped tmpfs goes away with its container.
func (s *Supervisor) clearScratch(iso *Isolate, workDir string) {
	scratch, err := workspace.OpenScratch(workDir)
	if err == nil {
		err = scratch.Clear()
		scratch.Close()
	}
	if err != nil {
		s.logger.Warn("clearing scratch area failed",
			slog.String("isolate", iso.id),
			slog.String("error", err.Error()),
		)
	}
}

// partialResult builds the result reported alongside a failed execution.
func (s *Supervisor) partialResult(iso *Isolate, workDir string, count int, elapsed time.Duration) *domain.ExecutionResult {
	stdout, stderr := ReadCapture(workDir, s.cfg.MaxOutputBytes)
	return &domain.ExecutionResult{
		Status:         domain.StatusError,
		Stdout:         stdout,
		Stderr:         stderr,
		ExitCode:       -1,
		Duration:       elapsed,
		ExecutionCount: count,
		IsolateID:      iso.id,
	}
}

// Kill destroys one isolate by id.
func (s *Supervisor) Kill(ctx context.Context, isolateID string) error {
	s.mu.Lock()
	iso, ok := s.byID[isolateID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrIsolateNotFound, isolateID)
	}
	s.detachLocked(iso, KillTargeted)
	s.mu.Unlock()

	return s.Terminate(ctx, iso)
}

// Detach removes every isolate from the registry, marking each terminating
// with reason. The caller must Terminate each returned isolate.
func (s *Supervisor) Detach(reason string) []*Isolate {
	s.mu.Lock()
	defer s.mu.Unlock()

	isolates := make([]*Isolate, 0, len(s.byID))
	for _, iso := range s.byID {
		isolates = append(isolates, iso)
	}
	for _, iso := range isolates {
		s.detachLocked(iso, reason)
	}
	return isolates
}

// Release destroys the session's isolate, if any.
func (s *Supervisor) Release(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	iso, ok := s.bySession[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.detachLocked(iso, KillRelease)
	s.mu.Unlock()

	return s.Terminate(ctx, iso)
}

// Reap destroys idle isolates whose idle TTL expired before now.
func (s *Supervisor) Reap(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var expired []*Isolate
	for _, iso := range s.byID {
		if iso.status == domain.IsolateIdle && now.After(iso.expiresAt) {
			expired = append(expired, iso)
		}
	}
	for _, iso := range expired {
		s.detachLocked(iso, KillIdle)
	}
	s.mu.Unlock()

	for _, iso := range expired {
		if err := s.Terminate(ctx, iso); err != nil {
			s.logger.Warn("reaping idle isolate failed",
				slog.String("isolate", iso.id),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(expired)
}

// Reconcile removes runtime instances that no registry entry owns, such as
// containers left behind by a crashed process. It returns how many it removed.
func (s *Supervisor) Reconcile(ctx context.Context) (int, error) {
	names, err := s.runtime.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing %s isolates: %w", s.runtime.Name(), err)
	}

	s.mu.Lock()
	known := make([]string, 0, len(s.byID))
	for id := range s.byID {
		known = append(known, id)
	}
	s.mu.Unlock()

	removed := 0
	for _, name := range names {
		if owned(name, known) {
			continue
		}
		if err := s.runtime.Remove(ctx, name); err != nil {
			s.logger.Warn("removing orphaned isolate failed",
				slog.String("instance", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.notify(KillOrphan)
		s.logger.Info("removed orphaned isolate", slog.String("instance", name))
		removed++
	}
	return removed, nil
}

func owned(name string, isolateIDs []string) bool {
	for _, id := range isolateIDs {
		if strings.HasSuffix(name, id) {
			return true
		}
	}
	return false
}

// Lookup returns the session's isolate, if one is live.
func (s *Supervisor) Lookup(sessionID string) (domain.IsolateInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iso, ok := s.bySession[sessionID]
	if !ok {
		return domain.IsolateInfo{}, false
	}
	return s.infoLocked(iso), true
}

// ListActive returns every registered isolate, oldest first.
func (s *Supervisor) ListActive() []domain.IsolateInfo {
	s.mu.Lock()
	infos := make([]domain.IsolateInfo, 0, len(s.byID))
	for _, iso := range s.byID {
		infos = append(infos, s.infoLocked(iso))
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Info returns a snapshot of a (possibly detached) isolate.
func (s *Supervisor) Info(iso *Isolate) domain.IsolateInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(iso)
}

func (s *Supervisor) infoLocked(iso *Isolate) domain.IsolateInfo {
	return domain.IsolateInfo{
		ID:             iso.id,
		SessionID:      iso.sessionID,
		Status:         iso.status,
		Runtime:        s.runtime.Name(),
		Limits:         iso.limits,
		ExecutionCount: iso.execCount,
		CreatedAt:      iso.createdAt,
		ExpiresAt:      iso.expiresAt,
	}
}

// Shutdown destroys every isolate. Used on process exit.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, iso := range s.Detach(KillRelease) {
		if err := s.Terminate(ctx, iso); err != nil {
			s.logger.Warn("isolate shutdown failed",
				slog.String("isolate", iso.id),
				slog.String("error", err.Error()),
			)
		}
	}
}
