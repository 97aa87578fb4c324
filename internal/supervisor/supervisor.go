// Package supervisor launches one external CLI process at a time, streams its
// output as bus events, and reports exactly one completion per session.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mindmapper/claudebridge/internal/events"
	"github.com/mindmapper/claudebridge/internal/logging"
	"github.com/mindmapper/claudebridge/internal/telemetry"
)

var (
	// ErrSpawnFailed wraps every failure to launch the process.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrSessionActive is returned under PolicyReject while a pid is tracked.
	ErrSessionActive = errors.New("a session is already active")
)

// NoActiveProcessReason is the CancelResult reason when nothing is tracked.
const NoActiveProcessReason = "no active process"

// Policy decides what Spawn does while another session is tracked.
type Policy string

const (
	// PolicyReplace overwrites the tracked pid; the older session keeps
	// streaming but can no longer be cancelled.
	PolicyReplace Policy = "replace"
	// PolicyReject refuses to spawn while a pid is tracked.
	PolicyReject Policy = "reject"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarted   Status = "started"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// ProcessRegistry is the single cancellable-pid slot. registry.Registry is
// the production implementation.
type ProcessRegistry interface {
	Set(pid int) error
	Peek() (int, bool, error)
	TakeAndClear() (int, bool, error)
	ClearIf(pid int) error
}

// Command is the process to launch.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the current environment.
	Env []string
}

// SpawnResult is returned once the process is running.
type SpawnResult struct {
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
	Status    Status `json:"status"`
}

// CancelResult reports whether a termination request was issued.
type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	PID       int    `json:"pid,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Session is a point-in-time snapshot of one launched process.
type Session struct {
	ID        string    `json:"sessionId"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	Dir       string    `json:"dir"`
	Status    Status    `json:"status"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitzero"`
}

// Options configures a Supervisor.
type Options struct {
	Registry  ProcessRegistry
	Publisher events.Publisher
	Logger    *log.Logger
	Policy    Policy
	// Terminate overrides the platform termination request. It receives the
	// process handle, never a bare pid, so an exited child is not confused
	// with a recycled pid.
	Terminate func(proc *os.Process) error
	Now       func() time.Time
}

// Supervisor owns spawned processes and their reader and waiter goroutines.
type Supervisor struct {
	registry     ProcessRegistry
	publisher    events.Publisher
	logger       *log.Logger
	policy       Policy
	terminate    func(proc *os.Process) error
	now          func() time.Time
	maxLineBytes int

	// spawnMu serializes Spawn and Cancel so the reject check, Set and run
	// tracking are atomic with respect to each other.
	spawnMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]*Session
	// live holds runs whose process has not been reaped yet, by pid.
	live map[int]*run

	wg sync.WaitGroup
}

// New constructs a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	policy := Policy(strings.ToLower(strings.TrimSpace(string(opts.Policy))))
	switch policy {
	case "":
		policy = PolicyReplace
	case PolicyReplace, PolicyReject:
	default:
		return nil, fmt.Errorf("unsupported spawn policy %q", opts.Policy)
	}
	terminateFn := opts.Terminate
	if terminateFn == nil {
		terminateFn = terminate
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Supervisor{
		registry:     opts.Registry,
		publisher:    opts.Publisher,
		logger:       logging.OrDiscard(opts.Logger),
		policy:       policy,
		terminate:    terminateFn,
		now:          now,
		maxLineBytes: MaxLineBytes,
		sessions:     make(map[string]*Session),
		live:         make(map[int]*run),
	}, nil
}

// Spawn launches command and returns once it is running and the started
// event has been published. Output streaming and the completion event happen
// on background goroutines. ctx parents the session span only; the process
// is not tied to ctx and runs until it exits or Cancel is called.
//
// A telemetry.SessionSpan carried by ctx is adopted and ended by the
// supervisor; otherwise one is started here.
func (s *Supervisor) Spawn(ctx context.Context, command Command) (SpawnResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	span := telemetry.SessionFromContext(ctx)
	if span == nil {
		_, span = telemetry.StartSession(ctx, telemetry.SessionRequest{
			Command: command.Name,
			WorkDir: command.Dir,
		})
	}

	result, err := s.spawn(command, span)
	if err != nil {
		span.End(-1, string(StatusFailed))
		return SpawnResult{}, err
	}
	return result, nil
}

func (s *Supervisor) spawn(command Command, span *telemetry.SessionSpan) (SpawnResult, error) {
	name := strings.TrimSpace(command.Name)
	if name == "" {
		return SpawnResult{}, fmt.Errorf("%w: command is required", ErrSpawnFailed)
	}
	if err := validateDir(command.Dir); err != nil {
		return SpawnResult{}, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	if s.policy == PolicyReject {
		pid, active, err := s.registry.Peek()
		if err != nil {
			return SpawnResult{}, fmt.Errorf("check active session: %w", err)
		}
		if active {
			return SpawnResult{}, fmt.Errorf("%w: pid %d", ErrSessionActive, pid)
		}
	}

	cmd := exec.Command(name, command.Args...)
	cmd.Dir = command.Dir
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return SpawnResult{}, fmt.Errorf("%w: open stdout pipe: %w", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return SpawnResult{}, fmt.Errorf("%w: open stderr pipe: %w", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return SpawnResult{}, fmt.Errorf("%w: start %s: %w", ErrSpawnFailed, name, err)
	}

	pid := cmd.Process.Pid
	sessionID := fmt.Sprintf("session_%d", pid)
	if err := s.registry.Set(pid); err != nil {
		// Untracked processes cannot be cancelled, so do not leave one running.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return SpawnResult{}, fmt.Errorf("register %s: %w", sessionID, err)
	}

	logger := s.logger.With("session_id", sessionID, "pid", pid)
	span.SetProcess(sessionID, pid)
	proc := &run{
		sessionID: sessionID,
		pid:       pid,
		cmd:       cmd,
		span:      span,
		logger:    logger,
	}
	s.track(&Session{
		ID:        sessionID,
		PID:       pid,
		Command:   name,
		Dir:       command.Dir,
		Status:    StatusStarted,
		StartedAt: s.now().UTC(),
	}, proc)

	s.publish(events.EventTypeStarted, sessionID, events.StartedPayload{SessionID: sessionID, PID: pid})
	logger.Info("session started", "command", name, "dir", command.Dir)

	var readers sync.WaitGroup
	readers.Add(2)
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		defer readers.Done()
		s.readStream(proc, "stdout", stdout, s.emitProgress)
	}()
	go func() {
		defer s.wg.Done()
		defer readers.Done()
		s.readStream(proc, "stderr", stderr, s.emitError)
	}()
	go func() {
		defer s.wg.Done()
		readers.Wait()
		s.awaitExit(proc)
	}()
	s.setStatus(sessionID, StatusRunning)

	return SpawnResult{SessionID: sessionID, PID: pid, Status: StatusStarted}, nil
}

// Cancel takes the tracked pid and requests its termination without waiting
// for exit. The session's completion event is still published by its waiter.
//
// The signal goes through the process handle of a run this supervisor
// started. A pid whose run was already reaped is never signalled.
func (s *Supervisor) Cancel() (CancelResult, error) {
	// A pid is registered before its run is tracked; wait for spawn to finish both.
	s.spawnMu.Lock()
	defer s.spawnMu.Unlock()

	pid, ok, err := s.registry.TakeAndClear()
	if err != nil {
		return CancelResult{}, fmt.Errorf("cancel session: %w", err)
	}
	if !ok {
		return CancelResult{Cancelled: false, Reason: NoActiveProcessReason}, nil
	}

	sessionID := fmt.Sprintf("session_%d", pid)
	logger := s.logger.With("session_id", sessionID, "pid", pid)
	proc := s.liveRun(pid)
	if proc == nil {
		logger.Info("tracked process already exited")
		return CancelResult{Cancelled: false, Reason: NoActiveProcessReason}, nil
	}

	s.setStatus(sessionID, StatusCancelled)
	proc.span.RecordCancel()
	switch err := s.terminate(proc.cmd.Process); {
	case errors.Is(err, os.ErrProcessDone):
		logger.Info("process exited before termination request")
	case err != nil:
		logger.Warn("terminate request failed", "error", err)
	default:
		logger.Info("termination requested")
	}
	return CancelResult{Cancelled: true, PID: pid}, nil
}

// Sessions returns snapshots of every session launched by this supervisor,
// oldest first.
func (s *Supervisor) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, snapshot(session))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Session returns the snapshot for sessionID.
func (s *Supervisor) Session(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return snapshot(session), true
}

// Wait blocks until every reader and waiter goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown cancels the tracked session, if any, and waits for background
// goroutines until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if _, err := s.Cancel(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}

type run struct {
	sessionID string
	pid       int
	cmd       *exec.Cmd
	span      *telemetry.SessionSpan
	logger    *log.Logger
}

func (s *Supervisor) readStream(r *run, stream string, pipe io.Reader, emit func(*run, string)) {
	for line, err := range linesWithLimit(pipe, s.maxLineBytes) {
		if err != nil {
			r.logger.Error("stream read failed", "stream", stream, "error", err)
			r.span.RecordStreamError(stream, err)
			// Keep the child from blocking on a full pipe.
			_, _ = io.Copy(io.Discard, pipe)
			return
		}
		emit(r, line)
	}
}

func (s *Supervisor) emitProgress(r *run, line string) {
	kind, data := Classify(line)
	r.span.RecordLine("stdout", kind == events.ProgressTypeJSON)
	s.publish(events.EventTypeProgress, r.sessionID, events.ProgressPayload{
		SessionID: r.sessionID,
		Type:      kind,
		Data:      data,
	})
}

func (s *Supervisor) emitError(r *run, line string) {
	r.span.RecordLine("stderr", false)
	s.publish(events.EventTypeError, r.sessionID, events.ErrorPayload{
		SessionID: r.sessionID,
		Message:   line,
	})
}

func (s *Supervisor) awaitExit(r *run) {
	waitErr := r.cmd.Wait()
	exitCode := exitCodeOf(r.cmd, waitErr)

	if err := s.registry.ClearIf(r.pid); err != nil {
		r.logger.Error("clear registry failed", "error", err)
	}
	s.untrack(r)

	status := StatusFailed
	if exitCode == 0 {
		status = StatusCompleted
	}
	status = s.finish(r.sessionID, status, exitCode)

	s.publish(events.EventTypeComplete, r.sessionID, events.CompletePayload{
		SessionID: r.sessionID,
		ExitCode:  exitCode,
		Success:   exitCode == 0,
	})
	r.span.End(exitCode, string(status))

	logger := r.logger.With("exit_code", exitCode, "status", string(status))
	if waitErr != nil && exitCode == -1 {
		logger = logger.With("error", waitErr)
	}
	logger.Info("session completed")
}

func (s *Supervisor) publish(eventType, sessionID string, payload any) {
	s.publisher.Publish(events.Event{
		Type:      eventType,
		Timestamp: s.now().UTC(),
		SessionID: sessionID,
		Payload:   payload,
	})
}

func (s *Supervisor) track(session *Session, r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	s.live[r.pid] = r
}

func (s *Supervisor) untrack(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[r.pid] == r {
		delete(s.live, r.pid)
	}
}

func (s *Supervisor) liveRun(pid int) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[pid]
}

// setStatus moves a live session to status. Finished sessions are left alone.
func (s *Supervisor) setStatus(sessionID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || !session.EndedAt.IsZero() {
		return
	}
	if session.Status == StatusCancelled && status == StatusRunning {
		return
	}
	session.Status = status
}

// finish records the exit and returns the final status. A session already
// marked cancelled stays cancelled unless it exited cleanly before the
// signal landed.
func (s *Supervisor) finish(sessionID string, status Status, exitCode int) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return status
	}
	if session.Status == StatusCancelled && exitCode != 0 {
		status = StatusCancelled
	}
	code := exitCode
	session.Status = status
	session.ExitCode = &code
	session.EndedAt = s.now().UTC()
	return status
}

func snapshot(session *Session) Session {
	out := *session
	if session.ExitCode != nil {
		code := *session.ExitCode
		out.ExitCode = &code
	}
	return out
}

// exitCodeOf returns the process exit status, or -1 when it cannot be
// obtained (killed by a signal, or Wait failed before the process exited).
func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func validateDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("working directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("working directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %q is not a directory", dir)
	}
	return nil
}
