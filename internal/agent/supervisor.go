// Package agent spawns and supervises the Claude CLI child process and
// captures its output line by line.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
)

// ClaudeArgs are the fixed arguments passed to the Claude CLI.
var ClaudeArgs = []string{
	"--output-format=stream-json",
	"--verbose",
	"--print",
	"--include-partial-messages",
}

// ErrAlreadyRunning is returned by Start while a previous process has not
// been reaped.
var ErrAlreadyRunning = errors.New("process already running")

// SpawnError is returned when the child could not be launched at all:
// missing executable, permission denied, pipe creation failure.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Process is one running child and its output capture.
type Process struct {
	cmd     *exec.Cmd
	capture *Capture
	started time.Time

	done    chan struct{} // closed when the process exits
	waitErr error         // set before done is closed
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Lines returns the capture for the process's output.
func (p *Process) Lines() *Capture {
	return p.capture
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// StartedAt returns the time the process was spawned.
func (p *Process) StartedAt() time.Time {
	return p.started
}

const defaultKillTimeout = 5 * time.Second

// Supervisor owns at most one live child process at a time.
type Supervisor struct {
	// Dir is the working directory of the child. Empty means the current
	// directory.
	Dir string
	// Env holds extra KEY=VALUE entries appended to the inherited
	// environment.
	Env []string
	// KillTimeout bounds how long Kill waits for the process to exit.
	KillTimeout time.Duration

	mu   sync.Mutex
	proc *Process
}

// NewSupervisor returns a Supervisor with default settings.
func NewSupervisor() *Supervisor {
	return &Supervisor{KillTimeout: defaultKillTimeout}
}

func (s *Supervisor) killTimeout() time.Duration {
	if s.KillTimeout > 0 {
		return s.KillTimeout
	}
	return defaultKillTimeout
}

// Start spawns executable with args, writes stdin to it and begins
// capturing its output. Cancelling ctx terminates the process group.
//
// Each output stream gets its own os.Pipe whose read end is owned by a
// capture reader, so that reaping the process never closes a pipe a reader
// is still draining.
func (s *Supervisor) Start(ctx context.Context, executable string, args []string, stdin []byte) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc != nil {
		return nil, ErrAlreadyRunning
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Executable: executable, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return nil, &SpawnError{Executable: executable, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(filterEnv(cmd.Environ(), "CLAUDECODE"), s.Env...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = outW
	cmd.Stderr = errW
	setProcAttr(cmd)

	// Terminate the whole group on cancellation; Go sends SIGKILL to the
	// child if it is still alive after WaitDelay.
	cmd.Cancel = func() error {
		return terminateGroup(cmd.Process)
	}
	cmd.WaitDelay = defaultKillTimeout

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		return nil, &SpawnError{Executable: executable, Err: err}
	}

	// The child holds its own copies of the write ends now. Closing ours
	// lets the readers see EOF when the child exits.
	closeAll(outW, errW)

	p := &Process{
		cmd:     cmd,
		capture: StartCapture(outR, errR),
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	s.proc = p
	slog.Info("command_spawned", "pid", p.PID(), "executable", executable)
	return p, nil
}

// Kill sends SIGKILL to the process group and waits, bounded by
// KillTimeout, for the process to exit. It is a no-op without a live
// process. The handle stays in place for Reap.
func (s *Supervisor) Kill() error {
	s.mu.Lock()
	p := s.proc
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := killGroup(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("failed to kill process", "pid", p.PID(), "error", err)
	}

	timeout := s.killTimeout()
	select {
	case <-p.done:
		slog.Info("process_killed", "pid", p.PID())
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("process %d did not exit within %s", p.PID(), timeout)
	}
}

// Reap collects the exit status without blocking. It returns false while
// the process is still running; the handle then stays live and the caller
// should try again later. Once it returns true the handle is released and
// a new process may be started. With no handle at all it reports
// KilledOrUnknown.
func (s *Supervisor) Reap() (ExitOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.proc
	if p == nil {
		return Killed, true
	}

	select {
	case <-p.done:
	default:
		return ExitOutcome{}, false
	}

	s.proc = nil

	var exitErr *exec.ExitError
	if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
		slog.Debug("process wait error", "pid", p.PID(), "error", p.waitErr)
	}
	return outcomeOf(p.cmd.ProcessState), true
}

// Lines returns the current process's capture, or nil.
func (s *Supervisor) Lines() *Capture {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return nil
	}
	return s.proc.capture
}

// PID returns the current process's id, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// Running reports whether a process handle is held.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// filterEnv returns a copy of environ without the named variables.
func filterEnv(environ []string, keys ...string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, _ := strings.Cut(entry, "=")
		if slices.ContainsFunc(keys, func(k string) bool { return strings.EqualFold(name, k) }) {
			continue
		}
		filtered = append(filtered, entry)
	}
	return filtered
}
