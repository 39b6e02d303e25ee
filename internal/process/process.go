// Package process runs external commands in their own process group.
//
// Every command gets a fresh process group so that a stop reaches the
// command and everything it spawned. Output is streamed line by line into
// the debug log and the last stderr lines are kept for error reporting.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/simpipe/simpipe/internal/types"
	"github.com/simpipe/simpipe/internal/util"
)

// ErrKillFailed is returned when a killed process is not reaped in time.
var ErrKillFailed = errors.New("process did not exit after SIGKILL")

// Command describes an external command invocation.
type Command struct {
	// Name labels the command's log lines (stage or source name).
	Name string
	Path string
	Args []string
	// Env holds extra KEY=VALUE pairs added to the inherited environment.
	Env []string
	Dir string
	// Capture keeps stdout in Result.Output.
	Capture bool
	// WaitDelay bounds the wait for output pipes held open by descendants
	// after the process exited. Zero uses types.DefaultReapTimeout.
	WaitDelay time.Duration
}

// String returns the command line in a copy-pasteable form.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	for _, s := range append([]string{c.Path}, c.Args...) {
		if s == "" || strings.ContainsAny(s, " \t\"'") {
			s = fmt.Sprintf("%q", s)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

// LaunchError reports a command that could not be started.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Process is a started command.
type Process struct {
	cmd     *exec.Cmd
	name    string
	started time.Time
	stdout  *lineLogger
	stderr  *lineLogger

	done chan struct{}
	err  error // Wait result, valid after done is closed
}

// Start launches c in a new process group and returns without waiting.
// A background goroutine reaps the process; Done is closed when it has exited.
func Start(c Command) (*Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	setGroup(cmd)

	p := &Process{
		cmd:    cmd,
		name:   c.Name,
		stdout: newLineLogger(c.Name, "stdout", c.Capture),
		stderr: newLineLogger(c.Name, "stderr", false),
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	// Grandchildren holding the pipes open must not block the reaper forever.
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = types.DefaultReapTimeout
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: c.String(), Err: err}
	}
	p.started = time.Now()
	slog.Debug("process started", "name", c.Name, "pid", cmd.Process.Pid)

	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.stdout.Flush()
	p.stderr.Flush()
	if errors.Is(err, exec.ErrWaitDelay) {
		slog.Warn("process output pipes still open after exit", "name", p.name)
		err = nil
	}
	p.err = err
	close(p.done)
}

// Pid returns the process ID, which is also the process group ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// StartedAt returns the launch time.
func (p *Process) StartedAt() time.Time {
	return p.started
}

// Done returns a channel that is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status once Done is closed.
// A process killed by a signal reports 128 plus the signal number.
func (p *Process) ExitCode() int {
	<-p.done
	code, ok := util.ExitCode(p.err)
	if !ok {
		return -1
	}
	return code
}

// Output returns captured stdout.
func (p *Process) Output() string {
	return p.stdout.Captured()
}

// StderrTail returns the last lines written to stderr.
func (p *Process) StderrTail() string {
	return p.stderr.Tail()
}

// Stop sends SIGTERM to the process group, waits up to grace, then sends
// SIGKILL and waits up to reap for the process to be collected.
// Stopping an exited process is a no-op.
func (p *Process) Stop(grace, reap time.Duration) error {
	if p.Exited() {
		return nil
	}

	pid := p.Pid()
	slog.Debug("sending SIGTERM to process group", "name", p.name, "pid", pid)
	if err := terminateGroup(p.cmd.Process); err != nil {
		slog.Warn("failed to signal process group", "name", p.name, "pid", pid, "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	slog.Warn("grace period exceeded, sending SIGKILL to process group", "name", p.name, "pid", pid, "grace", grace)
	if err := killGroup(p.cmd.Process); err != nil {
		slog.Warn("failed to kill process group", "name", p.name, "pid", pid, "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(reap):
		return ErrKillFailed
	}
}

// Result is the outcome of a command run to completion.
type Result struct {
	ExitCode int
	Output   string
	Stderr   string
	Duration time.Duration
}

// Runner runs external commands to completion.
type Runner interface {
	Run(ctx context.Context, c Command) (*Result, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	// Grace is the SIGTERM to SIGKILL delay used when ctx is cancelled.
	Grace time.Duration
	// ReapTimeout bounds the wait after SIGKILL.
	ReapTimeout time.Duration
}

// NewRunner returns an ExecRunner with the default stop timings.
func NewRunner() *ExecRunner {
	return &ExecRunner{
		Grace:       types.DefaultTerminateGrace,
		ReapTimeout: types.DefaultReapTimeout,
	}
}

// Run starts c and waits for it to exit. A nonzero exit status is reported
// through Result.ExitCode, not as an error. Errors are returned for launch
// failures (*LaunchError) and for context cancellation, in which case the
// process group is stopped before Run returns.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.WaitDelay == 0 {
		c.WaitDelay = r.ReapTimeout
	}
	p, err := Start(c)
	if err != nil {
		return nil, err
	}

	select {
	case <-p.Done():
	case <-ctx.Done():
		slog.Info("stopping command", "name", c.Name, "pid", p.Pid(), "reason", ctx.Err())
		if stopErr := p.Stop(r.Grace, r.ReapTimeout); stopErr != nil {
			slog.Error("failed to stop command", "name", c.Name, "pid", p.Pid(), "error", stopErr)
		}
		return r.result(p), ctx.Err()
	}

	return r.result(p), nil
}

func (r *ExecRunner) result(p *Process) *Result {
	res := &Result{
		Output: p.Output(),
		Stderr: p.StderrTail(),
	}
	if p.Exited() {
		res.ExitCode = p.ExitCode()
	} else {
		res.ExitCode = -1
	}
	res.Duration = time.Since(p.StartedAt())
	return res
}

// lineLogger is an io.Writer that logs each complete line at debug level
// and retains the most recent lines.
type lineLogger struct {
	mu       sync.Mutex
	name     string
	stream   string
	partial  []byte
	tail     []string
	capture  bool
	captured strings.Builder
}

// tailLines is the number of lines kept for error reporting.
const tailLines = 20

func newLineLogger(name, stream string, capture bool) *lineLogger {
	return &lineLogger{name: name, stream: stream, capture: capture}
}

func (l *lineLogger) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capture {
		l.captured.Write(b)
	}
	l.partial = append(l.partial, b...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		l.line(string(l.partial[:i]))
		l.partial = l.partial[i+1:]
	}
	return len(b), nil
}

// Flush logs a trailing line that was not newline-terminated.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.partial) > 0 {
		l.line(string(l.partial))
		l.partial = nil
	}
}

// line must be called with mu held.
func (l *lineLogger) line(s string) {
	s = strings.TrimRight(s, "\r")
	if strings.TrimSpace(s) == "" {
		return
	}
	slog.Debug(s, "source", l.name, "stream", l.stream)
	l.tail = append(l.tail, s)
	if len(l.tail) > tailLines {
		l.tail = l.tail[len(l.tail)-tailLines:]
	}
}

// Tail returns the retained lines joined by newlines.
func (l *lineLogger) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.tail, "\n")
}

// Captured returns everything written when capture is enabled.
func (l *lineLogger) Captured() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.captured.String()
}
