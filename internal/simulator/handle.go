package simulator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/simpipe/simpipe/internal/types"
)

// Proc is the running server process behind a Handle.
type Proc interface {
	Pid() int
	Done() <-chan struct{}
	Stop(grace, reap time.Duration) error
}

// validTransitions lists the states reachable from each state.
// Terminating is reachable from every non-terminal state.
var validTransitions = map[types.ServerState][]types.ServerState{
	types.ServerStarting:    {types.ServerReady, types.ServerFailed, types.ServerTerminating},
	types.ServerReady:       {types.ServerRunning, types.ServerTerminating},
	types.ServerRunning:     {types.ServerTerminating},
	types.ServerFailed:      {types.ServerTerminating},
	types.ServerTerminating: {types.ServerTerminated},
}

// Handle tracks one simulator server process from launch to teardown.
// It is owned by the orchestrator; other components only read its state.
type Handle struct {
	proc     Proc
	grace    time.Duration
	reap     time.Duration
	launched time.Time

	mu       sync.Mutex
	state    types.ServerState
	observer func(types.ServerState)

	terminateOnce sync.Once
}

// NewHandle wraps a started process in state starting.
func NewHandle(p Proc, grace, reap time.Duration) *Handle {
	return &Handle{
		proc:     p,
		grace:    grace,
		reap:     reap,
		launched: time.Now(),
		state:    types.ServerStarting,
	}
}

// PID returns the server process ID.
func (h *Handle) PID() int {
	return h.proc.Pid()
}

// LaunchedAt returns the launch timestamp.
func (h *Handle) LaunchedAt() time.Time {
	return h.launched
}

// State returns the current lifecycle state.
func (h *Handle) State() types.ServerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Exited returns a channel closed when the server process has exited,
// whether on its own or through Terminate.
func (h *Handle) Exited() <-chan struct{} {
	return h.proc.Done()
}

// Observe registers fn to be called after every state change.
func (h *Handle) Observe(fn func(types.ServerState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observer = fn
}

// MarkReady records that the server answered a readiness probe.
func (h *Handle) MarkReady() { h.transition(types.ServerReady) }

// MarkRunning records that stages are being driven against the server.
func (h *Handle) MarkRunning() { h.transition(types.ServerRunning) }

// MarkFailed records that the readiness budget was exhausted.
func (h *Handle) MarkFailed() { h.transition(types.ServerFailed) }

func (h *Handle) transition(to types.ServerState) bool {
	h.mu.Lock()
	from := h.state
	if !canTransition(from, to) {
		h.mu.Unlock()
		slog.Warn("ignoring invalid server state transition", "from", from, "to", to)
		return false
	}
	h.state = to
	observer := h.observer
	h.mu.Unlock()

	slog.Debug("server state changed", "pid", h.PID(), "from", from, "to", to)
	if observer != nil {
		observer(to)
	}
	return true
}

func canTransition(from, to types.ServerState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminate stops the server process group: SIGTERM, the grace period, then
// SIGKILL and a bounded wait for the process to be reaped. Only the first
// call has any effect. Terminate never returns an error; failures are logged.
func (h *Handle) Terminate() {
	h.terminateOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("server teardown panicked", "pid", h.PID(), "panic", fmt.Sprint(r))
				h.forceState(types.ServerTerminated)
			}
		}()

		h.transition(types.ServerTerminating)
		slog.Info("stopping simulator server", "pid", h.PID())
		start := time.Now()

		if err := h.proc.Stop(h.grace, h.reap); err != nil {
			slog.Error("failed to stop simulator server", "pid", h.PID(), "error", err)
		}

		h.transition(types.ServerTerminated)
		slog.Info("simulator server stopped", "pid", h.PID(), "took", time.Since(start).Round(time.Millisecond))
	})
}

func (h *Handle) forceState(s types.ServerState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}
