// Package portguard makes sure the simulator port is free before launch.
package portguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/simpipe/simpipe/internal/types"
	"github.com/simpipe/simpipe/internal/util"
)

var (
	// ErrPortInUse is returned when a port stays occupied after SIGKILL.
	ErrPortInUse = errors.New("port still in use")
	// ErrInspect is returned when the port owners could not be listed.
	// It says nothing about whether the port is in use.
	ErrInspect = errors.New("cannot inspect port")
)

// Inspector discovers and signals the processes listening on a port.
type Inspector interface {
	// Listeners returns the PIDs of processes with a TCP socket listening on port.
	// A PID of 0 means the owner could not be determined.
	Listeners(ctx context.Context, port int) ([]int32, error)
	// Terminate sends SIGTERM, or SIGKILL when kill is set, to pid.
	Terminate(ctx context.Context, pid int32, kill bool) error
}

// Guard frees a TCP port by terminating the processes listening on it.
type Guard struct {
	inspector    Inspector
	clearTimeout time.Duration
	self         int32
}

// New returns a Guard backed by gopsutil.
func New(clearTimeout time.Duration) *Guard {
	return NewWithInspector(SystemInspector{}, clearTimeout)
}

// NewWithInspector returns a Guard that uses the given inspector.
func NewWithInspector(inspector Inspector, clearTimeout time.Duration) *Guard {
	if clearTimeout <= 0 {
		clearTimeout = types.DefaultPortClearTimeout
	}
	return &Guard{
		inspector:    inspector,
		clearTimeout: clearTimeout,
		self:         int32(os.Getpid()),
	}
}

// EnsureFree returns once nothing listens on port. Listeners get SIGTERM
// first and a single SIGKILL if the port is still held after the clear
// timeout. The current process is never signalled. Calling EnsureFree on a
// free port does nothing.
func (g *Guard) EnsureFree(ctx context.Context, port int) error {
	pids, err := g.listeners(ctx, port)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		slog.Debug("port is free", "port", port)
		return nil
	}

	slog.Warn("port in use, terminating listeners", "port", port, "pids", pids)
	g.signal(ctx, pids, false)
	if g.waitClear(ctx, port) {
		slog.Info("port released", "port", port)
		return nil
	}

	if pids, err = g.listeners(ctx, port); err != nil {
		return err
	}
	slog.Warn("port still in use, sending SIGKILL", "port", port, "pids", pids)
	g.signal(ctx, pids, true)
	if g.waitClear(ctx, port) {
		slog.Info("port released", "port", port)
		return nil
	}

	return fmt.Errorf("%w: %d", ErrPortInUse, port)
}

func (g *Guard) listeners(ctx context.Context, port int) ([]int32, error) {
	pids, err := g.inspector.Listeners(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("%w %d: %w", ErrInspect, port, err)
	}
	return pids, nil
}

func (g *Guard) signal(ctx context.Context, pids []int32, kill bool) {
	for _, pid := range pids {
		if pid <= 0 || pid == g.self {
			continue
		}
		if err := g.inspector.Terminate(ctx, pid, kill); err != nil {
			slog.Warn("failed to signal listener", "pid", pid, "kill", kill, "error", err)
		}
	}
}

func (g *Guard) waitClear(ctx context.Context, port int) bool {
	return util.PollUntil(ctx, util.NewBackoff(50*time.Millisecond, 500*time.Millisecond), g.clearTimeout, func() bool {
		pids, err := g.inspector.Listeners(ctx, port)
		return err == nil && len(pids) == 0
	})
}

// SystemInspector inspects the host with gopsutil.
type SystemInspector struct{}

// Listeners implements Inspector.
func (SystemInspector) Listeners(ctx context.Context, port int) ([]int32, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port {
			continue
		}
		if !slices.Contains(pids, c.Pid) {
			pids = append(pids, c.Pid)
		}
	}
	return pids, nil
}

// Terminate implements Inspector.
func (SystemInspector) Terminate(ctx context.Context, pid int32, kill bool) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	if kill {
		return p.KillWithContext(ctx)
	}
	return p.TerminateWithContext(ctx)
}
