// Package simulator starts and stops the simulator server process.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/simpipe/simpipe/internal/process"
	"github.com/simpipe/simpipe/internal/types"
)

// Container mode runs the server launcher inside the image.
const (
	containerLauncher = "./CarlaUE4.sh"
	containerPrefix   = "simpipe-"
)

// Launcher starts simulator server processes.
type Launcher struct {
	// Binary is the simulator executable used when no image is configured.
	Binary string
	// Docker is the container runtime CLI used when an image is configured.
	Docker string
	// RunID names the container.
	RunID string

	Grace       time.Duration
	ReapTimeout time.Duration

	// Runner runs container runtime commands at teardown. Nil uses an
	// ExecRunner with the launcher's timings.
	Runner process.Runner

	start func(process.Command) (Proc, error)
}

// NewLauncher returns a Launcher with default timings.
func NewLauncher(binary, runID string) *Launcher {
	return &Launcher{
		Binary:      binary,
		Docker:      "docker",
		RunID:       runID,
		Grace:       types.DefaultTerminateGrace,
		ReapTimeout: types.DefaultReapTimeout,
	}
}

// Command returns the launch command for cfg.
func (l *Launcher) Command(cfg types.PipelineConfig) process.Command {
	serverArgs := []string{
		"-RenderOffScreen",
		"-nosound",
		fmt.Sprintf("-carla-rpc-port=%d", cfg.Port),
	}

	if cfg.Image == "" {
		return process.Command{Name: "simulator", Path: l.Binary, Args: serverArgs, WaitDelay: l.ReapTimeout}
	}

	args := []string{
		"run", "--rm",
		"--name", l.ContainerName(),
		"--net=host",
		"--gpus", "all",
		cfg.Image,
		containerLauncher,
	}
	return process.Command{Name: "simulator", Path: l.Docker, Args: append(args, serverArgs...), WaitDelay: l.ReapTimeout}
}

// Start launches the server detached in its own process group and returns
// immediately with a Handle in state starting.
func (l *Launcher) Start(ctx context.Context, cfg types.PipelineConfig) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := l.Command(cfg)
	start := l.start
	if start == nil {
		start = func(c process.Command) (Proc, error) { return process.Start(c) }
	}

	p, err := start(cmd)
	if err != nil {
		return nil, err
	}

	if cfg.Image != "" {
		p = &containerProc{Proc: p, docker: l.Docker, name: l.ContainerName(), runner: l.runner()}
	}

	slog.Info("simulator server launched", "pid", p.Pid(), "port", cfg.Port, "command", cmd.String())
	return NewHandle(p, l.Grace, l.ReapTimeout), nil
}

// ContainerName returns the name of the container started in container mode.
func (l *Launcher) ContainerName() string {
	return containerPrefix + l.RunID
}

func (l *Launcher) runner() process.Runner {
	if l.Runner != nil {
		return l.Runner
	}
	return &process.ExecRunner{Grace: l.Grace, ReapTimeout: l.ReapTimeout}
}
