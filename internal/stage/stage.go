// Package stage runs the pipeline's external stages in order, stopping at
// the first failure.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/simpipe/simpipe/internal/process"
	"github.com/simpipe/simpipe/internal/util"
)

// LaunchExitCode is reported for a stage whose command could not be started.
const LaunchExitCode = 127

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	// Command returns the printable command line.
	Command() string
	// Run executes the stage and returns its exit code.
	Run(ctx context.Context) (int, error)
}

// Failure identifies the stage that stopped the sequence.
type Failure struct {
	Index    int
	Name     string
	ExitCode int
	Err      error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("stage %d (%s) failed with exit code %d", f.Index, f.Name, f.ExitCode)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// CommandStage runs an external command.
type CommandStage struct {
	StageName string
	Cmd       process.Command
	Runner    process.Runner
}

// NewCommandStage returns a stage that runs cmd through runner.
func NewCommandStage(name string, cmd process.Command, runner process.Runner) *CommandStage {
	cmd.Name = name
	return &CommandStage{StageName: name, Cmd: cmd, Runner: runner}
}

// Name implements Stage.
func (s *CommandStage) Name() string { return s.StageName }

// Command implements Stage.
func (s *CommandStage) Command() string { return s.Cmd.String() }

// Run implements Stage. Launch failures return LaunchExitCode.
func (s *CommandStage) Run(ctx context.Context) (int, error) {
	res, err := s.Runner.Run(ctx, s.Cmd)
	if err != nil {
		var launchErr *process.LaunchError
		if errors.As(err, &launchErr) {
			return LaunchExitCode, err
		}
		if res != nil {
			return res.ExitCode, err
		}
		return 0, err
	}
	if res.ExitCode != 0 {
		if last := util.ExtractLastError(res.Stderr); last != "" {
			return res.ExitCode, errors.New(last)
		}
	}
	return res.ExitCode, nil
}

// Sleeper pauses for a duration unless ctx ends first.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// DelayStage waits a fixed duration.
type DelayStage struct {
	StageName string
	Delay     time.Duration
	Clock     Sleeper
}

// Name implements Stage.
func (s *DelayStage) Name() string { return s.StageName }

// Command implements Stage.
func (s *DelayStage) Command() string { return fmt.Sprintf("sleep %s", s.Delay) }

// Run implements Stage.
func (s *DelayStage) Run(ctx context.Context) (int, error) {
	if err := s.Clock.Sleep(ctx, s.Delay); err != nil {
		return 0, err
	}
	return 0, nil
}

// hooked runs a hook around another stage.
type hooked struct {
	Stage
	hook func(ctx context.Context) (stop func())
}

// WithHook returns s with hook started before every run; the function the
// hook returns is called once the run has finished.
func WithHook(s Stage, hook func(ctx context.Context) (stop func())) Stage {
	return &hooked{Stage: s, hook: hook}
}

func (h *hooked) Run(ctx context.Context) (int, error) {
	stop := h.hook(ctx)
	defer stop()
	return h.Stage.Run(ctx)
}
