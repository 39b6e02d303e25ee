package stage

import (
	"context"
	"log/slog"
	"time"

	"github.com/simpipe/simpipe/internal/types"
)

// Sequencer runs stages strictly in order.
type Sequencer struct {
	// OnStart is called before a stage runs.
	OnStart func(index int, s Stage)
	// OnFinish is called after a stage returns, whatever the outcome.
	OnFinish func(result types.StageResult)
}

// Run executes stages one after another. It stops at the first stage that
// exits nonzero or cannot be launched and returns a *Failure naming it; no
// later stage runs. If ctx is cancelled the context error is returned.
// The results of every stage that ran are returned in order.
func (q *Sequencer) Run(ctx context.Context, stages []Stage) ([]types.StageResult, error) {
	results := make([]types.StageResult, 0, len(stages))

	for i, s := range stages {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		slog.Info("stage started", "index", i, "stage", s.Name(), "command", s.Command())
		if q.OnStart != nil {
			q.OnStart(i, s)
		}

		start := time.Now()
		code, err := s.Run(ctx)
		result := types.StageResult{
			Index:    i,
			Name:     s.Name(),
			Command:  s.Command(),
			ExitCode: code,
			Duration: time.Since(start),
		}
		if err != nil {
			result.Error = err.Error()
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			results = append(results, result)
			q.finish(result)
			slog.Warn("stage interrupted", "index", i, "stage", s.Name())
			return results, ctxErr
		}

		if err != nil && code == 0 {
			result.ExitCode = LaunchExitCode
		}
		results = append(results, result)
		q.finish(result)

		if result.ExitCode != 0 {
			slog.Error("stage failed", "index", i, "stage", s.Name(), "exit_code", result.ExitCode, "error", err)
			return results, &Failure{Index: i, Name: s.Name(), ExitCode: result.ExitCode, Err: err}
		}
		slog.Info("stage completed", "index", i, "stage", s.Name(), "duration", result.Duration.Round(time.Millisecond))
	}

	return results, nil
}

func (q *Sequencer) finish(result types.StageResult) {
	if q.OnFinish != nil {
		q.OnFinish(result)
	}
}
