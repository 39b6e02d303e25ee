// Package pipeline drives a complete simulation run: it frees the port,
// launches the simulator server, waits for it, runs the stages, tears the
// server down and encodes the captured frames into a video.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/simpipe/simpipe/internal/eventlog"
	"github.com/simpipe/simpipe/internal/history"
	"github.com/simpipe/simpipe/internal/metrics"
	"github.com/simpipe/simpipe/internal/portguard"
	"github.com/simpipe/simpipe/internal/process"
	"github.com/simpipe/simpipe/internal/readiness"
	"github.com/simpipe/simpipe/internal/simulator"
	"github.com/simpipe/simpipe/internal/stage"
	"github.com/simpipe/simpipe/internal/types"
	"github.com/simpipe/simpipe/internal/video"
)

// Exit codes of a run.
const (
	ExitOK                 = 0
	ExitInvalidConfig      = 2
	ExitServerStartTimeout = 3
	ExitLaunchError        = 4
	ExitPortConflict       = 5
	ExitStageLaunch        = stage.LaunchExitCode
	ExitInterrupted        = 130
)

// Outcome names recorded in summaries, history and notifications.
const (
	OutcomeSuccess            = "success"
	OutcomeStageFailed        = "stage_failed"
	OutcomeServerStartTimeout = "server_start_timeout"
	OutcomeServerExited       = "server_exited"
	OutcomeLaunchError        = "launch_error"
	OutcomePortConflict       = "port_conflict"
	OutcomeInterrupted        = "interrupted"
)

// teardownTimeout bounds the best-effort port check after teardown.
const teardownTimeout = 10 * time.Second

// PortGuard frees the simulator port.
type PortGuard interface {
	EnsureFree(ctx context.Context, port int) error
}

// ServerLauncher starts the simulator server.
type ServerLauncher interface {
	Start(ctx context.Context, cfg types.PipelineConfig) (*simulator.Handle, error)
}

// VideoEncoder turns frames into a video.
type VideoEncoder interface {
	Encode(ctx context.Context, frameDir, outputFile string) (*video.Result, error)
}

// Uploader stores the produced video remotely.
type Uploader interface {
	Upload(ctx context.Context, runID, localPath string) (string, error)
}

// HistoryRecorder persists run outcomes.
type HistoryRecorder interface {
	Record(ctx context.Context, r history.Run) error
}

// Options are the run parameters.
type Options struct {
	RunID    string
	Pipeline types.PipelineConfig

	Python       string
	RecordScript string
	ReplayScript string
	SettleDelay  time.Duration

	// VideoPath is where the encoded video is written.
	VideoPath string

	SummaryFile    string
	WebhookURL     string
	PushgatewayURL string
}

// Deps are the collaborators of a run. Optional ones may be nil.
type Deps struct {
	Guard    PortGuard
	Launcher ServerLauncher
	Prober   *readiness.Prober
	Runner   process.Runner
	Clock    readiness.Clock
	Encoder  VideoEncoder

	Events   *eventlog.Bus
	Metrics  *metrics.Run
	Uploader Uploader
	History  HistoryRecorder
}

// Pipeline runs one simulation.
type Pipeline struct {
	opts Options
	deps Deps

	readinessFailures int
}

// New returns a Pipeline.
func New(opts Options, deps Deps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = readiness.RealClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRun()
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = types.DefaultSettleDelay
	}

	p := &Pipeline{opts: opts}
	if deps.Prober != nil {
		// Count failed probes on a private copy of the prober.
		prober := *deps.Prober
		next := prober.OnAttempt
		prober.OnAttempt = func(attempt int, err error) {
			p.readinessFailures = attempt
			if next != nil {
				next(attempt, err)
			}
		}
		deps.Prober = &prober
	}
	p.deps = deps
	return p
}

// Run executes the pipeline and returns its summary. The simulator server
// is always torn down once it was started, whatever failed and whether or
// not ctx was cancelled.
func (p *Pipeline) Run(ctx context.Context) *Summary {
	cfg := p.opts.Pipeline
	sum := newSummary(p.opts)

	slog.Info("pipeline started", "run_id", p.opts.RunID, "mode", cfg.ReplayMode, "port", cfg.Port, "duration", cfg.Duration)
	p.deps.Events.Emit(eventlog.RunStarted, "", &eventlog.RunDetails{Mode: string(cfg.ReplayMode), Port: cfg.Port})

	p.execute(ctx, sum)
	p.collectArtifacts(ctx, sum)
	sum.finish()

	p.publish(ctx, sum)
	return sum
}

// execute runs everything up to and including teardown and records the
// outcome in sum.
func (p *Pipeline) execute(ctx context.Context, sum *Summary) {
	cfg := p.opts.Pipeline

	switch err := p.deps.Guard.EnsureFree(ctx, cfg.Port); {
	case err == nil:
		p.deps.Events.Emit(eventlog.PortCleared, "", &eventlog.ServerDetails{Port: cfg.Port})
	case ctx.Err() != nil:
		sum.fail(ExitInterrupted, OutcomeInterrupted, ctx.Err())
		return
	case errors.Is(err, portguard.ErrInspect):
		slog.Warn("cannot check simulator port, launching anyway", "port", cfg.Port, "error", err)
	default:
		sum.fail(ExitPortConflict, OutcomePortConflict, err)
		return
	}

	h, err := p.deps.Launcher.Start(ctx, cfg)
	if err != nil {
		if ctx.Err() != nil {
			sum.fail(ExitInterrupted, OutcomeInterrupted, ctx.Err())
			return
		}
		sum.fail(ExitLaunchError, OutcomeLaunchError, err)
		return
	}
	defer p.teardown(ctx, h)

	sum.ServerPID = h.PID()
	p.deps.Events.Emit(eventlog.ServerLaunched, "", &eventlog.ServerDetails{PID: h.PID(), Port: cfg.Port, State: string(h.State())})
	h.Observe(func(s types.ServerState) {
		p.deps.Events.Emit(eventlog.ServerState, "", &eventlog.ServerDetails{PID: h.PID(), Port: cfg.Port, State: string(s)})
	})

	err = p.deps.Prober.WaitUntilReady(ctx, h, cfg.Port)
	p.deps.Metrics.SetReadinessAttempts(p.readinessAttempts(err))
	if err != nil {
		switch {
		case ctx.Err() != nil:
			sum.fail(ExitInterrupted, OutcomeInterrupted, ctx.Err())
		case errors.Is(err, readiness.ErrServerExited):
			sum.fail(ExitServerStartTimeout, OutcomeServerExited, err)
		default:
			sum.fail(ExitServerStartTimeout, OutcomeServerStartTimeout, err)
		}
		return
	}
	h.MarkRunning()
	slog.Info("simulator server up", "pid", h.PID(), "startup", time.Since(h.LaunchedAt()).Round(time.Millisecond))

	if err := p.prepareRecording(); err != nil {
		sum.fail(ExitStageLaunch, OutcomeStageFailed, err)
		return
	}

	seq := &stage.Sequencer{
		OnStart:  p.stageStarted,
		OnFinish: p.stageFinished,
	}
	results, err := seq.Run(ctx, p.stages())
	sum.Stages = results
	if err == nil {
		return
	}

	var failure *stage.Failure
	switch {
	case errors.As(err, &failure):
		sum.FailedStage = failure.Name
		sum.fail(failure.ExitCode, OutcomeStageFailed, err)
	case ctx.Err() != nil:
		sum.fail(ExitInterrupted, OutcomeInterrupted, ctx.Err())
	default:
		sum.fail(ExitStageLaunch, OutcomeStageFailed, err)
	}
}

// teardown stops the server and checks that the port was released.
// Failures are logged only.
func (p *Pipeline) teardown(ctx context.Context, h *simulator.Handle) {
	h.Terminate()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := p.deps.Guard.EnsureFree(cleanupCtx, p.opts.Pipeline.Port); err != nil {
		slog.Warn("port not released after teardown", "port", p.opts.Pipeline.Port, "error", err)
	}
}

func (p *Pipeline) readinessAttempts(err error) int {
	if err == nil {
		return p.readinessFailures + 1
	}
	return p.readinessFailures
}

// collectArtifacts counts frames and, after a successful run, encodes them.
// Encoding problems never change the exit code.
func (p *Pipeline) collectArtifacts(ctx context.Context, sum *Summary) {
	sum.countFrames()
	sum.statRecording()
	p.deps.Metrics.SetFrames(sum.Frames)

	if sum.ExitCode != ExitOK {
		slog.Info("skipping video encoding", "reason", sum.Outcome)
		return
	}

	p.deps.Events.Emit(eventlog.EncodingStarted, "", &eventlog.VideoDetails{Output: p.opts.VideoPath})
	res, err := p.deps.Encoder.Encode(ctx, p.opts.Pipeline.OutputDir, p.opts.VideoPath)
	if err != nil {
		sum.EncodingError = err.Error()
		var failure *video.EncodingFailure
		if errors.As(err, &failure) {
			sum.Encoding = failure.Attempts
		}
		if errors.Is(err, video.ErrNoFrames) {
			slog.Warn("no frames captured, skipping video", "frame_dir", p.opts.Pipeline.OutputDir)
		} else {
			slog.Error("video encoding failed", "error", err)
		}
		p.deps.Events.Emit(eventlog.EncodingFailed, "", &eventlog.VideoDetails{Attempts: len(sum.Encoding), Error: err.Error()})
		p.deps.Metrics.SetEncoding(0, len(sum.Encoding))
		return
	}

	sum.Video = res.Output
	sum.VideoSizeBytes = res.SizeBytes
	sum.Candidate = res.Candidate
	sum.Encoding = res.Attempts
	p.deps.Metrics.SetEncoding(res.SizeBytes, len(res.Attempts))
	p.deps.Events.Emit(eventlog.VideoCreated, "", &eventlog.VideoDetails{
		Output:    res.Output,
		Candidate: res.Candidate,
		SizeBytes: res.SizeBytes,
		Attempts:  len(res.Attempts),
	})
}
