package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/simpipe/simpipe/internal/eventlog"
	"github.com/simpipe/simpipe/internal/process"
	"github.com/simpipe/simpipe/internal/progress"
	"github.com/simpipe/simpipe/internal/stage"
	"github.com/simpipe/simpipe/internal/types"
	"github.com/simpipe/simpipe/internal/util"
)

// Stage names.
const (
	StageRecord = "record"
	StageInfo   = "info"
	StageSettle = "settle"
	StageReplay = "replay"
)

// PortEnv carries the simulator port to stage commands.
const PortEnv = "SIMPIPE_PORT"

// stages builds the canonical record, info, settle, replay sequence.
func (p *Pipeline) stages() []stage.Stage {
	cfg := p.opts.Pipeline
	duration := strconv.Itoa(cfg.Duration)
	env := []string{fmt.Sprintf("%s=%d", PortEnv, cfg.Port)}

	command := func(script string, args ...string) process.Command {
		return process.Command{
			Path: p.opts.Python,
			Args: append([]string{script}, args...),
			Env:  env,
		}
	}

	record := stage.NewCommandStage(StageRecord,
		command(p.opts.RecordScript, "record", "--file", cfg.RecordingFile, "--duration", duration),
		p.deps.Runner)
	info := stage.NewCommandStage(StageInfo,
		command(p.opts.RecordScript, "info", "--file", cfg.RecordingFile),
		p.deps.Runner)
	settle := &stage.DelayStage{StageName: StageSettle, Delay: p.opts.SettleDelay, Clock: p.deps.Clock}
	replay := stage.NewCommandStage(StageReplay,
		command(p.opts.ReplayScript, string(cfg.ReplayMode),
			"--file", cfg.RecordingFile,
			"--output", cfg.OutputDir,
			"--duration", duration,
			"--sync"),
		p.deps.Runner)

	return []stage.Stage{
		record,
		info,
		settle,
		stage.WithHook(replay, p.watchFrames),
	}
}

// watchFrames reports capture progress while the replay stage runs.
func (p *Pipeline) watchFrames(ctx context.Context) func() {
	dir := p.opts.Pipeline.OutputDir
	w, err := progress.Start(ctx, dir, types.ProgressEvery, func(frames int) {
		p.deps.Events.Emit(eventlog.FrameProgress, "", &eventlog.FrameDetails{Frames: frames, Dir: dir})
	})
	if err != nil {
		slog.Warn("frame progress unavailable", "dir", dir, "error", err)
		return func() {}
	}
	return func() {
		slog.Info("replay frames captured", "frames", w.Stop(), "dir", dir)
	}
}

// prepareRecording makes sure the recording and frame directories are
// writable and warns before an existing recording is overwritten.
func (p *Pipeline) prepareRecording() error {
	file := p.opts.Pipeline.RecordingFile
	for _, dir := range []string{filepath.Dir(file), p.opts.Pipeline.OutputDir} {
		if err := util.CheckPathWritable(dir); err != nil {
			return err
		}
	}
	if info, err := os.Stat(file); err == nil {
		slog.Warn("overwriting existing recording", "file", file, "size", util.FormatMegabytes(info.Size()))
	}
	return nil
}

// checkRecording reports the recording produced by the record stage.
func (p *Pipeline) checkRecording() {
	file := p.opts.Pipeline.RecordingFile
	info, err := os.Stat(file)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Warn("record stage produced no recording", "file", file)
	case err != nil:
		slog.Warn("failed to inspect recording", "file", file, "error", err)
	case info.Size() == 0:
		slog.Warn("recording is empty", "file", file)
	default:
		slog.Info("recording saved", "file", file, "size", util.FormatMegabytes(info.Size()))
	}
}

func (p *Pipeline) stageStarted(index int, s stage.Stage) {
	p.deps.Events.Emit(eventlog.StageStarted, "", &eventlog.StageDetails{
		Index:   index,
		Name:    s.Name(),
		Command: s.Command(),
	})
}

func (p *Pipeline) stageFinished(r types.StageResult) {
	p.deps.Metrics.ObserveStage(r)

	eventType := eventlog.StageFinished
	if !r.Succeeded() {
		eventType = eventlog.StageFailed
	}
	p.deps.Events.Emit(eventType, "", &eventlog.StageDetails{
		Index:      r.Index,
		Name:       r.Name,
		Command:    r.Command,
		ExitCode:   r.ExitCode,
		DurationMs: r.Duration.Milliseconds(),
		Error:      r.Error,
	})

	if r.Name == StageRecord && r.Succeeded() {
		p.checkRecording()
	}
}
