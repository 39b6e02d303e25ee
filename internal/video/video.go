// Package video turns captured frames into a video with ffmpeg, falling back
// through progressively simpler encoder configurations.
package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/simpipe/simpipe/internal/process"
	"github.com/simpipe/simpipe/internal/types"
	"github.com/simpipe/simpipe/internal/util"
)

// ErrNoFrames is returned when the frame directory holds no frames.
var ErrNoFrames = errors.New("no frames to encode")

// minimalCandidate names the last-resort attempt.
const minimalCandidate = "minimal"

// EncodingFailure is returned when every attempt failed.
type EncodingFailure struct {
	Attempts []types.EncodingAttempt
}

func (e *EncodingFailure) Error() string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Candidate)
	}
	msg := fmt.Sprintf("video encoding failed after %d attempts (%s)", len(e.Attempts), strings.Join(names, ", "))
	if n := len(e.Attempts); n > 0 && e.Attempts[n-1].Error != "" {
		msg += ": " + e.Attempts[n-1].Error
	}
	return msg
}

// Result describes a produced video.
type Result struct {
	Output    string
	SizeBytes int64
	Candidate string
	Frames    int
	Duration  time.Duration
	Attempts  []types.EncodingAttempt
}

// Encoder runs the codec fallback chain.
type Encoder struct {
	FFmpeg  string
	FPS     int
	CRF     int
	Bitrate string
	Runner  process.Runner

	probeOnce sync.Once
	available map[string]bool
}

// New returns an Encoder with default settings.
func New(ffmpegPath string, runner process.Runner) *Encoder {
	return &Encoder{
		FFmpeg:  ffmpegPath,
		FPS:     types.DefaultFPS,
		CRF:     types.DefaultCRF,
		Bitrate: types.DefaultBitrate,
		Runner:  runner,
	}
}

// Available returns the encoders ffmpeg reports. The probe runs once per
// Encoder; a failed probe is treated as no optional encoder being available.
func (e *Encoder) Available(ctx context.Context) map[string]bool {
	e.probeOnce.Do(func() {
		res, err := e.Runner.Run(ctx, process.Command{
			Name:    "ffmpeg-probe",
			Path:    e.FFmpeg,
			Args:    []string{"-hide_banner", "-encoders"},
			Capture: true,
		})
		switch {
		case err != nil:
			slog.Warn("failed to probe ffmpeg encoders", "error", err)
			e.available = map[string]bool{}
		case res.ExitCode != 0:
			slog.Warn("ffmpeg encoder probe exited with error", "exit_code", res.ExitCode, "error", util.ExtractLastError(res.Stderr))
			e.available = map[string]bool{}
		default:
			e.available = parseEncoders(res.Output)
		}
	})
	return e.available
}

// Select returns the candidate the chain would start with.
func (e *Encoder) Select(ctx context.Context) Candidate {
	return choose(Candidates(e.CRF, e.Bitrate), e.Available(ctx))
}

// Encode renders the frames in frameDir into outputFile. The first available
// candidate is tried; if it fails a minimal invocation is tried once more.
// ErrNoFrames is returned without running ffmpeg when frameDir holds no frames.
func (e *Encoder) Encode(ctx context.Context, frameDir, outputFile string) (*Result, error) {
	frames, err := util.CountMatches(frameDir, types.FrameGlob)
	if err != nil {
		return nil, err
	}
	if frames == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, frameDir)
	}

	if dir := filepath.Dir(outputFile); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, util.WrapError("create video directory", err)
		}
	}

	start := time.Now()
	pattern := filepath.Join(frameDir, types.FramePattern)
	candidate := e.Select(ctx)
	slog.Info("encoding video", "frames", frames, "candidate", candidate.Name, "output", outputFile)

	var attempts []types.EncodingAttempt

	first, size := e.attempt(ctx, candidate.Name, e.candidateArgs(pattern, candidate, outputFile), outputFile)
	attempts = append(attempts, first)
	if first.Success {
		return e.result(outputFile, size, candidate.Name, frames, start, attempts), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	slog.Warn("encoder candidate failed, retrying with minimal settings", "candidate", candidate.Name, "error", first.Error)
	second, size := e.attempt(ctx, minimalCandidate, e.minimalArgs(pattern, outputFile), outputFile)
	attempts = append(attempts, second)
	if second.Success {
		return e.result(outputFile, size, minimalCandidate, frames, start, attempts), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return nil, &EncodingFailure{Attempts: attempts}
}

func (e *Encoder) result(out string, size int64, candidate string, frames int, start time.Time, attempts []types.EncodingAttempt) *Result {
	r := &Result{
		Output:    out,
		SizeBytes: size,
		Candidate: candidate,
		Frames:    frames,
		Duration:  time.Since(start),
		Attempts:  attempts,
	}
	slog.Info("video created", "output", out, "size", util.FormatMegabytes(size), "candidate", candidate, "took", r.Duration.Round(time.Millisecond))
	return r
}

func (e *Encoder) inputArgs(pattern string) []string {
	return []string{"-y", "-framerate", strconv.Itoa(e.FPS), "-i", pattern}
}

func (e *Encoder) candidateArgs(pattern string, c Candidate, out string) []string {
	args := e.inputArgs(pattern)
	args = append(args, c.Args...)
	return append(args, "-r", strconv.Itoa(e.FPS), out)
}

func (e *Encoder) minimalArgs(pattern, out string) []string {
	return append(e.inputArgs(pattern), out)
}

// attempt runs ffmpeg once. Success requires a zero exit and a non-empty output file.
func (e *Encoder) attempt(ctx context.Context, name string, args []string, out string) (types.EncodingAttempt, int64) {
	a := types.EncodingAttempt{Candidate: name, Args: args}

	res, err := e.Runner.Run(ctx, process.Command{Name: "ffmpeg", Path: e.FFmpeg, Args: args})
	if err != nil {
		a.Error = err.Error()
		return a, 0
	}
	if res.ExitCode != 0 {
		a.Error = fmt.Sprintf("exit code %d", res.ExitCode)
		if last := util.ExtractLastError(res.Stderr); last != "" {
			a.Error += ": " + last
		}
		return a, 0
	}

	info, err := os.Stat(out)
	switch {
	case err != nil:
		a.Error = "output file missing"
		return a, 0
	case info.Size() == 0:
		a.Error = "output file is empty"
		return a, 0
	}

	a.Success = true
	a.Output = out
	a.SizeBytes = info.Size()
	return a, info.Size()
}
