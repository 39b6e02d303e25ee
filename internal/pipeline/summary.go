package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/simpipe/simpipe/internal/types"
	"github.com/simpipe/simpipe/internal/util"
	"gopkg.in/yaml.v3"
)

// Summary is the final report of a run.
type Summary struct {
	RunID      string               `json:"run_id" yaml:"run_id"`
	Outcome    string               `json:"outcome" yaml:"outcome"`
	ExitCode   int                  `json:"exit_code" yaml:"exit_code"`
	StartedAt  time.Time            `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time            `json:"finished_at" yaml:"finished_at"`
	Duration   time.Duration        `json:"duration_ns" yaml:"duration"`
	Config     types.PipelineConfig `json:"config" yaml:"config"`
	ServerPID  int                  `json:"server_pid,omitempty" yaml:"server_pid,omitempty"`

	Recording      string `json:"recording" yaml:"recording"`
	RecordingBytes int64  `json:"recording_bytes" yaml:"recording_bytes"`
	FrameDir       string `json:"frame_dir" yaml:"frame_dir"`
	Frames         int    `json:"frames" yaml:"frames"`

	Stages      []types.StageResult `json:"stages" yaml:"stages"`
	FailedStage string              `json:"failed_stage,omitempty" yaml:"failed_stage,omitempty"`

	Video          string                  `json:"video,omitempty" yaml:"video,omitempty"`
	VideoSizeBytes int64                   `json:"video_size_bytes,omitempty" yaml:"video_size_bytes,omitempty"`
	Candidate      string                  `json:"candidate,omitempty" yaml:"candidate,omitempty"`
	Encoding       []types.EncodingAttempt `json:"encoding,omitempty" yaml:"encoding,omitempty"`
	EncodingError  string                  `json:"encoding_error,omitempty" yaml:"encoding_error,omitempty"`
	S3Key          string                  `json:"s3_key,omitempty" yaml:"s3_key,omitempty"`

	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newSummary(opts Options) *Summary {
	return &Summary{
		RunID:     opts.RunID,
		Outcome:   OutcomeSuccess,
		ExitCode:  ExitOK,
		StartedAt: time.Now(),
		Config:    opts.Pipeline,
		Recording: opts.Pipeline.RecordingFile,
		FrameDir:  opts.Pipeline.OutputDir,
	}
}

// fail records the fatal condition that ended forward progress.
// Only the first one is kept.
func (s *Summary) fail(code int, outcome string, err error) {
	if s.ExitCode != ExitOK {
		return
	}
	s.ExitCode = code
	s.Outcome = outcome
	if err != nil {
		s.Error = err.Error()
	}
	slog.Error("pipeline failed", "outcome", outcome, "exit_code", code, "error", err)
}

func (s *Summary) finish() {
	s.FinishedAt = time.Now()
	s.Duration = s.FinishedAt.Sub(s.StartedAt)
}

// Succeeded reports whether every stage completed.
func (s *Summary) Succeeded() bool {
	return s.ExitCode == ExitOK
}

func (s *Summary) countFrames() {
	n, err := util.CountMatches(s.FrameDir, types.FrameGlob)
	if err != nil {
		slog.Warn("failed to count frames", "frame_dir", s.FrameDir, "error", err)
		return
	}
	s.Frames = n
}

func (s *Summary) statRecording() {
	if info, err := os.Stat(s.Recording); err == nil {
		s.RecordingBytes = info.Size()
	}
}

// WriteText prints the human-readable summary.
func (s *Summary) WriteText(w io.Writer) error {
	var b strings.Builder
	status := "succeeded"
	if !s.Succeeded() {
		status = "failed"
	}
	fmt.Fprintf(&b, "Run %s %s (%s, exit code %d) in %s\n", s.RunID, status, s.Outcome, s.ExitCode, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "  Mode:       %s\n", s.Config.ReplayMode)
	fmt.Fprintf(&b, "  Recording:  %s", s.Recording)
	if s.RecordingBytes > 0 {
		fmt.Fprintf(&b, " (%s)", util.FormatMegabytes(s.RecordingBytes))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Frames:     %d in %s\n", s.Frames, s.FrameDir)

	for _, st := range s.Stages {
		mark := "ok"
		if !st.Succeeded() {
			mark = fmt.Sprintf("exit %d", st.ExitCode)
		}
		fmt.Fprintf(&b, "  Stage %d %-7s %s (%s)\n", st.Index, st.Name, mark, st.Duration.Round(time.Millisecond))
	}
	if s.FailedStage != "" {
		fmt.Fprintf(&b, "  Failed:     %s\n", s.FailedStage)
	}
	if s.Error != "" {
		fmt.Fprintf(&b, "  Error:      %s\n", s.Error)
	}

	switch {
	case s.Video != "":
		fmt.Fprintf(&b, "  Video:      %s (%s, %s)\n", s.Video, util.FormatMegabytes(s.VideoSizeBytes), s.Candidate)
	case s.EncodingError != "":
		fmt.Fprintf(&b, "  Video:      not created: %s\n", s.EncodingError)
	}
	if s.S3Key != "" {
		fmt.Fprintf(&b, "  Uploaded:   %s\n", s.S3Key)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteFile atomically writes the summary to path. The encoding follows
// the extension: .yaml/.yml for YAML, .txt for text, JSON otherwise.
func (s *Summary) WriteFile(path string) error {
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return util.WrapError("encode summary", err)
		}
		if err := enc.Close(); err != nil {
			return util.WrapError("encode summary", err)
		}
	case ".txt":
		if err := s.WriteText(&buf); err != nil {
			return err
		}
	default:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s); err != nil {
			return util.WrapError("encode summary", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return util.WrapError("create summary directory", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return util.WrapError("write summary", err)
	}
	return nil
}
