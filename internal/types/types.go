// Package types provides shared type definitions used across the pipeline.
package types

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ReplayMode selects how the replayer captures the recorded simulation.
type ReplayMode string

// Supported replay modes.
const (
	ModeFollow ReplayMode = "follow" // Chase camera attached to the first vehicle
	ModeCamera ReplayMode = "camera" // Fixed spectator camera
	ModeData   ReplayMode = "data"   // Vehicle telemetry only, no frames
)

// ReplayModes lists every recognized replay mode in display order.
var ReplayModes = []ReplayMode{ModeFollow, ModeCamera, ModeData}

// ParseReplayMode returns the ReplayMode for s, or an error if s is not recognized.
func ParseReplayMode(s string) (ReplayMode, error) {
	mode := ReplayMode(strings.ToLower(strings.TrimSpace(s)))
	for _, m := range ReplayModes {
		if mode == m {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown replay mode %q (want follow, camera or data)", s)
}

// PipelineConfig is the immutable input of a single pipeline run.
// It is built once at invocation and passed by value.
type PipelineConfig struct {
	// Port is the simulator RPC port.
	Port int `json:"port" yaml:"port"`
	// Duration is the recording and replay length in seconds.
	Duration int `json:"duration" yaml:"duration"`
	// RecordingFile is the simulator recording (log) path.
	RecordingFile string `json:"recording_file" yaml:"recording_file"`
	// OutputDir receives the captured frame images.
	OutputDir  string     `json:"output_dir" yaml:"output_dir"`
	ReplayMode ReplayMode `json:"replay_mode" yaml:"replay_mode"`
	// Image is the simulator container image; empty runs the binary directly.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`
}

// VideoName returns the file name of the video produced for this run,
// derived from the recording base name and the replay mode (test.log, follow -> test_follow.mp4).
func (c PipelineConfig) VideoName() string {
	base := filepath.Base(c.RecordingFile)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s_%s.mp4", base, c.ReplayMode)
}

// ServerState represents the lifecycle state of the simulator server process.
type ServerState string

const (
	// ServerStarting indicates the process was launched but has not answered a probe.
	ServerStarting ServerState = "starting"
	// ServerReady indicates the server answered a readiness probe.
	ServerReady ServerState = "ready"
	// ServerRunning indicates stages are being driven against the server.
	ServerRunning ServerState = "running"
	// ServerFailed indicates the readiness budget was exhausted.
	ServerFailed ServerState = "failed"
	// ServerTerminating indicates teardown is in progress.
	ServerTerminating ServerState = "terminating"
	// ServerTerminated indicates the process is gone.
	ServerTerminated ServerState = "terminated"
)

// IsTerminal reports whether no further transition can happen.
func (s ServerState) IsTerminal() bool {
	return s == ServerTerminated
}

// StageResult records the outcome of one pipeline stage.
type StageResult struct {
	Index    int           `json:"index" yaml:"index"`
	Name     string        `json:"name" yaml:"name"`
	Command  string        `json:"command" yaml:"command"`
	ExitCode int           `json:"exit_code" yaml:"exit_code"`
	Duration time.Duration `json:"duration_ns" yaml:"duration"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Succeeded reports whether the stage exited cleanly.
func (r StageResult) Succeeded() bool {
	return r.ExitCode == 0 && r.Error == ""
}

// EncodingAttempt records one invocation of the video encoder.
type EncodingAttempt struct {
	Candidate string   `json:"candidate" yaml:"candidate"`
	Args      []string `json:"args" yaml:"args"`
	Success   bool     `json:"success" yaml:"success"`
	Output    string   `json:"output,omitempty" yaml:"output,omitempty"`
	SizeBytes int64    `json:"size_bytes,omitempty" yaml:"size_bytes,omitempty"`
	Error     string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// Timing defaults for the pipeline.
const (
	// DefaultReadinessAttempts is the readiness probe budget.
	DefaultReadinessAttempts = 30
	// DefaultReadinessInterval is the delay between readiness probes.
	DefaultReadinessInterval = 1000 * time.Millisecond
	// DefaultProbeTimeout bounds a single readiness probe.
	DefaultProbeTimeout = 2000 * time.Millisecond
	// DefaultTerminateGrace is the wait between SIGTERM and SIGKILL.
	DefaultTerminateGrace = 2000 * time.Millisecond
	// DefaultReapTimeout bounds the wait for a killed process to be reaped.
	DefaultReapTimeout = 5000 * time.Millisecond
	// DefaultSettleDelay lets the server stabilize between recording and replay.
	DefaultSettleDelay = 3000 * time.Millisecond
	// DefaultPortClearTimeout bounds the wait for a port to be released.
	DefaultPortClearTimeout = 2000 * time.Millisecond
)

// Video defaults.
const (
	// DefaultFPS matches the replayer's fixed simulation step.
	DefaultFPS = 20
	// DefaultCRF is the libx264 constant rate factor.
	DefaultCRF = 23
	// DefaultBitrate is used by the bitrate-driven candidates.
	DefaultBitrate = "8M"
	// FrameGlob matches frame images written by the replayer.
	FrameGlob = "frame_*.jpg"
	// FramePattern is the ffmpeg image2 input pattern for FrameGlob.
	FramePattern = "frame_%06d.jpg"
	// ProgressEvery is the frame count between progress reports.
	ProgressEvery = 20
)

// VersionInfo contains version information for the CLI.
type VersionInfo struct {
	Current     string `json:"current"`
	Latest      string `json:"latest,omitempty"`
	UpdateAvail bool   `json:"update_available"`
	Commit      string `json:"commit"`
	BuildTime   string `json:"build_time"`
}
