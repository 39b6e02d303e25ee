// Package metrics collects per-run metrics and pushes them to a Prometheus
// Pushgateway.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/simpipe/simpipe/internal/types"
	"github.com/simpipe/simpipe/internal/util"
)

// Job is the Pushgateway job name.
const Job = "simpipe"

// Run holds the metrics of a single pipeline run in its own registry.
type Run struct {
	reg *prometheus.Registry

	duration          prometheus.Gauge
	exitCode          prometheus.Gauge
	lastFinish        prometheus.Gauge
	readinessAttempts prometheus.Gauge
	framesCaptured    prometheus.Gauge
	videoSize         prometheus.Gauge
	encodingAttempts  prometheus.Gauge
	stageDuration     *prometheus.GaugeVec
	stageExitCode     *prometheus.GaugeVec
}

// NewRun creates the metrics of one run.
func NewRun() *Run {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Run{
		reg: reg,
		duration: f.NewGauge(prometheus.GaugeOpts{
			Name: "simpipe_run_duration_seconds",
			Help: "Wall time of the pipeline run",
		}),
		exitCode: f.NewGauge(prometheus.GaugeOpts{
			Name: "simpipe_run_exit_code",
			Help: "Exit code of the pipeline run",
		}),
		lastFinish: f.NewGauge(prometheus.GaugeOpts{
			Name: "simpipe_run_finished_timestamp_seconds",
			Help: "Unix time the run finished",
		}),
		readinessAttempts: f.NewGauge(prometheus.GaugeOpts{
			Name: "simpipe_readiness_attempts",
			Help: "Readiness probes made before the server answered or the budget ran out",
		}),
		framesCaptured: f.NewGauge(prometheus.GaugeOpts{
			Name: "simpipe_frames_captured",
			Help: "Frame images found in the output directory",
		}),
		videoSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "simpipe_video_size_bytes",
			Help: "Size of the encoded video, zero when none was produced",
		}),
		encodingAttempts: f.NewGauge(prometheus.GaugeOpts{
			Name: "simpipe_encoding_attempts",
			Help: "ffmpeg invocations made by the encoding fallback chain",
		}),
		stageDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "simpipe_stage_duration_seconds",
			Help: "Wall time of each pipeline stage",
		}, []string{"stage"}),
		stageExitCode: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "simpipe_stage_exit_code",
			Help: "Exit code of each pipeline stage",
		}, []string{"stage"}),
	}
}

// ObserveStage records a finished stage.
func (r *Run) ObserveStage(res types.StageResult) {
	r.stageDuration.WithLabelValues(res.Name).Set(res.Duration.Seconds())
	r.stageExitCode.WithLabelValues(res.Name).Set(float64(res.ExitCode))
}

// SetReadinessAttempts records the number of readiness probes.
func (r *Run) SetReadinessAttempts(n int) {
	r.readinessAttempts.Set(float64(n))
}

// SetFrames records the captured frame count.
func (r *Run) SetFrames(n int) {
	r.framesCaptured.Set(float64(n))
}

// SetEncoding records the encoding outcome.
func (r *Run) SetEncoding(sizeBytes int64, attempts int) {
	r.videoSize.Set(float64(sizeBytes))
	r.encodingAttempts.Set(float64(attempts))
}

// Finish records the run outcome.
func (r *Run) Finish(exitCode int, took time.Duration) {
	r.exitCode.Set(float64(exitCode))
	r.duration.Set(took.Seconds())
	r.lastFinish.SetToCurrentTime()
}

// Gatherer exposes the run registry.
func (r *Run) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Push replaces the run's metric group on the Pushgateway at url,
// grouped by replay mode.
func (r *Run) Push(ctx context.Context, url string, mode types.ReplayMode) error {
	err := push.New(url, Job).
		Gatherer(r.reg).
		Grouping("mode", string(mode)).
		PushContext(ctx)
	return util.WrapError("push metrics", err)
}
