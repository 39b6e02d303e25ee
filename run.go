package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/simpipe/simpipe/internal/config"
	"github.com/simpipe/simpipe/internal/eventlog"
	"github.com/simpipe/simpipe/internal/history"
	"github.com/simpipe/simpipe/internal/metrics"
	"github.com/simpipe/simpipe/internal/pipeline"
	"github.com/simpipe/simpipe/internal/portguard"
	"github.com/simpipe/simpipe/internal/process"
	"github.com/simpipe/simpipe/internal/readiness"
	"github.com/simpipe/simpipe/internal/server"
	"github.com/simpipe/simpipe/internal/simulator"
	"github.com/simpipe/simpipe/internal/upload"
	"github.com/simpipe/simpipe/internal/util"
	"github.com/simpipe/simpipe/internal/video"
	"github.com/spf13/cobra"
)

// statusShutdownTimeout bounds the status server shutdown.
const statusShutdownTimeout = 5 * time.Second

func (a *app) runCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Record, replay and encode one simulation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.exitCode = a.runPipeline(cmd.Context())
			return nil
		},
	}
	config.RunFlags(cmd.Flags())
	return cmd
}

// runPipeline wires the configured collaborators and runs the pipeline once.
func (a *app) runPipeline(ctx context.Context) int {
	cfg := a.cfg
	runID := uuid.NewString()
	bus := eventlog.NewBus(runID)

	if cfg.EventLog != "" {
		l, err := eventlog.NewLogger(cfg.EventLog)
		if err != nil {
			slog.Warn("event log disabled", "path", cfg.EventLog, "error", err)
		} else {
			defer util.SafeCloseFunc(l, "event log")()
			bus.Add(l)
			slog.Info("recording run events", "path", l.Path())
		}
	}

	if cfg.StatusAddr != "" {
		hub := server.NewHub(cfg.EventLog)
		bus.Add(hub)
		srv, err := server.Start(cfg.StatusAddr, hub)
		if err != nil {
			slog.Warn("status feed disabled", "addr", cfg.StatusAddr, "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusShutdownTimeout)
				defer cancel()
				slog.Info("closing status feed", "clients", hub.Clients())
				if err := srv.Shutdown(shutdownCtx); err != nil {
					slog.Warn("status feed shutdown error", "error", err)
				}
			}()
		}
	}

	runner := &process.ExecRunner{Grace: cfg.Simulator.Grace, ReapTimeout: cfg.Simulator.ReapTimeout}

	launcher := simulator.NewLauncher(cfg.Simulator.Binary, runID)
	launcher.Grace = cfg.Simulator.Grace
	launcher.ReapTimeout = cfg.Simulator.ReapTimeout

	prober := readiness.New()
	prober.MaxAttempts = cfg.Readiness.MaxAttempts
	prober.Interval = cfg.Readiness.Interval
	prober.ProbeTimeout = cfg.Readiness.ProbeTimeout

	deps := pipeline.Deps{
		Guard:    portguard.New(cfg.PortGuard.ClearTimeout),
		Launcher: launcher,
		Prober:   prober,
		Runner:   runner,
		Clock:    readiness.RealClock{},
		Encoder:  a.newEncoder(runner),
		Events:   bus,
		Metrics:  metrics.NewRun(),
	}

	if cfg.HistoryDB != "" {
		store, err := history.Open(cfg.HistoryDB)
		if err != nil {
			slog.Warn("run history disabled", "path", cfg.HistoryDB, "error", err)
		} else {
			defer util.SafeCloseFunc(store, "history database")()
			deps.History = store
		}
	}

	if cfg.S3.IsConfigured() {
		up, err := upload.New(&upload.Config{
			Endpoint:        cfg.S3.Endpoint,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Prefix:          cfg.S3.Prefix,
		})
		if err != nil {
			slog.Warn("video upload disabled", "error", err)
		} else {
			deps.Uploader = up
		}
	}

	p := pipeline.New(pipeline.Options{
		RunID:          runID,
		Pipeline:       cfg.Pipeline(),
		Python:         cfg.Stages.Python,
		RecordScript:   cfg.Stages.RecordScript,
		ReplayScript:   cfg.Stages.ReplayScript,
		SettleDelay:    cfg.Stages.SettleDelay,
		VideoPath:      cfg.VideoPath(),
		SummaryFile:    cfg.SummaryFile,
		WebhookURL:     cfg.WebhookURL,
		PushgatewayURL: cfg.PushgatewayURL,
	}, deps)

	sum := p.Run(ctx)
	if err := sum.WriteText(a.out); err != nil {
		slog.Warn("failed to print summary", "error", err)
	}
	return sum.ExitCode
}

// newEncoder returns the video encoder configured for this invocation.
func (a *app) newEncoder(runner process.Runner) *video.Encoder {
	ffmpeg := util.ResolveFFmpegPath(a.cfg.Video.FFmpegPath)
	if ffmpeg == "" {
		slog.Warn("FFmpeg not found, video encoding will fail", "configured_path", a.cfg.Video.FFmpegPath)
		ffmpeg = "ffmpeg"
	}

	enc := video.New(ffmpeg, runner)
	enc.FPS = a.cfg.Video.FPS
	enc.CRF = a.cfg.Video.CRF
	enc.Bitrate = a.cfg.Video.Bitrate
	return enc
}
