package pipeline

import (
	"context"
	"log/slog"

	"github.com/simpipe/simpipe/internal/eventlog"
	"github.com/simpipe/simpipe/internal/history"
	"github.com/simpipe/simpipe/internal/notify"
	"github.com/simpipe/simpipe/internal/util"
)

// publish hands the finished run to every configured sink. Sinks are
// best effort and never change the exit code.
func (p *Pipeline) publish(ctx context.Context, sum *Summary) {
	ctx = context.WithoutCancel(ctx)

	if p.deps.Uploader != nil && sum.Video != "" {
		key, err := p.deps.Uploader.Upload(ctx, sum.RunID, sum.Video)
		if err != nil {
			slog.Warn("video upload failed", "file", sum.Video, "error", err)
			p.deps.Events.Emit(eventlog.UploadFailed, "", &eventlog.VideoDetails{Output: sum.Video, Error: err.Error()})
		} else {
			sum.S3Key = key
			p.deps.Events.Emit(eventlog.UploadCompleted, "", &eventlog.VideoDetails{Output: sum.Video, S3Key: key})
		}
	}

	p.deps.Metrics.Finish(sum.ExitCode, sum.Duration)
	if p.opts.PushgatewayURL != "" {
		util.LogPublishResult(func() error {
			return p.deps.Metrics.Push(ctx, p.opts.PushgatewayURL, sum.Config.ReplayMode)
		}, "pushgateway")
	}

	if p.opts.WebhookURL != "" {
		util.LogPublishResult(func() error {
			return notify.SendRunWebhook(ctx, p.opts.WebhookURL, webhookPayload(sum))
		}, "webhook")
	}

	if p.deps.History != nil {
		util.LogPublishResult(func() error {
			return p.deps.History.Record(ctx, historyRun(sum))
		}, "history")
	}

	if p.opts.SummaryFile != "" {
		util.LogPublishResult(func() error {
			return sum.WriteFile(p.opts.SummaryFile)
		}, "summary file")
	}

	p.deps.Events.Emit(eventlog.RunFinished, sum.Error, &eventlog.RunDetails{
		Mode:     string(sum.Config.ReplayMode),
		Port:     sum.Config.Port,
		ExitCode: sum.ExitCode,
		Outcome:  sum.Outcome,
	})

	slog.Info("pipeline finished",
		"run_id", sum.RunID,
		"outcome", sum.Outcome,
		"exit_code", sum.ExitCode,
		"recording", sum.Recording,
		"frame_dir", sum.FrameDir,
		"frames", sum.Frames,
		"video", sum.Video,
		"duration", sum.Duration)
}

func webhookPayload(sum *Summary) *notify.WebhookPayload {
	return &notify.WebhookPayload{
		RunID:          sum.RunID,
		Mode:           string(sum.Config.ReplayMode),
		ExitCode:       sum.ExitCode,
		Outcome:        sum.Outcome,
		Message:        sum.Error,
		Recording:      sum.Recording,
		FrameDir:       sum.FrameDir,
		Frames:         sum.Frames,
		Video:          sum.Video,
		VideoSizeBytes: sum.VideoSizeBytes,
		S3Key:          sum.S3Key,
		FailedStage:    sum.FailedStage,
	}
}

func historyRun(sum *Summary) history.Run {
	return history.Run{
		RunID:          sum.RunID,
		StartedAt:      sum.StartedAt,
		FinishedAt:     sum.FinishedAt,
		Mode:           string(sum.Config.ReplayMode),
		Port:           sum.Config.Port,
		Recording:      sum.Recording,
		FrameDir:       sum.FrameDir,
		Frames:         sum.Frames,
		Video:          sum.Video,
		VideoSizeBytes: sum.VideoSizeBytes,
		ExitCode:       sum.ExitCode,
		Outcome:        sum.Outcome,
		FailedStage:    sum.FailedStage,
		Error:          sum.Error,
	}
}
