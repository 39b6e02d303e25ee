package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/simpipe/simpipe/internal/util"
)

// Webhook event names.
const (
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
)

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event     string `json:"event"`
	Source    string `json:"source"`
	RunID     string `json:"run_id"`
	Mode      string `json:"mode"`
	ExitCode  int    `json:"exit_code"`
	Outcome   string `json:"outcome"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`

	// Artifacts
	Recording      string `json:"recording,omitempty"`
	FrameDir       string `json:"frame_dir,omitempty"`
	Frames         int    `json:"frames"`
	Video          string `json:"video,omitempty"`
	VideoSizeBytes int64  `json:"video_size_bytes,omitempty"`
	S3Key          string `json:"s3_key,omitempty"`

	// Failure details
	FailedStage string `json:"failed_stage,omitempty"`
}

// SendRunWebhook posts the outcome of a run to webhookURL. The event name
// is derived from the exit code. An empty URL is skipped.
func SendRunWebhook(ctx context.Context, webhookURL string, payload *WebhookPayload) error {
	payload.Source = AppName
	payload.Timestamp = timestampUTC()
	payload.Event = EventRunSucceeded
	if payload.ExitCode != 0 {
		payload.Event = EventRunFailed
	}
	return sendWebhook(ctx, webhookURL, payload)
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(ctx context.Context, webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil // Silently skip if not configured
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: webhookTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
