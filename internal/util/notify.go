package util

import "log/slog"

// LogPublishResult executes a best-effort publishing function and logs the result.
// Publishing failures never change the outcome of a run.
func LogPublishResult(fn func() error, target string) {
	err := fn()
	if err != nil {
		slog.Warn("publish failed", "target", target, "error", err)
	} else {
		slog.Info("published", "target", target)
	}
}
