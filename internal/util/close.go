package util

import (
	"io"
	"log/slog"
)

// SafeCloseFunc returns a function that closes c and logs any error.
// Intended for defer statements where the close error cannot be returned.
func SafeCloseFunc(c io.Closer, what string) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close", "what", what, "error", err)
		}
	}
}
