//go:build windows

package util

import (
	"os"
	"os/exec"
)

// ShutdownSignals returns the signals that interrupt a pipeline run.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

func signalNumber(_ *exec.ExitError) int {
	return 0
}
