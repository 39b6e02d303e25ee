//go:build !windows

package util

import (
	"os"
	"os/exec"
	"syscall"
)

// ShutdownSignals returns the signals that interrupt a pipeline run.
func ShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}


// signalNumber returns the number of the signal that killed the process.
func signalNumber(exitErr *exec.ExitError) int {
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return int(status.Signal())
	}
	return 0
}
