//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

func setGroup(_ *exec.Cmd) {}

// Windows has no SIGTERM; both steps kill the root process.
func terminateGroup(p *os.Process) error {
	return killGroup(p)
}

func killGroup(p *os.Process) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
