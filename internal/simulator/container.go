package simulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/simpipe/simpipe/internal/process"
	"github.com/simpipe/simpipe/internal/util"
)

// containerCommandTimeout bounds a docker stop or rm call beyond its own grace.
const containerCommandTimeout = 30 * time.Second

// containerProc is a server running in a container. The local process is
// only the runtime client; the server lives under the container daemon and
// outside the client's process group, so it is stopped by container name.
type containerProc struct {
	Proc
	docker string
	name   string
	runner process.Runner
}

// Stop asks the runtime to stop the container within grace, removes it
// forcibly when that fails, then stops the client process.
func (c *containerProc) Stop(grace, reap time.Duration) error {
	select {
	case <-c.Done():
		// The client only returns once the container is gone.
		return nil
	default:
	}

	var errs []error

	seconds := strconv.Itoa(int(math.Ceil(grace.Seconds())))
	if err := c.container(grace, "stop", "-t", seconds, c.name); err != nil {
		slog.Warn("container stop failed, removing it", "container", c.name, "error", err)
		if err := c.container(reap, "rm", "-f", c.name); err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.Proc.Stop(grace, reap); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *containerProc) container(budget time.Duration, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), budget+containerCommandTimeout)
	defer cancel()

	slog.Debug("running container command", "container", c.name, "action", args[0])
	res, err := c.runner.Run(ctx, process.Command{Name: "docker-" + args[0], Path: c.docker, Args: args})
	if err != nil {
		return util.WrapError(args[0]+" container "+c.name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("docker %s %s exited with code %d: %s", args[0], c.name, res.ExitCode, util.ExtractLastError(res.Stderr))
	}
	return nil
}
