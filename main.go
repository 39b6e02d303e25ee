// Package main provides simpipe, a command-line tool that records a driving
// simulation, replays it with sensors attached and encodes the captured frames
// into a video.
//
// Usage:
//
//	simpipe run [--mode follow|camera|data] [--config path/to/simpipe.yaml]
//
// Configuration is read from flags, SIMPIPE_* environment variables and an
// optional config file, in that order of precedence.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/simpipe/simpipe/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	code := execute(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(code)
}
