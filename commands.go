package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/simpipe/simpipe/internal/config"
	"github.com/simpipe/simpipe/internal/logger"
	"github.com/simpipe/simpipe/internal/pipeline"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip-config"

// app holds the state shared by every command of one invocation.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
	logCloser  io.Closer
	exitCode   int
	out        io.Writer
}

func newApp(out io.Writer) *app {
	return &app{v: viper.New(), out: out}
}

// execute runs the command line in args and returns the process exit code.
func execute(ctx context.Context, args []string, out io.Writer) int {
	a := newApp(out)
	defer a.close()

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(out)

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "command", root.Name(), "error", err)
		if a.exitCode == 0 {
			return 1
		}
	}
	return a.exitCode
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "simpipe",
		Short: "Record, replay and encode driving simulations",
		Long: `simpipe drives a simulator server through a full recording session:
it frees the RPC port, launches the server, waits until it accepts
connections, records a scenario, replays it with sensors attached and
encodes the captured frames into a video.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (YAML, JSON or TOML)")
	config.CommonFlags(root.PersistentFlags())

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		a.exitCode = pipeline.ExitInvalidConfig
		return err
	})

	root.AddCommand(
		a.runCommand(),
		a.encodeCommand(),
		a.encodersCommand(),
		a.historyCommand(),
		a.versionCommand(),
	)
	return root
}

// setup resolves configuration and installs the logger before a command runs.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipConfig] != "" {
		return nil
	}

	if err := config.BindFlags(a.v, cmd.Flags()); err != nil {
		a.exitCode = pipeline.ExitInvalidConfig
		return err
	}

	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		a.exitCode = pipeline.ExitInvalidConfig
		return err
	}

	closer, err := logger.Configure(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		a.exitCode = pipeline.ExitInvalidConfig
		return err
	}

	a.cfg = cfg
	a.logCloser = closer
	return nil
}

func (a *app) close() {
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
}
