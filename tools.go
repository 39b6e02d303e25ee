package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/simpipe/simpipe/internal/history"
	"github.com/simpipe/simpipe/internal/process"
	"github.com/simpipe/simpipe/internal/util"
	"github.com/simpipe/simpipe/internal/video"
	"github.com/spf13/cobra"
)

// defaultHistoryLimit is the number of runs listed by the history command.
const defaultHistoryLimit = 20

func (a *app) encodeCommand() *cobra.Command {
	var frames, output string
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a frame directory into a video",
		Long: `encode runs only the video step: the frames in --frames are encoded
with the first available codec, falling back to a minimal ffmpeg
invocation when it fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if frames == "" {
				frames = a.cfg.OutputDir
			}
			if output == "" {
				output = a.cfg.VideoPath()
			}

			res, err := a.newEncoder(process.NewRunner()).Encode(cmd.Context(), frames, output)
			if err != nil {
				a.exitCode = 1
				return err
			}
			fmt.Fprintf(a.out, "Video created: %s (%s, %d frames, %s)\n",
				res.Output, util.FormatMegabytes(res.SizeBytes), res.Frames, res.Candidate)
			return nil
		},
	}
	cmd.Flags().StringVar(&frames, "frames", "", "frame directory (default: configured output dir)")
	cmd.Flags().StringVar(&output, "output", "", "video file (default: derived from recording and mode)")
	return cmd
}

func (a *app) encodersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "encoders",
		Short: "Show which video codecs ffmpeg provides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := a.newEncoder(process.NewRunner())
			available := enc.Available(cmd.Context())

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CANDIDATE\tREQUIRES\tAVAILABLE")
			for _, c := range video.Candidates(enc.CRF, enc.Bitrate) {
				requires, ok := "-", true
				if c.Requires != "" {
					requires, ok = c.Requires, available[c.Requires]
				}
				fmt.Fprintf(w, "%s\t%s\t%t\n", c.Name, requires, ok)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "\nSelected: %s\n", enc.Select(cmd.Context()).Name)
			return nil
		},
	}
}

func (a *app) historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.HistoryDB == "" {
				a.exitCode = 1
				return errors.New("history_db is not configured")
			}

			store, err := history.Open(a.cfg.HistoryDB)
			if err != nil {
				a.exitCode = 1
				return err
			}
			defer util.SafeCloseFunc(store, "history database")()

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				a.exitCode = 1
				return util.WrapError("list runs", err)
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tRUN\tMODE\tOUTCOME\tEXIT\tFRAMES\tDURATION\tVIDEO")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					r.StartedAt.Local().Format(time.DateTime), r.RunID, r.Mode, r.Outcome,
					r.ExitCode, r.Frames, util.FormatDuration(r.Duration().Milliseconds()), r.Video)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "number of runs to list")
	cmd.Flags().String("history-db", "", "SQLite run history database")
	return cmd
}
