package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iolloyd/consoletap/internal/tail"
	"github.com/iolloyd/consoletap/internal/transcript"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		port    int
		history bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow transcripts as they are written",
		Long: `Watch prints each new transcript line, following files across the rename
that happens when a device hostname is detected. It reads the transcript
directory only, so it works alongside any running capture.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watchTranscripts(ctx, a.cfg.Transcript.Dir, cmd.OutOrStdout(), port, history)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "only show this console port")
	cmd.Flags().BoolVar(&history, "history", false, "print existing transcript content first")
	return cmd
}

func watchTranscripts(ctx context.Context, dir string, out io.Writer, port int, history bool) error {
	var opts []tail.Option
	if !history {
		opts = append(opts, tail.FromEnd())
	}

	t := tail.New(dir, func(ev tail.Event) {
		if port != 0 && ev.Line.Port != port {
			return
		}
		fmt.Fprintf(out, "%5d %s", ev.Line.Port, transcript.FormatLine(ev.Line))
	}, opts...)

	return t.Run(ctx)
}
