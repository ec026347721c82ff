package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iolloyd/consoletap/internal/config"
	"github.com/iolloyd/consoletap/internal/service"
)

func newReplayCmd(a *app) *cobra.Command {
	var ports string

	cmd := &cobra.Command{
		Use:   "replay <capture.pcap>",
		Short: "Write transcripts from a saved pcap or pcapng capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			if ports != "" {
				cfg.Capture.Profile = config.ProfileCustom
				cfg.Capture.Ports = ports
				if err := cfg.Validate(); err != nil {
					return err
				}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			sessions, err := service.New(cfg).Replay(cmd.Context(), f)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				cmd.Println("no console traffic found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tDEVICE\tIN\tOUT\tTRANSCRIPT")
			for _, s := range sessions {
				fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", s.Port, s.Device, s.LinesIn, s.LinesOut, s.File)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&ports, "ports", "", "console ports to decode instead of the configured profile")
	return cmd
}
