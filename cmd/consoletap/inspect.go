package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/google/gopacket/pcap"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/iolloyd/consoletap/internal/capture"
	"github.com/iolloyd/consoletap/internal/config"
	"github.com/iolloyd/consoletap/internal/service"
)

func newInterfacesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "List capture devices usable in sniffer mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devs, err := capture.ListInterfaces()
			if err != nil {
				return fmt.Errorf("%w: %w", service.ErrCaptureUnavailable, err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESSES\tDESCRIPTION")
			for _, d := range devs {
				addrs := lo.Map(d.Addresses, func(addr pcap.InterfaceAddress, _ int) string {
					return addr.IP.String()
				})
				name := d.Name
				if name == a.cfg.Sniffer.Interface {
					name += " *"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, strings.Join(addrs, ","), d.Description)
			}
			return w.Flush()
		},
	}
}

func newProfilesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "Show the console port profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROFILE\tPORTS\tAUTO-DETECT")
			for _, p := range config.Profiles() {
				ports := p.Ports
				if p.Name == config.ProfileCustom {
					ports = a.cfg.Capture.Ports
				}
				name := p.Name
				if strings.EqualFold(p.Name, a.cfg.Capture.Profile) {
					name += " *"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\n", name, ports, p.AutoDetect)
			}
			return w.Flush()
		},
	}
}

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete every transcript in the transcript directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := service.New(*a.cfg).CleanupLogs()
			cmd.Printf("removed %d transcripts from %s\n", removed, a.cfg.Transcript.Dir)
			return err
		},
	}
}
