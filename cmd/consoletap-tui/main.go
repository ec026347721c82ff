package main

import (
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iolloyd/consoletap/internal/ui"
	"github.com/iolloyd/consoletap/internal/websocket"
)

func newRootCmd() *cobra.Command {
	var (
		host string
		port int
		url  string
	)

	cmd := &cobra.Command{
		Use:          "consoletap-tui",
		Short:        "Live viewer for consoletap transcripts",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// the alt screen owns the terminal
			log.SetOutput(io.Discard)

			wsClient := websocket.NewClient(host, port)
			if url != "" {
				wsClient = websocket.NewClientURL(url)
			}

			p := tea.NewProgram(ui.NewModel(wsClient), tea.WithAltScreen())
			_, err := p.Run()

			if cerr := wsClient.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close feed connection: %w", cerr)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "localhost", "capture service host")
	cmd.Flags().IntVar(&port, "port", 8080, "live feed port")
	cmd.Flags().StringVar(&url, "url", "", "full feed URL, overrides --host and --port")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running viewer: %v\n", err)
		os.Exit(1)
	}
}
