package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iolloyd/consoletap/internal/service"
	"github.com/iolloyd/consoletap/internal/websocket"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture console traffic until interrupted",
		Long: `Run starts the configured capture mode and writes one transcript per
console port. In proxy mode clients connect to port+offset; in sniffer mode
traffic is read passively from a capture device (needs capture privileges).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCapture(ctx, a)
		},
	}

	flags := cmd.Flags()
	flags.String("mode", "proxy", "capture mode: proxy or sniffer")
	flags.String("profile", "standard", "port profile: standard, extended, lab or custom")
	flags.String("ports", "", "console ports for the custom profile, e.g. 2000-2004,2010")
	flags.String("interface", "", "capture interface for sniffer mode")
	flags.String("target", "127.0.0.1", "console server host for proxy mode")
	flags.Int("offset", 1000, "proxy listen port offset")
	flags.String("feed-addr", ":8080", "live feed listen address")
	flags.Bool("feed", true, "serve the live feed")
	bindFlag(a.v, "capture.mode", flags.Lookup("mode"))
	bindFlag(a.v, "capture.profile", flags.Lookup("profile"))
	bindFlag(a.v, "capture.ports", flags.Lookup("ports"))
	bindFlag(a.v, "sniffer.interface", flags.Lookup("interface"))
	bindFlag(a.v, "proxy.target_host", flags.Lookup("target"))
	bindFlag(a.v, "proxy.port_offset", flags.Lookup("offset"))
	bindFlag(a.v, "feed.addr", flags.Lookup("feed-addr"))
	bindFlag(a.v, "feed.enabled", flags.Lookup("feed"))
	return cmd
}

func runCapture(ctx context.Context, a *app) error {
	svc := service.New(*a.cfg)

	var feed *websocket.Server
	if a.cfg.Feed.Enabled {
		feed = websocket.NewServer(a.cfg.Feed.Addr, svc)
		svc.Subscribe(feed)
		go func() {
			if err := feed.Start(); err != nil {
				log.Errorf("Live feed stopped: %v", err)
			}
		}()
	}

	err := svc.Start(ctx)
	if err != nil && !errors.Is(err, service.ErrCaptureUnavailable) {
		shutdownFeed(feed)
		return err
	}

	if svc.Status() == service.StatusDisabled {
		// the feed keeps serving and reports the disabled state on /health
		if feed == nil {
			if err == nil {
				err = fmt.Errorf("capture mode %q is not supported", a.cfg.Capture.Mode)
			}
			return fmt.Errorf("%w (try --mode proxy, or run with capture privileges)", err)
		}
		log.Warn("Capture disabled, serving the live feed only (try --mode proxy, or run with capture privileges)")
	} else {
		logProxyPorts(svc.ProxyPorts())
		log.Infof("Writing transcripts to %s", a.cfg.Transcript.Dir)
	}

	<-ctx.Done()
	log.Info("Shutting down")

	err = svc.Stop()
	shutdownFeed(feed)
	for _, s := range svc.Sessions() {
		log.WithFields(log.Fields{
			"port":  s.Port,
			"lines": s.TotalLines(),
		}).Infof("Session %s saved to %s", s.Device, s.File)
	}
	return err
}

func logProxyPorts(ports map[int]int) {
	listen := lo.Keys(ports)
	sort.Ints(listen)
	for _, p := range listen {
		log.Infof("Proxy port %d -> console port %d", p, ports[p])
	}
}

func shutdownFeed(feed *websocket.Server) {
	if feed == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := feed.Shutdown(ctx); err != nil {
		log.Warnf("Live feed shutdown: %v", err)
	}
}
