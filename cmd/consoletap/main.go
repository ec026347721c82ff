package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/iolloyd/consoletap/internal/config"
	"github.com/iolloyd/consoletap/internal/logging"
)

// app carries the configuration resolved before any subcommand runs
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:           "consoletap",
		Short:         "Capture Telnet console sessions into clean per-device transcripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg

			closer, err := logging.Setup(cfg.Log)
			if err != nil {
				return err
			}
			a.logCloser = closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logCloser != nil {
				return a.logCloser.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ./consoletap.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("dir", "data/logs", "transcript directory")
	bindFlag(a.v, "log.level", flags.Lookup("log-level"))
	bindFlag(a.v, "transcript.dir", flags.Lookup("dir"))

	root.AddCommand(
		newRunCmd(a),
		newReplayCmd(a),
		newWatchCmd(a),
		newInterfacesCmd(a),
		newProfilesCmd(a),
		newCleanupCmd(a),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// bindFlag panics only on a nil flag, which is a programming error
func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind %s: %v", key, err))
	}
}
