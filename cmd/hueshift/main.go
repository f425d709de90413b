package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dunamismax/hueshift/internal/config"
	"github.com/dunamismax/hueshift/internal/logging"
)

func main() {
	if err := newRootCmd(config.Load()).Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg      config.Config
	logLevel string
}

func newRootCmd(cfg config.Config) *cobra.Command {
	a := &app{cfg: cfg}

	root := &cobra.Command{
		Use:          "hueshift",
		Short:        "Adjust brightness, saturation and hue of images",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	root.AddCommand(
		a.newAdjustCmd(),
		a.newPreviewCmd(),
		a.newEditCmd(),
		a.newTokenCmd(),
	)
	return root
}

// logger writes human readable lines to the command's stderr so stdout
// stays free for command output.
func (a *app) logger(cmd *cobra.Command) zerolog.Logger {
	return logging.NewWithWriter(cmd.ErrOrStderr(), logging.Config{Level: a.logLevel, Format: "console"}, "hueshift")
}
