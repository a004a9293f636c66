package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"termlink/internal/config"
	"termlink/internal/logging"
)

type app struct {
	cfg config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "termlink",
		Short:         "Attach to and keep in sync with remote and local terminal sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.log = logging.New(cfg.LogLevel, cfg.LogConsole)
			return nil
		},
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(newWatchCmd(a), newHostdCmd(a), newLsCmd(a))
	return root
}
