package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"termlink/internal/host"
)

func newHostdCmd(a *app) *cobra.Command {
	var shell string
	cmd := &cobra.Command{
		Use:   "hostd",
		Short: "Run the local host daemon that owns local sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.hostd(cmd.Context(), shell)
		},
	}
	cmd.Flags().StringVar(&shell, "shell", defaultShell(), "program started for each local session")
	return cmd
}

func (a *app) hostd(ctx context.Context, shell string) error {
	sup := host.NewSupervisor(host.PTYSpawner(shell), a.log, host.WithTailCapacity(a.cfg.HistoryTailBytes))
	defer sup.Shutdown()

	a.log.Info().Str("socket", a.cfg.HostSocket).Str("shell", shell).Msg("host daemon listening")
	return ignoreCanceled(host.NewServer(sup, a.cfg.HostSocket, a.log).Serve(ctx))
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}
