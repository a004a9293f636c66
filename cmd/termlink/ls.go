package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"termlink/internal/dispatch"
)

func newLsCmd(a *app) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the sessions every configured backend knows about",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.ls(cmd.Context(), wait)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the backends to answer")
	return cmd
}

func (a *app) ls(ctx context.Context, wait time.Duration) error {
	st, err := a.buildStack(ctx, false)
	if err != nil {
		return err
	}
	defer st.Close()

	updates, unsubscribe := st.eng.Subscribe(1024)
	defer unsubscribe()

	runCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- st.eng.Run(runCtx) }()

	// One resync per backend.
	expected := 0
	if st.remote {
		expected++
	}
	if st.local {
		expected++
	}

	resynced := 0
wait:
	for resynced < expected {
		select {
		case <-runCtx.Done():
			break wait
		case u := <-updates:
			switch u.Kind {
			case dispatch.UpdateResynced:
				resynced++
			case dispatch.UpdateError:
				if u.Err == nil || u.Err.Suppressed {
					continue
				}
				a.log.Warn().Str("kind", string(u.Err.Kind)).Msg(u.Err.Message)
			}
		}
	}
	cancel()
	<-done

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTRANSPORT\tWORKSPACE\tTITLE\tACTIVE\tPARENT")
	for _, s := range st.eng.Sessions() {
		title := s.Title
		if title == "" {
			title = s.DynamicTitle
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", s.ID, s.TransportKind, s.Workspace, title, s.IsActive, s.ParentID)
	}
	return tw.Flush()
}
