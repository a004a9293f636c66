package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"termlink/internal/dispatch"
	"termlink/internal/feed"
)

func newWatchCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session view in sync and log every change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.watch(cmd.Context(), listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "serve the update feed for views on this address (/ws)")
	return cmd
}

func (a *app) watch(ctx context.Context, listen string) error {
	st, err := a.buildStack(ctx, true)
	if err != nil {
		return err
	}
	defer st.Close()

	updates, unsubscribe := st.eng.Subscribe(1024)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(st.eng.Run(gctx)) })
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case u := <-updates:
				a.logUpdate(u)
			}
		}
	})

	// The feed and metrics share a listener when both use the same address.
	mux := http.NewServeMux()
	if listen != "" {
		fs := feed.New(st.eng, a.log)
		mux.Handle("/ws", fs.Handler())
		g.Go(func() error { return fs.Run(gctx) })
	}
	switch {
	case a.cfg.MetricsAddr == "":
	case a.cfg.MetricsAddr == listen:
		mux.Handle("/metrics", st.metrics.Handler())
	default:
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", st.metrics.Handler())
		g.Go(func() error { return serveHTTP(gctx, a.cfg.MetricsAddr, metricsMux) })
	}
	if listen != "" {
		g.Go(func() error { return serveHTTP(gctx, listen, mux) })
	}

	a.log.Info().Str("window_id", a.cfg.WindowID).Str("server_url", a.cfg.ServerURL).Msg("watching sessions")
	return g.Wait()
}

func (a *app) logUpdate(u dispatch.Update) {
	switch u.Kind {
	case dispatch.UpdateOutput:
		a.log.Debug().Str("session_id", u.SessionID).Int("bytes", len(u.Data)).Msg("output")
	case dispatch.UpdateError:
		if u.Err == nil {
			return
		}
		ev := a.log.Warn()
		if u.Err.Suppressed {
			ev = a.log.Debug()
		}
		ev.Str("session_id", u.SessionID).Str("kind", string(u.Err.Kind)).Msg(u.Err.Message)
	case dispatch.UpdateSession:
		a.log.Info().Str("session_id", u.SessionID).Str("title", u.Session.Title).
			Str("workspace", u.Session.Workspace).Bool("active", u.Session.IsActive).Msg("session")
	case dispatch.UpdateState:
		a.log.Info().Str("session_id", u.SessionID).Str("state", string(u.State)).Msg("attachment")
	case dispatch.UpdateExit:
		a.log.Info().Str("session_id", u.SessionID).Int("exit_code", u.ExitCode).Msg("exit")
	default:
		a.log.Info().Str("session_id", u.SessionID).Str("kind", string(u.Kind)).
			Str("notice", u.Notice).Str("detail", u.Detail).Msg("update")
	}
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}
