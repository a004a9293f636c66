package main

import (
	"context"
	"errors"
	"fmt"

	"termlink/internal/engine"
	"termlink/internal/host"
	"termlink/internal/metrics"
	"termlink/internal/prompts"
	"termlink/internal/session"
	"termlink/internal/store"
	"termlink/internal/transport"
)

// stack is an engine plus the resources it was built from.
type stack struct {
	eng     *engine.Engine
	metrics *metrics.Metrics
	remote  bool
	local   bool
	closers []func() error
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]() //nolint:errcheck
	}
}

// buildStack connects the configured backends. A missing host daemon is
// not an error when a remote server is configured.
func (a *app) buildStack(ctx context.Context, withPrompts bool) (*stack, error) {
	st := &stack{metrics: metrics.New()}
	opts := []engine.Option{engine.WithMetrics(st.metrics)}

	if a.cfg.ServerURL != "" {
		st.remote = true
		opts = append(opts, engine.WithRemote(transport.NewRemote(transport.RemoteConfig{
			URL:        a.cfg.ServerURL,
			MaxBackoff: a.cfg.ReconnectMaxBackoff,
		}, a.log)))
	}

	dial := func(ctx context.Context) (host.API, error) {
		return host.Dial(ctx, a.cfg.HostSocket, a.log)
	}
	client, err := dial(ctx)
	switch {
	case err == nil:
		st.local = true
		local := transport.NewLocal(client, a.cfg.WindowID, a.log,
			transport.WithRedial(dial, a.cfg.ReconnectMaxBackoff))
		st.closers = append(st.closers, local.Close)
		opts = append(opts, engine.WithLocal(local))
	case a.cfg.ServerURL == "":
		return nil, fmt.Errorf("no server url configured and host daemon unreachable: %w", err)
	default:
		a.log.Warn().Err(err).Str("socket", a.cfg.HostSocket).Msg("host daemon unreachable, local sessions disabled")
	}

	db, err := store.Open(ctx, a.cfg.StateDB)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.closers = append(st.closers, db.Close)
	opts = append(opts, engine.WithStore(db))

	// The watcher is created before the engine it notifies.
	var eng *engine.Engine
	if withPrompts {
		w, err := prompts.NewWatcher(a.cfg.PromptsFile, func([]session.StopPrompt) {
			if eng != nil {
				eng.PromptsReloaded(ctx)
			}
		}, a.log)
		if err != nil {
			st.Close()
			return nil, err
		}
		opts = append(opts, engine.WithPrompts(w))
	}

	eng, err = engine.New(engine.ConfigFrom(a.cfg), a.log, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.eng = eng
	return st, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
