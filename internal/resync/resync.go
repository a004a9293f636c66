// Package resync re-derives registry truth after a transport reconnects and
// restores the attachments that were live before the disconnect.
package resync

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"termlink/internal/metrics"
	"termlink/internal/opt"
	"termlink/internal/session"
	"termlink/internal/transport"
)

// reattachConcurrency bounds parallel reattach handshakes.
const reattachConcurrency = 4

// Attacher is the part of the attachment coordinator a resync drives.
type Attacher interface {
	ShouldReattach(kind session.TransportKind) []string
	Reattach(ctx context.Context, id string) error
	HandleTerminated(id string)
}

// PrepareFunc adjusts a listed session before it is merged.
type PrepareFunc func(session.Patch) session.Patch

// ReconcileFunc merges a listed session with pending local values that the
// listing has not confirmed yet.
type ReconcileFunc func(session.Patch) session.Patch

// Report summarizes one resync run.
type Report struct {
	Listed     int
	Ended      []string
	Reattached []string
	Failed     map[string]error
}

// Resyncer runs reconnect resynchronization for one registry.
type Resyncer struct {
	reg       *session.Registry
	children  *session.ChildManager
	attacher  Attacher
	prepare   PrepareFunc
	reconcile ReconcileFunc
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// Option configures a Resyncer.
type Option func(*Resyncer)

// WithPrepare installs fn to adjust every listed session before merging.
func WithPrepare(fn PrepareFunc) Option {
	return func(r *Resyncer) { r.prepare = fn }
}

// WithReconcile installs fn to keep optimistic local values a listing
// would otherwise overwrite.
func WithReconcile(fn ReconcileFunc) Option {
	return func(r *Resyncer) { r.reconcile = fn }
}

// WithMetrics counts resync outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resyncer) { r.metrics = m }
}

// New creates a Resyncer.
func New(reg *session.Registry, children *session.ChildManager, attacher Attacher, log zerolog.Logger, opts ...Option) *Resyncer {
	r := &Resyncer{
		reg:      reg,
		children: children,
		attacher: attacher,
		log:      log.With().Str("component", "resync").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run reconciles the sessions served by kind against a fresh listing, then
// reattaches what should be attached and re-derives the child index. A
// failed reattachment is logged and reported but does not stop the others.
func (r *Resyncer) Run(ctx context.Context, kind session.TransportKind, lister transport.Lister) (Report, error) {
	patches, err := lister.ListSessions(ctx)
	if err != nil {
		r.metrics.Resync("error")
		return Report{}, fmt.Errorf("list %s sessions: %w", kind, err)
	}

	report := Report{Listed: len(patches), Failed: make(map[string]error)}
	listed := make(map[string]bool, len(patches))
	for _, p := range patches {
		if !p.TransportKind.Set {
			p.TransportKind = opt.Some(kind)
		}
		if r.reconcile != nil {
			p = r.reconcile(p)
		}
		if r.prepare != nil {
			p = r.prepare(p)
		}
		if err := r.merge(p); err != nil {
			r.log.Warn().Err(err).Msg("skipping listed session")
			continue
		}
		listed[p.ID] = true
	}

	// Sessions that vanished while disconnected ended in the meantime.
	// They stay in the registry as sticky terminated entries.
	for _, s := range r.reg.All() {
		if s.TransportKind != kind || listed[s.ID] || !s.IsActive {
			continue
		}
		if _, _, err := r.reg.Upsert(session.Patch{ID: s.ID, IsActive: opt.Some(false)}); err != nil {
			continue
		}
		r.attacher.HandleTerminated(s.ID)
		report.Ended = append(report.Ended, s.ID)
	}

	r.reattach(ctx, kind, &report)

	r.reg.RebuildChildren()
	if r.children != nil {
		r.children.RetitleAll()
	}

	result := "ok"
	if len(report.Failed) > 0 {
		result = "partial"
	}
	r.metrics.Resync(result)
	r.log.Info().
		Str("transport", string(kind)).
		Int("listed", report.Listed).
		Int("ended", len(report.Ended)).
		Int("reattached", len(report.Reattached)).
		Int("failed", len(report.Failed)).
		Msg("resync complete")
	return report, nil
}

// merge upserts p. Children go through the child manager so a child first
// seen in a listing gets the same defaults as one announced by an event.
func (r *Resyncer) merge(p session.Patch) error {
	if parent, ok := p.ParentID.Get(); ok && parent != "" && r.children != nil {
		_, err := r.children.RegisterChild(p)
		return err
	}
	_, _, err := r.reg.Upsert(p)
	return err
}

func (r *Resyncer) reattach(ctx context.Context, kind session.TransportKind, report *Report) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reattachConcurrency)

	for _, id := range r.attacher.ShouldReattach(kind) {
		if s, ok := r.reg.Get(id); !ok || !s.IsActive {
			continue
		}
		g.Go(func() error {
			err := r.attacher.Reattach(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.log.Warn().Err(err).Str("session_id", id).Msg("reattach failed")
				report.Failed[id] = err
				return nil
			}
			report.Reattached = append(report.Reattached, id)
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(report.Reattached)
}
