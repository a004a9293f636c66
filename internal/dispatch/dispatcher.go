// Package dispatch routes inbound events from every transport to the
// registry, the attachment coordinator and the input gate, and reports the
// resulting changes to collaborators.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"termlink/internal/clock"
	"termlink/internal/coordinator"
	"termlink/internal/engineerr"
	"termlink/internal/gate"
	"termlink/internal/metrics"
	"termlink/internal/opt"
	"termlink/internal/protocol"
	"termlink/internal/resync"
	"termlink/internal/session"
	"termlink/internal/transport"
)

// ErrUnhandled is returned by Dispatch for an event kind with no handler.
var ErrUnhandled = errors.New("no handler for event")

// TitleStore persists the last dynamic title of local sessions.
type TitleStore interface {
	SaveDynamicTitle(ctx context.Context, id, title string) error
}

// Deps are the components a Dispatcher drives. Titles, Prepare, Metrics
// and Resyncer are optional.
type Deps struct {
	Registry    *session.Registry
	Children    *session.ChildManager
	Coordinator *coordinator.Coordinator
	Gate        *gate.Gate
	Resyncer    *resync.Resyncer
	Listers     map[session.TransportKind]transport.Lister
	Titles      TitleStore
	Prepare     resync.PrepareFunc
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	Sink        Sink

	// AutoYield releases a local session as soon as another window asks
	// for it.
	AutoYield bool
}

type handler func(ctx context.Context, ev Event) error

// Dispatcher applies inbound events in arrival order.
type Dispatcher struct {
	deps  Deps
	log   zerolog.Logger
	table map[Kind]handler

	resyncMu sync.Mutex
	resyncs  map[session.TransportKind]*sync.Mutex
	wg       sync.WaitGroup
}

// New creates a Dispatcher.
func New(deps Deps, log zerolog.Logger) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Sink == nil {
		deps.Sink = func(Update) {}
	}
	d := &Dispatcher{
		deps:    deps,
		log:     log.With().Str("component", "dispatch").Logger(),
		resyncs: make(map[session.TransportKind]*sync.Mutex),
	}
	d.table = map[Kind]handler{
		KindSessionUpdated:    d.sessionUpdated,
		KindAttached:          d.attached,
		KindDetached:          d.detached,
		KindActivity:          d.activity,
		KindStdinInjected:     d.stdinInjected,
		KindDeferredInput:     d.deferredInput,
		KindSessionsReordered: d.sessionsReordered,
		KindWorkspacesUpdated: d.workspacesUpdated,
		KindSessionRemoved:    d.sessionRemoved,
		KindOutput:            d.output,
		KindExit:              d.exit,
		KindTitleChanged:      d.titleChanged,
		KindYieldRequested:    d.yieldRequested,
		KindConnected:         d.connected,
		KindConnectionLost:    d.connectionLost,
	}
	return d
}

// Dispatch applies one event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	h, ok := d.table[ev.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnhandled, ev.Kind)
	}
	d.deps.Metrics.InboundEvent(string(ev.Kind))
	if err := h(ctx, ev); err != nil {
		return fmt.Errorf("%s %s: %w", ev.Kind, ev.SessionID, err)
	}
	return nil
}

// Run merges the transports' event streams and applies every event until
// ctx is cancelled. Order is preserved per source.
func (d *Dispatcher) Run(ctx context.Context, sources ...<-chan transport.Event) error {
	in := make(chan transport.Event)
	g, gctx := errgroup.WithContext(ctx)

	for _, src := range sources {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev, ok := <-src:
					if !ok {
						return nil
					}
					select {
					case in <- ev:
					case <-gctx.Done():
						return nil
					}
				}
			}
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case raw := <-in:
				d.handle(gctx, raw)
			}
		}
	})

	err := g.Wait()
	d.wg.Wait()
	return err
}

// Wait blocks until background resyncs and yields have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, raw transport.Event) {
	ev, err := FromTransport(raw, d.deps.Clock.Now())
	if err != nil {
		d.log.Warn().Err(err).Str("transport", string(raw.Transport)).Msg("dropping event")
		return
	}
	if err := d.Dispatch(ctx, ev); err != nil {
		d.log.Warn().Err(err).Str("session_id", ev.SessionID).Msg("handle event")
	}
}

func (d *Dispatcher) emit(u Update) {
	d.deps.Sink(u)
}

func (d *Dispatcher) emitSession(s session.Session) {
	d.emit(Update{Kind: UpdateSession, SessionID: s.ID, Session: &s})
}

func (d *Dispatcher) notice(id, notice, detail string) {
	d.emit(Update{Kind: UpdateNotice, SessionID: id, Notice: notice, Detail: detail})
}

func (d *Dispatcher) known(id string) bool {
	_, ok := d.deps.Registry.Get(id)
	return ok
}

// merge upserts p, routing nested sessions through the child manager.
func (d *Dispatcher) merge(p session.Patch) (session.Session, session.ChangeSet, error) {
	if parent, ok := p.ParentID.Get(); ok && parent != "" && d.deps.Children != nil {
		s, err := d.deps.Children.RegisterChild(p)
		return s, session.ChangeSet{}, err
	}
	return d.deps.Registry.Upsert(p)
}

func (d *Dispatcher) sessionUpdated(ctx context.Context, ev Event) error {
	p := ev.Updated.SessionData
	if !p.TransportKind.Set && ev.Transport != "" && !d.known(p.ID) {
		p.TransportKind = opt.Some(ev.Transport)
	}
	p = d.deps.Gate.Reconcile(p)
	if d.deps.Prepare != nil {
		p = d.deps.Prepare(p)
	}

	switch ev.Updated.UpdateType {
	case protocol.UpdateDeleted:
		d.removeSession(p.ID)
		return nil

	case protocol.UpdateTerminated:
		p.IsActive = opt.Some(false)
		s, _, err := d.merge(p)
		if err != nil {
			return err
		}
		d.deps.Coordinator.HandleTerminated(p.ID)
		s, _ = d.deps.Registry.Get(s.ID)
		d.emitSession(s)
		return nil
	}

	s, cs, err := d.merge(p)
	if err != nil {
		return err
	}
	if cs.WorkspaceChanged {
		d.notice(s.ID, NoticeWorkspaceMoved, cs.PrevWorkspace)
	}
	if s.IsActive && d.deps.Coordinator.State(s.ID) == coordinator.StateEnded {
		d.deps.Coordinator.HandleRevived(s.ID)
	}
	d.emitSession(s)
	return nil
}

// removeSession drops id and, for a parent, its children from the
// registry and from every component holding per-session state.
func (d *Dispatcher) removeSession(id string) {
	s, ok := d.deps.Registry.Get(id)
	if !ok {
		return
	}

	var removed []string
	if s.IsChild() && d.deps.Children != nil {
		if d.deps.Children.UnregisterChild(id) {
			removed = []string{id}
		}
	} else {
		// Children go first so a command child's stream outlives the parent.
		var children []string
		if d.deps.Children != nil {
			for _, c := range d.deps.Registry.Children(id) {
				if d.deps.Children.UnregisterChild(c.ID) {
					children = append(children, c.ID)
				}
			}
		}
		removed, _ = d.deps.Registry.Remove(id)
		for _, rid := range removed {
			d.deps.Coordinator.Release(rid)
		}
		removed = append(removed, children...)
	}

	for _, rid := range removed {
		d.deps.Gate.Forget(rid)
		d.emit(Update{Kind: UpdateRemoved, SessionID: rid})
	}
}

func (d *Dispatcher) attached(_ context.Context, ev Event) error {
	d.notice(ev.SessionID, NoticePeerAttached, "")
	return nil
}

func (d *Dispatcher) detached(_ context.Context, ev Event) error {
	d.deps.Coordinator.HandleDetached(ev.SessionID, ev.At)
	return nil
}

func (d *Dispatcher) activity(_ context.Context, ev Event) error {
	if !d.known(ev.SessionID) {
		return nil
	}
	s, _, err := d.deps.Registry.Upsert(session.Patch{ID: ev.SessionID, ActivityState: opt.Some(ev.Activity)})
	if err != nil {
		return err
	}
	d.emitSession(s)
	return nil
}

func (d *Dispatcher) stdinInjected(_ context.Context, ev Event) error {
	d.notice(ev.SessionID, NoticeStdinInjected, "")
	return nil
}

func (d *Dispatcher) deferredInput(_ context.Context, ev Event) error {
	q, err := d.deps.Gate.ApplyDeferred(*ev.Deferred)
	if err != nil {
		return err
	}
	d.emit(Update{Kind: UpdateDeferred, SessionID: ev.SessionID, Pending: q})
	return nil
}

func (d *Dispatcher) sessionsReordered(_ context.Context, ev Event) error {
	d.deps.Registry.Reorder(ev.Reordered.Workspace, ev.Reordered.Order)
	d.emit(Update{Kind: UpdateReordered, Detail: ev.Reordered.Workspace})
	return nil
}

func (d *Dispatcher) workspacesUpdated(_ context.Context, ev Event) error {
	d.notice("", NoticeWorkspacesUpdated, ev.WorkspaceAction)
	return nil
}

func (d *Dispatcher) sessionRemoved(_ context.Context, ev Event) error {
	d.removeSession(ev.SessionID)
	return nil
}

func (d *Dispatcher) output(_ context.Context, ev Event) error {
	d.emit(Update{Kind: UpdateOutput, SessionID: ev.SessionID, Data: ev.Data})
	return nil
}

func (d *Dispatcher) exit(_ context.Context, ev Event) error {
	if d.known(ev.SessionID) {
		s, _, err := d.deps.Registry.Upsert(session.Patch{ID: ev.SessionID, IsActive: opt.Some(false)})
		if err != nil {
			return err
		}
		d.deps.Coordinator.HandleTerminated(ev.SessionID)
		s, _ = d.deps.Registry.Get(s.ID)
		d.emitSession(s)
	}
	d.emit(Update{Kind: UpdateExit, SessionID: ev.SessionID, ExitCode: ev.ExitCode})
	return nil
}

func (d *Dispatcher) titleChanged(ctx context.Context, ev Event) error {
	if !d.known(ev.SessionID) {
		return nil
	}
	s, _, err := d.deps.Registry.Upsert(session.Patch{ID: ev.SessionID, DynamicTitle: opt.Some(ev.Title)})
	if err != nil {
		return err
	}
	if d.deps.Titles != nil && s.TransportKind == session.TransportLocal {
		if err := d.deps.Titles.SaveDynamicTitle(ctx, s.ID, ev.Title); err != nil {
			d.log.Warn().Err(err).Str("session_id", s.ID).Msg("persist dynamic title")
		}
	}
	d.emitSession(s)
	return nil
}

func (d *Dispatcher) yieldRequested(ctx context.Context, ev Event) error {
	d.notice(ev.SessionID, NoticeYieldRequested, ev.Requester)
	if !d.deps.AutoYield {
		return nil
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.deps.Coordinator.Detach(ctx, ev.SessionID, false); err != nil {
			d.log.Warn().Err(err).Str("session_id", ev.SessionID).Msg("yield")
		}
	}()
	return nil
}

func (d *Dispatcher) connectionLost(_ context.Context, ev Event) error {
	d.deps.Coordinator.TransportLost(ev.Transport)
	d.notice("", NoticeConnectionLost, string(ev.Transport))
	return nil
}

// connected starts a resync in the background. The listing it waits for
// arrives on the same connection whose events this loop drains, so the
// loop must keep running meanwhile.
func (d *Dispatcher) connected(ctx context.Context, ev Event) error {
	lister, ok := d.deps.Listers[ev.Transport]
	if !ok || d.deps.Resyncer == nil {
		return nil
	}
	mu := d.resyncLock(ev.Transport)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		mu.Lock()
		defer mu.Unlock()

		if _, err := d.deps.Resyncer.Run(ctx, ev.Transport, lister); err != nil {
			if ctx.Err() != nil {
				return
			}
			e := engineerr.New(engineerr.KindTransportFailure, "", err, "resync %s: %v", ev.Transport, err)
			d.log.Warn().Err(err).Str("transport", string(ev.Transport)).Msg("resync failed")
			d.emit(Update{Kind: UpdateError, Err: e})
			return
		}
		d.emit(Update{Kind: UpdateResynced, Detail: string(ev.Transport)})
	}()
	return nil
}

func (d *Dispatcher) resyncLock(kind session.TransportKind) *sync.Mutex {
	d.resyncMu.Lock()
	defer d.resyncMu.Unlock()
	mu, ok := d.resyncs[kind]
	if !ok {
		mu = &sync.Mutex{}
		d.resyncs[kind] = mu
	}
	return mu
}
