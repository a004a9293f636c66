// Package engine wires the session registry, attachment coordinator, input
// gate, resynchronizer and dispatcher to the configured transports, and
// exposes the operations collaborators (views, CLIs, bridges) drive.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"termlink/internal/clock"
	"termlink/internal/config"
	"termlink/internal/coordinator"
	"termlink/internal/dispatch"
	"termlink/internal/engineerr"
	"termlink/internal/gate"
	"termlink/internal/metrics"
	"termlink/internal/opt"
	"termlink/internal/resync"
	"termlink/internal/session"
	"termlink/internal/store"
	"termlink/internal/transport"
)

var (
	ErrUnsupported = errors.New("operation not supported by transport")
	ErrNoStore     = errors.New("no state store configured")
)

// RemoteBackend is the remote multiplexed transport plus the server
// commands that have no local equivalent.
type RemoteBackend interface {
	transport.Transport
	transport.Lister
	transport.ServerCommander
	Run(ctx context.Context) error
}

// LocalBackend is the local process transport.
type LocalBackend interface {
	transport.Transport
	transport.Lister
	transport.Commander
	Run(ctx context.Context) error
}

// PromptSource supplies the current stop-prompt templates.
type PromptSource interface {
	Current() []session.StopPrompt
}

type runner interface {
	Run(ctx context.Context) error
}

// Config holds the engine's timing knobs.
type Config struct {
	Coordinator       coordinator.Config
	PendingConfirmTTL time.Duration
	AutoYield         bool
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		Coordinator:       coordinator.DefaultConfig(),
		PendingConfirmTTL: 5 * time.Second,
	}
}

// ConfigFrom extracts the engine settings from the process configuration.
func ConfigFrom(c config.Config) Config {
	return Config{
		Coordinator: coordinator.Config{
			StaleDetachGrace:  c.StaleDetachGrace,
			YoungSessionGrace: c.YoungSessionGrace,
			AttachTimeout:     c.AttachTimeout,
			ResizeDebounce:    c.ResizeDebounce,
		},
		PendingConfirmTTL: c.PendingConfirmTTL,
		AutoYield:         c.AutoYield,
	}
}

// Option configures an Engine.
type Option func(*Engine)

func WithRemote(r RemoteBackend) Option {
	return func(e *Engine) { e.remote = r }
}

func WithLocal(l LocalBackend) Option {
	return func(e *Engine) { e.local = l }
}

// WithStore persists selections and local titles in s.
func WithStore(s *store.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithPrompts applies templates from src to new remote sessions. If src
// also has a Run method it is supervised by Engine.Run.
func WithPrompts(src PromptSource) Option {
	return func(e *Engine) { e.prompts = src }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Engine is one window's view of every session it can reach.
type Engine struct {
	cfg     Config
	log     zerolog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	remote  RemoteBackend
	local   LocalBackend
	store   *store.Store
	prompts PromptSource

	reg      *session.Registry
	children *session.ChildManager
	coord    *coordinator.Coordinator
	gate     *gate.Gate
	resync   *resync.Resyncer
	disp     *dispatch.Dispatcher

	titleMu   sync.Mutex
	overrides map[string]string

	subMu   sync.RWMutex
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	ch      chan dispatch.Update
	dropped atomic.Int64
}

// New builds an engine. At least one of WithRemote and WithLocal is
// required.
func New(cfg Config, log zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		log:       log.With().Str("component", "engine").Logger(),
		clock:     clock.Real(),
		overrides: make(map[string]string),
		subs:      make(map[int]*subscriber),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.remote == nil && e.local == nil {
		return nil, errors.New("engine: no transport configured")
	}

	if e.store != nil {
		overrides, err := e.store.TitleOverrides(context.Background())
		if err != nil {
			return nil, err
		}
		e.overrides = overrides
	}

	var transports []transport.Transport
	listers := make(map[session.TransportKind]transport.Lister)
	if e.remote != nil {
		transports = append(transports, e.remote)
		listers[session.TransportRemote] = e.remote
	}
	if e.local != nil {
		transports = append(transports, e.local)
		listers[session.TransportLocal] = e.local
	}

	copts := []coordinator.Option{
		coordinator.WithClock(e.clock),
		coordinator.WithMetrics(e.metrics),
		coordinator.WithChangeHandler(func(ch coordinator.Change) {
			e.publish(dispatch.Update{Kind: dispatch.UpdateState, SessionID: ch.SessionID, State: ch.To})
		}),
		coordinator.WithErrorHandler(e.reportError),
	}
	if e.remote != nil {
		copts = append(copts, coordinator.WithServer(e.remote))
	}
	if e.local != nil {
		copts = append(copts, coordinator.WithCommander(session.TransportLocal, e.local))
	}

	e.reg = session.NewRegistry(log, session.WithViolationHandler(e.reportError))
	e.coord = coordinator.New(e.reg, transports, cfg.Coordinator, log, copts...)
	e.children = session.NewChildManager(e.reg, e.coord, log)
	e.gate = gate.New(e.clock, cfg.PendingConfirmTTL, log)
	e.resync = resync.New(e.reg, e.children, e.coord, log,
		resync.WithReconcile(e.gate.Reconcile),
		resync.WithPrepare(e.prepare),
		resync.WithMetrics(e.metrics),
	)
	e.disp = dispatch.New(dispatch.Deps{
		Registry:    e.reg,
		Children:    e.children,
		Coordinator: e.coord,
		Gate:        e.gate,
		Resyncer:    e.resync,
		Listers:     listers,
		Titles:      e.titleStore(),
		Prepare:     e.prepare,
		Clock:       e.clock,
		Metrics:     e.metrics,
		Sink:        e.publish,
		AutoYield:   cfg.AutoYield,
	}, log)
	return e, nil
}

func (e *Engine) titleStore() dispatch.TitleStore {
	if e.store == nil {
		return nil
	}
	return e.store
}

// Run connects the transports and applies their events until ctx is
// cancelled or a transport fails for good.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var sources []<-chan transport.Event
	if e.remote != nil {
		sources = append(sources, e.remote.Events())
		g.Go(func() error { return e.remote.Run(gctx) })
	}
	if e.local != nil {
		sources = append(sources, e.local.Events())
		g.Go(func() error {
			err := e.local.Run(gctx)
			if err == nil || e.remote == nil {
				return err
			}
			// Remote sessions outlive the host daemon.
			e.log.Error().Err(err).Msg("local transport stopped, local sessions unavailable")
			return nil
		})
	}
	if r, ok := e.prompts.(runner); ok {
		g.Go(func() error { return r.Run(gctx) })
	}
	g.Go(func() error { return e.disp.Run(gctx, sources...) })

	err := g.Wait()
	e.releaseLocal(ctx)
	e.coord.Close()
	return err
}

// releaseLocal hands every local session this window holds back to the host
// before the host connection goes away.
func (e *Engine) releaseLocal(ctx context.Context) {
	if e.local == nil {
		return
	}
	timeout := e.cfg.Coordinator.AttachTimeout
	if timeout <= 0 {
		timeout = coordinator.DefaultConfig().AttachTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	e.coord.DetachAll(ctx, session.TransportLocal)
}

// Subscribe returns a channel receiving every update from now on. A
// subscriber that falls more than buffer updates behind loses the excess.
// Call cancel to stop receiving; it closes the channel.
func (e *Engine) Subscribe(buffer int) (<-chan dispatch.Update, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscriber{ch: make(chan dispatch.Update, buffer)}

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = sub
	e.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
			close(sub.ch)
		})
	}
}

func (e *Engine) publish(u dispatch.Update) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, sub := range e.subs {
		select {
		case sub.ch <- u:
		default:
			if n := sub.dropped.Add(1); n == 1 || n%100 == 0 {
				e.log.Warn().Int64("dropped", n).Msg("subscriber too slow, dropping updates")
			}
		}
	}
}

func (e *Engine) reportError(err *engineerr.Error) {
	e.publish(dispatch.Update{Kind: dispatch.UpdateError, SessionID: err.SessionID, Err: err})
}

// prepare re-applies persisted titles to local sessions before they are
// merged.
func (e *Engine) prepare(p session.Patch) session.Patch {
	existing, known := e.reg.Get(p.ID)
	kind, ok := p.TransportKind.Get()
	if !ok && known {
		kind = existing.TransportKind
	}
	if kind != session.TransportLocal || e.store == nil {
		return p
	}

	e.titleMu.Lock()
	title, hasOverride := e.overrides[p.ID]
	e.titleMu.Unlock()
	if hasOverride {
		p.Title = opt.Some(title)
	}

	if !p.DynamicTitle.Set && !known {
		dyn, err := e.store.DynamicTitle(context.Background(), p.ID)
		switch {
		case err == nil:
			p.DynamicTitle = opt.Some(dyn)
		case !errors.Is(err, store.ErrNotFound):
			e.log.Warn().Err(err).Str("session_id", p.ID).Msg("load dynamic title")
		}
	}
	return p
}
