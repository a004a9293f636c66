// Package coordinator runs the per-session attach/detach state machine. It
// is the only component that drives a transport on behalf of a session:
// collaborators ask it to attach or detach, and it arbitrates ownership,
// filters stale lifecycle events and keeps the registry's attachment flag
// in step with what the transports actually hold.
package coordinator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"termlink/internal/clock"
	"termlink/internal/engineerr"
	"termlink/internal/metrics"
	"termlink/internal/opt"
	"termlink/internal/session"
	"termlink/internal/transport"
)

// State is a session's attachment state in this window.
type State string

const (
	StateUnattached State = "unattached"
	StateAttaching  State = "attaching"
	StateAttached   State = "attached"
	StateDetaching  State = "detaching"
	StateEnded      State = "ended"
)

// ErrSuppressed is returned by a non-explicit Attach for a session the
// user detached on purpose.
var ErrSuppressed = errors.New("automatic attach withheld after explicit detach")

// Config holds the coordinator's timing knobs.
type Config struct {
	// StaleDetachGrace is how long after a successful attach an inbound
	// detached event is treated as a leftover from an older attachment.
	StaleDetachGrace time.Duration

	// YoungSessionGrace is how long after creation a history fetch that
	// returns not-found is considered a benign race.
	YoungSessionGrace time.Duration

	AttachTimeout  time.Duration
	ResizeDebounce time.Duration
}

// DefaultConfig returns the standard timing knobs.
func DefaultConfig() Config {
	return Config{
		StaleDetachGrace:  1500 * time.Millisecond,
		YoungSessionGrace: 5 * time.Second,
		AttachTimeout:     10 * time.Second,
		ResizeDebounce:    50 * time.Millisecond,
	}
}

// Change reports one state transition.
type Change struct {
	SessionID string
	From      State
	To        State
}

// AttachOptions controls an Attach call.
type AttachOptions struct {
	// Explicit marks a user-initiated attach. It lifts the suppression set
	// by an explicit detach.
	Explicit    bool
	LoadHistory bool
}

// Result describes a successful attach.
type Result struct {
	Handle  transport.Handle
	History []byte
	Resumed bool

	// AlreadyAttached is set when the call was a no-op.
	AlreadyAttached bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithMetrics records attach, detach and stale-event counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// WithChangeHandler receives every state transition.
func WithChangeHandler(fn func(Change)) Option {
	return func(co *Coordinator) { co.onChange = fn }
}

// WithErrorHandler receives every error the coordinator surfaces.
func WithErrorHandler(fn func(*engineerr.Error)) Option {
	return func(co *Coordinator) { co.onError = fn }
}

// WithCommander issues kind's lifecycle commands through c.
func WithCommander(kind session.TransportKind, cmd transport.Commander) Option {
	return func(co *Coordinator) { co.commanders[kind] = cmd }
}

// WithServer issues the remote server's commands through s.
func WithServer(s transport.ServerCommander) Option {
	return func(co *Coordinator) {
		co.server = s
		co.commanders[session.TransportRemote] = s
	}
}

type record struct {
	kind   session.TransportKind
	state  State
	handle transport.Handle

	// lastAttachAt is set when an attach is issued and again when it
	// succeeds. Detached events younger than it plus the grace are stale.
	lastAttachAt time.Time

	suppressed   bool
	shouldAttach bool

	// gen changes whenever an action supersedes an abandoned attach, so a
	// late success can tell whether it may still be merged.
	gen      uint64
	inflight *attempt
}

type attempt struct {
	done   chan struct{}
	result Result
	err    error
}

type attachResult struct {
	out transport.AttachOutcome
	err error
}

// Coordinator owns the attachment records for one window.
type Coordinator struct {
	reg        *session.Registry
	transports map[session.TransportKind]transport.Transport
	cfg        Config
	clock      clock.Clock
	resizer    *clock.Debouncer
	metrics    *metrics.Metrics
	log        zerolog.Logger
	onChange   func(Change)
	onError    func(*engineerr.Error)
	commanders map[session.TransportKind]transport.Commander
	server     transport.ServerCommander

	mu      sync.Mutex
	records map[string]*record
}

// New creates a coordinator driving the given transports, at most one per
// kind.
func New(reg *session.Registry, transports []transport.Transport, cfg Config, log zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		reg:        reg,
		transports: make(map[session.TransportKind]transport.Transport, len(transports)),
		cfg:        cfg,
		clock:      clock.Real(),
		log:        log.With().Str("component", "coordinator").Logger(),
		records:    make(map[string]*record),
		commanders: make(map[session.TransportKind]transport.Commander),
	}
	for _, t := range transports {
		c.transports[t.Kind()] = t
	}
	for _, o := range opts {
		o(c)
	}
	c.resizer = clock.NewDebouncer(c.clock)
	return c
}

// Transport returns the transport for kind, if one is configured.
func (c *Coordinator) Transport(kind session.TransportKind) (transport.Transport, bool) {
	t, ok := c.transports[kind]
	return t, ok
}

// State returns the attachment state of id.
func (c *Coordinator) State(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[id]; ok {
		return rec.state
	}
	return StateUnattached
}

// States returns the state of every tracked session.
func (c *Coordinator) States() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.records))
	for id, rec := range c.records {
		out[id] = rec.state
	}
	return out
}

// Suppressed reports whether automatic attach is withheld for id.
func (c *Coordinator) Suppressed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	return ok && rec.suppressed
}

// Attach binds this window to id's stream. Attaching a session that is
// already attached with a live binding is a no-op. A second Attach while one
// is in flight waits for the first.
func (c *Coordinator) Attach(ctx context.Context, id string, opts AttachOptions) (Result, error) {
	s, ok := c.reg.Get(id)
	if !ok {
		return Result{}, c.fail(engineerr.New(engineerr.KindNotFound, id, session.ErrNotFound, "session is not in the registry"))
	}
	t, ok := c.transports[s.TransportKind]
	if !ok {
		return Result{}, c.fail(engineerr.New(engineerr.KindTransportUnavailable, id, nil,
			"%s transport is not available", s.TransportKind))
	}
	kind := string(s.TransportKind)

	c.mu.Lock()
	rec := c.recordLocked(id, s.TransportKind)
	if opts.Explicit {
		rec.suppressed = false
	}
	switch {
	case rec.state == StateEnded || !s.IsActive:
		c.mu.Unlock()
		return Result{}, c.fail(engineerr.New(engineerr.KindSessionEnded, id, nil, "session has ended"))
	case rec.suppressed:
		c.mu.Unlock()
		return Result{}, ErrSuppressed
	case rec.state == StateAttached && t.IsAttached(id):
		h := rec.handle
		c.mu.Unlock()
		c.metrics.Attach(kind, "noop")
		return Result{Handle: h, AlreadyAttached: true}, nil
	case rec.inflight != nil:
		a := rec.inflight
		c.mu.Unlock()
		return join(ctx, a)
	}

	a := &attempt{done: make(chan struct{})}
	rec.inflight = a
	rec.gen++
	gen := rec.gen
	from := rec.state
	rec.state = StateAttaching
	rec.lastAttachAt = c.clock.Now()
	c.mu.Unlock()
	c.changed(id, from, StateAttaching)

	owner, err := t.Owner(ctx, id)
	if err != nil {
		return c.settle(id, a, t, transport.AttachOutcome{}, err)
	}
	if owner != "" && owner != t.Window() {
		return c.settle(id, a, t, transport.AttachOutcome{}, &transport.ConflictError{SessionID: id, Owner: owner})
	}

	// The transport call is never cancelled: a late success must still be
	// merged so no backend attachment is leaked.
	results := make(chan attachResult, 1)
	go func() {
		out, err := t.Attach(context.WithoutCancel(ctx), id, transport.AttachOptions{LoadHistory: opts.LoadHistory})
		results <- attachResult{out: out, err: err}
	}()

	select {
	case res := <-results:
		return c.settle(id, a, t, res.out, res.err)
	case <-c.clock.After(c.cfg.AttachTimeout):
		return Result{}, c.abandon(id, a, gen, t, results, context.DeadlineExceeded)
	case <-ctx.Done():
		return Result{}, c.abandon(id, a, gen, t, results, ctx.Err())
	}
}

func join(ctx context.Context, a *attempt) (Result, error) {
	select {
	case <-a.done:
		return a.result, a.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func finish(a *attempt, res Result, err error) {
	a.result = res
	a.err = err
	close(a.done)
}

// settle applies the outcome of the attempt a.
func (c *Coordinator) settle(id string, a *attempt, t transport.Transport, out transport.AttachOutcome, err error) (Result, error) {
	kind := string(t.Kind())

	c.mu.Lock()
	rec := c.records[id]
	if rec == nil || rec.inflight != a || rec.state == StateEnded {
		if rec != nil && rec.inflight == a {
			rec.inflight = nil
		}
		c.mu.Unlock()

		if err == nil {
			t.Release(id)
		}
		e := engineerr.New(engineerr.KindSessionEnded, id, err, "session ended while attaching")
		if rec == nil {
			e = engineerr.New(engineerr.KindNotFound, id, err, "session was removed while attaching")
		}
		finish(a, Result{}, e)
		c.metrics.Attach(kind, "superseded")
		return Result{}, c.fail(e)
	}
	rec.inflight = nil

	if err == nil {
		rec.state = StateAttached
		rec.handle = out.Handle
		rec.lastAttachAt = c.clock.Now()
		rec.shouldAttach = true
		c.mu.Unlock()

		res := Result{Handle: out.Handle, History: out.History, Resumed: out.Resumed}
		finish(a, res, nil)
		c.setAttachedFlag(id, true)
		c.changed(id, StateAttaching, StateAttached)
		c.metrics.Attach(kind, "ok")
		return res, nil
	}

	e := c.classify(id, err)
	to := StateUnattached
	if e.Kind == engineerr.KindSessionEnded {
		to = StateEnded
		rec.shouldAttach = false
	}
	rec.state = to
	rec.handle = transport.Handle{}
	c.mu.Unlock()

	finish(a, Result{}, e)
	c.setAttachedFlag(id, false)
	c.changed(id, StateAttaching, to)

	result := "error"
	if e.Kind == engineerr.KindAttachConflict {
		result = "conflict"
		c.requestYield(t, id)
	}
	c.metrics.Attach(kind, result)
	return Result{}, c.fail(e)
}

// abandon reverts a timed out attempt to Unattached and leaves a watcher
// for the transport's eventual answer.
func (c *Coordinator) abandon(id string, a *attempt, gen uint64, t transport.Transport, results <-chan attachResult, cause error) error {
	c.mu.Lock()
	rec := c.records[id]
	reverted := false
	if rec != nil && rec.inflight == a {
		rec.inflight = nil
		if rec.state == StateAttaching {
			rec.state = StateUnattached
			reverted = true
		}
	}
	c.mu.Unlock()

	e := engineerr.New(engineerr.KindAttachTimeout, id, cause, "no attach acknowledgment within %s", c.cfg.AttachTimeout)
	if !errors.Is(cause, context.DeadlineExceeded) {
		e = engineerr.New(engineerr.KindAttachTimeout, id, cause, "attach abandoned: %v", cause)
	}
	finish(a, Result{}, e)
	if reverted {
		c.changed(id, StateAttaching, StateUnattached)
	}
	c.metrics.Attach(string(t.Kind()), "timeout")

	go c.awaitLate(id, gen, t, results)
	return c.fail(e)
}

// awaitLate merges an attach success that arrived after its caller gave up,
// provided nothing else happened to the session in the meantime. Otherwise
// the stray backend attachment is undone.
func (c *Coordinator) awaitLate(id string, gen uint64, t transport.Transport, results <-chan attachResult) {
	res := <-results
	if res.err != nil {
		c.log.Debug().Err(res.err).Str("session_id", id).Msg("abandoned attach failed")
		return
	}

	c.mu.Lock()
	rec := c.records[id]
	var state State
	merge := rec != nil && rec.gen == gen && rec.state == StateUnattached
	if rec != nil {
		state = rec.state
	}
	if merge {
		rec.state = StateAttached
		rec.handle = res.out.Handle
		rec.lastAttachAt = c.clock.Now()
		rec.shouldAttach = true
	}
	c.mu.Unlock()

	switch {
	case merge:
		c.log.Info().Str("session_id", id).Msg("late attach merged")
		c.setAttachedFlag(id, true)
		c.changed(id, StateUnattached, StateAttached)
	case rec == nil || state == StateEnded:
		t.Release(id)
	case state == StateUnattached:
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AttachTimeout)
		defer cancel()
		if err := t.Detach(ctx, id, transport.DetachOptions{}); err != nil {
			c.log.Warn().Err(err).Str("session_id", id).Msg("undo late attach")
		}
	}
}

func (c *Coordinator) requestYield(t transport.Transport, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AttachTimeout)
	defer cancel()
	if err := t.RequestYield(ctx, id); err != nil {
		c.log.Warn().Err(err).Str("session_id", id).Msg("request yield")
	}
}

// Detach releases this window's binding to id. An explicit detach also
// withholds automatic reattachment until the next explicit Attach. A
// detach issued while an attach is in flight waits for it first.
func (c *Coordinator) Detach(ctx context.Context, id string, explicit bool) error {
	s, known := c.reg.Get(id)

	c.mu.Lock()
	for {
		rec, ok := c.records[id]
		if !ok || rec.inflight == nil {
			break
		}
		a := rec.inflight
		c.mu.Unlock()
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}

	rec, ok := c.records[id]
	if !ok {
		if !explicit || !known {
			c.mu.Unlock()
			return nil
		}
		rec = c.recordLocked(id, s.TransportKind)
	}
	rec.gen++
	rec.shouldAttach = false
	if explicit {
		rec.suppressed = true
	}
	if rec.state != StateAttached {
		c.mu.Unlock()
		return nil
	}
	rec.state = StateDetaching
	kind := rec.kind
	c.mu.Unlock()
	c.changed(id, StateAttached, StateDetaching)

	t := c.transports[kind]
	err := t.Detach(ctx, id, transport.DetachOptions{NotifyPeer: explicit})

	c.mu.Lock()
	to := rec.state
	if rec.state == StateDetaching {
		to = StateUnattached
		rec.state = to
		rec.handle = transport.Handle{}
	}
	c.mu.Unlock()

	if to == StateUnattached {
		c.setAttachedFlag(id, false)
	}
	c.changed(id, StateDetaching, to)
	c.metrics.Detach(string(kind), explicit)

	if err != nil && !benignDetachError(err) {
		return c.fail(c.classify(id, err))
	}
	return nil
}

func benignDetachError(err error) bool {
	return errors.Is(err, transport.ErrNotFound) ||
		errors.Is(err, transport.ErrEnded) ||
		errors.Is(err, transport.ErrNotConnected)
}

// HandleDetached applies a detached event received at at. Events arriving
// within the grace window of this window's latest attach, or while an
// attach is still in flight, are stale and discarded. It reports whether
// the event changed state.
func (c *Coordinator) HandleDetached(id string, at time.Time) bool {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok || rec.state != StateAttached && rec.state != StateAttaching {
		c.mu.Unlock()
		return false
	}
	if rec.state == StateAttaching || at.Before(rec.lastAttachAt.Add(c.cfg.StaleDetachGrace)) {
		state, last := rec.state, rec.lastAttachAt
		c.mu.Unlock()
		c.log.Debug().
			Str("session_id", id).
			Str("state", string(state)).
			Dur("since_attach", at.Sub(last)).
			Msg("discarding stale detached event")
		c.metrics.StaleEvent("detached")
		return false
	}
	rec.state = StateUnattached
	rec.handle = transport.Handle{}
	rec.shouldAttach = false
	rec.gen++
	kind := rec.kind
	c.mu.Unlock()

	if t, ok := c.transports[kind]; ok {
		t.Release(id)
	}
	c.setAttachedFlag(id, false)
	c.changed(id, StateAttached, StateUnattached)
	return true
}

// HandleTerminated moves id to Ended and releases its binding. The
// registry entry is kept.
func (c *Coordinator) HandleTerminated(id string) {
	kind := session.TransportRemote
	if s, ok := c.reg.Get(id); ok {
		kind = s.TransportKind
	}

	c.mu.Lock()
	rec := c.recordLocked(id, kind)
	from := rec.state
	rec.state = StateEnded
	rec.handle = transport.Handle{}
	rec.shouldAttach = false
	rec.gen++
	kind = rec.kind
	c.mu.Unlock()

	if t, ok := c.transports[kind]; ok {
		t.Release(id)
	}
	c.setAttachedFlag(id, false)
	c.changed(id, from, StateEnded)
}

// HandleRevived returns an ended session to Unattached when its backend
// reports it active again.
func (c *Coordinator) HandleRevived(id string) {
	c.mu.Lock()
	rec, ok := c.records[id]
	if !ok || rec.state != StateEnded {
		c.mu.Unlock()
		return
	}
	rec.state = StateUnattached
	c.mu.Unlock()
	c.changed(id, StateEnded, StateUnattached)
}

// TransportLost marks every session attached over kind as Unattached.
// Sessions keep their should-attach mark so a resync can restore them.
func (c *Coordinator) TransportLost(kind session.TransportKind) {
	var lost []string
	c.mu.Lock()
	for id, rec := range c.records {
		if rec.kind == kind && rec.state == StateAttached {
			rec.state = StateUnattached
			rec.handle = transport.Handle{}
			lost = append(lost, id)
		}
	}
	c.mu.Unlock()

	slices.Sort(lost)
	for _, id := range lost {
		c.setAttachedFlag(id, false)
		c.changed(id, StateAttached, StateUnattached)
	}
	if len(lost) > 0 {
		c.log.Info().Str("transport", string(kind)).Int("sessions", len(lost)).Msg("transport lost")
	}
}

// ShouldReattach returns, in id order, the sessions over kind that were
// attached before a disconnect and were not detached on purpose since.
func (c *Coordinator) ShouldReattach(kind session.TransportKind) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for id, rec := range c.records {
		if rec.kind == kind && rec.shouldAttach && !rec.suppressed && rec.state == StateUnattached {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Reattach resumes id's stream after a reconnect without reloading history.
// On failure the session stays Unattached and is no longer a reattach
// candidate.
func (c *Coordinator) Reattach(ctx context.Context, id string) error {
	_, err := c.Attach(ctx, id, AttachOptions{})
	if err == nil {
		return nil
	}
	c.mu.Lock()
	if rec, ok := c.records[id]; ok {
		rec.shouldAttach = false
	}
	c.mu.Unlock()
	c.metrics.ReattachFailed()
	return err
}

// Write sends data to id's process.
func (c *Coordinator) Write(ctx context.Context, id string, data []byte) error {
	t, err := c.transportFor(id)
	if err != nil {
		return err
	}
	if err := t.Write(ctx, id, data); err != nil {
		return c.fail(c.classify(id, err))
	}
	return nil
}

// Resize schedules a resize of id. Calls within the debounce window
// collapse into the last one.
func (c *Coordinator) Resize(id string, cols, rows int) error {
	t, err := c.transportFor(id)
	if err != nil {
		return err
	}
	c.resizer.Schedule(id, c.cfg.ResizeDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AttachTimeout)
		defer cancel()
		if err := t.Resize(ctx, id, cols, rows); err != nil {
			c.log.Warn().Err(err).Str("session_id", id).Int("cols", cols).Int("rows", rows).Msg("resize")
		}
	})
	return nil
}

// FetchHistory streams id's history. A not-found answer for a session
// created within the young-session grace is reported as suppressed.
func (c *Coordinator) FetchHistory(ctx context.Context, id string, progress transport.ProgressFunc) ([]byte, error) {
	t, err := c.transportFor(id)
	if err != nil {
		return nil, err
	}
	data, err := t.FetchHistory(ctx, id, progress)
	if err == nil {
		return data, nil
	}

	e := c.classify(id, err)
	if e.Kind == engineerr.KindNotFound && c.isYoung(id) {
		e.Suppressed = true
	}
	return nil, c.fail(e)
}

// NotFoundError builds the error for a not-found answer to a fetch of id,
// suppressed while the session is young.
func (c *Coordinator) NotFoundError(id string, cause error) *engineerr.Error {
	e := engineerr.New(engineerr.KindNotFound, id, cause, "session not found")
	e.Suppressed = c.isYoung(id)
	return e
}

func (c *Coordinator) isYoung(id string) bool {
	s, ok := c.reg.Get(id)
	if !ok || s.CreatedAt.IsZero() {
		return false
	}
	return c.clock.Now().Sub(s.CreatedAt) < c.cfg.YoungSessionGrace
}

// Release forgets id and frees its binding. A live binding is detached in
// the background so another window can adopt a local process.
func (c *Coordinator) Release(id string) {
	c.resizer.Cancel(id)

	c.mu.Lock()
	rec, ok := c.records[id]
	delete(c.records, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.publishStates()

	t, ok := c.transports[rec.kind]
	if !ok {
		return
	}
	if rec.state != StateAttached {
		t.Release(id)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AttachTimeout)
		defer cancel()
		if err := t.Detach(ctx, id, transport.DetachOptions{}); err != nil && !benignDetachError(err) {
			c.log.Warn().Err(err).Str("session_id", id).Msg("release binding")
		}
	}()
}

// DetachAll detaches every session attached over kind, waiting for
// attaches still in flight. A closing window calls it for local sessions so
// another window can adopt them.
func (c *Coordinator) DetachAll(ctx context.Context, kind session.TransportKind) {
	var ids []string
	c.mu.Lock()
	for id, rec := range c.records {
		if rec.kind == kind && (rec.state == StateAttached || rec.inflight != nil) {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		if err := c.Detach(ctx, id, false); err != nil {
			c.log.Debug().Err(err).Str("session_id", id).Msg("detach on shutdown")
		}
	}
}

// Close stops pending resizes.
func (c *Coordinator) Close() {
	c.resizer.Stop()
}

func (c *Coordinator) transportFor(id string) (transport.Transport, error) {
	s, ok := c.reg.Get(id)
	if !ok {
		return nil, c.fail(engineerr.New(engineerr.KindNotFound, id, session.ErrNotFound, "session is not in the registry"))
	}
	t, ok := c.transports[s.TransportKind]
	if !ok {
		return nil, c.fail(engineerr.New(engineerr.KindTransportUnavailable, id, nil,
			"%s transport is not available", s.TransportKind))
	}
	return t, nil
}

func (c *Coordinator) recordLocked(id string, kind session.TransportKind) *record {
	rec, ok := c.records[id]
	if !ok {
		rec = &record{kind: kind, state: StateUnattached}
		c.records[id] = rec
	}
	return rec
}

// setAttachedFlag mirrors the attachment into the registry. Sessions that
// were removed are not recreated.
func (c *Coordinator) setAttachedFlag(id string, attached bool) {
	if _, ok := c.reg.Get(id); !ok {
		return
	}
	if _, _, err := c.reg.Upsert(session.Patch{ID: id, IsAttachedLocally: opt.Some(attached)}); err != nil {
		c.log.Warn().Err(err).Str("session_id", id).Msg("update attachment flag")
	}
}

func (c *Coordinator) changed(id string, from, to State) {
	if from == to {
		return
	}
	c.log.Debug().Str("session_id", id).Str("from", string(from)).Str("state", string(to)).Msg("state changed")
	c.publishStates()
	if c.onChange != nil {
		c.onChange(Change{SessionID: id, From: from, To: to})
	}
}

func (c *Coordinator) publishStates() {
	if c.metrics == nil {
		return
	}
	counts := make(map[string]int)
	c.mu.Lock()
	for _, rec := range c.records {
		counts[string(rec.state)]++
	}
	c.mu.Unlock()
	c.metrics.SetSessionStates(counts)
}

func (c *Coordinator) classify(id string, err error) *engineerr.Error {
	var ee *engineerr.Error
	if errors.As(err, &ee) {
		return ee
	}
	var conflict *transport.ConflictError
	switch {
	case errors.As(err, &conflict):
		e := engineerr.New(engineerr.KindAttachConflict, id, err, "session is open in window %s", conflict.Owner)
		e.Owner = conflict.Owner
		return e
	case errors.Is(err, transport.ErrNotFound):
		return engineerr.New(engineerr.KindNotFound, id, err, "session not found")
	case errors.Is(err, transport.ErrEnded):
		return engineerr.New(engineerr.KindSessionEnded, id, err, "session has ended")
	case errors.Is(err, context.DeadlineExceeded):
		return engineerr.New(engineerr.KindAttachTimeout, id, err, "transport did not answer in time")
	}
	return engineerr.New(engineerr.KindTransportFailure, id, err, "%v", err)
}

func (c *Coordinator) fail(e *engineerr.Error) error {
	ev := c.log.Warn()
	if e.Suppressed {
		ev = c.log.Debug()
	}
	ev.Err(e.Err).Str("session_id", e.SessionID).Str("kind", string(e.Kind)).Msg(e.Message)
	if c.onError != nil {
		c.onError(e)
	}
	return e
}
