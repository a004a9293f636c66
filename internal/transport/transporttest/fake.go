// Package transporttest provides scriptable transports for tests of the
// components that drive a transport.Transport.
package transporttest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"termlink/internal/session"
	"termlink/internal/transport"
)

// AttachFunc replaces the default attach behavior. It may block.
type AttachFunc func(ctx context.Context, id string, opts transport.AttachOptions) (transport.AttachOutcome, error)

// AttachCall records one Attach invocation.
type AttachCall struct {
	SessionID string
	Opts      transport.AttachOptions
}

// DetachCall records one Detach invocation.
type DetachCall struct {
	SessionID string
	Opts      transport.DetachOptions
}

// ResizeCall records one Resize invocation.
type ResizeCall struct {
	SessionID  string
	Cols, Rows int
}

// Fake is an in-memory transport.Transport and transport.Lister.
type Fake struct {
	kind   session.TransportKind
	events chan transport.Event

	mu          sync.Mutex
	attached    map[string]bool
	attachHook  AttachFunc
	attachCalls []AttachCall
	detachCalls []DetachCall
	detachErr   error
	writes      map[string][]byte
	resizes     []ResizeCall
	history     map[string][]byte
	historyErr  map[string]error
	sessions    []session.Patch
	listErr     error
	handles     int
}

// NewFake creates a fake transport of the given kind.
func NewFake(kind session.TransportKind) *Fake {
	return &Fake{
		kind:       kind,
		events:     make(chan transport.Event, 64),
		attached:   make(map[string]bool),
		writes:     make(map[string][]byte),
		history:    make(map[string][]byte),
		historyErr: make(map[string]error),
	}
}

func (f *Fake) Kind() session.TransportKind { return f.kind }

func (f *Fake) Events() <-chan transport.Event { return f.events }

// Push delivers ev on the event stream.
func (f *Fake) Push(ev transport.Event) {
	if ev.Transport == "" {
		ev.Transport = f.kind
	}
	f.events <- ev
}

// SetAttachHook installs fn as the attach behavior. A nil fn restores the
// default, which always succeeds.
func (f *Fake) SetAttachHook(fn AttachFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachHook = fn
}

func (f *Fake) Attach(ctx context.Context, id string, opts transport.AttachOptions) (transport.AttachOutcome, error) {
	f.mu.Lock()
	f.attachCalls = append(f.attachCalls, AttachCall{SessionID: id, Opts: opts})
	hook := f.attachHook
	f.handles++
	h := transport.Handle{SessionID: id, Transport: f.kind, ID: fmt.Sprintf("h%d", f.handles)}
	f.mu.Unlock()

	out := transport.AttachOutcome{Handle: h}
	if hook != nil {
		res, err := hook(ctx, id, opts)
		if err != nil {
			return transport.AttachOutcome{}, err
		}
		if res.Handle.ID == "" {
			res.Handle = h
		}
		out = res
	}

	f.mu.Lock()
	f.attached[id] = true
	f.mu.Unlock()
	return out, nil
}

// AttachCalls returns every Attach call so far.
func (f *Fake) AttachCalls() []AttachCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.attachCalls)
}

// SetDetachError makes every Detach fail with err after releasing.
func (f *Fake) SetDetachError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detachErr = err
}

func (f *Fake) Detach(_ context.Context, id string, opts transport.DetachOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detachCalls = append(f.detachCalls, DetachCall{SessionID: id, Opts: opts})
	delete(f.attached, id)
	return f.detachErr
}

// DetachCalls returns every Detach call so far.
func (f *Fake) DetachCalls() []DetachCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.detachCalls)
}

func (f *Fake) Write(_ context.Context, id string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[id] = append(f.writes[id], data...)
	return nil
}

// Written returns everything written to id.
func (f *Fake) Written(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.writes[id])
}

func (f *Fake) Resize(_ context.Context, id string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, ResizeCall{SessionID: id, Cols: cols, Rows: rows})
	return nil
}

// Resizes returns every Resize call so far.
func (f *Fake) Resizes() []ResizeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.resizes)
}

// SetHistory sets the bytes FetchHistory returns for id.
func (f *Fake) SetHistory(id string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[id] = data
}

// SetHistoryError makes FetchHistory for id fail with err.
func (f *Fake) SetHistoryError(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyErr[id] = err
}

func (f *Fake) FetchHistory(_ context.Context, id string, progress transport.ProgressFunc) ([]byte, error) {
	f.mu.Lock()
	data, err := f.history[id], f.historyErr[id]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if progress != nil {
		progress(len(data), len(data))
	}
	return data, nil
}

func (f *Fake) IsAttached(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached[id]
}

func (f *Fake) Release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, id)
}

func (f *Fake) Window() string { return "" }

func (f *Fake) Owner(context.Context, string) (string, error) { return "", nil }

func (f *Fake) RequestYield(context.Context, string) error { return nil }

// DropAll forgets every binding, as a transport does when its connection
// goes away.
func (f *Fake) DropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = make(map[string]bool)
}

// SetSessions sets the listing ListSessions returns.
func (f *Fake) SetSessions(patches ...session.Patch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = slices.Clone(patches)
}

// SetListError makes ListSessions fail with err.
func (f *Fake) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *Fake) ListSessions(context.Context) ([]session.Patch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.sessions), nil
}

// Owned is a Fake whose sessions have a single owning window, like the
// local process transport.
type Owned struct {
	*Fake
	window string

	omu    sync.Mutex
	owners map[string]string
	yields []string
}

// NewOwned creates an owned fake acting for window.
func NewOwned(kind session.TransportKind, window string) *Owned {
	return &Owned{Fake: NewFake(kind), window: window, owners: make(map[string]string)}
}

func (o *Owned) Window() string { return o.window }

// SetOwner records owner as the window holding id.
func (o *Owned) SetOwner(id, owner string) {
	o.omu.Lock()
	defer o.omu.Unlock()
	o.owners[id] = owner
}

func (o *Owned) Owner(_ context.Context, id string) (string, error) {
	o.omu.Lock()
	defer o.omu.Unlock()
	return o.owners[id], nil
}

func (o *Owned) RequestYield(_ context.Context, id string) error {
	o.omu.Lock()
	defer o.omu.Unlock()
	o.yields = append(o.yields, id)
	return nil
}

// Yields returns the ids a yield was requested for.
func (o *Owned) Yields() []string {
	o.omu.Lock()
	defer o.omu.Unlock()
	return slices.Clone(o.yields)
}

func (o *Owned) Attach(ctx context.Context, id string, opts transport.AttachOptions) (transport.AttachOutcome, error) {
	o.omu.Lock()
	if owner := o.owners[id]; owner != "" && owner != o.window {
		o.omu.Unlock()
		return transport.AttachOutcome{}, &transport.ConflictError{SessionID: id, Owner: owner}
	}
	o.omu.Unlock()

	out, err := o.Fake.Attach(ctx, id, opts)
	if err != nil {
		return out, err
	}
	o.SetOwner(id, o.window)
	return out, nil
}

func (o *Owned) Detach(ctx context.Context, id string, opts transport.DetachOptions) error {
	o.omu.Lock()
	if o.owners[id] == o.window {
		delete(o.owners, id)
	}
	o.omu.Unlock()
	return o.Fake.Detach(ctx, id, opts)
}

var (
	_ transport.Transport = (*Fake)(nil)
	_ transport.Lister    = (*Fake)(nil)
	_ transport.Transport = (*Owned)(nil)
)
