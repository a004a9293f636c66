package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"termlink/internal/host"
	"termlink/internal/opt"
	"termlink/internal/session"
)

// HostDialer opens a new connection to the host daemon.
type HostDialer func(ctx context.Context) (host.API, error)

// LocalOption configures a Local transport.
type LocalOption func(*Local)

// WithRedial makes Run reconnect through dial when the host connection
// ends, waiting at most maxBackoff between attempts. Without it Run
// returns once the host goes away.
func WithRedial(dial HostDialer, maxBackoff time.Duration) LocalOption {
	return func(l *Local) {
		l.dial = dial
		l.maxBackoff = maxBackoff
	}
}

// Local is the local process transport. Processes are owned by a host
// supervisor; this window may hold a session's stream only while it is
// the recorded owner.
type Local struct {
	window     string
	log        zerolog.Logger
	events     chan Event
	dial       HostDialer
	maxBackoff time.Duration

	mu       sync.Mutex
	api      host.API
	attached map[string]Handle
}

// NewLocal creates a local transport acting for window over api.
func NewLocal(api host.API, window string, log zerolog.Logger, opts ...LocalOption) *Local {
	l := &Local{
		api:      api,
		window:   window,
		log:      log.With().Str("component", "local").Str("window", window).Logger(),
		events:   make(chan Event, eventBufSize),
		attached: make(map[string]Handle),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// hostAPI returns the current host connection.
func (l *Local) hostAPI() host.API {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.api
}

// Close closes the current host connection if it can be closed.
func (l *Local) Close() error {
	if c, ok := l.hostAPI().(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *Local) Kind() session.TransportKind { return session.TransportLocal }

func (l *Local) Events() <-chan Event { return l.events }

// Window returns the id this transport claims streams under.
func (l *Local) Window() string { return l.window }

// Run translates host events until ctx is cancelled. When the host goes
// away Run returns, or redials if WithRedial was given and announces the
// new connection with a reconnect event so sessions are resynchronized.
func (l *Local) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if l.maxBackoff > 0 {
		b.MaxInterval = l.maxBackoff
		b.InitialInterval = min(b.InitialInterval, l.maxBackoff)
	}

	connected := false
	for {
		err := l.runOnce(ctx, connected)
		if ctx.Err() != nil {
			return nil
		}
		if l.dial == nil {
			return err
		}
		connected = connected || !errors.Is(err, errSubscribe)
		l.log.Warn().Err(err).Msg("host connection lost, redialing")

		if err := l.redial(ctx, b); err != nil {
			return nil
		}
	}
}

var errSubscribe = errors.New("subscribe to host")

func (l *Local) runOnce(ctx context.Context, reconnect bool) error {
	hostEvents, err := l.hostAPI().Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errSubscribe, err)
	}
	l.log.Info().Bool("reconnect", reconnect).Msg("host connected")
	l.emit(ctx, Event{Kind: EventConnected, Transport: session.TransportLocal, Reconnect: reconnect})

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-hostEvents:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				l.mu.Lock()
				l.attached = make(map[string]Handle)
				l.mu.Unlock()
				l.emit(ctx, Event{Kind: EventConnectionLost, Transport: session.TransportLocal})
				return fmt.Errorf("host event stream: %w", ErrNotConnected)
			}
			l.translate(ctx, ev)
		}
	}
}

// redial replaces the host connection, retrying with backoff until it
// succeeds or ctx is done.
func (l *Local) redial(ctx context.Context, b *backoff.ExponentialBackOff) error {
	b.Reset()
	op := func() error {
		api, err := l.dial(ctx)
		if err != nil {
			return err
		}
		l.mu.Lock()
		old := l.api
		l.api = api
		l.mu.Unlock()
		if c, ok := old.(io.Closer); ok {
			c.Close() //nolint:errcheck
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.log.Debug().Err(err).Dur("backoff", wait).Msg("host dial failed")
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func (l *Local) translate(ctx context.Context, ev host.Event) {
	switch ev.Kind {
	case host.EventOutput:
		if ev.Owner != l.window {
			return
		}
		l.emit(ctx, Event{Kind: EventStdout, Transport: session.TransportLocal, SessionID: ev.SessionID, Data: ev.Data})
	case host.EventExit:
		l.Release(ev.SessionID)
		l.emit(ctx, Event{Kind: EventExit, Transport: session.TransportLocal, SessionID: ev.SessionID, ExitCode: ev.ExitCode})
	case host.EventUpdated:
		l.emit(ctx, Event{Kind: EventTitleChanged, Transport: session.TransportLocal, SessionID: ev.SessionID, Title: ev.DynamicTitle})
	case host.EventYieldRequested:
		if ev.Owner != l.window {
			return
		}
		l.emit(ctx, Event{Kind: EventYieldRequested, Transport: session.TransportLocal, SessionID: ev.SessionID, Requester: ev.Requester})
	}
}

func (l *Local) emit(ctx context.Context, ev Event) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

// Attach claims the session's stream for this window. Local attach never
// returns history; the host keeps its own tail for FetchHistory.
func (l *Local) Attach(ctx context.Context, id string, _ AttachOptions) (AttachOutcome, error) {
	if err := l.hostAPI().Attach(ctx, id, l.window); err != nil {
		return AttachOutcome{}, l.mapError(id, err)
	}

	h := Handle{SessionID: id, Transport: session.TransportLocal, ID: uuid.New().String()}
	l.mu.Lock()
	l.attached[id] = h
	l.mu.Unlock()

	return AttachOutcome{Handle: h}, nil
}

// Detach releases the stream so another window can adopt it.
func (l *Local) Detach(ctx context.Context, id string, _ DetachOptions) error {
	l.Release(id)
	if err := l.hostAPI().Detach(ctx, id, l.window); err != nil {
		return l.mapError(id, err)
	}
	return nil
}

func (l *Local) Write(ctx context.Context, id string, data []byte) error {
	if err := l.hostAPI().Write(ctx, id, l.window, data); err != nil {
		return l.mapError(id, err)
	}
	return nil
}

func (l *Local) Resize(ctx context.Context, id string, cols, rows int) error {
	if err := l.hostAPI().Resize(ctx, id, cols, rows); err != nil {
		return l.mapError(id, err)
	}
	return nil
}

func (l *Local) IsAttached(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.attached[id]
	return ok
}

func (l *Local) Release(id string) {
	l.mu.Lock()
	delete(l.attached, id)
	l.mu.Unlock()
}

// Owner returns the window holding id's stream, or "" when free.
func (l *Local) Owner(ctx context.Context, id string) (string, error) {
	owner, err := l.hostAPI().Owner(ctx, id)
	if err != nil {
		return "", l.mapError(id, err)
	}
	return owner, nil
}

// RequestYield asks the owning window to release id.
func (l *Local) RequestYield(ctx context.Context, id string) error {
	if err := l.hostAPI().RequestYield(ctx, id, l.window); err != nil {
		return l.mapError(id, err)
	}
	return nil
}

// Create spawns a new local session. The host knows nothing of
// workspaces or titles, so those come back from req.
func (l *Local) Create(ctx context.Context, req CreateRequest) (session.Patch, error) {
	info, err := l.hostAPI().Create(ctx, host.CreateRequest{Cols: req.Cols, Rows: req.Rows, Dir: req.Dir})
	if err != nil {
		return session.Patch{}, err
	}
	p := infoPatch(info)
	if req.Workspace != "" {
		p.Workspace = opt.Some(req.Workspace)
	}
	if req.Title != "" {
		p.Title = opt.Some(req.Title)
	}
	if req.ParentID != "" {
		p.ParentID = opt.Some(req.ParentID)
	}
	if req.ChildTabType != "" {
		p.ChildTabType = opt.Some(req.ChildTabType)
	}
	return p, nil
}

func (l *Local) Terminate(ctx context.Context, id string) error {
	if err := l.hostAPI().Terminate(ctx, id); err != nil {
		return l.mapError(id, err)
	}
	return nil
}

// FetchHistory returns the host's buffered output tail. progress, when set, is
// called once with the full size.
func (l *Local) FetchHistory(ctx context.Context, id string, progress ProgressFunc) ([]byte, error) {
	data, err := l.hostAPI().History(ctx, id)
	if err != nil {
		return nil, l.mapError(id, err)
	}
	if progress != nil {
		progress(len(data), len(data))
	}
	return data, nil
}

func (l *Local) ListSessions(ctx context.Context) ([]session.Patch, error) {
	infos, err := l.hostAPI().List(ctx)
	if err != nil {
		return nil, err
	}
	patches := make([]session.Patch, 0, len(infos))
	for _, info := range infos {
		patches = append(patches, infoPatch(info))
	}
	return patches, nil
}

func infoPatch(info host.Info) session.Patch {
	p := session.Patch{
		ID:            info.SessionID,
		TransportKind: opt.Some(session.TransportLocal),
		IsActive:      opt.Some(info.Active),
		Interactive:   opt.Some(true),
		CreatedAt:     opt.Some(info.CreatedAt),
	}
	if info.DynamicTitle != "" {
		p.DynamicTitle = opt.Some(info.DynamicTitle)
	}
	return p
}

func (l *Local) mapError(id string, err error) error {
	var owned *host.OwnedError
	switch {
	case errors.As(err, &owned):
		return &ConflictError{SessionID: id, Owner: owned.Owner}
	case errors.Is(err, host.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, host.ErrExited):
		return fmt.Errorf("%w: %s", ErrEnded, id)
	case errors.Is(err, host.ErrClientClosed):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return err
}

var (
	_ Transport = (*Local)(nil)
	_ Lister    = (*Local)(nil)
	_ Commander = (*Local)(nil)
)
