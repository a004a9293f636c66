package host

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultReadBufSize      = 32 * 1024
	defaultTailCapacity     = 256 * 1024
	defaultSubscriberBufCap = 256
	defaultCols             = 80
	defaultRows             = 24
)

var (
	ErrNotFound       = errors.New("host session not found")
	ErrExited         = errors.New("host session exited")
	ErrOwnedElsewhere = errors.New("host session owned by another window")
	ErrNotOwner       = errors.New("window does not own host session")
)

// OwnedError reports the window currently holding a session's stream.
type OwnedError struct {
	SessionID string
	Owner     string
}

func (e *OwnedError) Error() string {
	return fmt.Sprintf("session %s owned by window %s", e.SessionID, e.Owner)
}

func (e *OwnedError) Is(target error) bool { return target == ErrOwnedElsewhere }

// EventKind tags supervisor events.
type EventKind string

const (
	EventOutput         EventKind = "output"
	EventExit           EventKind = "exit"
	EventUpdated        EventKind = "updated"
	EventYieldRequested EventKind = "yield_requested"
)

// Event is emitted to every subscriber. Owner is the window holding the
// stream when the event was produced.
type Event struct {
	Kind         EventKind `cbor:"kind"`
	SessionID    string    `cbor:"session_id"`
	Owner        string    `cbor:"owner,omitempty"`
	Data         []byte    `cbor:"data,omitempty"`
	ExitCode     int       `cbor:"exit_code,omitempty"`
	DynamicTitle string    `cbor:"dynamic_title,omitempty"`
	Requester    string    `cbor:"requester,omitempty"`
}

// Info describes one supervised session.
type Info struct {
	SessionID    string    `cbor:"session_id"`
	CreatedAt    time.Time `cbor:"created_at"`
	Owner        string    `cbor:"owner,omitempty"`
	Active       bool      `cbor:"active"`
	DynamicTitle string    `cbor:"dynamic_title,omitempty"`
	Dir          string    `cbor:"dir,omitempty"`
}

// CreateRequest configures a new session.
type CreateRequest struct {
	Cols int    `cbor:"cols"`
	Rows int    `cbor:"rows"`
	Dir  string `cbor:"dir,omitempty"`
}

// Process is a running child attached to a terminal.
type Process interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// Signal asks the process to stop. It must be safe to call after exit.
	Signal() error
}

// Spawner starts a process for a new session.
type Spawner func(req CreateRequest) (Process, error)

// Supervisor owns local terminal processes and arbitrates which window
// holds each one's live stream.
type Supervisor struct {
	mu       sync.RWMutex
	sessions map[string]*hostedSession
	spawn    Spawner
	log      zerolog.Logger
	tailCap  int
	now      func() time.Time

	subMu       sync.RWMutex
	subscribers map[string]*subscriber
}

type hostedSession struct {
	info    Info
	proc    Process
	tail    *RingBuffer
	writeMu sync.Mutex
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTailCapacity sets how many bytes of output are kept per session.
func WithTailCapacity(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.tailCap = n
		}
	}
}

// WithNow overrides the time source used for CreatedAt.
func WithNow(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// NewSupervisor creates a supervisor that starts processes with spawn.
func NewSupervisor(spawn Spawner, log zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		sessions:    make(map[string]*hostedSession),
		subscribers: make(map[string]*subscriber),
		spawn:       spawn,
		log:         log.With().Str("component", "host").Logger(),
		tailCap:     defaultTailCapacity,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create spawns a new process and returns its session info.
func (s *Supervisor) Create(req CreateRequest) (Info, error) {
	if req.Cols <= 0 {
		req.Cols = defaultCols
	}
	if req.Rows <= 0 {
		req.Rows = defaultRows
	}

	proc, err := s.spawn(req)
	if err != nil {
		return Info{}, fmt.Errorf("spawn process: %w", err)
	}

	hs := &hostedSession{
		info: Info{
			SessionID: uuid.New().String(),
			CreatedAt: s.now(),
			Active:    true,
			Dir:       req.Dir,
		},
		proc: proc,
		tail: NewRingBuffer(s.tailCap),
	}

	s.mu.Lock()
	s.sessions[hs.info.SessionID] = hs
	s.mu.Unlock()

	s.log.Info().Str("session_id", hs.info.SessionID).Int("cols", req.Cols).Int("rows", req.Rows).Msg("session created")

	go s.readOutput(hs)

	return hs.info, nil
}

var titleSequence = regexp.MustCompile("\x1b\\][02];([^\x07\x1b]*)(?:\x07|\x1b\\\\)")

// readOutput copies process output into the tail buffer and out to
// subscribers until the process closes its terminal.
func (s *Supervisor) readOutput(hs *hostedSession) {
	id := hs.info.SessionID
	buf := make([]byte, defaultReadBufSize)
	for {
		n, err := hs.proc.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			hs.tail.Write(chunk)
			s.emit(Event{Kind: EventOutput, SessionID: id, Owner: s.ownerOf(id), Data: chunk})

			if m := titleSequence.FindAllSubmatch(chunk, -1); len(m) > 0 {
				s.setDynamicTitle(hs, string(m[len(m)-1][1]))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Str("session_id", id).Msg("output read ended")
			}
			break
		}
	}
	s.waitForExit(hs)
}

func (s *Supervisor) setDynamicTitle(hs *hostedSession, title string) {
	s.mu.Lock()
	if hs.info.DynamicTitle == title {
		s.mu.Unlock()
		return
	}
	hs.info.DynamicTitle = title
	owner := hs.info.Owner
	s.mu.Unlock()

	s.emit(Event{Kind: EventUpdated, SessionID: hs.info.SessionID, Owner: owner, DynamicTitle: title})
}

// waitForExit reaps the process and marks the session inactive. The entry
// stays so its tail remains readable.
func (s *Supervisor) waitForExit(hs *hostedSession) {
	exitCode, err := hs.proc.Wait()
	if err != nil {
		s.log.Debug().Err(err).Str("session_id", hs.info.SessionID).Msg("wait failed")
	}
	hs.proc.Close()

	s.mu.Lock()
	hs.info.Active = false
	owner := hs.info.Owner
	hs.info.Owner = ""
	s.mu.Unlock()

	s.log.Info().Str("session_id", hs.info.SessionID).Int("exit_code", exitCode).Msg("session exited")
	s.emit(Event{Kind: EventExit, SessionID: hs.info.SessionID, Owner: owner, ExitCode: exitCode})
}

func (s *Supervisor) ownerOf(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hs, ok := s.sessions[id]; ok {
		return hs.info.Owner
	}
	return ""
}

func (s *Supervisor) lookup(id string) (*hostedSession, error) {
	hs, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return hs, nil
}

// Get returns a session's info.
func (s *Supervisor) Get(id string) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hs, err := s.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return hs.info, nil
}

// List returns all sessions ordered by creation time.
func (s *Supervisor) List() []Info {
	s.mu.RLock()
	result := make([]Info, 0, len(s.sessions))
	for _, hs := range s.sessions {
		result = append(result, hs.info)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].SessionID < result[j].SessionID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Owner returns the window holding the session's stream, or "".
func (s *Supervisor) Owner(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hs, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	return hs.info.Owner, nil
}

// Attach claims the session's stream for window. Claiming is atomic: of
// two concurrent callers exactly one succeeds and the other gets an
// *OwnedError. Re-attaching from the current owner is a no-op.
func (s *Supervisor) Attach(id, window string) error {
	if window == "" {
		return fmt.Errorf("attach %s: window id is required", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hs, err := s.lookup(id)
	if err != nil {
		return err
	}
	if !hs.info.Active {
		return fmt.Errorf("%w: %s", ErrExited, id)
	}
	switch hs.info.Owner {
	case "", window:
		hs.info.Owner = window
		s.log.Debug().Str("session_id", id).Str("window", window).Msg("stream claimed")
		return nil
	default:
		return &OwnedError{SessionID: id, Owner: hs.info.Owner}
	}
}

// Detach releases window's claim. Detaching a session the window does not
// own is a no-op.
func (s *Supervisor) Detach(id, window string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, err := s.lookup(id)
	if err != nil {
		return err
	}
	if hs.info.Owner == window {
		hs.info.Owner = ""
		s.log.Debug().Str("session_id", id).Str("window", window).Msg("stream released")
	}
	return nil
}

// RequestYield asks the owning window to release the session. The owner is
// notified through an EventYieldRequested event; nothing is forced.
func (s *Supervisor) RequestYield(id, requester string) error {
	s.mu.RLock()
	hs, err := s.lookup(id)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	owner := hs.info.Owner
	s.mu.RUnlock()

	if owner == "" || owner == requester {
		return nil
	}
	s.emit(Event{Kind: EventYieldRequested, SessionID: id, Owner: owner, Requester: requester})
	return nil
}

// Write sends input to the session. Only the owning window may write.
func (s *Supervisor) Write(id, window string, data []byte) error {
	s.mu.RLock()
	hs, err := s.lookup(id)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	active, owner := hs.info.Active, hs.info.Owner
	s.mu.RUnlock()

	if !active {
		return fmt.Errorf("%w: %s", ErrExited, id)
	}
	if owner != window {
		return fmt.Errorf("%w: %s", ErrNotOwner, id)
	}

	hs.writeMu.Lock()
	defer hs.writeMu.Unlock()
	if _, err := hs.proc.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	return nil
}

// Resize changes the terminal size of a running session.
func (s *Supervisor) Resize(id string, cols, rows int) error {
	s.mu.RLock()
	hs, err := s.lookup(id)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	active := hs.info.Active
	s.mu.RUnlock()

	if !active {
		return fmt.Errorf("%w: %s", ErrExited, id)
	}
	return hs.proc.Resize(cols, rows)
}

// Terminate signals the process. The exit event follows asynchronously.
func (s *Supervisor) Terminate(id string) error {
	s.mu.RLock()
	hs, err := s.lookup(id)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	active := hs.info.Active
	s.mu.RUnlock()

	if !active {
		return nil
	}
	if err := hs.proc.Signal(); err != nil {
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	return nil
}

// History returns the buffered tail of a session's output.
func (s *Supervisor) History(id string) ([]byte, error) {
	s.mu.RLock()
	hs, err := s.lookup(id)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return hs.tail.Bytes(), nil
}

// Subscribe returns a channel receiving every supervisor event and a
// subscription id for Unsubscribe. Output events are dropped for a slow
// subscriber; lifecycle events are not.
func (s *Supervisor) Subscribe() (string, <-chan Event) {
	sub := &subscriber{
		ch:   make(chan Event, defaultSubscriberBufCap),
		done: make(chan struct{}),
	}
	id := uuid.New().String()

	s.subMu.Lock()
	s.subscribers[id] = sub
	s.subMu.Unlock()

	return id, sub.ch
}

// Unsubscribe removes a subscriber. Its channel is not closed; callers
// stop reading once Unsubscribe returns.
func (s *Supervisor) Unsubscribe(id string) {
	s.subMu.Lock()
	sub, ok := s.subscribers[id]
	delete(s.subscribers, id)
	s.subMu.Unlock()

	if ok {
		sub.once.Do(func() { close(sub.done) })
	}
}

func (s *Supervisor) emit(ev Event) {
	s.subMu.RLock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subMu.RUnlock()

	for _, sub := range subs {
		if ev.Kind == EventOutput {
			select {
			case sub.ch <- ev:
			case <-sub.done:
			default:
				// Subscriber channel full, drop the chunk.
			}
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

// Shutdown signals every running process.
func (s *Supervisor) Shutdown() {
	s.mu.RLock()
	procs := make([]Process, 0, len(s.sessions))
	for _, hs := range s.sessions {
		if hs.info.Active {
			procs = append(procs, hs.proc)
		}
	}
	s.mu.RUnlock()

	for _, p := range procs {
		if err := p.Signal(); err != nil {
			s.log.Debug().Err(err).Msg("signal on shutdown failed")
		}
	}
}
