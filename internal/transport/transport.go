// Package transport reaches a session's byte stream over one of two
// backends: a remote server multiplexing many sessions over a websocket,
// or a local host daemon that owns processes on this machine.
package transport

import (
	"context"
	"errors"
	"fmt"

	"termlink/internal/protocol"
	"termlink/internal/session"
)

var (
	ErrOwnedElsewhere = errors.New("session owned by another window")
	ErrNotConnected   = errors.New("transport not connected")
	ErrNotFound       = errors.New("session not found")
	ErrEnded          = errors.New("session ended")
)

// ConflictError is returned by Attach when another window holds a local
// session's stream.
type ConflictError struct {
	SessionID string
	Owner     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s is owned by window %s", e.SessionID, e.Owner)
}

func (e *ConflictError) Is(target error) bool { return target == ErrOwnedElsewhere }

// EventKind tags a transport event.
type EventKind string

const (
	EventStdout          EventKind = "stdout"
	EventExit            EventKind = "exit"
	EventTitleChanged    EventKind = "title_changed"
	EventActivityChanged EventKind = "activity_changed"

	// EventYieldRequested asks this window to release a session another
	// window wants to attach.
	EventYieldRequested EventKind = "yield_requested"

	// EventLifecycle carries a server-pushed lifecycle message for the
	// dispatcher. It travels on the same channel as output so per-session
	// arrival order is preserved.
	EventLifecycle EventKind = "lifecycle"

	EventConnectionLost EventKind = "connection_lost"
	EventConnected      EventKind = "connected"
)

// Event is one item on a transport's event stream.
type Event struct {
	Kind      EventKind
	Transport session.TransportKind
	SessionID string

	Data      []byte
	ExitCode  int
	Title     string
	Activity  string
	Requester string

	// Reconnect is set on EventConnected after the first connection.
	Reconnect bool

	Message *protocol.Message
}

// AttachOptions controls an attach handshake.
type AttachOptions struct {
	LoadHistory bool
}

// Handle identifies one live attachment.
type Handle struct {
	SessionID string
	Transport session.TransportKind
	ID        string
}

// AttachOutcome is the result of a successful attach.
type AttachOutcome struct {
	Handle  Handle
	History []byte

	// Resumed is set when the server continued an existing stream instead
	// of starting a fresh one.
	Resumed bool
}

// DetachOptions controls a detach.
type DetachOptions struct {
	// NotifyPeer asks the server to tell other windows about the detach.
	NotifyPeer bool
}

// Transport is the uniform surface the attachment coordinator drives.
type Transport interface {
	Kind() session.TransportKind
	Attach(ctx context.Context, id string, opts AttachOptions) (AttachOutcome, error)
	Detach(ctx context.Context, id string, opts DetachOptions) error
	Write(ctx context.Context, id string, data []byte) error
	Resize(ctx context.Context, id string, cols, rows int) error
	FetchHistory(ctx context.Context, id string, progress ProgressFunc) ([]byte, error)

	// IsAttached reports whether this transport still holds a live
	// binding for id.
	IsAttached(id string) bool

	// Release forgets the local binding for id without contacting the
	// backend. Used when the backend already ended the attachment.
	Release(id string)

	// Window is the id this client claims streams under, or "" for a
	// backend without single-window ownership.
	Window() string

	// Owner returns the window holding id's stream, or "" when the stream
	// is free or the backend lets every window attach.
	Owner(ctx context.Context, id string) (string, error)

	// RequestYield asks the owning window to release id.
	RequestYield(ctx context.Context, id string) error

	Events() <-chan Event
}

// Lister returns the full set of sessions a backend knows about.
type Lister interface {
	ListSessions(ctx context.Context) ([]session.Patch, error)
}

// CreateRequest describes a session to start. Dir only applies to local
// sessions.
type CreateRequest struct {
	Workspace    string
	Title        string
	ParentID     string
	ChildTabType session.ChildTabType
	Cols, Rows   int
	Dir          string
}

// Commander is the session lifecycle a backend accepts besides stream I/O.
type Commander interface {
	Create(ctx context.Context, req CreateRequest) (session.Patch, error)
	Terminate(ctx context.Context, id string) error
}

// ServerCommander is the command surface of the remote session server.
type ServerCommander interface {
	Commander
	Fork(ctx context.Context, id, workspace string) (session.Patch, error)
	SendInput(ctx context.Context, p protocol.SendInputPayload) error
	FetchMetadata(ctx context.Context, id string) (session.Patch, error)
	SetStopPrompts(ctx context.Context, id string, prompts []session.StopPrompt) error
	ToggleStopPrompt(ctx context.Context, id, promptID string, armed bool) error
	SetStopInputsEnabled(ctx context.Context, id string, enabled bool) error
	ClearDeferredInput(ctx context.Context, id string) error
	DeleteDeferredInput(ctx context.Context, id, pendingID string) error
}

// ProgressFunc reports streamed history progress. total is zero when the
// size is not known in advance.
type ProgressFunc func(received, total int)
