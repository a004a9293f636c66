// Package engineerr defines the structured errors the engine hands to its
// collaborators. The engine never notifies a user directly; it reports an
// Error and lets the notification layer decide how to present it.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind string

const (
	KindTransportUnavailable Kind = "transport_unavailable"
	KindAttachConflict       Kind = "attach_conflict"
	KindStaleEvent           Kind = "stale_event"
	KindNotFound             Kind = "not_found"
	KindInvariantViolation   Kind = "registry_invariant_violation"
	KindAttachTimeout        Kind = "attach_timeout"
	KindSessionEnded         Kind = "session_ended"
	KindTransportFailure     Kind = "transport_failure"
)

// Error is a failure scoped to one session.
type Error struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`

	// Owner is the window currently holding a local session, set for
	// attach conflicts.
	Owner string `json:"owner,omitempty"`

	// Suppressed marks errors that are expected races (a fetch 404 right
	// after creation) and should not be shown to the user.
	Suppressed bool `json:"suppressed,omitempty"`

	Err error `json:"-"`
}

func (e *Error) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: session %s: %s", e.Kind, e.SessionID, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error wrapping cause.
func New(kind Kind, sessionID string, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		SessionID: sessionID,
		Message:   fmt.Sprintf(format, args...),
		Err:       cause,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
