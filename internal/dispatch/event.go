package dispatch

import (
	"fmt"
	"time"

	"termlink/internal/protocol"
	"termlink/internal/session"
	"termlink/internal/transport"
)

// Kind tags an inbound event.
type Kind string

const (
	KindSessionUpdated    Kind = "session_updated"
	KindAttached          Kind = "attached"
	KindDetached          Kind = "detached"
	KindActivity          Kind = "session_activity"
	KindStdinInjected     Kind = "stdin_injected"
	KindDeferredInput     Kind = "deferred_input_updated"
	KindSessionsReordered Kind = "sessions_reordered"
	KindWorkspacesUpdated Kind = "workspaces_updated"
	KindSessionRemoved    Kind = "session_removed"
	KindOutput            Kind = "output"
	KindExit              Kind = "exit"
	KindTitleChanged      Kind = "title_changed"
	KindYieldRequested    Kind = "yield_requested"
	KindConnected         Kind = "connected"
	KindConnectionLost    Kind = "connection_lost"
)

// Event is the tagged union of everything the dispatcher consumes. Kind
// selects which of the payload fields are meaningful.
type Event struct {
	Kind      Kind
	Transport session.TransportKind
	SessionID string

	// At is the local receipt time.
	At time.Time

	Updated   *protocol.SessionUpdatedPayload
	Deferred  *protocol.DeferredInputUpdatedPayload
	Reordered *protocol.SessionsReorderedPayload

	Activity        string
	WorkspaceAction string
	Data            []byte
	ExitCode        int
	Title           string
	Requester       string
	Reconnect       bool
}

var transportKinds = map[transport.EventKind]Kind{
	transport.EventStdout:          KindOutput,
	transport.EventExit:            KindExit,
	transport.EventTitleChanged:    KindTitleChanged,
	transport.EventActivityChanged: KindActivity,
	transport.EventYieldRequested:  KindYieldRequested,
	transport.EventConnected:       KindConnected,
	transport.EventConnectionLost:  KindConnectionLost,
}

// FromTransport converts a transport event received at at.
func FromTransport(ev transport.Event, at time.Time) (Event, error) {
	if ev.Kind == transport.EventLifecycle {
		if ev.Message == nil {
			return Event{}, fmt.Errorf("lifecycle event without message")
		}
		out, err := FromMessage(ev.Message, at)
		out.Transport = ev.Transport
		return out, err
	}

	kind, ok := transportKinds[ev.Kind]
	if !ok {
		return Event{}, fmt.Errorf("unknown transport event kind %q", ev.Kind)
	}
	return Event{
		Kind:      kind,
		Transport: ev.Transport,
		SessionID: ev.SessionID,
		At:        at,
		Activity:  ev.Activity,
		Data:      ev.Data,
		ExitCode:  ev.ExitCode,
		Title:     ev.Title,
		Requester: ev.Requester,
		Reconnect: ev.Reconnect,
	}, nil
}

// FromMessage decodes a server lifecycle message.
func FromMessage(msg *protocol.Message, at time.Time) (Event, error) {
	ev := Event{Kind: Kind(msg.Type), At: at}

	switch msg.Type {
	case protocol.TypeSessionUpdated:
		p, err := protocol.Decode[protocol.SessionUpdatedPayload](msg)
		if err != nil {
			return Event{}, err
		}
		ev.SessionID = p.SessionData.ID
		ev.Updated = &p

	case protocol.TypeAttached, protocol.TypeDetached, protocol.TypeStdinInjected, protocol.TypeSessionRemoved:
		p, err := protocol.Decode[protocol.SessionIDPayload](msg)
		if err != nil {
			return Event{}, err
		}
		ev.SessionID = p.SessionID

	case protocol.TypeSessionActivity:
		p, err := protocol.Decode[protocol.SessionActivityPayload](msg)
		if err != nil {
			return Event{}, err
		}
		ev.SessionID = p.SessionID
		ev.Activity = p.ActivityState

	case protocol.TypeDeferredInputUpdated:
		p, err := protocol.Decode[protocol.DeferredInputUpdatedPayload](msg)
		if err != nil {
			return Event{}, err
		}
		ev.SessionID = p.SessionID
		ev.Deferred = &p

	case protocol.TypeSessionsReordered:
		p, err := protocol.Decode[protocol.SessionsReorderedPayload](msg)
		if err != nil {
			return Event{}, err
		}
		ev.Reordered = &p

	case protocol.TypeWorkspacesUpdated:
		p, err := protocol.Decode[protocol.WorkspacesUpdatedPayload](msg)
		if err != nil {
			return Event{}, err
		}
		ev.WorkspaceAction = p.Action

	default:
		return Event{}, fmt.Errorf("unexpected lifecycle message %s", msg.Type)
	}
	return ev, nil
}
