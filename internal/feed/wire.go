package feed

import (
	"termlink/internal/coordinator"
	"termlink/internal/dispatch"
	"termlink/internal/engineerr"
	"termlink/internal/session"
)

// Frame types sent to feed clients. Client commands reuse the session
// server's command names and payloads.
const (
	TypeSnapshot = "snapshot"
	TypeUpdate   = "update"
)

// SnapshotPayload is sent once when a client connects.
type SnapshotPayload struct {
	Sessions []session.Session            `json:"sessions"`
	States   map[string]coordinator.State `json:"states"`
}

// UpdatePayload is the wire form of one engine update.
type UpdatePayload struct {
	Kind      dispatch.UpdateKind    `json:"kind"`
	SessionID string                 `json:"session_id,omitempty"`
	Session   *session.Session       `json:"session,omitempty"`
	State     coordinator.State      `json:"state,omitempty"`
	Error     *engineerr.Error       `json:"error,omitempty"`
	Data      []byte                 `json:"data,omitempty"`
	ExitCode  *int                   `json:"exit_code,omitempty"`
	Pending   []session.PendingInput `json:"pending,omitempty"`
	Notice    string                 `json:"notice,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
}

// AttachResult is the result of an attach command.
type AttachResult struct {
	Resumed         bool   `json:"resumed"`
	AlreadyAttached bool   `json:"already_attached"`
	History         []byte `json:"history,omitempty"`
}

func toPayload(u dispatch.Update) UpdatePayload {
	p := UpdatePayload{
		Kind:      u.Kind,
		SessionID: u.SessionID,
		Session:   u.Session,
		State:     u.State,
		Error:     u.Err,
		Data:      u.Data,
		Pending:   u.Pending,
		Notice:    u.Notice,
		Detail:    u.Detail,
	}
	if u.Kind == dispatch.UpdateExit {
		code := u.ExitCode
		p.ExitCode = &code
	}
	return p
}
