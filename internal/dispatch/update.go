package dispatch

import (
	"termlink/internal/coordinator"
	"termlink/internal/engineerr"
	"termlink/internal/session"
)

// UpdateKind tags an Update.
type UpdateKind string

const (
	UpdateSession   UpdateKind = "session"
	UpdateRemoved   UpdateKind = "removed"
	UpdateState     UpdateKind = "state"
	UpdateError     UpdateKind = "error"
	UpdateOutput    UpdateKind = "output"
	UpdateExit      UpdateKind = "exit"
	UpdateDeferred  UpdateKind = "deferred"
	UpdateReordered UpdateKind = "reordered"
	UpdateNotice    UpdateKind = "notice"
	UpdateResynced  UpdateKind = "resynced"
)

// Notice names for UpdateNotice.
const (
	NoticeStdinInjected     = "stdin_injected"
	NoticeWorkspacesUpdated = "workspaces_updated"
	NoticeWorkspaceMoved    = "workspace_moved"
	NoticeYieldRequested    = "yield_requested"
	NoticePeerAttached      = "peer_attached"
	NoticeConnectionLost    = "connection_lost"
)

// Update is what collaborators observe: registry changes, attachment
// state, errors, output and notices.
type Update struct {
	Kind      UpdateKind
	SessionID string

	Session  *session.Session
	State    coordinator.State
	Err      *engineerr.Error
	Data     []byte
	ExitCode int
	Pending  []session.PendingInput

	// Notice names the notice for UpdateNotice.
	Notice string

	// Detail carries the notice or reorder argument: a workspace, a
	// workspace action or the requesting window.
	Detail string
}

// Sink receives updates.
type Sink func(Update)
