package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"termlink/internal/session"
)

// Message is the envelope for every frame on the multiplexed connection.
// ID is set on client commands and echoed as request_id in the response.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewRequest creates a client command carrying a request id.
func NewRequest(msgType, id string, payload any) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// Server → Client message types.
const (
	TypeSessionUpdated       = "session_updated"
	TypeAttached             = "attached"
	TypeDetached             = "detached"
	TypeSessionActivity      = "session_activity"
	TypeStdinInjected        = "stdin_injected"
	TypeDeferredInputUpdated = "deferred_input_updated"
	TypeSessionsReordered    = "sessions_reordered"
	TypeWorkspacesUpdated    = "workspaces_updated"
	TypeSessionRemoved       = "session_removed"
	TypeSessionOutput        = "session_output"
	TypeSessionExit          = "session_exit"
	TypeResponse             = "response"
	TypeHistoryChunk         = "history_chunk"
)

// Client → Server message types.
const (
	TypeCreateSession       = "create_session"
	TypeAttachSession       = "attach_session"
	TypeDetachSession       = "detach_session"
	TypeSendInput           = "send_input"
	TypeResizeSession       = "resize_session"
	TypeTerminateSession    = "terminate_session"
	TypeForkSession         = "fork_session"
	TypeFetchHistory        = "fetch_history"
	TypeFetchMetadata       = "fetch_metadata"
	TypeListSessions        = "list_sessions"
	TypeSetStopPrompts      = "set_stop_prompts"
	TypeToggleStopPrompt    = "toggle_stop_prompt"
	TypeSetStopInputs       = "set_stop_inputs_enabled"
	TypeClearDeferredInput  = "clear_deferred_input"
	TypeDeleteDeferredInput = "delete_deferred_input"
)

// session_updated update_type values.
const (
	UpdateCreated     = "created"
	UpdateUpdated     = "updated"
	UpdateTerminated  = "terminated"
	UpdateDeleted     = "deleted"
	UpdateNoteUpdated = "note_updated"
	UpdateLinksAdded  = "links_added"
)

// deferred_input_updated action values.
const (
	DeferredAdded   = "added"
	DeferredRemoved = "removed"
	DeferredCleared = "cleared"
)

// session_activity activity_state values.
const (
	ActivityActive   = "active"
	ActivityInactive = "inactive"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionTerminated = "SESSION_TERMINATED"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrAlreadyAttached   = "ALREADY_ATTACHED"
	ErrSpawnFailed       = "SPAWN_FAILED"
)

// Server → Client payloads.

type SessionUpdatedPayload struct {
	SessionData session.Patch `json:"session_data"`
	UpdateType  string        `json:"update_type"`
}

type SessionIDPayload struct {
	SessionID string `json:"session_id"`
}

type SessionActivityPayload struct {
	SessionID     string `json:"session_id"`
	ActivityState string `json:"activity_state"`
}

type DeferredInputUpdatedPayload struct {
	SessionID string                `json:"session_id"`
	Action    string                `json:"action"`
	Pending   *session.PendingInput `json:"pending,omitempty"`
	PendingID string                `json:"pending_id,omitempty"`
}

type SessionsReorderedPayload struct {
	Workspace string   `json:"workspace"`
	Order     []string `json:"order"`
}

type WorkspacesUpdatedPayload struct {
	Action string `json:"action"`
}

type SessionOutputPayload struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

type SessionExitPayload struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}

type ResponsePayload struct {
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

// HistoryChunkPayload carries one slice of a streamed history fetch. Total
// is the full size in bytes when the server knows it, otherwise zero.
type HistoryChunkPayload struct {
	RequestID string `json:"request_id"`
	Seq       int    `json:"seq"`
	Total     int    `json:"total"`
	Data      []byte `json:"data"`
	Final     bool   `json:"final"`
}

// Client → Server payloads.

type CreateSessionPayload struct {
	Workspace    string `json:"workspace,omitempty"`
	Title        string `json:"title,omitempty"`
	ParentID     string `json:"parent_id,omitempty"`
	ChildTabType string `json:"child_tab_type,omitempty"`
	Cols         int    `json:"cols,omitempty"`
	Rows         int    `json:"rows,omitempty"`
}

type AttachSessionPayload struct {
	SessionID   string `json:"session_id"`
	LoadHistory bool   `json:"load_history"`
}

type AttachSessionResult struct {
	Resumed bool `json:"resumed"`
}

type DetachSessionPayload struct {
	SessionID  string `json:"session_id"`
	NotifyPeer bool   `json:"notify_peer"`
}

type SendInputPayload struct {
	SessionID  string `json:"session_id"`
	Data       string `json:"data"`
	Submit     bool   `json:"submit"`
	EnterStyle string `json:"enter_style,omitempty"`
	Notify     bool   `json:"notify"`
}

type ResizeSessionPayload struct {
	SessionID string `json:"session_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type ForkSessionPayload struct {
	SessionID string `json:"session_id"`
	Workspace string `json:"workspace,omitempty"`
}

type ListSessionsPayload struct {
	ActiveOnly bool `json:"active_only"`
}

type ListSessionsResult struct {
	Sessions []session.Patch `json:"sessions"`
}

type SessionResult struct {
	SessionData session.Patch `json:"session_data"`
}

type SetStopPromptsPayload struct {
	SessionID string               `json:"session_id"`
	Prompts   []session.StopPrompt `json:"prompts"`
}

type ToggleStopPromptPayload struct {
	SessionID string `json:"session_id"`
	PromptID  string `json:"prompt_id"`
	Armed     bool   `json:"armed"`
}

type SetStopInputsPayload struct {
	SessionID string `json:"session_id"`
	Enabled   bool   `json:"enabled"`
}

type DeferredInputPayload struct {
	SessionID string `json:"session_id"`
	PendingID string `json:"pending_id,omitempty"`
}
