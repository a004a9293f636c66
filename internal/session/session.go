package session

import (
	"errors"
	"time"

	"termlink/internal/opt"
)

// TransportKind names the backend a session's byte stream travels over.
type TransportKind string

const (
	TransportRemote TransportKind = "remote"
	TransportLocal  TransportKind = "local"
)

// ChildTabType distinguishes the two kinds of nested sessions.
type ChildTabType string

const (
	ChildContainer ChildTabType = "container"
	ChildCommand   ChildTabType = "command"
)

// PromptSource records where a stop prompt came from.
type PromptSource string

const (
	PromptTemplate PromptSource = "template"
	PromptUser     PromptSource = "user"
)

// StopPrompt is a trigger pattern that pauses automatic input delivery.
type StopPrompt struct {
	ID     string       `json:"id" yaml:"id"`
	Text   string       `json:"text" yaml:"text"`
	Armed  bool         `json:"armed" yaml:"armed"`
	Source PromptSource `json:"source" yaml:"source"`
}

// InputSource records who queued a deferred input.
type InputSource string

const (
	InputAPI           InputSource = "api"
	InputScheduledRule InputSource = "scheduled-rule"
	InputStopGate      InputSource = "stop-gate"
)

// PendingInput is one item in a session's deferred-input queue.
type PendingInput struct {
	ID             string      `json:"id"`
	SourceKind     InputSource `json:"source_kind"`
	PayloadPreview string      `json:"payload_preview"`
	ByteLength     int         `json:"byte_length"`
}

// Session holds metadata and state for one managed terminal.
type Session struct {
	ID                string        `json:"id"`
	ParentID          string        `json:"parentId,omitempty"`
	TransportKind     TransportKind `json:"transportKind"`
	IsActive          bool          `json:"isActive"`
	IsAttachedLocally bool          `json:"isAttachedLocally"`
	Interactive       bool          `json:"interactive"`
	Workspace         string        `json:"workspace"`
	CreatedAt         time.Time     `json:"createdAt"`
	Title             string        `json:"title"`
	DynamicTitle      string        `json:"dynamicTitle"`

	// Child sessions only.
	ChildTabType  ChildTabType `json:"childTabType,omitempty"`
	ShowInSidebar bool         `json:"showInSidebar"`

	StopInputsEnabled bool         `json:"stopInputsEnabled"`
	StopPrompts       []StopPrompt `json:"stopPrompts,omitempty"`
	RearmRemaining    int          `json:"rearmRemaining"`
	RearmMax          int          `json:"rearmMax"`

	ActivityState string   `json:"activityState,omitempty"`
	ClientCount   int      `json:"clientCount"`
	Note          string   `json:"note,omitempty"`
	Links         []string `json:"links,omitempty"`
}

// IsChild reports whether the session is nested under a parent.
func (s Session) IsChild() bool {
	return s.ParentID != ""
}

// Clone returns a deep copy safe to hand to collaborators.
func (s Session) Clone() Session {
	out := s
	if s.StopPrompts != nil {
		out.StopPrompts = append([]StopPrompt(nil), s.StopPrompts...)
	}
	if s.Links != nil {
		out.Links = append([]string(nil), s.Links...)
	}
	return out
}

// Patch is a partial session update. Only fields that are Set are merged;
// an omitted field leaves the stored value untouched, while a field that is
// Set to its zero value clears it.
type Patch struct {
	ID                string                   `json:"id"`
	ParentID          opt.Field[string]        `json:"parent_id,omitzero"`
	TransportKind     opt.Field[TransportKind] `json:"transport,omitzero"`
	IsActive          opt.Field[bool]          `json:"is_active,omitzero"`
	IsAttachedLocally opt.Field[bool]          `json:"-"`
	Interactive       opt.Field[bool]          `json:"interactive,omitzero"`
	Workspace         opt.Field[string]        `json:"workspace,omitzero"`
	CreatedAt         opt.Field[time.Time]     `json:"created_at,omitzero"`
	Title             opt.Field[string]        `json:"title,omitzero"`
	DynamicTitle      opt.Field[string]        `json:"dynamic_title,omitzero"`
	ChildTabType      opt.Field[ChildTabType]  `json:"child_tab_type,omitzero"`
	ShowInSidebar     opt.Field[bool]          `json:"show_in_sidebar,omitzero"`
	StopInputsEnabled opt.Field[bool]          `json:"stop_inputs_enabled,omitzero"`
	StopPrompts       opt.Field[[]StopPrompt]  `json:"stop_prompts,omitzero"`
	RearmRemaining    opt.Field[int]           `json:"rearm_remaining,omitzero"`
	RearmMax          opt.Field[int]           `json:"rearm_max,omitzero"`
	ActivityState     opt.Field[string]        `json:"activity_state,omitzero"`
	ClientCount       opt.Field[int]           `json:"client_count,omitzero"`
	Note              opt.Field[string]        `json:"note,omitzero"`
	Links             opt.Field[[]string]      `json:"links,omitzero"`
}

// ChangeSet describes what an Upsert did.
type ChangeSet struct {
	Created          bool
	WorkspaceChanged bool
	PrevWorkspace    string
	ParentChanged    bool
	PrevParent       string
}

var (
	ErrNotFound  = errors.New("session not found")
	ErrMissingID = errors.New("session id is required")
)

// apply merges p into s field by field.
func (p Patch) apply(s *Session) {
	if v, ok := p.ParentID.Get(); ok {
		s.ParentID = v
	}
	if v, ok := p.TransportKind.Get(); ok {
		s.TransportKind = v
	}
	if v, ok := p.IsActive.Get(); ok {
		s.IsActive = v
	}
	if v, ok := p.IsAttachedLocally.Get(); ok {
		s.IsAttachedLocally = v
	}
	if v, ok := p.Interactive.Get(); ok {
		s.Interactive = v
	}
	if v, ok := p.Workspace.Get(); ok {
		s.Workspace = v
	}
	if v, ok := p.CreatedAt.Get(); ok {
		s.CreatedAt = v
	}
	if v, ok := p.Title.Get(); ok {
		s.Title = v
	}
	if v, ok := p.DynamicTitle.Get(); ok {
		s.DynamicTitle = v
	}
	if v, ok := p.ChildTabType.Get(); ok {
		s.ChildTabType = v
	}
	if v, ok := p.ShowInSidebar.Get(); ok {
		s.ShowInSidebar = v
	}
	if v, ok := p.StopInputsEnabled.Get(); ok {
		s.StopInputsEnabled = v
	}
	if v, ok := p.StopPrompts.Get(); ok {
		s.StopPrompts = append([]StopPrompt(nil), v...)
	}
	if v, ok := p.RearmMax.Get(); ok {
		s.RearmMax = max(v, 0)
	}
	if v, ok := p.RearmRemaining.Get(); ok {
		s.RearmRemaining = v
	}
	s.RearmRemaining = min(max(s.RearmRemaining, 0), s.RearmMax)
	if v, ok := p.ActivityState.Get(); ok {
		s.ActivityState = v
	}
	if v, ok := p.ClientCount.Get(); ok {
		s.ClientCount = v
	}
	if v, ok := p.Note.Get(); ok {
		s.Note = v
	}
	if v, ok := p.Links.Get(); ok {
		s.Links = append([]string(nil), v...)
	}
}
