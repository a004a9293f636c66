package transporttest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"termlink/internal/opt"
	"termlink/internal/protocol"
	"termlink/internal/session"
	"termlink/internal/transport"
)

// Command records one server command issued through a Remote.
type Command struct {
	Type      string
	SessionID string
	Payload   any
}

// Remote is a Fake that also accepts the remote server's command surface.
// Created sessions get ids "r1", "r2", ... and are added to the listing.
type Remote struct {
	*Fake

	cmu      sync.Mutex
	commands []Command
	errs     map[string]error
	metadata map[string]session.Patch
	created  int
}

// NewRemote creates a fake remote transport.
func NewRemote() *Remote {
	return &Remote{
		Fake:     NewFake(session.TransportRemote),
		errs:     make(map[string]error),
		metadata: make(map[string]session.Patch),
	}
}

// Run blocks until ctx is cancelled.
func (r *Remote) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// SetError makes every command of msgType fail with err. A nil err clears
// it.
func (r *Remote) SetError(msgType string, err error) {
	r.cmu.Lock()
	defer r.cmu.Unlock()
	if err == nil {
		delete(r.errs, msgType)
		return
	}
	r.errs[msgType] = err
}

// SetMetadata sets the patch FetchMetadata returns for id.
func (r *Remote) SetMetadata(p session.Patch) {
	r.cmu.Lock()
	defer r.cmu.Unlock()
	r.metadata[p.ID] = p
}

// Commands returns the commands issued so far, optionally only those of
// msgType.
func (r *Remote) Commands(msgType string) []Command {
	r.cmu.Lock()
	defer r.cmu.Unlock()
	if msgType == "" {
		return slices.Clone(r.commands)
	}
	var out []Command
	for _, c := range r.commands {
		if c.Type == msgType {
			out = append(out, c)
		}
	}
	return out
}

func (r *Remote) record(msgType, id string, payload any) error {
	r.cmu.Lock()
	defer r.cmu.Unlock()
	r.commands = append(r.commands, Command{Type: msgType, SessionID: id, Payload: payload})
	return r.errs[msgType]
}

func (r *Remote) Create(_ context.Context, p transport.CreateRequest) (session.Patch, error) {
	if err := r.record(protocol.TypeCreateSession, "", p); err != nil {
		return session.Patch{}, err
	}
	r.cmu.Lock()
	r.created++
	id := fmt.Sprintf("r%d", r.created)
	r.cmu.Unlock()

	out := session.Patch{
		ID:            id,
		TransportKind: opt.Some(session.TransportRemote),
		IsActive:      opt.Some(true),
	}
	if p.Workspace != "" {
		out.Workspace = opt.Some(p.Workspace)
	}
	if p.Title != "" {
		out.Title = opt.Some(p.Title)
	}
	if p.ParentID != "" {
		out.ParentID = opt.Some(p.ParentID)
	}
	if p.ChildTabType != "" {
		out.ChildTabType = opt.Some(p.ChildTabType)
	}

	r.Fake.mu.Lock()
	r.Fake.sessions = append(r.Fake.sessions, out)
	r.Fake.mu.Unlock()
	return out, nil
}

func (r *Remote) Terminate(_ context.Context, id string) error {
	return r.record(protocol.TypeTerminateSession, id, nil)
}

func (r *Remote) Fork(ctx context.Context, id, workspace string) (session.Patch, error) {
	if err := r.record(protocol.TypeForkSession, id, workspace); err != nil {
		return session.Patch{}, err
	}
	r.cmu.Lock()
	r.created++
	forked := fmt.Sprintf("r%d", r.created)
	r.cmu.Unlock()

	out := session.Patch{ID: forked, TransportKind: opt.Some(session.TransportRemote), IsActive: opt.Some(true)}
	if workspace != "" {
		out.Workspace = opt.Some(workspace)
	}
	return out, nil
}

func (r *Remote) SendInput(_ context.Context, p protocol.SendInputPayload) error {
	return r.record(protocol.TypeSendInput, p.SessionID, p)
}

func (r *Remote) FetchMetadata(_ context.Context, id string) (session.Patch, error) {
	if err := r.record(protocol.TypeFetchMetadata, id, nil); err != nil {
		return session.Patch{}, err
	}
	r.cmu.Lock()
	defer r.cmu.Unlock()
	p, ok := r.metadata[id]
	if !ok {
		return session.Patch{}, fmt.Errorf("%w: %s", transport.ErrNotFound, id)
	}
	return p, nil
}

func (r *Remote) SetStopPrompts(_ context.Context, id string, prompts []session.StopPrompt) error {
	return r.record(protocol.TypeSetStopPrompts, id, slices.Clone(prompts))
}

func (r *Remote) ToggleStopPrompt(_ context.Context, id, promptID string, armed bool) error {
	return r.record(protocol.TypeToggleStopPrompt, id, protocol.ToggleStopPromptPayload{SessionID: id, PromptID: promptID, Armed: armed})
}

func (r *Remote) SetStopInputsEnabled(_ context.Context, id string, enabled bool) error {
	return r.record(protocol.TypeSetStopInputs, id, enabled)
}

func (r *Remote) ClearDeferredInput(_ context.Context, id string) error {
	return r.record(protocol.TypeClearDeferredInput, id, nil)
}

func (r *Remote) DeleteDeferredInput(_ context.Context, id, pendingID string) error {
	return r.record(protocol.TypeDeleteDeferredInput, id, pendingID)
}

var _ transport.ServerCommander = (*Remote)(nil)
