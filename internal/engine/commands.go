package engine

import (
	"context"
	"errors"
	"fmt"

	"termlink/internal/coordinator"
	"termlink/internal/dispatch"
	"termlink/internal/engineerr"
	"termlink/internal/opt"
	"termlink/internal/prompts"
	"termlink/internal/protocol"
	"termlink/internal/session"
	"termlink/internal/store"
	"termlink/internal/transport"
)

// CreateRequest describes a new session.
type CreateRequest struct {
	// Transport defaults to remote when a remote backend is configured.
	Transport    session.TransportKind
	Workspace    string
	Title        string
	ParentID     string
	ChildTabType session.ChildTabType
	Cols, Rows   int

	// Dir is the working directory of a local session.
	Dir string

	// Attach attaches the new session in this window.
	Attach bool
}

// Input is one send-input command.
type Input struct {
	Data       string
	Submit     bool
	EnterStyle string
	Notify     bool
}

// Session returns a copy of id's session.
func (e *Engine) Session(id string) (session.Session, bool) {
	return e.reg.Get(id)
}

// Sessions returns every session in display order.
func (e *Engine) Sessions() []session.Session {
	return e.reg.All()
}

// State returns id's attachment state in this window.
func (e *Engine) State(id string) coordinator.State {
	return e.coord.State(id)
}

// PendingInputs returns id's deferred-input queue.
func (e *Engine) PendingInputs(id string) []session.PendingInput {
	return e.gate.Queue(id)
}

// Upsert merges a local mutation into the registry.
func (e *Engine) Upsert(p session.Patch) (session.Session, error) {
	s, err := e.merge(p)
	if err != nil {
		return session.Session{}, err
	}
	e.emitSession(s)
	return s, nil
}

// Remove drops id, and its children if it is a parent, from this view.
// The sessions keep running on their backend.
func (e *Engine) Remove(ctx context.Context, id string) error {
	if _, ok := e.reg.Get(id); !ok {
		return e.notFound(id)
	}
	if err := e.disp.Dispatch(ctx, dispatch.Event{Kind: dispatch.KindSessionRemoved, SessionID: id, At: e.clock.Now()}); err != nil {
		return err
	}
	if e.store != nil {
		if err := e.store.Forget(ctx, id); err != nil {
			e.log.Warn().Err(err).Str("session_id", id).Msg("forget persisted state")
		}
		e.titleMu.Lock()
		delete(e.overrides, id)
		e.titleMu.Unlock()
	}
	return nil
}

// Attach binds id's stream to this window.
func (e *Engine) Attach(ctx context.Context, id string, opts coordinator.AttachOptions) (coordinator.Result, error) {
	return e.coord.Attach(ctx, id, opts)
}

// Detach releases id's stream. An explicit detach stops automatic
// reattachment until the next explicit attach.
func (e *Engine) Detach(ctx context.Context, id string, explicit bool) error {
	return e.coord.Detach(ctx, id, explicit)
}

// Create starts a session and merges it into the registry.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (session.Session, error) {
	kind := req.Transport
	if kind == "" {
		kind = session.TransportRemote
		if e.remote == nil {
			kind = session.TransportLocal
		}
	}

	p, err := e.coord.Create(ctx, kind, transport.CreateRequest{
		Workspace:    req.Workspace,
		Title:        req.Title,
		ParentID:     req.ParentID,
		ChildTabType: req.ChildTabType,
		Cols:         req.Cols,
		Rows:         req.Rows,
		Dir:          req.Dir,
	})
	if err != nil {
		return session.Session{}, e.commandError("", "create session", err)
	}

	if !p.CreatedAt.Set {
		p.CreatedAt = opt.Some(e.clock.Now())
	}
	s, err := e.merge(e.prepare(p))
	if err != nil {
		return session.Session{}, err
	}
	e.emitSession(s)

	if kind == session.TransportRemote {
		if err := e.ApplyPromptTemplates(ctx, s.ID); err != nil {
			e.log.Warn().Err(err).Str("session_id", s.ID).Msg("apply prompt templates")
		}
	}
	if req.Attach {
		if _, err := e.coord.Attach(ctx, s.ID, coordinator.AttachOptions{Explicit: true}); err != nil {
			return s, err
		}
	}
	s, _ = e.reg.Get(s.ID)
	return s, nil
}

// Terminate ends id's process. The session stays in the registry, inactive,
// until it is removed.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	if _, ok := e.reg.Get(id); !ok {
		return e.notFound(id)
	}
	if err := e.coord.Terminate(ctx, id); err != nil {
		return e.commandError(id, "terminate", err)
	}
	return nil
}

// Fork asks the server for a copy of id, optionally in another workspace.
func (e *Engine) Fork(ctx context.Context, id, workspace string) (session.Session, error) {
	if _, err := e.remoteSession(id); err != nil {
		return session.Session{}, err
	}
	p, err := e.coord.Fork(ctx, id, workspace)
	if err != nil {
		return session.Session{}, e.commandError(id, "fork", err)
	}
	if !p.CreatedAt.Set {
		p.CreatedAt = opt.Some(e.clock.Now())
	}
	s, err := e.merge(p)
	if err != nil {
		return session.Session{}, err
	}
	e.emitSession(s)
	return s, nil
}

// SendInput delivers in to id. Local sessions receive the raw bytes,
// followed by a carriage return when Submit is set.
func (e *Engine) SendInput(ctx context.Context, id string, in Input) error {
	if _, ok := e.reg.Get(id); !ok {
		return e.notFound(id)
	}
	err := e.coord.SendInput(ctx, protocol.SendInputPayload{
		SessionID:  id,
		Data:       in.Data,
		Submit:     in.Submit,
		EnterStyle: in.EnterStyle,
		Notify:     in.Notify,
	})
	if err != nil {
		return e.commandError(id, "send input", err)
	}
	return nil
}

// Write sends raw bytes to an attached session.
func (e *Engine) Write(ctx context.Context, id string, data []byte) error {
	return e.coord.Write(ctx, id, data)
}

// Resize schedules a debounced resize of id.
func (e *Engine) Resize(id string, cols, rows int) error {
	return e.coord.Resize(id, cols, rows)
}

// FetchHistory streams id's history, reporting progress as it arrives.
func (e *Engine) FetchHistory(ctx context.Context, id string, progress transport.ProgressFunc) ([]byte, error) {
	return e.coord.FetchHistory(ctx, id, progress)
}

// FetchMetadata refreshes id from the server. A not-found answer for a
// session created moments ago is reported as suppressed.
func (e *Engine) FetchMetadata(ctx context.Context, id string) (session.Session, error) {
	if _, err := e.remoteSession(id); err != nil {
		return session.Session{}, err
	}
	p, err := e.coord.FetchMetadata(ctx, id)
	if err != nil {
		return session.Session{}, e.commandError(id, "fetch metadata", err)
	}
	p.ID = id
	s, err := e.merge(e.gate.Reconcile(p))
	if err != nil {
		return session.Session{}, err
	}
	e.emitSession(s)
	return s, nil
}

// SetStopInputsEnabled flips id's stop-input gate. The new value shows at
// once and is reverted if the server rejects it.
func (e *Engine) SetStopInputsEnabled(ctx context.Context, id string, enabled bool) error {
	s, ok := e.reg.Get(id)
	if !ok {
		return e.notFound(id)
	}
	p := e.gate.SetStopInputsEnabled(id, enabled)
	return e.optimistic(ctx, s, p, func(ctx context.Context) error {
		return e.coord.SetStopInputsEnabled(ctx, id, enabled)
	})
}

// ToggleStopPrompt arms or disarms one of id's stop prompts, optimistically.
func (e *Engine) ToggleStopPrompt(ctx context.Context, id, promptID string, armed bool) error {
	s, ok := e.reg.Get(id)
	if !ok {
		return e.notFound(id)
	}
	p, err := e.gate.ToggleStopPrompt(s, promptID, armed)
	if err != nil {
		return err
	}
	return e.optimistic(ctx, s, p, func(ctx context.Context) error {
		return e.coord.ToggleStopPrompt(ctx, id, promptID, armed)
	})
}

// optimistic merges p at once, then sends it. Local sessions have no
// server to confirm, so the value is confirmed immediately.
func (e *Engine) optimistic(ctx context.Context, s session.Session, p session.Patch, send func(context.Context) error) error {
	merged, err := e.merge(p)
	if err != nil {
		return err
	}
	e.emitSession(merged)

	if s.TransportKind != session.TransportRemote || e.remote == nil {
		e.gate.Reconcile(p)
		return nil
	}
	if err := send(ctx); err != nil {
		current, _ := e.reg.Get(s.ID)
		if reverted, mergeErr := e.merge(e.gate.Revert(current)); mergeErr == nil {
			e.emitSession(reverted)
		}
		return e.commandError(s.ID, "update stop inputs", err)
	}
	return nil
}

// ApplyPromptTemplates replaces id's template prompts with the current
// templates, keeping user prompts and armed flags.
func (e *Engine) ApplyPromptTemplates(ctx context.Context, id string) error {
	if e.prompts == nil {
		return nil
	}
	s, err := e.remoteSession(id)
	if err != nil {
		return err
	}
	merged := prompts.Merge(s.StopPrompts, e.prompts.Current())
	if len(merged) == 0 && len(s.StopPrompts) == 0 {
		return nil
	}
	if err := e.coord.SetStopPrompts(ctx, id, merged); err != nil {
		return e.commandError(id, "set stop prompts", err)
	}
	updated, err := e.merge(e.gate.Reconcile(session.Patch{ID: id, StopPrompts: opt.Some(merged)}))
	if err != nil {
		return err
	}
	e.emitSession(updated)
	return nil
}

// PromptsReloaded re-applies changed templates to every active remote
// session. Failures are logged per session.
func (e *Engine) PromptsReloaded(ctx context.Context) {
	for _, s := range e.reg.All() {
		if s.TransportKind != session.TransportRemote || !s.IsActive {
			continue
		}
		if err := e.ApplyPromptTemplates(ctx, s.ID); err != nil {
			e.log.Warn().Err(err).Str("session_id", s.ID).Msg("reapply prompt templates")
		}
	}
}

// ClearDeferredInput asks the server to drop id's whole deferred-input
// queue. The queue changes when the server confirms.
func (e *Engine) ClearDeferredInput(ctx context.Context, id string) error {
	if _, err := e.remoteSession(id); err != nil {
		return err
	}
	if err := e.coord.ClearDeferredInput(ctx, id); err != nil {
		return e.commandError(id, "clear deferred input", err)
	}
	return nil
}

// DeleteDeferredInput asks the server to drop one queued input.
func (e *Engine) DeleteDeferredInput(ctx context.Context, id, pendingID string) error {
	if _, err := e.remoteSession(id); err != nil {
		return err
	}
	if err := e.coord.DeleteDeferredInput(ctx, id, pendingID); err != nil {
		return e.commandError(id, "delete deferred input", err)
	}
	return nil
}

// SelectSession remembers id as workspace's selected session.
func (e *Engine) SelectSession(ctx context.Context, workspace, id string) error {
	if e.store == nil {
		return ErrNoStore
	}
	if _, ok := e.reg.Get(id); !ok {
		return e.notFound(id)
	}
	return e.store.SetSelected(ctx, workspace, id)
}

// SelectedSession returns workspace's remembered session, if it is still
// known.
func (e *Engine) SelectedSession(ctx context.Context, workspace string) (string, bool, error) {
	if e.store == nil {
		return "", false, ErrNoStore
	}
	id, err := e.store.Selected(ctx, workspace)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	_, known := e.reg.Get(id)
	return id, known, nil
}

// SetTitleOverride sets a manual title on a local session. An empty title
// clears it.
func (e *Engine) SetTitleOverride(ctx context.Context, id, title string) error {
	if e.store == nil {
		return ErrNoStore
	}
	s, ok := e.reg.Get(id)
	if !ok {
		return e.notFound(id)
	}
	if s.TransportKind != session.TransportLocal {
		return fmt.Errorf("title override for %s: %w", id, ErrUnsupported)
	}
	if err := e.store.SetTitleOverride(ctx, id, title); err != nil {
		return err
	}

	e.titleMu.Lock()
	if title == "" {
		delete(e.overrides, id)
	} else {
		e.overrides[id] = title
	}
	e.titleMu.Unlock()

	_, err := e.Upsert(session.Patch{ID: id, Title: opt.Some(title)})
	return err
}

func (e *Engine) merge(p session.Patch) (session.Session, error) {
	if parent, ok := p.ParentID.Get(); ok && parent != "" {
		return e.children.RegisterChild(p)
	}
	s, _, err := e.reg.Upsert(p)
	return s, err
}

func (e *Engine) emitSession(s session.Session) {
	e.publish(dispatch.Update{Kind: dispatch.UpdateSession, SessionID: s.ID, Session: &s})
}

func (e *Engine) remoteSession(id string) (session.Session, error) {
	s, ok := e.reg.Get(id)
	if !ok {
		return session.Session{}, e.notFound(id)
	}
	if s.TransportKind != session.TransportRemote {
		return session.Session{}, fmt.Errorf("session %s is %s: %w", id, s.TransportKind, ErrUnsupported)
	}
	if e.remote == nil {
		return session.Session{}, e.unavailable(s)
	}
	return s, nil
}

func (e *Engine) notFound(id string) error {
	return engineerr.New(engineerr.KindNotFound, id, session.ErrNotFound, "session is not in the registry")
}

func (e *Engine) unavailable(s session.Session) error {
	return engineerr.New(engineerr.KindTransportUnavailable, s.ID, nil, "no %s transport configured", s.TransportKind)
}

// commandError classifies a failed backend command. Errors the coordinator
// already classified pass through.
func (e *Engine) commandError(id, op string, err error) error {
	var ee *engineerr.Error
	if errors.As(err, &ee) {
		return ee
	}
	switch {
	case errors.Is(err, transport.ErrNotFound):
		return e.coord.NotFoundError(id, err)
	case errors.Is(err, transport.ErrNotConnected):
		return engineerr.New(engineerr.KindTransportUnavailable, id, err, "%s: %v", op, err)
	case errors.Is(err, transport.ErrEnded):
		return engineerr.New(engineerr.KindSessionEnded, id, err, "%s: %v", op, err)
	}
	return engineerr.New(engineerr.KindTransportFailure, id, err, "%s: %v", op, err)
}
