package coordinator

import (
	"context"

	"termlink/internal/engineerr"
	"termlink/internal/protocol"
	"termlink/internal/session"
	"termlink/internal/transport"
)

// Backend errors from the commands below are returned unclassified so the
// caller can name the operation that failed. Missing backends are reported
// as unavailable.

// Create starts a session on kind's backend.
func (c *Coordinator) Create(ctx context.Context, kind session.TransportKind, req transport.CreateRequest) (session.Patch, error) {
	cmd, ok := c.commanders[kind]
	if !ok {
		return session.Patch{}, c.fail(engineerr.New(engineerr.KindTransportUnavailable, "", nil, "no %s transport configured", kind))
	}
	c.log.Debug().Str("transport", string(kind)).Str("workspace", req.Workspace).Msg("create session")
	return cmd.Create(ctx, req)
}

// Terminate ends id's process on whichever backend runs it.
func (c *Coordinator) Terminate(ctx context.Context, id string) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	cmd, ok := c.commanders[s.TransportKind]
	if !ok {
		return c.unavailable(s)
	}
	c.log.Debug().Str("session_id", id).Msg("terminate session")
	return cmd.Terminate(ctx, id)
}

// SendInput delivers p to its session. Local processes get the raw bytes,
// followed by a carriage return when Submit is set.
func (c *Coordinator) SendInput(ctx context.Context, p protocol.SendInputPayload) error {
	s, err := c.lookup(p.SessionID)
	if err != nil {
		return err
	}
	if s.TransportKind == session.TransportLocal {
		data := p.Data
		if p.Submit {
			data += "\r"
		}
		return c.Write(ctx, p.SessionID, []byte(data))
	}
	srv, err := c.serverFor(s)
	if err != nil {
		return err
	}
	return srv.SendInput(ctx, p)
}

// Fork asks the server for a copy of id.
func (c *Coordinator) Fork(ctx context.Context, id, workspace string) (session.Patch, error) {
	srv, err := c.serverCommand(id)
	if err != nil {
		return session.Patch{}, err
	}
	return srv.Fork(ctx, id, workspace)
}

func (c *Coordinator) FetchMetadata(ctx context.Context, id string) (session.Patch, error) {
	srv, err := c.serverCommand(id)
	if err != nil {
		return session.Patch{}, err
	}
	return srv.FetchMetadata(ctx, id)
}

func (c *Coordinator) SetStopPrompts(ctx context.Context, id string, prompts []session.StopPrompt) error {
	srv, err := c.serverCommand(id)
	if err != nil {
		return err
	}
	return srv.SetStopPrompts(ctx, id, prompts)
}

func (c *Coordinator) ToggleStopPrompt(ctx context.Context, id, promptID string, armed bool) error {
	srv, err := c.serverCommand(id)
	if err != nil {
		return err
	}
	return srv.ToggleStopPrompt(ctx, id, promptID, armed)
}

func (c *Coordinator) SetStopInputsEnabled(ctx context.Context, id string, enabled bool) error {
	srv, err := c.serverCommand(id)
	if err != nil {
		return err
	}
	return srv.SetStopInputsEnabled(ctx, id, enabled)
}

func (c *Coordinator) ClearDeferredInput(ctx context.Context, id string) error {
	srv, err := c.serverCommand(id)
	if err != nil {
		return err
	}
	return srv.ClearDeferredInput(ctx, id)
}

func (c *Coordinator) DeleteDeferredInput(ctx context.Context, id, pendingID string) error {
	srv, err := c.serverCommand(id)
	if err != nil {
		return err
	}
	return srv.DeleteDeferredInput(ctx, id, pendingID)
}

func (c *Coordinator) serverCommand(id string) (transport.ServerCommander, error) {
	s, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.serverFor(s)
}

// serverFor refuses sessions the server does not run.
func (c *Coordinator) serverFor(s session.Session) (transport.ServerCommander, error) {
	if s.TransportKind != session.TransportRemote || c.server == nil {
		return nil, c.unavailable(s)
	}
	return c.server, nil
}

func (c *Coordinator) lookup(id string) (session.Session, error) {
	s, ok := c.reg.Get(id)
	if !ok {
		return session.Session{}, c.fail(engineerr.New(engineerr.KindNotFound, id, session.ErrNotFound, "session is not in the registry"))
	}
	return s, nil
}

func (c *Coordinator) unavailable(s session.Session) error {
	return c.fail(engineerr.New(engineerr.KindTransportUnavailable, s.ID, nil, "%s transport takes no such command", s.TransportKind))
}
