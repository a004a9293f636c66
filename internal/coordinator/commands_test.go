package coordinator

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termlink/internal/engineerr"
	"termlink/internal/opt"
	"termlink/internal/protocol"
	"termlink/internal/session"
	"termlink/internal/transport"
	"termlink/internal/transport/transporttest"
)

func TestCommands_RoutedToTheSessionsBackend(t *testing.T) {
	ctx := context.Background()
	reg := session.NewRegistry(zerolog.Nop())
	remote := transporttest.NewRemote()
	local := transporttest.NewOwned(session.TransportLocal, "w1")
	c := New(reg, []transport.Transport{remote, local}, DefaultConfig(), zerolog.Nop(), WithServer(remote))
	t.Cleanup(c.Close)

	p, err := c.Create(ctx, session.TransportRemote, transport.CreateRequest{Workspace: "w"})
	require.NoError(t, err)
	assert.Equal(t, "r1", p.ID)
	_, _, err = reg.Upsert(p)
	require.NoError(t, err)
	_, _, err = reg.Upsert(session.Patch{ID: "l1", TransportKind: opt.Some(session.TransportLocal)})
	require.NoError(t, err)

	require.NoError(t, c.SendInput(ctx, protocol.SendInputPayload{SessionID: "r1", Data: "y", Submit: true}))
	require.NoError(t, c.SetStopPrompts(ctx, "r1", []session.StopPrompt{{ID: "p1", Text: "go on"}}))
	require.NoError(t, c.Terminate(ctx, "r1"))

	require.NoError(t, c.SendInput(ctx, protocol.SendInputPayload{SessionID: "l1", Data: "ls", Submit: true}))
	assert.Equal(t, "ls\r", local.Written("l1"))

	sent := remote.Commands(protocol.TypeSendInput)
	require.Len(t, sent, 1)
	assert.Equal(t, "r1", sent[0].SessionID)
	assert.Len(t, remote.Commands(protocol.TypeCreateSession), 1)
	assert.Len(t, remote.Commands(protocol.TypeSetStopPrompts), 1)
	assert.Len(t, remote.Commands(protocol.TypeTerminateSession), 1)
}

func TestCommands_RefusedWithoutABackend(t *testing.T) {
	ctx := context.Background()
	reg := session.NewRegistry(zerolog.Nop())
	remote := transporttest.NewRemote()
	local := transporttest.NewOwned(session.TransportLocal, "w1")
	c := New(reg, []transport.Transport{remote, local}, DefaultConfig(), zerolog.Nop(), WithServer(remote))
	t.Cleanup(c.Close)
	_, _, err := reg.Upsert(session.Patch{ID: "l1", TransportKind: opt.Some(session.TransportLocal)})
	require.NoError(t, err)

	_, err = c.Create(ctx, session.TransportLocal, transport.CreateRequest{})
	assert.Equal(t, engineerr.KindTransportUnavailable, engineerr.KindOf(err))

	err = c.Terminate(ctx, "l1")
	assert.Equal(t, engineerr.KindTransportUnavailable, engineerr.KindOf(err))

	err = c.SetStopInputsEnabled(ctx, "l1", false)
	assert.Equal(t, engineerr.KindTransportUnavailable, engineerr.KindOf(err))

	err = c.ClearDeferredInput(ctx, "missing")
	assert.Equal(t, engineerr.KindNotFound, engineerr.KindOf(err))

	assert.Empty(t, remote.Commands(""))
}
