package gate

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termlink/internal/clock"
	"termlink/internal/opt"
	"termlink/internal/protocol"
	"termlink/internal/session"
)

const ttl = 5 * time.Second

func newGate() (*Gate, *clock.FakeClock) {
	clk := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	return New(clk, ttl, zerolog.Nop()), clk
}

func added(id, pendingID, preview string) protocol.DeferredInputUpdatedPayload {
	return protocol.DeferredInputUpdatedPayload{
		SessionID: id,
		Action:    protocol.DeferredAdded,
		Pending: &session.PendingInput{
			ID:             pendingID,
			SourceKind:     session.InputAPI,
			PayloadPreview: preview,
			ByteLength:     len(preview),
		},
	}
}

func ids(q []session.PendingInput) []string {
	out := make([]string, len(q))
	for i, p := range q {
		out[i] = p.ID
	}
	return out
}

func TestDeferred_FIFO(t *testing.T) {
	g, _ := newGate()

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := g.ApplyDeferred(added("s1", id, "echo "+id))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids(g.Queue("s1")))

	q, err := g.ApplyDeferred(protocol.DeferredInputUpdatedPayload{SessionID: "s1", Action: protocol.DeferredRemoved, PendingID: "p2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p3"}, ids(q))

	q, err = g.ApplyDeferred(protocol.DeferredInputUpdatedPayload{SessionID: "s1", Action: protocol.DeferredCleared})
	require.NoError(t, err)
	assert.Empty(t, q)
	assert.Empty(t, g.Queue("s1"))
}

func TestDeferred_DuplicateAddReplacesInPlace(t *testing.T) {
	g, _ := newGate()

	_, _ = g.ApplyDeferred(added("s1", "p1", "one"))
	_, _ = g.ApplyDeferred(added("s1", "p2", "two"))
	q, err := g.ApplyDeferred(added("s1", "p1", "uno"))
	require.NoError(t, err)

	require.Len(t, q, 2)
	assert.Equal(t, "p1", q[0].ID)
	assert.Equal(t, "uno", q[0].PayloadPreview)

	again, err := g.ApplyDeferred(added("s1", "p1", "uno"))
	require.NoError(t, err)
	assert.Equal(t, q, again)
}

func TestDeferred_QueuesAreIndependent(t *testing.T) {
	g, _ := newGate()
	_, _ = g.ApplyDeferred(added("s1", "p1", "a"))
	_, _ = g.ApplyDeferred(added("s2", "p1", "b"))

	_, _ = g.ApplyDeferred(protocol.DeferredInputUpdatedPayload{SessionID: "s1", Action: protocol.DeferredCleared})
	assert.Empty(t, g.Queue("s1"))
	assert.Len(t, g.Queue("s2"), 1)

	g.Forget("s2")
	assert.Empty(t, g.Queue("s2"))
}

func TestDeferred_UnknownAction(t *testing.T) {
	g, _ := newGate()
	_, err := g.ApplyDeferred(protocol.DeferredInputUpdatedPayload{SessionID: "s1", Action: "bogus"})
	assert.Error(t, err)
}

func TestReconcile_OmittedFieldKeepsPending(t *testing.T) {
	g, _ := newGate()
	p := g.SetStopInputsEnabled("s1", true)
	assert.True(t, p.StopInputsEnabled.Value)

	out := g.Reconcile(session.Patch{ID: "s1", Title: opt.Some("x")})
	assert.False(t, out.StopInputsEnabled.Set)
	assert.True(t, g.HasPending("s1"))
}

func TestReconcile_MatchingConfirmationClearsPending(t *testing.T) {
	g, _ := newGate()
	g.SetStopInputsEnabled("s1", true)

	out := g.Reconcile(session.Patch{ID: "s1", StopInputsEnabled: opt.Some(true)})
	assert.True(t, out.StopInputsEnabled.Value)
	assert.False(t, g.HasPending("s1"))
}

func TestReconcile_StaleConfirmationKeepsLocalValue(t *testing.T) {
	g, clk := newGate()
	g.SetStopInputsEnabled("s1", true)

	clk.Advance(time.Second)
	out := g.Reconcile(session.Patch{ID: "s1", StopInputsEnabled: opt.Some(false)})
	assert.True(t, out.StopInputsEnabled.Value)
	assert.True(t, g.HasPending("s1"))

	clk.Advance(ttl)
	out = g.Reconcile(session.Patch{ID: "s1", StopInputsEnabled: opt.Some(false)})
	assert.False(t, out.StopInputsEnabled.Value)
	assert.False(t, g.HasPending("s1"))
}

func TestReconcile_PromptToggle(t *testing.T) {
	g, _ := newGate()
	s := session.Session{ID: "s1", StopPrompts: []session.StopPrompt{
		{ID: "a", Text: "Continue?", Armed: true, Source: session.PromptTemplate},
		{ID: "b", Text: "Proceed?", Armed: true, Source: session.PromptUser},
	}}

	p, err := g.ToggleStopPrompt(s, "a", false)
	require.NoError(t, err)
	assert.False(t, p.StopPrompts.Value[0].Armed)
	assert.True(t, s.StopPrompts[0].Armed, "input session is not mutated")

	// The server has not seen the toggle yet but reports a change to b.
	stale := []session.StopPrompt{
		{ID: "a", Text: "Continue?", Armed: true, Source: session.PromptTemplate},
		{ID: "b", Text: "Proceed?", Armed: false, Source: session.PromptUser},
	}
	out := g.Reconcile(session.Patch{ID: "s1", StopPrompts: opt.Some(stale)})
	assert.False(t, out.StopPrompts.Value[0].Armed)
	assert.False(t, out.StopPrompts.Value[1].Armed)
	assert.True(t, stale[0].Armed, "caller's slice is not mutated")

	confirmed := []session.StopPrompt{
		{ID: "a", Text: "Continue?", Armed: false, Source: session.PromptTemplate},
		{ID: "b", Text: "Proceed?", Armed: false, Source: session.PromptUser},
	}
	g.Reconcile(session.Patch{ID: "s1", StopPrompts: opt.Some(confirmed)})
	assert.False(t, g.HasPending("s1"))
}

func TestReconcile_RemovedPromptDropsPending(t *testing.T) {
	g, _ := newGate()
	s := session.Session{ID: "s1", StopPrompts: []session.StopPrompt{{ID: "a", Armed: true}}}
	_, err := g.ToggleStopPrompt(s, "a", false)
	require.NoError(t, err)

	g.Reconcile(session.Patch{ID: "s1", StopPrompts: opt.Some([]session.StopPrompt{})})
	assert.False(t, g.HasPending("s1"))
}

func TestToggleStopPrompt_Unknown(t *testing.T) {
	g, _ := newGate()
	_, err := g.ToggleStopPrompt(session.Session{ID: "s1"}, "nope", true)
	assert.ErrorIs(t, err, ErrUnknownPrompt)
	assert.False(t, g.HasPending("s1"))
}

func TestRevert_RestoresConfirmed(t *testing.T) {
	g, _ := newGate()
	prompts := []session.StopPrompt{{ID: "a", Armed: true}}
	g.Reconcile(session.Patch{ID: "s1", StopInputsEnabled: opt.Some(true), StopPrompts: opt.Some(prompts)})

	g.SetStopInputsEnabled("s1", false)
	toggled, err := g.ToggleStopPrompt(session.Session{ID: "s1", StopPrompts: prompts}, "a", false)
	require.NoError(t, err)

	p := g.Revert(session.Session{ID: "s1", StopPrompts: toggled.StopPrompts.Value})
	assert.True(t, p.StopInputsEnabled.Value)
	require.True(t, p.StopPrompts.Set)
	assert.True(t, p.StopPrompts.Value[0].Armed)
	assert.False(t, g.HasPending("s1"))
}

func TestRevert_NothingPending(t *testing.T) {
	g, _ := newGate()
	p := g.Revert(session.Session{ID: "s1"})
	assert.False(t, p.StopInputsEnabled.Set)
	assert.False(t, p.StopPrompts.Set)
}
