package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termlink/internal/clock"
	"termlink/internal/coordinator"
	"termlink/internal/gate"
	"termlink/internal/opt"
	"termlink/internal/protocol"
	"termlink/internal/resync"
	"termlink/internal/session"
	"termlink/internal/transport"
	"termlink/internal/transport/transporttest"
)

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

type titleStore struct {
	mu     sync.Mutex
	titles map[string]string
}

func (s *titleStore) SaveDynamicTitle(_ context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[id] = title
	return nil
}

type fixture struct {
	d      *Dispatcher
	reg    *session.Registry
	coord  *coordinator.Coordinator
	gate   *gate.Gate
	clk    *clock.FakeClock
	remote *transporttest.Fake
	local  *transporttest.Owned
	titles *titleStore

	mu      sync.Mutex
	updates []Update
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:    session.NewRegistry(zerolog.Nop()),
		clk:    clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		remote: transporttest.NewFake(session.TransportRemote),
		local:  transporttest.NewOwned(session.TransportLocal, "w1"),
		titles: &titleStore{titles: make(map[string]string)},
	}
	f.coord = coordinator.New(f.reg, []transport.Transport{f.remote, f.local}, coordinator.DefaultConfig(), zerolog.Nop(),
		coordinator.WithClock(f.clk))
	t.Cleanup(f.coord.Close)
	children := session.NewChildManager(f.reg, f.coord, zerolog.Nop())
	f.gate = gate.New(f.clk, 5*time.Second, zerolog.Nop())

	f.d = New(Deps{
		Registry:    f.reg,
		Children:    children,
		Coordinator: f.coord,
		Gate:        f.gate,
		Resyncer:    resync.New(f.reg, children, f.coord, zerolog.Nop()),
		Listers: map[session.TransportKind]transport.Lister{
			session.TransportRemote: f.remote,
		},
		Titles: f.titles,
		Clock:  f.clk,
		Sink: func(u Update) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.updates = append(f.updates, u)
		},
	}, zerolog.Nop())
	return f
}

func (f *fixture) seen(kind UpdateKind) []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Update
	for _, u := range f.updates {
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

func message(t *testing.T, msgType string, payload any) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(t, err)
	return msg
}

func (f *fixture) deliver(t *testing.T, msgType string, payload any) {
	t.Helper()
	ev, err := FromMessage(message(t, msgType, payload), f.clk.Now())
	require.NoError(t, err)
	ev.Transport = session.TransportRemote
	require.NoError(t, f.d.Dispatch(context.Background(), ev))
}

// updated builds a session_updated payload from raw session_data JSON so
// omitted fields stay omitted.
func updated(t *testing.T, updateType, data string) protocol.SessionUpdatedPayload {
	t.Helper()
	var p protocol.SessionUpdatedPayload
	raw := `{"update_type":"` + updateType + `","session_data":` + data + `}`
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func TestSessionUpdated_MergesAcrossEvents(t *testing.T) {
	f := newFixture(t)

	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateCreated, `{"id":"s1","title":"x"}`))
	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateUpdated, `{"id":"s1","workspace":"W"}`))

	s, ok := f.reg.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "x", s.Title)
	assert.Equal(t, "W", s.Workspace)
	assert.Equal(t, session.TransportRemote, s.TransportKind)
	assert.Len(t, f.seen(UpdateSession), 2)

	moved := f.seen(UpdateNotice)
	require.Len(t, moved, 1)
	assert.Equal(t, NoticeWorkspaceMoved, moved[0].Notice)
	assert.Equal(t, "", moved[0].Detail)

	// An update without workspace is not a move back to the default.
	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateUpdated, `{"id":"s1","note":"n"}`))
	s, _ = f.reg.Get("s1")
	assert.Equal(t, "W", s.Workspace)
	assert.Len(t, f.seen(UpdateNotice), 1)
}

func TestSessionUpdated_TerminatedIsSticky(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateCreated, `{"id":"s1"}`))
	_, err := f.coord.Attach(context.Background(), "s1", coordinator.AttachOptions{})
	require.NoError(t, err)

	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateTerminated, `{"id":"s1"}`))

	s, ok := f.reg.Get("s1")
	require.True(t, ok)
	assert.False(t, s.IsActive)
	assert.False(t, s.IsAttachedLocally)
	assert.Equal(t, coordinator.StateEnded, f.coord.State("s1"))

	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateDeleted, `{"id":"s1"}`))
	_, ok = f.reg.Get("s1")
	assert.False(t, ok)
	require.Len(t, f.seen(UpdateRemoved), 1)
}

func TestSessionUpdated_ChildrenAndParentDelete(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateCreated, `{"id":"p"}`))
	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateCreated, `{"id":"c1","parent_id":"p"}`))

	c1, _ := f.reg.Get("c1")
	assert.Equal(t, "Shell", c1.Title)

	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateCreated, `{"id":"c2","parent_id":"p"}`))
	c1, _ = f.reg.Get("c1")
	c2, _ := f.reg.Get("c2")
	assert.Equal(t, "Shell 1", c1.Title)
	assert.Equal(t, "Shell 2", c2.Title)

	f.deliver(t, protocol.TypeSessionRemoved, protocol.SessionIDPayload{SessionID: "c1"})
	c2, _ = f.reg.Get("c2")
	assert.Equal(t, "Shell 2", c2.Title)

	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateDeleted, `{"id":"p"}`))
	assert.Equal(t, 0, f.reg.Len())
	assert.Len(t, f.seen(UpdateRemoved), 3)
}

func TestSessionUpdated_ParentDeleteSparesCommandChild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateCreated, `{"id":"p"}`))
	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateCreated,
		`{"id":"shell","parent_id":"p","child_tab_type":"container"}`))
	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateCreated,
		`{"id":"cmd","parent_id":"p","child_tab_type":"command"}`))

	for _, id := range []string{"shell", "cmd"} {
		_, err := f.coord.Attach(ctx, id, coordinator.AttachOptions{})
		require.NoError(t, err)
	}

	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateDeleted, `{"id":"p"}`))
	assert.Equal(t, 0, f.reg.Len())
	assert.Len(t, f.seen(UpdateRemoved), 3)

	assert.Eventually(t, func() bool {
		for _, c := range f.remote.DetachCalls() {
			if c.SessionID == "shell" {
				return true
			}
		}
		return false
	}, testWait, testTick)
	assert.Equal(t, coordinator.StateAttached, f.coord.State("cmd"))
	for _, c := range f.remote.DetachCalls() {
		assert.NotEqual(t, "cmd", c.SessionID)
	}
}

func TestDetached_StaleThenApplied(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateCreated, `{"id":"s1"}`))
	_, err := f.coord.Attach(context.Background(), "s1", coordinator.AttachOptions{})
	require.NoError(t, err)

	f.clk.Advance(500 * time.Millisecond)
	f.deliver(t, protocol.TypeDetached, protocol.SessionIDPayload{SessionID: "s1"})
	assert.Equal(t, coordinator.StateAttached, f.coord.State("s1"))

	f.clk.Advance(2500 * time.Millisecond)
	f.deliver(t, protocol.TypeDetached, protocol.SessionIDPayload{SessionID: "s1"})
	assert.Equal(t, coordinator.StateUnattached, f.coord.State("s1"))
}

func TestDeferredInput(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, protocol.TypeDeferredInputUpdated, protocol.DeferredInputUpdatedPayload{
		SessionID: "s1",
		Action:    protocol.DeferredAdded,
		Pending:   &session.PendingInput{ID: "p1", SourceKind: session.InputScheduledRule, ByteLength: 3},
	})

	ups := f.seen(UpdateDeferred)
	require.Len(t, ups, 1)
	require.Len(t, ups[0].Pending, 1)
	assert.Equal(t, "p1", ups[0].Pending[0].ID)
	assert.Len(t, f.gate.Queue("s1"), 1)
}

func TestStopInputConfirmationIsReconciled(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateCreated, `{"id":"s1","stop_inputs_enabled":false}`))

	_, _, err := f.reg.Upsert(f.gate.SetStopInputsEnabled("s1", true))
	require.NoError(t, err)

	// A late update still carrying the old value does not undo the toggle.
	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateUpdated, `{"id":"s1","stop_inputs_enabled":false}`))
	s, _ := f.reg.Get("s1")
	assert.True(t, s.StopInputsEnabled)

	f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateUpdated, `{"id":"s1","stop_inputs_enabled":true,"rearm_max":2,"rearm_remaining":7}`))
	s, _ = f.reg.Get("s1")
	assert.True(t, s.StopInputsEnabled)
	assert.Equal(t, 2, s.RearmRemaining)
	assert.False(t, f.gate.HasPending("s1"))
}

func TestSessionsReordered(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.deliver(t, protocol.TypeSessionUpdated, updated(t, protocol.UpdateCreated, `{"id":"`+id+`","workspace":"w"}`))
	}
	f.deliver(t, protocol.TypeSessionsReordered, protocol.SessionsReorderedPayload{Workspace: "w", Order: []string{"c", "a", "b"}})

	var order []string
	for _, s := range f.reg.All() {
		order = append(order, s.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, order)
	require.Len(t, f.seen(UpdateReordered), 1)
}

func TestNotices(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, protocol.TypeStdinInjected, protocol.SessionIDPayload{SessionID: "s1"})
	f.deliver(t, protocol.TypeWorkspacesUpdated, protocol.WorkspacesUpdatedPayload{Action: "renamed"})
	f.deliver(t, protocol.TypeAttached, protocol.SessionIDPayload{SessionID: "s1"})

	notices := f.seen(UpdateNotice)
	require.Len(t, notices, 3)
	assert.Equal(t, NoticeStdinInjected, notices[0].Notice)
	assert.Equal(t, "renamed", notices[1].Detail)
	assert.Equal(t, NoticePeerAttached, notices[2].Notice)
}

func TestLocalTitleAndExit(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.reg.Upsert(session.Patch{ID: "l1", TransportKind: opt.Some(session.TransportLocal)})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, f.d.Dispatch(ctx, Event{Kind: KindTitleChanged, Transport: session.TransportLocal, SessionID: "l1", Title: "vim"}))
	s, _ := f.reg.Get("l1")
	assert.Equal(t, "vim", s.DynamicTitle)
	assert.Equal(t, "vim", f.titles.titles["l1"])

	require.NoError(t, f.d.Dispatch(ctx, Event{Kind: KindExit, Transport: session.TransportLocal, SessionID: "l1", ExitCode: 3}))
	s, ok := f.reg.Get("l1")
	require.True(t, ok)
	assert.False(t, s.IsActive)
	assert.Equal(t, coordinator.StateEnded, f.coord.State("l1"))

	exits := f.seen(UpdateExit)
	require.Len(t, exits, 1)
	assert.Equal(t, 3, exits[0].ExitCode)
}

func TestUnknownKind(t *testing.T) {
	f := newFixture(t)
	err := f.d.Dispatch(context.Background(), Event{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrUnhandled)
}

func TestFromTransport(t *testing.T) {
	at := time.Unix(100, 0)

	ev, err := FromTransport(transport.Event{Kind: transport.EventStdout, Transport: session.TransportRemote, SessionID: "s1", Data: []byte("x")}, at)
	require.NoError(t, err)
	assert.Equal(t, KindOutput, ev.Kind)
	assert.Equal(t, at, ev.At)

	msg := message(t, protocol.TypeSessionActivity, protocol.SessionActivityPayload{SessionID: "s1", ActivityState: protocol.ActivityActive})
	ev, err = FromTransport(transport.Event{Kind: transport.EventLifecycle, Transport: session.TransportRemote, Message: msg}, at)
	require.NoError(t, err)
	assert.Equal(t, KindActivity, ev.Kind)
	assert.Equal(t, session.TransportRemote, ev.Transport)
	assert.Equal(t, protocol.ActivityActive, ev.Activity)

	_, err = FromTransport(transport.Event{Kind: transport.EventLifecycle}, at)
	assert.Error(t, err)

	_, err = FromMessage(message(t, protocol.TypeResponse, protocol.ResponsePayload{RequestID: "r"}), at)
	assert.Error(t, err)
}

func TestRun_ResyncOnConnectAndTransportLoss(t *testing.T) {
	f := newFixture(t)
	f.remote.SetSessions(session.Patch{ID: "a", IsActive: opt.Some(true)}, session.Patch{ID: "b"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx, f.remote.Events()) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	f.remote.Push(transport.Event{Kind: transport.EventConnected})
	require.Eventually(t, func() bool { return len(f.seen(UpdateResynced)) == 1 }, testWait, testTick)
	assert.Equal(t, 2, f.reg.Len())

	_, err := f.coord.Attach(context.Background(), "a", coordinator.AttachOptions{})
	require.NoError(t, err)

	f.remote.DropAll()
	f.remote.Push(transport.Event{Kind: transport.EventConnectionLost})
	require.Eventually(t, func() bool { return f.coord.State("a") == coordinator.StateUnattached }, testWait, testTick)

	f.remote.Push(transport.Event{Kind: transport.EventConnected, Reconnect: true})
	require.Eventually(t, func() bool { return f.coord.State("a") == coordinator.StateAttached }, testWait, testTick)
	assert.Equal(t, coordinator.StateUnattached, f.coord.State("b"))
}
