package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termlink/internal/protocol"
	"termlink/internal/session"
)

const (
	testWait = 2 * time.Second
	testTick = 10 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeServer is a minimal multiplexing server. Each inbound command is
// passed to handle along with the connection it arrived on.
type fakeServer struct {
	t         *testing.T
	srv       *httptest.Server
	handle    func(c *fakeConn, msg protocol.Message)
	connected chan *fakeConn
}

type fakeConn struct {
	t  *testing.T
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *fakeConn) push(msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	require.NoError(c.t, err)
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *fakeConn) respond(requestID string, result any) {
	raw, err := json.Marshal(result)
	require.NoError(c.t, err)
	c.push(protocol.TypeResponse, protocol.ResponsePayload{RequestID: requestID, OK: true, Result: raw})
}

func (c *fakeConn) fail(requestID, code string, status int) {
	c.push(protocol.TypeResponse, protocol.ResponsePayload{
		RequestID: requestID,
		Error:     &protocol.ErrorPayload{Code: code, Status: status, Message: "nope"},
	})
}

func newFakeServer(t *testing.T, handle func(c *fakeConn, msg protocol.Message)) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, handle: handle, connected: make(chan *fakeConn, 8)}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &fakeConn{t: t, ws: ws}
		fs.connected <- c
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if fs.handle != nil {
				fs.handle(c, msg)
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func nextEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return Event{}
		}
	}
}

func startRemote(t *testing.T, fs *fakeServer) (*Remote, *fakeConn) {
	t.Helper()
	r := NewRemote(RemoteConfig{URL: fs.url(), MaxBackoff: 50 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	nextEvent(t, r.Events(), EventConnected)
	select {
	case c := <-fs.connected:
		return r, c
	case <-time.After(3 * time.Second):
		t.Fatal("server never saw a connection")
		return nil, nil
	}
}

func TestRemote_AttachCollectsHistory(t *testing.T) {
	var gotPayload protocol.AttachSessionPayload
	fs := newFakeServer(t, func(c *fakeConn, msg protocol.Message) {
		if msg.Type != protocol.TypeAttachSession {
			return
		}
		_ = json.Unmarshal(msg.Payload, &gotPayload)
		c.push(protocol.TypeHistoryChunk, protocol.HistoryChunkPayload{RequestID: msg.ID, Seq: 0, Total: 6, Data: []byte("abc")})
		c.push(protocol.TypeHistoryChunk, protocol.HistoryChunkPayload{RequestID: msg.ID, Seq: 1, Total: 6, Data: []byte("def"), Final: true})
		c.respond(msg.ID, protocol.AttachSessionResult{Resumed: true})
	})
	r, _ := startRemote(t, fs)

	out, err := r.Attach(context.Background(), "s1", AttachOptions{LoadHistory: true})
	require.NoError(t, err)

	assert.True(t, gotPayload.LoadHistory)
	assert.Equal(t, "abcdef", string(out.History))
	assert.True(t, out.Resumed)
	assert.Equal(t, session.TransportRemote, out.Handle.Transport)
	assert.NotEmpty(t, out.Handle.ID)
	assert.True(t, r.IsAttached("s1"))

	r.Release("s1")
	assert.False(t, r.IsAttached("s1"))
}

func TestRemote_ErrorResponseMapsNotFound(t *testing.T) {
	fs := newFakeServer(t, func(c *fakeConn, msg protocol.Message) {
		c.fail(msg.ID, protocol.ErrSessionNotFound, http.StatusNotFound)
	})
	r, _ := startRemote(t, fs)

	_, err := r.FetchHistory(context.Background(), "s1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusNotFound, remoteErr.Status)
}

func TestRemote_FetchHistoryReportsProgress(t *testing.T) {
	fs := newFakeServer(t, func(c *fakeConn, msg protocol.Message) {
		if msg.Type != protocol.TypeFetchHistory {
			return
		}
		for i, part := range []string{"one ", "two ", "three"} {
			c.push(protocol.TypeHistoryChunk, protocol.HistoryChunkPayload{RequestID: msg.ID, Seq: i, Total: 13, Data: []byte(part)})
		}
		c.respond(msg.ID, struct{}{})
	})
	r, _ := startRemote(t, fs)

	var progress [][2]int
	data, err := r.FetchHistory(context.Background(), "s1", func(received, total int) {
		progress = append(progress, [2]int{received, total})
	})
	require.NoError(t, err)
	assert.Equal(t, "one two three", string(data))
	assert.Equal(t, [][2]int{{4, 13}, {8, 13}, {13, 13}}, progress)
}

func TestRemote_RoutesServerEvents(t *testing.T) {
	fs := newFakeServer(t, nil)
	r, c := startRemote(t, fs)

	c.push(protocol.TypeSessionOutput, protocol.SessionOutputPayload{SessionID: "s1", Data: []byte("hi")})
	out := nextEvent(t, r.Events(), EventStdout)
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, "hi", string(out.Data))

	c.push(protocol.TypeDetached, protocol.SessionIDPayload{SessionID: "s1"})
	lc := nextEvent(t, r.Events(), EventLifecycle)
	require.NotNil(t, lc.Message)
	assert.Equal(t, protocol.TypeDetached, lc.Message.Type)

	c.push(protocol.TypeSessionActivity, protocol.SessionActivityPayload{SessionID: "s1", ActivityState: protocol.ActivityInactive})
	act := nextEvent(t, r.Events(), EventActivityChanged)
	assert.Equal(t, protocol.ActivityInactive, act.Activity)

	c.push(protocol.TypeSessionExit, protocol.SessionExitPayload{SessionID: "s1", ExitCode: 2})
	exit := nextEvent(t, r.Events(), EventExit)
	assert.Equal(t, 2, exit.ExitCode)
}

func TestRemote_ReconnectDropsBindings(t *testing.T) {
	fs := newFakeServer(t, func(c *fakeConn, msg protocol.Message) {
		if msg.Type == protocol.TypeAttachSession {
			c.respond(msg.ID, protocol.AttachSessionResult{})
		}
	})
	r, c := startRemote(t, fs)

	_, err := r.Attach(context.Background(), "s1", AttachOptions{})
	require.NoError(t, err)
	require.True(t, r.IsAttached("s1"))

	c.ws.Close()

	nextEvent(t, r.Events(), EventConnectionLost)
	assert.False(t, r.IsAttached("s1"))

	ev := nextEvent(t, r.Events(), EventConnected)
	assert.True(t, ev.Reconnect)
	assert.True(t, r.Connected())
	assert.False(t, r.IsAttached("s1"), "bindings do not survive a reconnect")
}

func TestRemote_CallsFailWhenDisconnected(t *testing.T) {
	r := NewRemote(RemoteConfig{URL: "ws://127.0.0.1:1/ws"}, zerolog.Nop())

	_, err := r.Attach(context.Background(), "s1", AttachOptions{})
	assert.True(t, errors.Is(err, ErrNotConnected), "got %v", err)
	assert.False(t, r.IsAttached("s1"))
}

func TestRemote_ListDefaultsTransport(t *testing.T) {
	fs := newFakeServer(t, func(c *fakeConn, msg protocol.Message) {
		if msg.Type != protocol.TypeListSessions {
			return
		}
		c.push(protocol.TypeResponse, protocol.ResponsePayload{
			RequestID: msg.ID,
			OK:        true,
			Result:    json.RawMessage(`{"sessions":[{"id":"a","is_active":true},{"id":"b","transport":"local"}]}`),
		})
	})
	r, _ := startRemote(t, fs)

	patches, err := r.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, patches, 2)
	assert.Equal(t, session.TransportRemote, patches[0].TransportKind.Value)
	assert.Equal(t, session.TransportLocal, patches[1].TransportKind.Value)
	assert.True(t, patches[0].IsActive.Value)
	assert.False(t, patches[1].IsActive.Set)
}

func TestRemote_EveryWindowMayAttach(t *testing.T) {
	r := NewRemote(RemoteConfig{URL: "ws://127.0.0.1:1/ws"}, zerolog.Nop())
	ctx := context.Background()

	assert.Empty(t, r.Window())
	owner, err := r.Owner(ctx, "any")
	require.NoError(t, err)
	assert.Empty(t, owner)
	assert.NoError(t, r.RequestYield(ctx, "any"))
}
