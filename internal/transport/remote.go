package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"termlink/internal/protocol"
	"termlink/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufSize   = 256
	eventBufSize  = 1024
)

// RemoteConfig configures the remote multiplexed transport.
type RemoteConfig struct {
	URL        string
	Header     http.Header
	MaxBackoff time.Duration
}

// RemoteError is a failed command response from the server.
type RemoteError struct {
	Code    string
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("server error %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound || e.Code == protocol.ErrSessionNotFound
	case ErrEnded:
		return e.Code == protocol.ErrSessionTerminated
	}
	return false
}

// Remote is the remote multiplexed transport. All sessions share one
// websocket; Run keeps it connected and reconnects with backoff.
type Remote struct {
	cfg    RemoteConfig
	log    zerolog.Logger
	dialer *websocket.Dialer
	events chan Event

	mu       sync.Mutex
	conn     *remoteConn
	pending  map[string]*pendingCall
	attached map[string]Handle
	connects int
}

type remoteConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *remoteConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

type callResult struct {
	resp protocol.ResponsePayload
	err  error
}

type pendingCall struct {
	result   chan callResult
	progress ProgressFunc

	// Written by the read pump only; read by the caller after result.
	history  []byte
	received int
}

// NewRemote creates a remote transport. Call Run to connect.
func NewRemote(cfg RemoteConfig, log zerolog.Logger) *Remote {
	return &Remote{
		cfg:      cfg,
		log:      log.With().Str("component", "remote").Logger(),
		dialer:   websocket.DefaultDialer,
		events:   make(chan Event, eventBufSize),
		pending:  make(map[string]*pendingCall),
		attached: make(map[string]Handle),
	}
}

func (r *Remote) Kind() session.TransportKind { return session.TransportRemote }

func (r *Remote) Events() <-chan Event { return r.events }

// Connected reports whether the websocket is currently up.
func (r *Remote) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Run connects and reconnects until ctx is cancelled. Every connection
// emits EventConnected; every loss emits EventConnectionLost after all
// bindings and in-flight calls have been dropped.
func (r *Remote) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if r.cfg.MaxBackoff > 0 {
		b.MaxInterval = r.cfg.MaxBackoff
		b.InitialInterval = min(b.InitialInterval, r.cfg.MaxBackoff)
		b.Reset()
	}

	for {
		connected, err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}

		wait := b.NextBackOff()
		r.log.Warn().Err(err).Dur("backoff", wait).Msg("remote connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Remote) runOnce(ctx context.Context) (bool, error) {
	ws, _, err := r.dialer.DialContext(ctx, r.cfg.URL, r.cfg.Header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", r.cfg.URL, err)
	}

	conn := &remoteConn{
		ws:   ws,
		send: make(chan []byte, sendBufSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.conn = conn
	r.connects++
	reconnect := r.connects > 1
	r.mu.Unlock()

	r.log.Info().Str("url", r.cfg.URL).Bool("reconnect", reconnect).Msg("remote connected")
	r.emit(ctx, Event{Kind: EventConnected, Transport: session.TransportRemote, Reconnect: reconnect})

	go func() {
		select {
		case <-ctx.Done():
			conn.close()
		case <-conn.done:
		}
	}()
	go r.writePump(conn)

	err = r.readPump(ctx, conn)
	conn.close()
	r.dropConnection(conn)
	r.emit(ctx, Event{Kind: EventConnectionLost, Transport: session.TransportRemote})
	return true, err
}

// dropConnection forgets every binding and fails every in-flight call.
func (r *Remote) dropConnection(conn *remoteConn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	pending := r.pending
	r.pending = make(map[string]*pendingCall)
	r.attached = make(map[string]Handle)
	r.mu.Unlock()

	for _, call := range pending {
		call.result <- callResult{err: ErrNotConnected}
	}
}

func (r *Remote) emit(ctx context.Context, ev Event) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// readPump reads frames until the connection fails.
func (r *Remote) readPump(ctx context.Context, conn *remoteConn) error {
	conn.ws.SetReadDeadline(time.Now().Add(readDeadline))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Warn().Err(err).Msg("websocket read error")
			}
			return err
		}

		msg, err := protocol.ValidateServerMessage(data)
		if err != nil {
			r.log.Warn().Err(err).Msg("dropping invalid server message")
			continue
		}
		r.route(ctx, msg)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (r *Remote) writePump(conn *remoteConn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case <-conn.done:
			conn.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				r.log.Debug().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (r *Remote) route(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeResponse:
		p, err := protocol.Decode[protocol.ResponsePayload](msg)
		if err != nil {
			r.log.Warn().Err(err).Msg("bad response payload")
			return
		}
		r.mu.Lock()
		call, ok := r.pending[p.RequestID]
		delete(r.pending, p.RequestID)
		r.mu.Unlock()
		if !ok {
			r.log.Debug().Str("request_id", p.RequestID).Msg("response for unknown request")
			return
		}
		call.result <- callResult{resp: p}

	case protocol.TypeHistoryChunk:
		p, err := protocol.Decode[protocol.HistoryChunkPayload](msg)
		if err != nil {
			r.log.Warn().Err(err).Msg("bad history chunk payload")
			return
		}
		r.mu.Lock()
		call, ok := r.pending[p.RequestID]
		r.mu.Unlock()
		if !ok {
			return
		}
		call.history = append(call.history, p.Data...)
		call.received += len(p.Data)
		if call.progress != nil {
			call.progress(call.received, p.Total)
		}

	case protocol.TypeSessionOutput:
		p, err := protocol.Decode[protocol.SessionOutputPayload](msg)
		if err != nil {
			return
		}
		r.emit(ctx, Event{Kind: EventStdout, Transport: session.TransportRemote, SessionID: p.SessionID, Data: p.Data})

	case protocol.TypeSessionExit:
		p, err := protocol.Decode[protocol.SessionExitPayload](msg)
		if err != nil {
			return
		}
		r.Release(p.SessionID)
		r.emit(ctx, Event{Kind: EventExit, Transport: session.TransportRemote, SessionID: p.SessionID, ExitCode: p.ExitCode})

	case protocol.TypeSessionActivity:
		p, err := protocol.Decode[protocol.SessionActivityPayload](msg)
		if err != nil {
			return
		}
		r.emit(ctx, Event{Kind: EventActivityChanged, Transport: session.TransportRemote, SessionID: p.SessionID, Activity: p.ActivityState})

	default:
		r.emit(ctx, Event{Kind: EventLifecycle, Transport: session.TransportRemote, Message: msg})
	}
}

func (r *Remote) forget(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// roundTrip sends a command and waits for its response. History chunks
// tagged with the request id are collected and returned with it.
func (r *Remote) roundTrip(ctx context.Context, msgType string, payload any, progress ProgressFunc) (protocol.ResponsePayload, []byte, error) {
	id := uuid.New().String()
	msg, err := protocol.NewRequest(msgType, id, payload)
	if err != nil {
		return protocol.ResponsePayload{}, nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return protocol.ResponsePayload{}, nil, fmt.Errorf("marshal %s: %w", msgType, err)
	}

	call := &pendingCall{result: make(chan callResult, 1), progress: progress}

	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return protocol.ResponsePayload{}, nil, fmt.Errorf("%s: %w", msgType, ErrNotConnected)
	}
	r.pending[id] = call
	r.mu.Unlock()

	select {
	case conn.send <- data:
	case <-conn.done:
		r.forget(id)
		return protocol.ResponsePayload{}, nil, fmt.Errorf("%s: %w", msgType, ErrNotConnected)
	case <-ctx.Done():
		r.forget(id)
		return protocol.ResponsePayload{}, nil, ctx.Err()
	}

	select {
	case res := <-call.result:
		if res.err != nil {
			return protocol.ResponsePayload{}, nil, fmt.Errorf("%s: %w", msgType, res.err)
		}
		if !res.resp.OK {
			if res.resp.Error == nil {
				return res.resp, nil, &RemoteError{Code: "UNKNOWN", Message: msgType + " failed"}
			}
			e := res.resp.Error
			return res.resp, nil, &RemoteError{Code: e.Code, Status: e.Status, Message: e.Message}
		}
		return res.resp, call.history, nil
	case <-ctx.Done():
		r.forget(id)
		return protocol.ResponsePayload{}, nil, ctx.Err()
	}
}

func (r *Remote) command(ctx context.Context, msgType string, payload any, result any) error {
	resp, _, err := r.roundTrip(ctx, msgType, payload, nil)
	if err != nil {
		return err
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", msgType, err)
		}
	}
	return nil
}

// Attach performs the attach handshake. With LoadHistory the server
// streams history chunks ahead of its response.
func (r *Remote) Attach(ctx context.Context, id string, opts AttachOptions) (AttachOutcome, error) {
	resp, history, err := r.roundTrip(ctx, protocol.TypeAttachSession, protocol.AttachSessionPayload{
		SessionID:   id,
		LoadHistory: opts.LoadHistory,
	}, nil)
	if err != nil {
		return AttachOutcome{}, err
	}

	var result protocol.AttachSessionResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return AttachOutcome{}, fmt.Errorf("decode attach result: %w", err)
		}
	}

	h := Handle{SessionID: id, Transport: session.TransportRemote, ID: uuid.New().String()}
	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return AttachOutcome{}, fmt.Errorf("attach %s: %w", id, ErrNotConnected)
	}
	r.attached[id] = h
	r.mu.Unlock()

	return AttachOutcome{Handle: h, History: history, Resumed: result.Resumed}, nil
}

// Detach drops the local binding and tells the server. The server's
// detached confirmation arrives later as a lifecycle event.
func (r *Remote) Detach(ctx context.Context, id string, opts DetachOptions) error {
	r.Release(id)
	return r.command(ctx, protocol.TypeDetachSession, protocol.DetachSessionPayload{
		SessionID:  id,
		NotifyPeer: opts.NotifyPeer,
	}, nil)
}

func (r *Remote) Write(ctx context.Context, id string, data []byte) error {
	return r.SendInput(ctx, protocol.SendInputPayload{SessionID: id, Data: string(data)})
}

// SendInput sends input with explicit submit/notify semantics.
func (r *Remote) SendInput(ctx context.Context, p protocol.SendInputPayload) error {
	return r.command(ctx, protocol.TypeSendInput, p, nil)
}

func (r *Remote) Resize(ctx context.Context, id string, cols, rows int) error {
	return r.command(ctx, protocol.TypeResizeSession, protocol.ResizeSessionPayload{SessionID: id, Cols: cols, Rows: rows}, nil)
}

// Window is empty: every window attaches to remote sessions on its own.
func (r *Remote) Window() string { return "" }

// Owner is always empty for remote sessions.
func (r *Remote) Owner(context.Context, string) (string, error) { return "", nil }

func (r *Remote) RequestYield(context.Context, string) error { return nil }

func (r *Remote) IsAttached(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return false
	}
	_, ok := r.attached[id]
	return ok
}

func (r *Remote) Release(id string) {
	r.mu.Lock()
	delete(r.attached, id)
	r.mu.Unlock()
}

// Create asks the server for a new session.
func (r *Remote) Create(ctx context.Context, req CreateRequest) (session.Patch, error) {
	p := protocol.CreateSessionPayload{
		Workspace:    req.Workspace,
		Title:        req.Title,
		ParentID:     req.ParentID,
		ChildTabType: string(req.ChildTabType),
		Cols:         req.Cols,
		Rows:         req.Rows,
	}
	var result protocol.SessionResult
	if err := r.command(ctx, protocol.TypeCreateSession, p, &result); err != nil {
		return session.Patch{}, err
	}
	if result.SessionData.ID == "" {
		return session.Patch{}, errors.New("create session: response carried no session id")
	}
	return result.SessionData, nil
}

func (r *Remote) Terminate(ctx context.Context, id string) error {
	return r.command(ctx, protocol.TypeTerminateSession, protocol.SessionIDPayload{SessionID: id}, nil)
}

func (r *Remote) Fork(ctx context.Context, id, workspace string) (session.Patch, error) {
	var result protocol.SessionResult
	err := r.command(ctx, protocol.TypeForkSession, protocol.ForkSessionPayload{SessionID: id, Workspace: workspace}, &result)
	return result.SessionData, err
}

// FetchHistory streams a session's history, reporting progress as chunks
// arrive.
func (r *Remote) FetchHistory(ctx context.Context, id string, progress ProgressFunc) ([]byte, error) {
	_, history, err := r.roundTrip(ctx, protocol.TypeFetchHistory, protocol.SessionIDPayload{SessionID: id}, progress)
	return history, err
}

func (r *Remote) FetchMetadata(ctx context.Context, id string) (session.Patch, error) {
	var result protocol.SessionResult
	err := r.command(ctx, protocol.TypeFetchMetadata, protocol.SessionIDPayload{SessionID: id}, &result)
	return result.SessionData, err
}

// List returns the server's sessions, optionally only the active ones.
func (r *Remote) List(ctx context.Context, activeOnly bool) ([]session.Patch, error) {
	var result protocol.ListSessionsResult
	if err := r.command(ctx, protocol.TypeListSessions, protocol.ListSessionsPayload{ActiveOnly: activeOnly}, &result); err != nil {
		return nil, err
	}
	for i := range result.Sessions {
		if !result.Sessions[i].TransportKind.Set {
			result.Sessions[i].TransportKind.Value = session.TransportRemote
			result.Sessions[i].TransportKind.Set = true
		}
	}
	return result.Sessions, nil
}

func (r *Remote) ListSessions(ctx context.Context) ([]session.Patch, error) {
	return r.List(ctx, false)
}

func (r *Remote) SetStopPrompts(ctx context.Context, id string, prompts []session.StopPrompt) error {
	return r.command(ctx, protocol.TypeSetStopPrompts, protocol.SetStopPromptsPayload{SessionID: id, Prompts: prompts}, nil)
}

func (r *Remote) ToggleStopPrompt(ctx context.Context, id, promptID string, armed bool) error {
	return r.command(ctx, protocol.TypeToggleStopPrompt, protocol.ToggleStopPromptPayload{SessionID: id, PromptID: promptID, Armed: armed}, nil)
}

func (r *Remote) SetStopInputsEnabled(ctx context.Context, id string, enabled bool) error {
	return r.command(ctx, protocol.TypeSetStopInputs, protocol.SetStopInputsPayload{SessionID: id, Enabled: enabled}, nil)
}

func (r *Remote) ClearDeferredInput(ctx context.Context, id string) error {
	return r.command(ctx, protocol.TypeClearDeferredInput, protocol.DeferredInputPayload{SessionID: id}, nil)
}

func (r *Remote) DeleteDeferredInput(ctx context.Context, id, pendingID string) error {
	return r.command(ctx, protocol.TypeDeleteDeferredInput, protocol.DeferredInputPayload{SessionID: id, PendingID: pendingID}, nil)
}

var (
	_ Transport       = (*Remote)(nil)
	_ Lister          = (*Remote)(nil)
	_ ServerCommander = (*Remote)(nil)
)
