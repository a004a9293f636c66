// Package feed serves the engine's update stream to out-of-process views
// over a websocket, and accepts the small set of commands a view needs to
// drive attachments.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"termlink/internal/coordinator"
	"termlink/internal/dispatch"
	"termlink/internal/engine"
	"termlink/internal/engineerr"
	"termlink/internal/protocol"
	"termlink/internal/session"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	commandTimeout = 15 * time.Second
	sendBuffer     = 256
)

// Controller is the part of the engine a feed exposes.
type Controller interface {
	Subscribe(buffer int) (<-chan dispatch.Update, func())
	Sessions() []session.Session
	State(id string) coordinator.State
	Attach(ctx context.Context, id string, opts coordinator.AttachOptions) (coordinator.Result, error)
	Detach(ctx context.Context, id string, explicit bool) error
	SendInput(ctx context.Context, id string, in engine.Input) error
	Resize(id string, cols, rows int) error
	Terminate(ctx context.Context, id string) error
}

// Server fans engine updates out to every connected view.
type Server struct {
	ctl      Controller
	log      zerolog.Logger
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*client]bool
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.Mutex
	closed bool
}

// New creates a feed server for ctl.
func New(ctl Controller, log zerolog.Logger) *Server {
	return &Server{
		ctl: ctl,
		log: log.With().Str("component", "feed").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// Handler serves the websocket endpoint at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Run forwards engine updates to clients until ctx is cancelled, then
// disconnects them.
func (s *Server) Run(ctx context.Context) error {
	updates, cancel := s.ctl.Subscribe(sendBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return nil
		case u, ok := <-updates:
			if !ok {
				s.closeAll()
				return nil
			}
			if u.Err != nil && u.Err.Suppressed {
				continue
			}
			s.broadcast(TypeUpdate, toPayload(u))
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	s.sendSnapshot(c)

	go c.writePump()
	go c.readPump()
}

func (s *Server) sendSnapshot(c *client) {
	sessions := s.ctl.Sessions()
	states := make(map[string]coordinator.State, len(sessions))
	for _, sess := range sessions {
		states[sess.ID] = s.ctl.State(sess.ID)
	}
	c.queue(TypeSnapshot, "", SnapshotPayload{Sessions: sessions, States: states})
}

func (c *client) queue(msgType, id string, payload any) {
	msg, err := protocol.NewRequest(msgType, id, payload)
	if err != nil {
		c.server.log.Warn().Err(err).Str("type", msgType).Msg("encode frame")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client buffer full, skip.
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug().Err(err).Msg("websocket read")
			}
			return
		}
		c.server.handleMessage(c, raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	c.close()
}

func (s *Server) closeAll() {
	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		s.removeClient(c)
	}
}

func (s *Server) broadcast(msgType string, payload any) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.queue(msgType, "", payload)
	}
}

// handleMessage runs one client command and answers with a response frame
// carrying the command's id.
func (s *Server) handleMessage(c *client, raw []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		c.respond("", nil, &protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: "malformed frame"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var (
		result any
		err    error
	)
	switch msg.Type {
	case protocol.TypeAttachSession:
		var p protocol.AttachSessionPayload
		if err = decode(msg, &p); err == nil {
			var res coordinator.Result
			res, err = s.ctl.Attach(ctx, p.SessionID, coordinator.AttachOptions{Explicit: true, LoadHistory: p.LoadHistory})
			result = AttachResult{Resumed: res.Resumed, AlreadyAttached: res.AlreadyAttached, History: res.History}
		}
	case protocol.TypeDetachSession:
		var p protocol.DetachSessionPayload
		if err = decode(msg, &p); err == nil {
			err = s.ctl.Detach(ctx, p.SessionID, true)
		}
	case protocol.TypeSendInput:
		var p protocol.SendInputPayload
		if err = decode(msg, &p); err == nil {
			err = s.ctl.SendInput(ctx, p.SessionID, engine.Input{Data: p.Data, Submit: p.Submit, EnterStyle: p.EnterStyle, Notify: p.Notify})
		}
	case protocol.TypeResizeSession:
		var p protocol.ResizeSessionPayload
		if err = decode(msg, &p); err == nil {
			err = s.ctl.Resize(p.SessionID, p.Cols, p.Rows)
		}
	case protocol.TypeTerminateSession:
		var p protocol.SessionIDPayload
		if err = decode(msg, &p); err == nil {
			err = s.ctl.Terminate(ctx, p.SessionID)
		}
	default:
		c.respond(msg.ID, nil, &protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: "unknown command " + msg.Type})
		return
	}

	if err != nil {
		c.respond(msg.ID, nil, errorPayload(err))
		return
	}
	c.respond(msg.ID, result, nil)
}

func (c *client) respond(id string, result any, failure *protocol.ErrorPayload) {
	resp := protocol.ResponsePayload{RequestID: id, OK: failure == nil, Error: failure}
	if result != nil {
		data, err := json.Marshal(result)
		if err == nil {
			resp.Result = data
		}
	}
	c.queue(protocol.TypeResponse, "", resp)
}

var errBadPayload = errors.New("bad payload")

func decode(msg protocol.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return errBadPayload
	}
	return nil
}

func errorPayload(err error) *protocol.ErrorPayload {
	if errors.Is(err, errBadPayload) {
		return &protocol.ErrorPayload{Code: protocol.ErrInvalidMessage, Message: err.Error()}
	}
	switch engineerr.KindOf(err) {
	case engineerr.KindNotFound:
		return &protocol.ErrorPayload{Code: protocol.ErrSessionNotFound, Status: http.StatusNotFound, Message: err.Error()}
	case engineerr.KindSessionEnded:
		return &protocol.ErrorPayload{Code: protocol.ErrSessionTerminated, Status: http.StatusGone, Message: err.Error()}
	case "":
		return &protocol.ErrorPayload{Code: "ENGINE_ERROR", Message: err.Error()}
	}
	return &protocol.ErrorPayload{Code: string(engineerr.KindOf(err)), Message: err.Error()}
}
