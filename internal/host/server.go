package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

type handlerFunc func(req request) (any, error)

// Server exposes a Supervisor on a Unix socket. Each connection is a long
// lived CBOR stream of request and reply frames; a connection that sends a
// subscribe request also receives pushed events.
type Server struct {
	sup        *Supervisor
	socketPath string
	log        zerolog.Logger
	handlers   map[string]handlerFunc

	activeConnections sync.WaitGroup

	claimMu sync.Mutex
	claims  map[string]claim
}

// claim records the connection that last attached a session.
type claim struct {
	conn   *serverConn
	window string
}

// NewServer creates a server for sup listening on socketPath.
func NewServer(sup *Supervisor, socketPath string, log zerolog.Logger) *Server {
	s := &Server{
		sup:        sup,
		socketPath: socketPath,
		log:        log.With().Str("component", "hostd").Logger(),
		claims:     make(map[string]claim),
	}
	s.handlers = map[string]handlerFunc{
		opCreate: func(req request) (any, error) {
			var cr CreateRequest
			if req.Create != nil {
				cr = *req.Create
			}
			return sup.Create(cr)
		},
		opList:  func(request) (any, error) { return sup.List(), nil },
		opOwner: func(req request) (any, error) { return sup.Owner(req.SessionID) },
		opAttach: func(req request) (any, error) {
			return nil, sup.Attach(req.SessionID, req.Window)
		},
		opDetach: func(req request) (any, error) {
			return nil, sup.Detach(req.SessionID, req.Window)
		},
		opRequestYield: func(req request) (any, error) {
			return nil, sup.RequestYield(req.SessionID, req.Window)
		},
		opWrite: func(req request) (any, error) {
			return nil, sup.Write(req.SessionID, req.Window, req.Data)
		},
		opResize: func(req request) (any, error) {
			return nil, sup.Resize(req.SessionID, req.Cols, req.Rows)
		},
		opTerminate: func(req request) (any, error) { return nil, sup.Terminate(req.SessionID) },
		opHistory:   func(req request) (any, error) { return sup.History(req.SessionID) },
	}
	return s
}

// Serve accepts connections until ctx is cancelled, then waits for active
// connections to finish. Any stale socket file is removed first.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info().Str("path", s.socketPath).Msg("host socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(connCtx, conn)
		}()
	}

	cancel()
	s.activeConnections.Wait()
	return nil
}

type serverConn struct {
	conn  net.Conn
	encMu sync.Mutex
}

func (c *serverConn) send(r reply) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return newEncoder(c.conn).Encode(r)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sc := &serverConn{conn: conn}
	dec := newDecoder(conn)
	subscribed := false

	// Streams claimed over this connection are released when it ends, so
	// a closed or crashed window never keeps a session.
	defer s.releaseClaims(sc)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if ctx.Err() == nil && !isClosed(err) {
				s.log.Debug().Err(err).Msg("decode request failed")
			}
			return
		}

		if req.Op == opSubscribe {
			if !subscribed {
				subscribed = true
				subID, events := s.sup.Subscribe()
				go s.forwardEvents(ctx, sc, subID, events)
			}
			if err := sc.send(reply{ID: req.ID, OK: true}); err != nil {
				return
			}
			continue
		}

		r := s.handle(req)
		if r.OK {
			s.track(sc, req)
		}
		if err := sc.send(r); err != nil {
			s.log.Debug().Err(err).Str("op", req.Op).Msg("write reply failed")
			return
		}
	}
}

func (s *Server) track(sc *serverConn, req request) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	switch req.Op {
	case opAttach:
		s.claims[req.SessionID] = claim{conn: sc, window: req.Window}
	case opDetach:
		if c, ok := s.claims[req.SessionID]; ok && c.window == req.Window {
			delete(s.claims, req.SessionID)
		}
	}
}

// releaseClaims detaches every session whose latest claim came over sc. A
// session the same window re-claimed on a newer connection is left alone.
func (s *Server) releaseClaims(sc *serverConn) {
	released := make(map[string]string)
	s.claimMu.Lock()
	for id, c := range s.claims {
		if c.conn == sc {
			released[id] = c.window
			delete(s.claims, id)
		}
	}
	s.claimMu.Unlock()

	for id, window := range released {
		if err := s.sup.Detach(id, window); err != nil {
			s.log.Debug().Err(err).Str("session_id", id).Msg("release claim")
			continue
		}
		s.log.Info().Str("session_id", id).Str("window", window).Msg("connection closed, stream released")
	}
}

func (s *Server) handle(req request) reply {
	handler, ok := s.handlers[req.Op]
	if !ok {
		return reply{ID: req.ID, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}

	result, err := handler(req)
	if err != nil {
		s.log.Debug().Err(err).Str("op", req.Op).Str("session_id", req.SessionID).Msg("op failed")
		r := reply{ID: req.ID, Error: err.Error()}
		var owned *OwnedError
		switch {
		case errors.As(err, &owned):
			r.Code, r.Owner = codeOwned, owned.Owner
		case errors.Is(err, ErrNotFound):
			r.Code = codeNotFound
		case errors.Is(err, ErrExited):
			r.Code = codeExited
		case errors.Is(err, ErrNotOwner):
			r.Code = codeNotOwner
		}
		return r
	}

	r := reply{ID: req.ID, OK: true}
	if result != nil {
		data, err := encMode.Marshal(result)
		if err != nil {
			return reply{ID: req.ID, Error: fmt.Sprintf("internal: marshaling result: %v", err)}
		}
		r.Result = data
	}
	return r
}

func (s *Server) forwardEvents(ctx context.Context, sc *serverConn, subID string, events <-chan Event) {
	defer s.sup.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := sc.send(reply{Event: &ev}); err != nil {
				return
			}
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed)
}
