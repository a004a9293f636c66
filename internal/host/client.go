package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrClientClosed is returned for calls made after the connection to the
// host daemon ended.
var ErrClientClosed = errors.New("host client closed")

// Client talks to a Server over its Unix socket and implements API.
type Client struct {
	conn net.Conn
	log  zerolog.Logger

	encMu  sync.Mutex
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan reply
	err     error

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the host daemon listening on socketPath.
func Dial(ctx context.Context, socketPath string, log zerolog.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial host %s: %w", socketPath, err)
	}

	c := &Client{
		conn:    conn,
		log:     log.With().Str("component", "host_client").Logger(),
		pending: make(map[uint64]chan reply),
		events:  make(chan Event, defaultSubscriberBufCap),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close ends the connection. Pending calls fail with ErrClientClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		close(c.closed)
	})
	return err
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) readLoop() {
	dec := newDecoder(c.conn)
	for {
		var r reply
		if err := dec.Decode(&r); err != nil {
			c.fail(err)
			close(c.events)
			return
		}

		if r.Event != nil {
			c.deliver(*r.Event)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[r.ID]
		delete(c.pending, r.ID)
		c.mu.Unlock()
		if ok {
			ch <- r
		}
	}
}

func (c *Client) deliver(ev Event) {
	if ev.Kind == EventOutput {
		select {
		case c.events <- ev:
		default:
			c.log.Warn().Str("session_id", ev.SessionID).Msg("event buffer full, dropping output")
		}
		return
	}
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	pending := c.pending
	c.pending = make(map[uint64]chan reply)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.Close()
}

func (c *Client) call(ctx context.Context, req request, result any) error {
	req.ID = c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", req.Op, ErrClientClosed)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.encMu.Lock()
	err := newEncoder(c.conn).Encode(req)
	c.encMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w", req.Op, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return ctx.Err()
	case r, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", req.Op, ErrClientClosed)
		}
		if !r.OK {
			return replyError(req.SessionID, r)
		}
		if result != nil && len(r.Result) > 0 {
			if err := decMode.Unmarshal(r.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", req.Op, err)
			}
		}
		return nil
	}
}

// replyError maps wire error codes back to the sentinel errors the
// Supervisor returns in-process.
func replyError(id string, r reply) error {
	switch r.Code {
	case codeOwned:
		return &OwnedError{SessionID: id, Owner: r.Owner}
	case codeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case codeExited:
		return fmt.Errorf("%w: %s", ErrExited, id)
	case codeNotOwner:
		return fmt.Errorf("%w: %s", ErrNotOwner, id)
	default:
		return errors.New(r.Error)
	}
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (Info, error) {
	var info Info
	err := c.call(ctx, request{Op: opCreate, Create: &req}, &info)
	return info, err
}

func (c *Client) List(ctx context.Context) ([]Info, error) {
	var infos []Info
	err := c.call(ctx, request{Op: opList}, &infos)
	return infos, err
}

func (c *Client) Owner(ctx context.Context, id string) (string, error) {
	var owner string
	err := c.call(ctx, request{Op: opOwner, SessionID: id}, &owner)
	return owner, err
}

func (c *Client) Attach(ctx context.Context, id, window string) error {
	return c.call(ctx, request{Op: opAttach, SessionID: id, Window: window}, nil)
}

func (c *Client) Detach(ctx context.Context, id, window string) error {
	return c.call(ctx, request{Op: opDetach, SessionID: id, Window: window}, nil)
}

func (c *Client) RequestYield(ctx context.Context, id, requester string) error {
	return c.call(ctx, request{Op: opRequestYield, SessionID: id, Window: requester}, nil)
}

func (c *Client) Write(ctx context.Context, id, window string, data []byte) error {
	return c.call(ctx, request{Op: opWrite, SessionID: id, Window: window, Data: data}, nil)
}

func (c *Client) Resize(ctx context.Context, id string, cols, rows int) error {
	return c.call(ctx, request{Op: opResize, SessionID: id, Cols: cols, Rows: rows}, nil)
}

func (c *Client) Terminate(ctx context.Context, id string) error {
	return c.call(ctx, request{Op: opTerminate, SessionID: id}, nil)
}

func (c *Client) History(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := c.call(ctx, request{Op: opHistory, SessionID: id}, &data)
	return data, err
}

// Subscribe asks the daemon to push events on this connection. All events
// arrive on the same channel regardless of how often Subscribe is called;
// it is closed when the connection ends.
func (c *Client) Subscribe(ctx context.Context) (<-chan Event, error) {
	if err := c.call(ctx, request{Op: opSubscribe}, nil); err != nil {
		return nil, err
	}
	return c.events, nil
}
