// Package ws implements [transport.Conn] over a WebSocket session.
//
// Each connection runs one read pump goroutine that owns the socket's read
// side; [Conn.Recv] takes messages from the pump so a receive deadline does
// not tear the socket down. Writes go straight to the socket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/speechmux/pkg/transport"
)

const defaultReadLimit = 4 << 20

// Option is a functional option for configuring a [Dialer].
type Option func(*Dialer)

// WithHeader adds an HTTP header to the handshake request, e.g. for
// authorisation tokens.
func WithHeader(key, value string) Option {
	return func(d *Dialer) {
		d.header.Add(key, value)
	}
}

// WithQuery adds a query parameter to the endpoint URL.
func WithQuery(key, value string) Option {
	return func(d *Dialer) {
		d.query.Add(key, value)
	}
}

// WithReadLimit sets the maximum accepted message size in bytes.
func WithReadLimit(n int64) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// WithBinary sends messages as binary frames instead of text frames.
func WithBinary() Option {
	return func(d *Dialer) {
		d.msgType = websocket.MessageBinary
	}
}

// WithBuffer sets the capacity of the read pump's message buffer.
func WithBuffer(n int) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.buffer = n
		}
	}
}

// Dialer dials WebSocket connections to one endpoint.
type Dialer struct {
	endpoint  string
	header    http.Header
	query     url.Values
	readLimit int64
	msgType   websocket.MessageType
	buffer    int
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer for endpoint, a ws:// or wss:// URL.
func NewDialer(endpoint string, opts ...Option) (*Dialer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("ws: parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws: endpoint scheme %q is not ws or wss", u.Scheme)
	}
	d := &Dialer{
		endpoint:  endpoint,
		header:    http.Header{},
		query:     url.Values{},
		readLimit: defaultReadLimit,
		msgType:   websocket.MessageText,
		buffer:    64,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func (d *Dialer) url() string {
	u, _ := url.Parse(d.endpoint)
	q := u.Query()
	for k, vs := range d.query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Dial opens a new connection. Failures wrap [transport.ErrUnavailable].
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	c, _, err := websocket.Dial(ctx, d.url(), &websocket.DialOptions{
		HTTPHeader: d.header,
	})
	if err != nil {
		return nil, fmt.Errorf("ws: dial: %w: %w", transport.ErrUnavailable, err)
	}
	c.SetReadLimit(d.readLimit)

	conn := &Conn{
		c:       c,
		msgType: d.msgType,
		in:      make(chan []byte, d.buffer),
		done:    make(chan struct{}),
	}
	conn.wg.Add(1)
	go conn.readLoop()
	return conn, nil
}

// Conn is a WebSocket-backed [transport.Conn].
type Conn struct {
	c       *websocket.Conn
	msgType websocket.MessageType

	in   chan []byte
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	readErr error

	once sync.Once
}

var _ transport.Conn = (*Conn)(nil)

// readLoop owns the read side of the socket. It closes c.in when the socket
// fails, after recording the classified error.
func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.in)

	for {
		_, msg, err := c.c.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			c.readErr = classify(err)
			c.mu.Unlock()
			return
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func classify(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return fmt.Errorf("ws: %w", transport.ErrClosed)
	}
	return fmt.Errorf("ws: %w: %w", transport.ErrBroken, err)
}

func ctxErr(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("ws: %s: %w", op, transport.ErrTimeout)
	}
	return fmt.Errorf("ws: %s: %w", op, ctx.Err())
}

// Recv returns the next message from the read pump.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return nil, fmt.Errorf("ws: recv: %w", transport.ErrClosed)
	default:
	}
	select {
	case msg, ok := <-c.in:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = fmt.Errorf("ws: %w", transport.ErrClosed)
			}
			return nil, err
		}
		return msg, nil
	case <-c.done:
		return nil, fmt.Errorf("ws: recv: %w", transport.ErrClosed)
	case <-ctx.Done():
		return nil, ctxErr(ctx, "recv")
	}
}

// Send writes msg as one frame. An expired deadline closes the underlying
// socket, so every later call reports a broken connection.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("ws: send: %w", transport.ErrClosed)
	default:
	}
	if err := c.c.Write(ctx, c.msgType, msg); err != nil {
		if ctx.Err() != nil {
			return ctxErr(ctx, "send")
		}
		return fmt.Errorf("ws: send: %w: %w", transport.ErrBroken, err)
	}
	return nil
}

// Ping sends a ping frame and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.c.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return ctxErr(ctx, "ping")
		}
		return fmt.Errorf("ws: ping: %w: %w", transport.ErrBroken, err)
	}
	return nil
}

// Close closes the socket with a normal closure and waits for the read pump.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		if err := c.c.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
			// The peer may already be gone; the socket is released either way.
			slog.Debug("ws: close handshake failed", "err", err)
		}
		c.wg.Wait()
	})
	return nil
}
