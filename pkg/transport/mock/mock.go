// Package mock provides in-memory test doubles for the transport package
// interfaces.
//
// A [Conn] records every message sent through it and hands each one to an
// optional Respond callback, which plays the remote side by calling
// [Conn.Deliver]. [Conn.Break] simulates a failed session. A [Dialer] hands
// out a fresh Conn per dial and records them all.
//
// Example:
//
//	d := &mock.Dialer{Respond: func(c *mock.Conn, msg []byte) {
//	    c.Deliver(reply(msg))
//	}}
//	conn, _ := d.Dial(ctx)
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/speechmux/pkg/streamq"
	"github.com/MrWong99/speechmux/pkg/transport"
)

// Conn is a mock implementation of [transport.Conn].
type Conn struct {
	mu sync.Mutex

	respond func(c *Conn, msg []byte)
	inbox   *streamq.Queue[[]byte]

	sendErr error
	pingErr error
	broken  bool
	closed  bool

	sent   [][]byte
	pings  int
	closes int
}

var _ transport.Conn = (*Conn)(nil)

// NewConn returns an open connection. respond, when non-nil, is called after
// every successful Send, outside the connection lock.
func NewConn(respond func(c *Conn, msg []byte)) *Conn {
	return &Conn{respond: respond, inbox: streamq.NewQueue[[]byte]()}
}

// Send records msg and passes it to the respond callback.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return fmt.Errorf("mock: send: %w", transport.ErrClosed)
	case c.broken:
		c.mu.Unlock()
		return fmt.Errorf("mock: send: %w", transport.ErrBroken)
	case c.sendErr != nil:
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("mock: send: %w", transport.ErrTimeout)
	}
	c.sent = append(c.sent, append([]byte(nil), msg...))
	respond := c.respond
	c.mu.Unlock()

	if respond != nil {
		respond(c, msg)
	}
	return nil
}

// Recv returns the next delivered message.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	msg, err := c.inbox.Poll(ctx)
	if err == nil {
		return msg, nil
	}
	if errors.Is(err, streamq.ErrClosed) {
		c.mu.Lock()
		broken := c.broken
		c.mu.Unlock()
		if broken {
			return nil, fmt.Errorf("mock: recv: %w", transport.ErrBroken)
		}
		return nil, fmt.Errorf("mock: recv: %w", transport.ErrClosed)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("mock: recv: %w", transport.ErrTimeout)
	}
	return nil, err
}

// Ping counts the call and returns the configured ping error.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	switch {
	case c.closed:
		return fmt.Errorf("mock: ping: %w", transport.ErrClosed)
	case c.broken:
		return fmt.Errorf("mock: ping: %w", transport.ErrBroken)
	}
	return c.pingErr
}

// Close marks the connection closed and wakes a blocked Recv.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.closed = true
	c.mu.Unlock()
	c.inbox.Close()
	return nil
}

// Deliver queues msg for Recv, as if the remote side had sent it. It
// returns false once the connection is closed or broken.
func (c *Conn) Deliver(msg []byte) bool {
	return c.inbox.Push(msg)
}

// Break fails the connection: every later call reports
// [transport.ErrBroken] and a blocked Recv is woken.
func (c *Conn) Break() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
	c.inbox.Close()
}

// SetSendErr makes every later Send return err. nil restores normal sends.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SetPingErr makes every later Ping return err.
func (c *Conn) SetPingErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// Sent returns copies of every message sent so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Pings returns how often Ping was called.
func (c *Conn) Pings() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

// Dialer is a mock implementation of [transport.Dialer].
type Dialer struct {
	mu sync.Mutex

	// Respond is installed on every dialed Conn.
	Respond func(c *Conn, msg []byte)

	dialErr error
	dials   int
	conns   []*Conn
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial returns a new [Conn], or the configured dial error.
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("mock: dial: %w: %w", transport.ErrUnavailable, err)
	}
	if d.dialErr != nil {
		return nil, fmt.Errorf("mock: dial: %w: %w", transport.ErrUnavailable, d.dialErr)
	}
	c := NewConn(d.Respond)
	d.conns = append(d.conns, c)
	return c, nil
}

// SetDialErr makes every later Dial fail with err. nil restores dialing.
func (d *Dialer) SetDialErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// Dials returns how often Dial was called, including failed attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Conns returns every connection dialed so far, oldest first.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Last returns the most recently dialed connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
