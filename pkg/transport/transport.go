// Package transport defines the message connection capability the speech
// engine is built on.
//
// A [Conn] is one long-lived, message-oriented, bidirectional session with
// the remote speech platform. The engine never owns a Conn directly: the
// keepalive supervisor dials it through a [Dialer], pings it and hands it out
// to pipeline stages for the duration of a single Send or Recv call.
//
// Implementations report failures through the sentinel errors of this
// package so callers can tell a deadline (retry later) from a broken
// session (reconnect) with [errors.Is].
package transport

import (
	"context"
	"errors"
)

var (
	// ErrTimeout reports that the deadline of a Send, Recv or Ping expired
	// before the operation completed.
	ErrTimeout = errors.New("transport: timeout")

	// ErrClosed reports that the connection was closed normally, by either
	// side.
	ErrClosed = errors.New("transport: connection closed")

	// ErrBroken reports that the connection failed and cannot be used again.
	ErrBroken = errors.New("transport: connection broken")

	// ErrUnavailable reports that no connection could be established.
	ErrUnavailable = errors.New("transport: service unavailable")
)

// Conn is one message-oriented session with the remote platform.
//
// Send and Recv may be called concurrently with each other. Recv must only
// be called by one goroutine at a time. The context bounds the call: an
// expired deadline yields [ErrTimeout].
type Conn interface {
	// Send delivers one complete message.
	Send(ctx context.Context, msg []byte) error

	// Recv returns the next complete message.
	Recv(ctx context.Context) ([]byte, error)

	// Ping checks that the remote side still answers.
	Ping(ctx context.Context) error

	// Close releases the connection. Calling Close more than once is safe.
	Close() error
}

// Dialer establishes new connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// IsBroken reports whether err means the connection it came from must be
// discarded.
func IsBroken(err error) bool {
	return errors.Is(err, ErrBroken) || errors.Is(err, ErrClosed)
}
