// Package keepalive supervises the single transport connection of a speech
// client.
//
// A [Supervisor] dials through a [transport.Dialer], pings the live
// connection every interval and reconnects after a ping failure or an
// explicit [Supervisor.Shutdown] from a stage that saw the connection break.
// Stages borrow the connection with [Supervisor.Get]; the returned [Handle]
// carries a generation number so that a late shutdown request for an
// already-replaced connection is ignored.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/speechmux/internal/observe"
	"github.com/MrWong99/speechmux/pkg/transport"
)

var (
	// ErrNoConnection is returned by [Supervisor.Get] when no connection
	// became available within the timeout.
	ErrNoConnection = errors.New("keepalive: no connection")

	// ErrClosed is returned once the supervisor has been closed.
	ErrClosed = errors.New("keepalive: supervisor closed")
)

// Handle is a borrowed connection. Gen identifies the connection among all
// connections the supervisor has established; it starts at 1.
type Handle struct {
	Conn transport.Conn
	Gen  uint64
}

// Config tunes a [Supervisor].
type Config struct {
	// Interval is the time between pings, and between connection attempts
	// while disconnected. Default: 10s.
	Interval time.Duration

	// PingTimeout bounds a single ping. Default: 5s.
	PingTimeout time.Duration

	// DialTimeout bounds a single connection attempt. Default: 10s.
	DialTimeout time.Duration

	// Metrics receives connection metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnDrop, when set, is called once for every connection dropped by a
	// failed ping or [Supervisor.Shutdown], after it was closed. It is not
	// called for the connection closed by [Supervisor.Close].
	OnDrop func(h Handle)
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// Supervisor owns at most one live connection. All methods are safe for
// concurrent use.
type Supervisor struct {
	dialer transport.Dialer
	cfg    Config

	mu        sync.Mutex
	conn      transport.Conn
	gen       uint64
	changed   chan struct{} // closed and replaced on every state change
	started   bool
	closed    bool
	connected bool // a connection was established at least once
	cancel    context.CancelFunc
	done      chan struct{}

	kick chan struct{}
}

// New creates a stopped supervisor. Call [Supervisor.Start] to run it.
func New(dialer transport.Dialer, cfg Config) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		dialer:  dialer,
		cfg:     cfg,
		changed: make(chan struct{}),
		kick:    make(chan struct{}, 1),
	}
}

// Start launches the supervision loop. It returns [ErrClosed] after Close
// and an error when called twice. The loop stops when ctx is cancelled or
// the supervisor is closed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return errors.New("keepalive: already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		if s.current().Conn == nil {
			s.connect(ctx)
		}

		timer.Reset(s.cfg.Interval)
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			timer.Stop()
			continue
		case <-timer.C:
		}

		s.ping(ctx)
	}
}

func (s *Supervisor) current() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Handle{Conn: s.conn, Gen: s.gen}
}

func (s *Supervisor) connect(ctx context.Context) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	start := time.Now()
	conn, err := s.dialer.Dial(dctx)
	if ctx.Err() != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	s.mu.Lock()
	reconnect := s.connected
	s.mu.Unlock()
	s.cfg.Metrics.RecordConnect(ctx, time.Since(start), err, reconnect)
	if err != nil {
		slog.Warn("transport connect failed", "err", err, "retry_in", s.cfg.Interval)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		s.cfg.Metrics.RecordDisconnect(ctx)
		return
	}
	s.conn = conn
	s.gen++
	s.connected = true
	gen := s.gen
	s.broadcast()
	s.mu.Unlock()

	slog.Info("transport connected", "generation", gen, "reconnect", reconnect)
}

func (s *Supervisor) ping(ctx context.Context) {
	h := s.current()
	if h.Conn == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()
	if err := h.Conn.Ping(pctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.cfg.Metrics.RecordPingFailure(ctx)
		slog.Warn("keepalive ping failed", "generation", h.Gen, "err", err)
		s.Shutdown(h)
	}
}

// broadcast wakes every Get waiting for a state change. Must be called with
// s.mu held.
func (s *Supervisor) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Get returns the live connection, waiting up to timeout for one to be
// established. A zero timeout waits until a connection exists, ctx ends or
// the supervisor is closed.
func (s *Supervisor) Get(ctx context.Context, timeout time.Duration) (Handle, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Handle{}, ErrClosed
		}
		if s.conn != nil {
			h := Handle{Conn: s.conn, Gen: s.gen}
			s.mu.Unlock()
			return h, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return Handle{}, ErrNoConnection
		case <-ctx.Done():
			return Handle{}, fmt.Errorf("keepalive: get: %w", ctx.Err())
		}
	}
}

// Shutdown closes the connection of h if it is still the live one and asks
// the loop to reconnect immediately. It reports whether a connection was
// dropped; requests for an older generation are ignored.
func (s *Supervisor) Shutdown(h Handle) bool {
	s.mu.Lock()
	if s.conn == nil || h.Gen != s.gen {
		s.mu.Unlock()
		return false
	}
	conn := s.conn
	s.conn = nil
	s.broadcast()
	s.mu.Unlock()

	if err := conn.Close(); err != nil {
		slog.Debug("close of dropped connection failed", "generation", h.Gen, "err", err)
	}
	s.cfg.Metrics.RecordDisconnect(context.Background())
	slog.Info("transport connection dropped", "generation", h.Gen)
	if s.cfg.OnDrop != nil {
		s.cfg.OnDrop(Handle{Conn: conn, Gen: h.Gen})
	}

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return true
}

// Connected reports whether a live connection exists.
func (s *Supervisor) Connected() bool {
	return s.current().Conn != nil
}

// Generation returns the generation of the newest connection, 0 before the
// first one.
func (s *Supervisor) Generation() uint64 {
	return s.current().Gen
}

// Close stops the loop and closes the live connection. Calling Close more
// than once is safe.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	cancel, done := s.cancel, s.done
	s.broadcast()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var errs []error
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("keepalive: close connection: %w", err))
		}
		s.cfg.Metrics.RecordDisconnect(context.Background())
	}
	return errors.Join(errs...)
}
