package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/speechmux/pkg/transport"
)

// ErrAllFailed is returned when every endpoint of a [FailoverDialer] failed or
// had an open circuit breaker. It is joined with the last dial error, so
// errors.Is also matches [transport.ErrUnavailable] when the dialers report it.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

// Endpoint is one dial target of a [FailoverDialer].
type Endpoint struct {
	// Name labels the endpoint in logs, usually its URL.
	Name   string
	Dialer transport.Dialer
}

type endpoint struct {
	Endpoint
	breaker *CircuitBreaker
}

// FailoverDialer is a [transport.Dialer] that tries its endpoints in order,
// skipping those whose breaker is open.
type FailoverDialer struct {
	endpoints []endpoint
	active    atomic.Int32
}

var _ transport.Dialer = (*FailoverDialer)(nil)

// NewFailoverDialer creates a dialer over eps with one breaker per endpoint
// built from cfg. The first endpoint is the primary.
func NewFailoverDialer(cfg CircuitBreakerConfig, eps ...Endpoint) (*FailoverDialer, error) {
	if len(eps) == 0 {
		return nil, errors.New("resilience: at least one endpoint is required")
	}
	d := &FailoverDialer{}
	d.active.Store(-1)
	for _, ep := range eps {
		if ep.Dialer == nil {
			return nil, fmt.Errorf("resilience: endpoint %q has no dialer", ep.Name)
		}
		bc := cfg
		bc.Name = ep.Name
		d.endpoints = append(d.endpoints, endpoint{Endpoint: ep, breaker: NewCircuitBreaker(bc)})
	}
	return d, nil
}

// Dial connects to the first endpoint that accepts the connection.
func (d *FailoverDialer) Dial(ctx context.Context) (transport.Conn, error) {
	var lastErr error
	for i := range d.endpoints {
		ep := &d.endpoints[i]
		var conn transport.Conn
		err := ep.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			conn, err = ep.Dialer.Dial(ctx)
			return err
		})
		if err == nil {
			if prev := d.active.Swap(int32(i)); prev != int32(i) {
				slog.Info("connected to endpoint", "endpoint", ep.Name, "index", i)
			}
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping endpoint (circuit open)", "endpoint", ep.Name)
		} else {
			slog.Warn("endpoint dial failed, trying next", "endpoint", ep.Name, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Active returns the name of the endpoint of the last successful dial, or ""
// before the first one.
func (d *FailoverDialer) Active() string {
	i := d.active.Load()
	if i < 0 {
		return ""
	}
	return d.endpoints[i].Name
}

// States returns the breaker state of every endpoint, keyed by name.
func (d *FailoverDialer) States() map[string]State {
	out := make(map[string]State, len(d.endpoints))
	for _, ep := range d.endpoints {
		out[ep.Name] = ep.breaker.State()
	}
	return out
}
