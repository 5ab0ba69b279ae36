package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"

	"github.com/MrWong99/speechmux/pkg/transport"
)

// ErrTransportNotRegistered is returned by [Registry.CreateDialer] when no
// factory has been registered for the endpoint's URL scheme.
var ErrTransportNotRegistered = errors.New("config: transport not registered")

// DialerFactory builds a dialer for one endpoint URL.
type DialerFactory func(endpoint string, cfg ConnectionConfig) (transport.Dialer, error)

// Registry maps URL schemes to transport constructors.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]DialerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]DialerFactory)}
}

// Register registers factory for scheme. Subsequent calls with the same
// scheme overwrite the previous registration.
func (r *Registry) Register(scheme string, factory DialerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = factory
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for s := range r.factories {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// CreateDialer builds the dialer for endpoint using the factory registered
// for its URL scheme.
func (r *Registry) CreateDialer(endpoint string, cfg ConnectionConfig) (transport.Dialer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("config: parse endpoint %q: %w", endpoint, err)
	}
	r.mu.RLock()
	factory, ok := r.factories[u.Scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTransportNotRegistered, u.Scheme)
	}
	d, err := factory(endpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create %s dialer: %w", u.Scheme, err)
	}
	return d, nil
}
