package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/speechmux/internal/config"
	"github.com/MrWong99/speechmux/pkg/transport"
	"github.com/MrWong99/speechmux/pkg/transport/mock"
)

func TestRegistry_CreateDialer(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	var gotEndpoint string
	var gotService config.Service
	want := &mock.Dialer{}
	r.Register("mock", func(endpoint string, cfg config.ConnectionConfig) (transport.Dialer, error) {
		gotEndpoint, gotService = endpoint, cfg.Service
		return want, nil
	})

	d, err := r.CreateDialer("mock://host/path", config.ConnectionConfig{Service: config.ServiceNLP})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != want {
		t.Errorf("dialer: got %v, want %v", d, want)
	}
	if gotEndpoint != "mock://host/path" || gotService != config.ServiceNLP {
		t.Errorf("factory args: got %q %q", gotEndpoint, gotService)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	_, err := r.CreateDialer("tcp://host:1", config.ConnectionConfig{})
	if !errors.Is(err, config.ErrTransportNotRegistered) {
		t.Errorf("got %v, want ErrTransportNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	boom := errors.New("boom")
	r.Register("ws", func(string, config.ConnectionConfig) (transport.Dialer, error) { return nil, boom })

	_, err := r.CreateDialer("ws://host/x", config.ConnectionConfig{})
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want wrapped boom", err)
	}
}

func TestRegistry_Schemes(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	f := func(string, config.ConnectionConfig) (transport.Dialer, error) { return &mock.Dialer{}, nil }
	r.Register("wss", f)
	r.Register("ws", f)
	r.Register("ws", f)

	if got, want := r.Schemes(), []string{"ws", "wss"}; !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
