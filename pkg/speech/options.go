package speech

import (
	"errors"
	"time"

	"github.com/MrWong99/speechmux/internal/observe"
	"github.com/MrWong99/speechmux/pkg/keepalive"
	"github.com/MrWong99/speechmux/pkg/params"
	"github.com/MrWong99/speechmux/pkg/wire"
)

type options struct {
	service        string
	protocol       wire.Protocol[wire.Chunk, wire.Chunk]
	params         *params.Store
	keepalive      keepalive.Config
	connectTimeout time.Duration
	sendTimeout    time.Duration
	recvTimeout    time.Duration
	maxFrameBytes  int
	retryDelay     time.Duration
	metrics        *observe.Metrics
}

func defaultOptions() options {
	return options{
		service:        "asr",
		params:         &params.Store{},
		connectTimeout: 5 * time.Second,
		sendTimeout:    5 * time.Second,
		recvTimeout:    time.Second,
		maxFrameBytes:  32 << 10,
		retryDelay:     20 * time.Millisecond,
		metrics:        observe.DefaultMetrics(),
	}
}

func (o *options) validate() error {
	var errs []error
	if o.service == "" {
		errs = append(errs, errors.New("speech: service must not be empty"))
	}
	if o.params == nil {
		errs = append(errs, errors.New("speech: params store must not be nil"))
	}
	if o.connectTimeout <= 0 || o.sendTimeout <= 0 || o.recvTimeout <= 0 {
		errs = append(errs, errors.New("speech: timeouts must be positive"))
	}
	if o.maxFrameBytes <= 0 {
		errs = append(errs, errors.New("speech: max frame size must be positive"))
	}
	return errors.Join(errs...)
}

// Option is a functional option for [New].
type Option func(*options)

// WithService selects the remote service ("asr", "tts", "nlp", "speech").
// Default: "asr".
func WithService(name string) Option {
	return func(o *options) { o.service = name }
}

// WithProtocol overrides the wire protocol. Default: a JSON
// [wire.FrameProtocol] for the configured service.
func WithProtocol(p wire.Protocol[wire.Chunk, wire.Chunk]) Option {
	return func(o *options) { o.protocol = p }
}

// WithParams sets the store consulted for per-request parameters when a
// request starts. The store may be updated while the client runs.
func WithParams(s *params.Store) Option {
	return func(o *options) { o.params = s }
}

// WithKeepalive tunes the connection supervisor.
func WithKeepalive(cfg keepalive.Config) Option {
	return func(o *options) { o.keepalive = cfg }
}

// WithTimeouts sets how long the sender waits for a connection, how long a
// single frame send may take and how long one receive blocks before the
// receiver loops.
func WithTimeouts(connect, send, recv time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = connect
		o.sendTimeout = send
		o.recvTimeout = recv
	}
}

// WithMaxFrameBytes sets the largest audio payload sent in one frame. Larger
// chunks are split. Default: 32 KiB.
func WithMaxFrameBytes(n int) Option {
	return func(o *options) { o.maxFrameBytes = n }
}

// WithRetryDelay sets the back-off of a pipeline worker after a failed stage.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) { o.retryDelay = d }
}

// WithMetrics records client metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}
