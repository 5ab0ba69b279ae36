// Package runner implements the request/response client for services that
// handle one operation at a time.
//
// A [Runner] owns one supervised connection, a sender goroutine and a
// receiver goroutine. The [Shape] of the exchange decides how many request
// items an operation takes and how many response items it yields; all four
// call shapes share the same machinery. The sender services operations
// strictly one after another: it begins an operation lazily once its first
// input reaches the head of the request queue, sends its items and then
// blocks until the receiver, a cancel or the response timeout finishes it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/speechmux/internal/observe"
	"github.com/MrWong99/speechmux/pkg/keepalive"
	"github.com/MrWong99/speechmux/pkg/opctl"
	"github.com/MrWong99/speechmux/pkg/params"
	"github.com/MrWong99/speechmux/pkg/streamq"
	"github.com/MrWong99/speechmux/pkg/transport"
	"github.com/MrWong99/speechmux/pkg/wire"
)

// ErrClosed is returned by every call made after [Runner.Close].
var ErrClosed = errors.New("runner: closed")

// Shape is the transport call shape of an operation.
type Shape int

const (
	// Unary takes one request item and yields one response item.
	Unary Shape = iota + 1
	// ClientStream takes many request items and yields one response item.
	ClientStream
	// ServerStream takes one request item and yields many response items.
	ServerStream
	// Bidi takes and yields many items.
	Bidi
)

func (s Shape) String() string {
	switch s {
	case Unary:
		return "unary"
	case ClientStream:
		return "client-stream"
	case ServerStream:
		return "server-stream"
	case Bidi:
		return "bidi"
	default:
		return fmt.Sprintf("shape(%d)", int(s))
	}
}

// StreamsRequests reports whether an operation may carry more than one
// request item.
func (s Shape) StreamsRequests() bool { return s == ClientStream || s == Bidi }

// StreamsResponses reports whether an operation may yield more than one
// response item.
func (s Shape) StreamsResponses() bool { return s == ServerStream || s == Bidi }

func (s Shape) valid() bool { return s >= Unary && s <= Bidi }

// Kind classifies a [Result].
type Kind int

const (
	KindStarted Kind = iota + 1
	KindData
	KindEnd
	KindCancelled
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindStarted:
		return "started"
	case KindData:
		return "data"
	case KindEnd:
		return "end"
	case KindCancelled:
		return "cancelled"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Terminal reports whether k ends an operation.
func (k Kind) Terminal() bool { return k == KindEnd || k == KindCancelled || k == KindError }

// Result is one unit of output of an operation.
type Result[Resp any] struct {
	ID   int32
	Kind Kind

	// Resp is set for KindData.
	Resp Resp

	// Code and Message are set for KindError.
	Code    wire.Code
	Message string
}

// opError is the error payload tracked by the operation controller.
type opError struct {
	code    wire.Code
	message string
}

// record is the caller-side state of one operation, dropped once its
// terminal result has been polled.
type record struct {
	params    map[string]string
	started   time.Time
	pushed    int
	cancelled bool
	message   string
}

type options struct {
	service         string
	params          *params.Store
	keepalive       keepalive.Config
	connectTimeout  time.Duration
	sendTimeout     time.Duration
	recvTimeout     time.Duration
	responseTimeout time.Duration
	metrics         *observe.Metrics
}

// Option is a functional option for [New].
type Option func(*options)

// WithService names the remote service in logs and metrics. Default: "nlp".
func WithService(name string) Option {
	return func(o *options) { o.service = name }
}

// WithParams sets the store merged into every start frame.
func WithParams(s *params.Store) Option {
	return func(o *options) { o.params = s }
}

// WithKeepalive tunes the connection supervisor.
func WithKeepalive(cfg keepalive.Config) Option {
	return func(o *options) { o.keepalive = cfg }
}

// WithTimeouts sets the connection wait, the per-frame send deadline and the
// receive poll interval.
func WithTimeouts(connect, send, recv time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = connect
		o.sendTimeout = send
		o.recvTimeout = recv
	}
}

// WithResponseTimeout bounds how long the sender waits for an operation to
// finish after its input was sent. Default: 30s.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) { o.responseTimeout = d }
}

// WithMetrics records runner metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// Runner is the one-operation-at-a-time client. All methods are safe for
// concurrent use, except that only one goroutine may call [Runner.Poll].
type Runner[Req, Resp any] struct {
	shape Shape
	proto wire.Protocol[Req, Resp]
	opts  options

	sup       *keepalive.Supervisor
	ops       *opctl.Controller[opError]
	requests  *streamq.Pending[Req]
	responses *streamq.Pending[Resp]

	mu       sync.Mutex
	nextID   int32
	recs     map[int32]*record
	active   int32  // operation begun by the sender, 0 when idle
	gen      uint64 // connection generation carrying active
	prepared bool
	closed   bool

	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
	closeErr  error
}

// New returns a runner for operations of the given shape. Call
// [Runner.Prepare] before submitting work.
func New[Req, Resp any](dialer transport.Dialer, proto wire.Protocol[Req, Resp], shape Shape, opts ...Option) (*Runner[Req, Resp], error) {
	switch {
	case dialer == nil:
		return nil, errors.New("runner: dialer is required")
	case proto == nil:
		return nil, errors.New("runner: protocol is required")
	case !shape.valid():
		return nil, fmt.Errorf("runner: invalid shape %v", shape)
	}
	o := options{
		service:         "nlp",
		params:          &params.Store{},
		connectTimeout:  5 * time.Second,
		sendTimeout:     5 * time.Second,
		recvTimeout:     time.Second,
		responseTimeout: 30 * time.Second,
		metrics:         observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.params == nil || o.connectTimeout <= 0 || o.sendTimeout <= 0 || o.recvTimeout <= 0 || o.responseTimeout <= 0 {
		return nil, errors.New("runner: params store and positive timeouts are required")
	}
	if o.keepalive.Metrics == nil {
		o.keepalive.Metrics = o.metrics
	}

	r := &Runner[Req, Resp]{
		shape:     shape,
		proto:     proto,
		opts:      o,
		ops:       opctl.New[opError](),
		requests:  streamq.NewPending[Req](),
		responses: streamq.NewPending[Resp](),
		recs:      make(map[int32]*record),
	}
	ka := o.keepalive
	ka.OnDrop = r.dropped
	r.sup = keepalive.New(dialer, ka)
	return r, nil
}

// Shape returns the call shape of the runner.
func (r *Runner[Req, Resp]) Shape() Shape { return r.shape }

// Connected reports whether the runner holds a live connection.
func (r *Runner[Req, Resp]) Connected() bool { return r.sup.Connected() }

// Prepare starts the supervisor and the sender and receiver goroutines.
// Calling it again is a no-op.
func (r *Runner[Req, Resp]) Prepare(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return ErrClosed
	case r.prepared:
		return nil
	}
	if err := r.sup.Start(ctx); err != nil {
		return fmt.Errorf("runner: start supervisor: %w", err)
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.group, ctx = errgroup.WithContext(ctx)
	r.group.Go(func() error { return r.sendLoop(ctx) })
	r.group.Go(func() error { return r.recvLoop(ctx) })
	r.prepared = true
	slog.Info("runner prepared", "service", r.opts.service, "shape", r.shape)
	return nil
}

// Start opens an operation and returns its id. overrides are merged over the
// runner's parameter store.
func (r *Runner[Req, Resp]) Start(ctx context.Context, overrides map[string]string) (int32, error) {
	rec := &record{params: r.opts.params.Merge(overrides), started: time.Now()}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	r.nextID++
	id := r.nextID
	r.recs[id] = rec
	r.mu.Unlock()

	r.responses.Start(id)
	r.requests.Start(id)
	r.opts.metrics.RecordRequestStart(ctx, r.opts.service)
	return id, nil
}

// Push queues one request item. Shapes without request streaming accept a
// single item per operation.
func (r *Runner[Req, Resp]) Push(id int32, req Req) bool {
	r.mu.Lock()
	rec, ok := r.recs[id]
	if !ok || (!r.shape.StreamsRequests() && rec.pushed > 0) {
		r.mu.Unlock()
		slog.Debug("push rejected", "id", id, "shape", r.shape)
		return false
	}
	rec.pushed++
	r.mu.Unlock()

	if r.requests.Stream(id, req) {
		return true
	}
	slog.Debug("push to closed operation ignored", "id", id)
	return false
}

// End marks the input of operation id as complete.
func (r *Runner[Req, Resp]) End(id int32) bool {
	return r.requests.End(id)
}

// Call starts an operation carrying the single item req.
func (r *Runner[Req, Resp]) Call(ctx context.Context, overrides map[string]string, req Req) (int32, error) {
	id, err := r.Start(ctx, overrides)
	if err != nil {
		return 0, err
	}
	r.Push(id, req)
	r.End(id)
	return id, nil
}

// Cancel aborts operation id, or every open operation when id <= 0, and
// returns how many were cancelled. Each delivers exactly one
// [KindCancelled] result unless its terminal result was already polled.
func (r *Runner[Req, Resp]) Cancel(id int32) int {
	r.mu.Lock()
	var ids []int32
	if id > 0 {
		if rec, ok := r.recs[id]; ok && !rec.cancelled {
			ids = append(ids, id)
		}
	} else {
		for _, rid := range slices.Sorted(maps.Keys(r.recs)) {
			if !r.recs[rid].cancelled {
				ids = append(ids, rid)
			}
		}
	}
	for _, rid := range ids {
		r.recs[rid].cancelled = true
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return 0
	}

	if id > 0 {
		r.ops.CancelOp(id)
		r.requests.Erase(id, 0)
		r.responses.Erase(id, 0)
	} else {
		r.ops.CancelOp(0)
		r.requests.Clear()
		r.responses.Clear()
	}
	r.opts.metrics.RecordCancel(context.Background(), r.opts.service)
	return len(ids)
}

// Poll blocks until the next result is available. Results arrive in start
// order. It returns [ErrClosed] after Close.
func (r *Runner[Req, Resp]) Poll(ctx context.Context) (Result[Resp], error) {
	ev, err := r.responses.Poll(ctx)
	if err != nil {
		if errors.Is(err, streamq.ErrClosed) {
			return Result[Resp]{}, ErrClosed
		}
		return Result[Resp]{}, err
	}

	res := Result[Resp]{ID: ev.ID}
	switch ev.Type {
	case streamq.Start:
		res.Kind = KindStarted
	case streamq.Data:
		res.Kind = KindData
		res.Resp = ev.Item
	case streamq.End:
		res.Kind = KindEnd
	case streamq.Removed:
		res.Kind = KindCancelled
	case streamq.Error:
		res.Kind = KindError
		res.Code = ev.Code
	}

	if res.Kind.Terminal() {
		r.mu.Lock()
		rec := r.recs[ev.ID]
		delete(r.recs, ev.ID)
		r.mu.Unlock()
		if rec != nil {
			if res.Kind == KindError {
				res.Message = rec.message
			}
			r.opts.metrics.RecordResult(ctx, r.opts.service, res.Kind.String(), rec.started)
		}
		if res.Kind == KindError && res.Message == "" {
			res.Message = wire.CodeText(res.Code)
		}
	}
	return res, nil
}

// Close stops both goroutines and the supervisor. Blocked calls return
// [ErrClosed]. It is safe to call more than once.
func (r *Runner[Req, Resp]) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		cancel, group := r.cancel, r.group
		r.mu.Unlock()

		r.requests.Close()
		r.responses.Close()
		r.ops.Close()
		if cancel != nil {
			cancel()
		}
		var errs []error
		if group != nil {
			if err := group.Wait(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := r.sup.Close(); err != nil {
			errs = append(errs, err)
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

// fail terminates operation id with code.
func (r *Runner[Req, Resp]) fail(id int32, code wire.Code, msg string) {
	r.mu.Lock()
	if rec, ok := r.recs[id]; ok && msg != "" && rec.message == "" {
		rec.message = msg
	}
	r.mu.Unlock()

	r.ops.SetOpError(id, opError{code: code, message: msg})
	if r.responses.Erase(id, code) {
		slog.Warn("operation failed", "service", r.opts.service, "id", id, "code", code, "reason", wire.CodeText(code))
	}
	r.requests.Erase(id, code)
}

// dropped fails the active operation when it ran on the connection of h.
func (r *Runner[Req, Resp]) dropped(h keepalive.Handle) {
	r.mu.Lock()
	id := r.active
	hit := id != 0 && r.gen == h.Gen
	r.mu.Unlock()
	if hit {
		r.fail(id, wire.CodeUnavailable, "")
	}
}
