// Package speech is the pipelined client for the remote speech platform.
//
// A [Client] multiplexes many concurrent requests over one supervised
// transport connection. Callers open a request with [Client.Start], feed it
// with [Client.Push], finish it with [Client.End] or abort it with
// [Client.Cancel], and drain typed results with [Client.Poll] from a single
// goroutine.
//
// Internally the client runs a four-stage pipeline, one worker per stage:
//
//	requests ─▶ sender ──▶ connection ──▶ receiver ─▶ responses ─▶ overlay ─▶ Poll
//	aborts   ─▶ aborter ─▶ connection
//
// Results are delivered in start order: a request that started earlier
// delivers its terminal result before any later request does. Every request
// ends with exactly one terminal result ([ResultEnd], [ResultCancelled] or
// [ResultError]).
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/speechmux/internal/observe"
	"github.com/MrWong99/speechmux/pkg/keepalive"
	"github.com/MrWong99/speechmux/pkg/pipeline"
	"github.com/MrWong99/speechmux/pkg/streamq"
	"github.com/MrWong99/speechmux/pkg/transport"
	"github.com/MrWong99/speechmux/pkg/wire"
)

// ErrReleased is returned by every call made after [Client.Release].
var ErrReleased = errors.New("speech: client released")

// ResultKind classifies a [Result].
type ResultKind int

const (
	// ResultStarted announces that a request is being serviced.
	ResultStarted ResultKind = iota + 1

	// ResultPartial carries an intermediate payload that a later one
	// supersedes.
	ResultPartial

	// ResultFinal carries a stable payload.
	ResultFinal

	// ResultEnd is the terminal result of a request that completed normally.
	ResultEnd

	// ResultCancelled is the terminal result of a cancelled request.
	ResultCancelled

	// ResultError is the terminal result of a failed request. Code and
	// Message describe the failure.
	ResultError
)

// String returns the lower-case name of the kind.
func (k ResultKind) String() string {
	switch k {
	case ResultStarted:
		return "started"
	case ResultPartial:
		return "partial"
	case ResultFinal:
		return "final"
	case ResultEnd:
		return "end"
	case ResultCancelled:
		return "cancelled"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Terminal reports whether k ends a request.
func (k ResultKind) Terminal() bool {
	return k == ResultEnd || k == ResultCancelled || k == ResultError
}

// Result is one unit of output for a request.
type Result struct {
	ID   int32
	Kind ResultKind

	// Text and Audio are set for ResultPartial and ResultFinal.
	Text  string
	Audio []byte

	// Code and Message are set for ResultError.
	Code    wire.Code
	Message string
}

// piece is one payload item of a response stream.
type piece struct {
	chunk   wire.Chunk
	partial bool
}

// request is the client-side record of one live request. It is removed once
// the caller has polled the terminal result.
type request struct {
	params  map[string]string
	started time.Time
	ctx     context.Context
	span    trace.Span

	gen       uint64 // connection generation that carried the start frame; 0 when not on the wire
	replied   bool   // the remote side sent its last reply
	cancelled bool
	message   string
}

// Client is the pipelined speech client. All methods are safe for
// concurrent use, except that only one goroutine may call [Client.Poll] at a
// time.
type Client struct {
	opts     options
	proto    wire.Protocol[wire.Chunk, wire.Chunk]
	instance string

	sup       *keepalive.Supervisor
	pipe      *pipeline.Pipeline
	requests  *streamq.Pending[wire.Chunk]
	aborts    *streamq.Queue[abortReq]
	responses *streamq.Pending[piece]
	overlay   *pipeline.CancelStage[streamq.Event[piece], Result]

	// mu guards nextID too: ids enter both queues in allocation order.
	mu       sync.Mutex
	nextID   int32
	live     map[int32]*request
	deadGen  uint64
	prepared bool
	released bool

	releaseOnce sync.Once
	releaseErr  error
}

// New creates a client that connects through dialer. The client does not
// connect until [Client.Prepare] is called.
func New(dialer transport.Dialer, opts ...Option) (*Client, error) {
	if dialer == nil {
		return nil, errors.New("speech: dialer is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if o.keepalive.Metrics == nil {
		o.keepalive.Metrics = o.metrics
	}

	c := &Client{
		opts:      o,
		proto:     o.protocol,
		instance:  uuid.NewString(),
		pipe:      pipeline.New("speech-"+o.service, pipeline.WithRetryDelay(o.retryDelay)),
		requests:  streamq.NewPending[wire.Chunk](),
		aborts:    streamq.NewQueue[abortReq](),
		responses: streamq.NewPending[piece](),
		live:      make(map[int32]*request),
	}
	if c.proto == nil {
		c.proto = wire.NewFrameProtocol(o.service, nil)
	}
	ka := o.keepalive
	ka.OnDrop = c.dropped
	c.sup = keepalive.New(dialer, ka)
	c.overlay = pipeline.NewCancelStage[streamq.Event[piece], Result]("overlay", c.responses, resultCanceller{c})

	stages := []pipeline.Stage{
		pipeline.NewLink[streamq.Event[wire.Chunk]]("sender", c.requests, &sender{c: c}),
		pipeline.NewLink[abortReq]("aborter", c.aborts, aborter{c}),
		receiver{c},
		c.overlay,
	}
	for _, s := range stages {
		if _, err := c.pipe.Add(s); err != nil {
			return nil, fmt.Errorf("speech: add stage: %w", err)
		}
		if err := c.pipe.AddWorker(1); err != nil {
			return nil, fmt.Errorf("speech: add worker: %w", err)
		}
	}
	return c, nil
}

// Instance returns the random id of this client, attached to logs and spans.
func (c *Client) Instance() string { return c.instance }

// Service returns the remote service this client talks to.
func (c *Client) Service() string { return c.opts.service }

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool { return c.sup.Connected() }

// Prepare starts the connection supervisor and the pipeline workers. Both
// stop when ctx is cancelled or the client is released. Calling Prepare on a
// prepared client is a no-op.
func (c *Client) Prepare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.released:
		return ErrReleased
	case c.prepared:
		return nil
	}
	if err := c.sup.Start(ctx); err != nil {
		return fmt.Errorf("speech: start supervisor: %w", err)
	}
	if err := c.pipe.Run(ctx); err != nil {
		return errors.Join(fmt.Errorf("speech: run pipeline: %w", err), c.sup.Close())
	}
	c.prepared = true
	slog.Info("speech client prepared", "instance", c.instance, "service", c.opts.service)
	return nil
}

// Start opens a new request and returns its id. overrides are merged over
// the client's parameter store for this request only; an empty override
// value removes the key. ctx is the parent of the request span.
func (c *Client) Start(ctx context.Context, overrides map[string]string) (int32, error) {
	params := c.opts.params.Merge(overrides)

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return 0, ErrReleased
	}
	c.nextID++
	id := c.nextID
	ctx, span := observe.StartSpan(ctx, "speech.request",
		trace.WithAttributes(observe.RequestAttrs(c.instance, c.opts.service, id)...))
	c.live[id] = &request{
		params:  params,
		started: time.Now(),
		ctx:     ctx,
		span:    span,
	}
	c.responses.Start(id)
	c.requests.Start(id)
	c.mu.Unlock()

	c.opts.metrics.RecordRequestStart(ctx, c.opts.service)
	return id, nil
}

// Push queues chunk for request id. It returns false when id is not open for
// input (unknown, ended, cancelled or failed).
func (c *Client) Push(id int32, chunk wire.Chunk) bool {
	if c.requests.Stream(id, chunk) {
		return true
	}
	slog.Debug("push to closed request ignored", "id", id)
	return false
}

// PushText queues a text chunk for request id.
func (c *Client) PushText(id int32, text string) bool {
	return c.Push(id, wire.Chunk{Text: text})
}

// PushAudio queues an audio chunk for request id. The client splits chunks
// larger than the configured frame size.
func (c *Client) PushAudio(id int32, audio []byte) bool {
	return c.Push(id, wire.Chunk{Audio: audio})
}

// End marks the input of request id as complete. The request stays open
// until its terminal result has been polled.
func (c *Client) End(id int32) bool {
	if c.requests.End(id) {
		return true
	}
	slog.Debug("end of closed request ignored", "id", id)
	return false
}

// Cancel aborts request id, or every open request when id <= 0, and returns
// how many requests were cancelled by this call. A cancelled request delivers exactly one
// terminal result, [ResultCancelled], unless its terminal result was
// already polled; cancelling such a request is a no-op.
func (c *Client) Cancel(id int32) int {
	var ids []int32
	c.mu.Lock()
	if id > 0 {
		if _, ok := c.live[id]; ok {
			ids = append(ids, id)
		}
	} else {
		ids = slices.Sorted(maps.Keys(c.live))
	}
	if len(ids) == 0 {
		c.mu.Unlock()
		return 0
	}
	var fresh int
	var abort []abortReq
	for _, cid := range ids {
		req := c.live[cid]
		if req.cancelled {
			continue
		}
		req.cancelled = true
		fresh++
		if req.gen != 0 && !req.replied {
			abort = append(abort, abortReq{id: cid, gen: req.gen})
		}
	}
	c.mu.Unlock()
	if fresh == 0 {
		return 0
	}

	for _, cid := range ids {
		c.overlay.Cancel(cid)
	}
	if id > 0 {
		c.requests.Erase(id, 0)
		c.responses.Erase(id, 0)
	} else {
		c.requests.Clear()
		c.responses.Clear()
	}
	for _, a := range abort {
		c.aborts.Push(a)
	}
	c.opts.metrics.RecordCancel(context.Background(), c.opts.service)
	slog.Debug("requests cancelled", "ids", ids, "newly_cancelled", fresh, "aborted_remote", len(abort))
	return fresh
}

// Poll blocks until the next result is available. It returns [ErrReleased]
// once the client has been released, and ctx.Err() when ctx ends first.
func (c *Client) Poll(ctx context.Context) (Result, error) {
	r, err := c.overlay.Poll(ctx)
	if err != nil {
		if errors.Is(err, pipeline.ErrClosed) {
			return Result{}, ErrReleased
		}
		return Result{}, err
	}
	if r.Kind.Terminal() {
		c.finish(r)
	}
	return r, nil
}

// finish retires the request of a polled terminal result.
func (c *Client) finish(r Result) {
	c.mu.Lock()
	req, ok := c.live[r.ID]
	delete(c.live, r.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if r.Kind == ResultError {
		req.span.SetStatus(codes.Error, r.Message)
	}
	req.span.End()
	c.opts.metrics.RecordResult(req.ctx, c.opts.service, r.Kind.String(), req.started)
	c.opts.metrics.RecordQueueDepth(req.ctx, c.opts.service, c.responses.Len())
}

// Release stops the pipeline and the supervisor, closes the connection and
// drops every open request. Blocked calls to Poll return [ErrReleased].
// Calling Release more than once is safe.
func (c *Client) Release() error {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		c.released = true
		c.mu.Unlock()

		var errs []error
		if err := c.pipe.Close(); err != nil {
			errs = append(errs, fmt.Errorf("speech: close pipeline: %w", err))
		}
		if err := c.sup.Close(); err != nil {
			errs = append(errs, err)
		}

		c.mu.Lock()
		live := c.live
		c.live = make(map[int32]*request)
		c.mu.Unlock()
		for _, req := range live {
			req.span.End()
		}
		c.releaseErr = errors.Join(errs...)
		slog.Info("speech client released", "instance", c.instance, "dropped_requests", len(live))
	})
	return c.releaseErr
}

// fail terminates request id with code. The input side stops sending and the
// poller sees one [ResultError].
func (c *Client) fail(id int32, code wire.Code, msg string) {
	c.mu.Lock()
	req, ok := c.live[id]
	if !ok || req.replied {
		c.mu.Unlock()
		c.requests.Erase(id, code)
		return
	}
	req.gen = 0
	if msg != "" && req.message == "" {
		req.message = msg
	}
	c.mu.Unlock()

	if c.responses.Erase(id, code) {
		observe.Logger(req.ctx).Warn("request failed", "id", id, "code", code, "reason", wire.CodeText(code))
	}
	c.requests.Erase(id, code)
}

// failGeneration drops the connection of h. The supervisor reports the drop
// back through dropped, which fails the requests it carried.
func (c *Client) failGeneration(h keepalive.Handle) {
	c.sup.Shutdown(h)
}

// dropped fails every request that went out on the connection of h. It runs
// once per dropped connection, whether a stage or a failed ping noticed.
func (c *Client) dropped(h keepalive.Handle) {
	var ids []int32
	c.mu.Lock()
	c.deadGen = max(c.deadGen, h.Gen)
	for id, req := range c.live {
		if req.gen == h.Gen && !req.replied {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		c.fail(id, wire.CodeUnavailable, "")
	}
	if len(ids) > 0 {
		slog.Warn("connection lost, failed in-flight requests",
			"generation", h.Gen, "requests", len(ids))
	}
}

// dispatched records that the start frame of id went out on the connection
// of h. It reports whether the request must be aborted remotely because it
// was cancelled meanwhile, and whether the connection already died.
func (c *Client) dispatched(id int32, h keepalive.Handle) (abort, dead bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.Gen <= c.deadGen {
		return false, true
	}
	req, ok := c.live[id]
	if !ok {
		return false, false
	}
	req.gen = h.Gen
	return req.cancelled, false
}

// wireState returns the connection generation of id and whether input for
// id should still be sent.
func (c *Client) wireState(id int32) (gen uint64, open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.live[id]
	if !ok || req.replied || req.cancelled {
		return 0, false
	}
	return req.gen, true
}

func (c *Client) paramsOf(id int32) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req, ok := c.live[id]; ok {
		return req.params
	}
	return nil
}

func (c *Client) messageOf(id int32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req, ok := c.live[id]; ok {
		return req.message
	}
	return ""
}
