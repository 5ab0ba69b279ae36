package speech

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/speechmux/pkg/keepalive"
	"github.com/MrWong99/speechmux/pkg/pipeline"
	"github.com/MrWong99/speechmux/pkg/streamq"
	"github.com/MrWong99/speechmux/pkg/transport"
	"github.com/MrWong99/speechmux/pkg/wire"
)

// sender turns request stream events into frames on the live connection.
type sender struct {
	c *Client

	// offset into the audio of the held event while it is sent in pieces.
	offset int
}

func (s *sender) StartHandle(context.Context) error { return nil }
func (s *sender) EndHandle()                        {}

func (s *sender) Handle(ctx context.Context, ev streamq.Event[wire.Chunk]) pipeline.Flag {
	switch ev.Type {
	case streamq.Start:
		return s.begin(ctx, ev.ID)
	case streamq.Data:
		return s.data(ctx, ev.ID, ev.Item)
	case streamq.End:
		h, ok := s.conn(ctx, ev.ID)
		if !ok {
			return s.settle(ctx)
		}
		msg, err := s.c.proto.End(ev.ID)
		if err != nil {
			s.c.fail(ev.ID, wire.CodeEncode, err.Error())
			return 0
		}
		s.c.send(ctx, h, ev.ID, msg, wire.KindEnd)
	}
	// Removed and Error events need no frame: a cancel is sent by the
	// aborter, a failure already settled the request.
	return 0
}

func (s *sender) begin(ctx context.Context, id int32) pipeline.Flag {
	if _, open := s.c.wireState(id); !open {
		// Cancelled before it reached the wire.
		return 0
	}
	h, err := s.c.sup.Get(ctx, s.c.opts.connectTimeout)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, keepalive.ErrClosed) {
			return pipeline.Failed
		}
		s.c.fail(id, wire.CodeUnavailable, "")
		return 0
	}
	msg, err := s.c.proto.Begin(id, s.c.paramsOf(id))
	if err != nil {
		s.c.fail(id, wire.CodeEncode, err.Error())
		return 0
	}
	if !s.c.send(ctx, h, id, msg, wire.KindStart) {
		return 0
	}
	abort, dead := s.c.dispatched(id, h)
	switch {
	case dead:
		s.c.fail(id, wire.CodeUnavailable, "")
	case abort:
		s.c.sendCancel(ctx, h, id)
	}
	return 0
}

func (s *sender) data(ctx context.Context, id int32, chunk wire.Chunk) pipeline.Flag {
	h, ok := s.conn(ctx, id)
	if !ok {
		s.offset = 0
		return s.settle(ctx)
	}

	out := chunk
	more := false
	if n := s.c.opts.maxFrameBytes; len(chunk.Audio) > n {
		end := min(s.offset+n, len(chunk.Audio))
		out = wire.Chunk{Audio: chunk.Audio[s.offset:end]}
		s.offset = end
		more = end < len(chunk.Audio)
	}
	if !more {
		s.offset = 0
	}

	msg, err := s.c.proto.Request(id, out)
	if err != nil {
		s.offset = 0
		s.c.fail(id, wire.CodeEncode, err.Error())
		return 0
	}
	if !s.c.send(ctx, h, id, msg, kindOf(out)) {
		s.offset = 0
		return 0
	}
	if more {
		return pipeline.NotPollNext | pipeline.AsHead
	}
	return 0
}

// conn returns the connection that carries request id. A request whose
// connection was replaced since its start frame went out is failed.
func (s *sender) conn(ctx context.Context, id int32) (keepalive.Handle, bool) {
	gen, open := s.c.wireState(id)
	if !open {
		return keepalive.Handle{}, false
	}
	h, err := s.c.sup.Get(ctx, s.c.opts.connectTimeout)
	if err != nil || gen == 0 || h.Gen != gen {
		if ctx.Err() == nil {
			s.c.fail(id, wire.CodeUnavailable, "")
		}
		return keepalive.Handle{}, false
	}
	return h, true
}

// settle reports a failed send as a stage fault only while shutting down.
func (s *sender) settle(ctx context.Context) pipeline.Flag {
	if ctx.Err() != nil {
		return pipeline.Failed
	}
	return 0
}

func kindOf(c wire.Chunk) wire.Kind {
	if len(c.Audio) > 0 {
		return wire.KindAudio
	}
	return wire.KindText
}

// send writes msg for request id within the send timeout. A timeout fails
// only id; a broken connection fails every request on it.
func (c *Client) send(ctx context.Context, h keepalive.Handle, id int32, msg []byte, kind wire.Kind) bool {
	sctx, cancel := context.WithTimeout(ctx, c.opts.sendTimeout)
	defer cancel()
	err := h.Conn.Send(sctx, msg)
	if err == nil {
		c.opts.metrics.RecordFrameSent(ctx, string(kind))
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, transport.ErrTimeout):
		c.fail(id, wire.CodeTimeout, "")
	case transport.IsBroken(err):
		c.fail(id, wire.CodeUnavailable, "")
		c.failGeneration(h)
	default:
		c.fail(id, wire.CodeUnavailable, err.Error())
	}
	slog.Debug("frame send failed", "id", id, "kind", kind, "generation", h.Gen, "err", err)
	return false
}

// sendCancel tells the remote side to stop working on id.
func (c *Client) sendCancel(ctx context.Context, h keepalive.Handle, id int32) {
	msg, err := c.proto.Cancel(id)
	if err != nil {
		slog.Warn("encode cancel frame", "id", id, "err", err)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, c.opts.sendTimeout)
	defer cancel()
	if err := h.Conn.Send(sctx, msg); err != nil {
		if transport.IsBroken(err) {
			c.failGeneration(h)
		}
		slog.Debug("cancel frame send failed", "id", id, "err", err)
		return
	}
	c.opts.metrics.RecordFrameSent(ctx, string(wire.KindCancel))
}

// abortReq asks the aborter to cancel id on the connection of generation gen.
type abortReq struct {
	id  int32
	gen uint64
}

// aborter sends cancel frames for requests that were cancelled after their
// start frame went out.
type aborter struct{ c *Client }

func (a aborter) StartHandle(context.Context) error { return nil }
func (a aborter) EndHandle()                        {}

func (a aborter) Handle(ctx context.Context, req abortReq) pipeline.Flag {
	h, err := a.c.sup.Get(ctx, a.c.opts.connectTimeout)
	if err != nil || h.Gen != req.gen {
		// The connection that knew the request is gone.
		return 0
	}
	a.c.sendCancel(ctx, h, req.id)
	return 0
}

// receiver reads replies from the live connection and routes them into the
// response streams. It pulls from the connection instead of a queue, so it
// implements [pipeline.Stage] directly.
type receiver struct{ c *Client }

func (r receiver) StartHandle(context.Context) error { return nil }
func (r receiver) EndHandle()                        {}

// Close is a no-op: Work is bounded by the receive timeout and the pipeline
// context.
func (r receiver) Close() {}

func (r receiver) Work(ctx context.Context) pipeline.Flag {
	c := r.c
	h, err := c.sup.Get(ctx, c.opts.recvTimeout)
	if err != nil {
		return pipeline.Failed
	}

	rctx, cancel := context.WithTimeout(ctx, c.opts.recvTimeout)
	msg, err := h.Conn.Recv(rctx)
	cancel()
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return pipeline.Failed
		case errors.Is(err, transport.ErrTimeout):
			return 0
		}
		slog.Warn("receive failed", "generation", h.Gen, "err", err)
		c.failGeneration(h)
		return pipeline.Failed
	}

	reply, err := c.proto.Reply(msg)
	if err != nil {
		slog.Warn("dropping undecodable reply", "generation", h.Gen, "err", err)
		return 0
	}
	c.route(reply)
	return 0
}

// route delivers one reply to the response stream of its request.
func (c *Client) route(r wire.Reply[wire.Chunk]) {
	if r.HasResp {
		if !c.responses.Stream(r.ID, piece{chunk: r.Resp, partial: r.Partial}) {
			slog.Debug("reply for closed request dropped", "id", r.ID)
		}
	}
	if !r.Last {
		return
	}

	c.mu.Lock()
	if req, ok := c.live[r.ID]; ok {
		req.replied = true
		req.gen = 0
		if r.Code != wire.CodeOK {
			req.message = r.Message
		}
	}
	c.mu.Unlock()

	if r.Code == wire.CodeOK {
		c.responses.End(r.ID)
		return
	}
	c.responses.Erase(r.ID, r.Code)
	c.requests.Erase(r.ID, r.Code)
}

// resultCanceller maps response stream events to results for the cancel
// overlay.
type resultCanceller struct{ c *Client }

func (rc resultCanceller) InputID(ev streamq.Event[piece]) int32 { return ev.ID }
func (rc resultCanceller) IsStart(ev streamq.Event[piece]) bool  { return ev.Type == streamq.Start }
func (rc resultCanceller) OutputID(r Result) int32               { return r.ID }

func (rc resultCanceller) CancelResult(id int32) Result {
	return Result{ID: id, Kind: ResultCancelled}
}

func (rc resultCanceller) HandleNotCancelled(_ context.Context, ev streamq.Event[piece]) ([]Result, pipeline.Flag) {
	r := Result{ID: ev.ID}
	switch ev.Type {
	case streamq.Start:
		r.Kind = ResultStarted
	case streamq.Data:
		r.Kind = ResultFinal
		if ev.Item.partial {
			r.Kind = ResultPartial
		}
		r.Text = ev.Item.chunk.Text
		r.Audio = ev.Item.chunk.Audio
	case streamq.End:
		r.Kind = ResultEnd
	case streamq.Removed:
		r.Kind = ResultCancelled
	case streamq.Error:
		r.Kind = ResultError
		r.Code = ev.Code
		r.Message = rc.c.messageOf(ev.ID)
		if r.Message == "" {
			r.Message = wire.CodeText(ev.Code)
		}
	default:
		return nil, 0
	}
	return []Result{r}, 0
}
