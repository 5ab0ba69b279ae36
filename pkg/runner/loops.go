package runner

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/speechmux/pkg/keepalive"
	"github.com/MrWong99/speechmux/pkg/opctl"
	"github.com/MrWong99/speechmux/pkg/streamq"
	"github.com/MrWong99/speechmux/pkg/transport"
	"github.com/MrWong99/speechmux/pkg/wire"
)

// sendLoop drains the request queue. Start notifications of later
// operations arrive early and are ignored: an operation begins when its
// first item or its end reaches the head.
func (r *Runner[Req, Resp]) sendLoop(ctx context.Context) error {
	for {
		ev, err := r.requests.Poll(ctx)
		if err != nil {
			return nil
		}
		switch ev.Type {
		case streamq.Data:
			if h, ok := r.begin(ctx, ev.ID); ok {
				msg, err := r.proto.Request(ev.ID, ev.Item)
				if err != nil {
					r.fail(ev.ID, wire.CodeEncode, err.Error())
					continue
				}
				r.send(ctx, h, ev.ID, msg, "data")
			}
		case streamq.End:
			h, ok := r.begin(ctx, ev.ID)
			if !ok {
				r.retire(ev.ID)
				continue
			}
			if msg, err := r.proto.End(ev.ID); err != nil {
				r.fail(ev.ID, wire.CodeEncode, err.Error())
			} else if r.send(ctx, h, ev.ID, msg, string(wire.KindEnd)) {
				if err := r.await(ctx, h, ev.ID); err != nil {
					return nil
				}
			}
			r.retire(ev.ID)
		case streamq.Removed, streamq.Error:
			r.mu.Lock()
			begun := r.active == ev.ID
			gen := r.gen
			r.mu.Unlock()
			if begun && ev.Type == streamq.Removed {
				if h, err := r.sup.Get(ctx, r.opts.connectTimeout); err == nil && h.Gen == gen {
					r.sendCancel(ctx, h, ev.ID)
				}
			}
			r.retire(ev.ID)
		}
	}
}

// begin returns the connection of operation id, sending its start frame
// first when id is not the active operation yet.
func (r *Runner[Req, Resp]) begin(ctx context.Context, id int32) (keepalive.Handle, bool) {
	r.mu.Lock()
	rec, ok := r.recs[id]
	if !ok || rec.cancelled {
		r.mu.Unlock()
		return keepalive.Handle{}, false
	}
	if r.active == id {
		gen := r.gen
		r.mu.Unlock()
		if op, ok := r.ops.Lookup(id); !ok || op.Status.Terminal() {
			return keepalive.Handle{}, false
		}
		h, err := r.sup.Get(ctx, r.opts.connectTimeout)
		if err != nil || h.Gen != gen {
			if ctx.Err() == nil {
				r.fail(id, wire.CodeUnavailable, "")
			}
			return keepalive.Handle{}, false
		}
		return h, true
	}
	params := rec.params
	r.mu.Unlock()

	h, err := r.sup.Get(ctx, r.opts.connectTimeout)
	if err != nil {
		if ctx.Err() == nil {
			r.fail(id, wire.CodeUnavailable, "")
		}
		return keepalive.Handle{}, false
	}
	if err := r.ops.NewOp(id, opctl.StatusStart); err != nil {
		return keepalive.Handle{}, false
	}
	r.mu.Lock()
	r.active, r.gen = id, h.Gen
	r.mu.Unlock()

	msg, err := r.proto.Begin(id, params)
	if err != nil {
		r.fail(id, wire.CodeEncode, err.Error())
		return keepalive.Handle{}, false
	}
	if !r.send(ctx, h, id, msg, string(wire.KindStart)) {
		return keepalive.Handle{}, false
	}
	r.ops.SetStatus(id, opctl.StatusStreaming)
	return h, true
}

// await blocks until operation id is finished by the receiver, a cancel, a
// failure or the response timeout. It returns an error only when the runner
// is shutting down.
func (r *Runner[Req, Resp]) await(ctx context.Context, h keepalive.Handle, id int32) error {
	wctx, cancel := context.WithTimeout(ctx, r.opts.responseTimeout)
	defer cancel()
	op, err := r.ops.WaitOpFinish(wctx, id)
	switch {
	case errors.Is(err, opctl.ErrClosed) || ctx.Err() != nil:
		return ErrClosed
	case errors.Is(err, context.DeadlineExceeded):
		r.fail(id, wire.CodeTimeout, "")
		r.sendCancel(ctx, h, id)
		return nil
	case err != nil:
		slog.Warn("wait for operation failed", "id", id, "err", err)
		return nil
	}
	if op.Status == opctl.StatusCancelled {
		r.sendCancel(ctx, h, id)
	}
	return nil
}

// retire forgets operation id on the sender side.
func (r *Runner[Req, Resp]) retire(id int32) {
	r.mu.Lock()
	if r.active == id {
		r.active, r.gen = 0, 0
	}
	r.mu.Unlock()
	if !r.ops.Consume(id) {
		// Never reached a terminal status; make it one so the slot frees.
		r.ops.CancelOp(id)
		r.ops.Consume(id)
	}
}

func (r *Runner[Req, Resp]) send(ctx context.Context, h keepalive.Handle, id int32, msg []byte, kind string) bool {
	sctx, cancel := context.WithTimeout(ctx, r.opts.sendTimeout)
	defer cancel()
	err := h.Conn.Send(sctx, msg)
	if err == nil {
		r.opts.metrics.RecordFrameSent(ctx, kind)
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	switch {
	case errors.Is(err, transport.ErrTimeout):
		r.fail(id, wire.CodeTimeout, "")
	case transport.IsBroken(err):
		r.fail(id, wire.CodeUnavailable, "")
		r.sup.Shutdown(h)
	default:
		r.fail(id, wire.CodeUnavailable, err.Error())
	}
	slog.Debug("frame send failed", "id", id, "kind", kind, "err", err)
	return false
}

func (r *Runner[Req, Resp]) sendCancel(ctx context.Context, h keepalive.Handle, id int32) {
	msg, err := r.proto.Cancel(id)
	if err != nil {
		slog.Warn("encode cancel frame", "id", id, "err", err)
		return
	}
	sctx, cancel := context.WithTimeout(ctx, r.opts.sendTimeout)
	defer cancel()
	if err := h.Conn.Send(sctx, msg); err != nil {
		if transport.IsBroken(err) {
			r.sup.Shutdown(h)
		}
		slog.Debug("cancel frame send failed", "id", id, "err", err)
		return
	}
	r.opts.metrics.RecordFrameSent(ctx, string(wire.KindCancel))
}

// recvLoop reads replies and routes them to the operation they belong to.
func (r *Runner[Req, Resp]) recvLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		h, err := r.sup.Get(ctx, r.opts.recvTimeout)
		if err != nil {
			if errors.Is(err, keepalive.ErrClosed) {
				return nil
			}
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, r.opts.recvTimeout)
		msg, err := h.Conn.Recv(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrTimeout) {
				continue
			}
			slog.Warn("receive failed", "service", r.opts.service, "generation", h.Gen, "err", err)
			r.sup.Shutdown(h)
			continue
		}

		reply, err := r.proto.Reply(msg)
		if err != nil {
			slog.Warn("dropping undecodable reply", "service", r.opts.service, "err", err)
			continue
		}
		r.route(reply)
	}
	return nil
}

// route applies one reply. Replies for operations that are not in flight
// are stale and dropped.
func (r *Runner[Req, Resp]) route(reply wire.Reply[Resp]) {
	op, ok := r.ops.Lookup(reply.ID)
	if !ok || op.Status.Terminal() {
		slog.Debug("stale reply dropped", "id", reply.ID)
		return
	}

	last := reply.Last
	if reply.HasResp {
		r.responses.Stream(reply.ID, reply.Resp)
		if !r.shape.StreamsResponses() {
			last = true
		}
	}
	if !last {
		return
	}
	if reply.Code != wire.CodeOK {
		r.fail(reply.ID, reply.Code, reply.Message)
		return
	}
	r.ops.FinishOp(reply.ID)
	r.responses.End(reply.ID)
}
