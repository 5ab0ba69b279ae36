package pipeline

import (
	"context"
	"errors"
	"log/slog"
)

// ErrClosed is returned by the Poll methods of pipeline-owned outputs once
// they have been closed.
var ErrClosed = errors.New("pipeline: stage closed")

// Handler is the transform half of a stage: it handles one input pulled from
// the upstream [Source] and reports how the worker should continue.
type Handler[In any] interface {
	StartHandle(ctx context.Context) error
	Handle(ctx context.Context, in In) Flag
	EndHandle()
}

// Link binds a [Handler] to its upstream [Source] and implements [Stage].
//
// When Handle returns [NotPollNext] the input is kept and handed to Handle
// again on the next visit instead of pulling a new one. A [Failed] result
// always drops the held input.
type Link[In any] struct {
	name    string
	src     Source[In]
	h       Handler[In]
	held    In
	holding bool
}

// NewLink returns a stage that feeds items from src into h.
func NewLink[In any](name string, src Source[In], h Handler[In]) *Link[In] {
	return &Link[In]{name: name, src: src, h: h}
}

// StartHandle implements [Stage].
func (l *Link[In]) StartHandle(ctx context.Context) error { return l.h.StartHandle(ctx) }

// EndHandle implements [Stage].
func (l *Link[In]) EndHandle() { l.h.EndHandle() }

// Work implements [Stage].
func (l *Link[In]) Work(ctx context.Context) Flag {
	if !l.holding {
		in, err := l.src.Poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("pipeline stage source failed", "stage", l.name, "err", err)
			}
			return Failed
		}
		l.held = in
	}

	f := l.h.Handle(ctx, l.held)
	l.holding = f.Has(NotPollNext) && !f.Has(Failed)
	if !l.holding {
		var zero In
		l.held = zero
	}
	return f
}

// Close closes the upstream source, which unblocks a pending Work.
func (l *Link[In]) Close() { l.src.Close() }
