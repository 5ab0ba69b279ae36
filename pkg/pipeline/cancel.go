package pipeline

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// Canceller supplies the domain knowledge a [CancelStage] needs: how to read
// ids from inputs and outputs, how to handle an input that was not
// cancelled, and what a cancellation result looks like.
type Canceller[In, Out any] interface {
	// InputID returns the request id an input belongs to.
	InputID(in In) int32

	// IsStart reports whether in is a start notification. Start
	// notifications may arrive ahead of earlier ids' terminals, so they do
	// not prune cancel records.
	IsStart(in In) bool

	// OutputID returns the request id an output belongs to.
	OutputID(out Out) int32

	// HandleNotCancelled converts one input into zero or more outputs. It is
	// called with the stage lock held and must not block.
	HandleNotCancelled(ctx context.Context, in In) ([]Out, Flag)

	// CancelResult builds the synthetic terminal result for a cancelled id.
	CancelResult(id int32) Out
}

type cancelRecord struct {
	id       int32
	notified bool
}

// CancelStage is the terminal overlay of a pipeline. It guarantees that once
// [CancelStage.Cancel] has been called for an id, no further result for that
// id is delivered except exactly one cancellation result, and only if the id
// had not already delivered its terminal result.
//
// CancelStage is both a [Stage] (pulling from its upstream source) and a
// [Source] for the final consumer. Cancellation results are polled ahead of
// buffered regular results.
type CancelStage[In, Out any] struct {
	name string
	src  Source[In]
	c    Canceller[In, Out]

	mu      sync.Mutex
	records []cancelRecord
	cancels []Out
	results []Out
	closed  bool
	wake    chan struct{}
}

// NewCancelStage returns an overlay pulling from src.
func NewCancelStage[In, Out any](name string, src Source[In], c Canceller[In, Out]) *CancelStage[In, Out] {
	return &CancelStage[In, Out]{
		name: name,
		src:  src,
		c:    c,
		wake: make(chan struct{}),
	}
}

func (s *CancelStage[In, Out]) signal() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Cancel records a cancellation for id. Regular results for id that are
// buffered but not yet polled are withdrawn and replaced by one cancellation
// result. Cancelling the same id twice is a no-op.
func (s *CancelStage[In, Out]) Cancel(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if slices.ContainsFunc(s.records, func(r cancelRecord) bool { return r.id == id }) {
		return
	}

	rec := cancelRecord{id: id}
	before := len(s.results)
	s.results = slices.DeleteFunc(s.results, func(o Out) bool { return s.c.OutputID(o) == id })
	if len(s.results) != before {
		rec.notified = true
		s.cancels = append(s.cancels, s.c.CancelResult(id))
		s.signal()
	}
	s.records = append(s.records, rec)
}

// Handle routes one input: inputs of cancelled ids are replaced by a single
// cancellation result, everything else goes through
// [Canceller.HandleNotCancelled].
func (s *CancelStage[In, Out]) Handle(ctx context.Context, in In) Flag {
	id := s.c.InputID(in)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Failed
	}

	if !s.c.IsStart(in) {
		s.records = slices.DeleteFunc(s.records, func(r cancelRecord) bool { return r.id < id })
	}
	if i := slices.IndexFunc(s.records, func(r cancelRecord) bool { return r.id == id }); i >= 0 {
		if !s.records[i].notified {
			s.records[i].notified = true
			s.cancels = append(s.cancels, s.c.CancelResult(id))
			s.signal()
		}
		return 0
	}

	outs, f := s.c.HandleNotCancelled(ctx, in)
	if len(outs) > 0 {
		s.results = append(s.results, outs...)
		s.signal()
	}
	return f
}

// Poll blocks until a cancellation or regular result is available, the stage
// is closed ([ErrClosed]) or ctx is done.
func (s *CancelStage[In, Out]) Poll(ctx context.Context) (Out, error) {
	for {
		s.mu.Lock()
		if out, ok := s.next(); ok {
			s.mu.Unlock()
			return out, nil
		}
		if s.closed {
			s.mu.Unlock()
			var zero Out
			return zero, ErrClosed
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			var zero Out
			return zero, ctx.Err()
		}
	}
}

// TryPoll returns the next result without blocking.
func (s *CancelStage[In, Out]) TryPoll() (Out, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next()
}

func (s *CancelStage[In, Out]) next() (Out, bool) {
	var zero Out
	if s.closed {
		return zero, false
	}
	if len(s.cancels) > 0 {
		out := s.cancels[0]
		s.cancels[0] = zero
		s.cancels = s.cancels[1:]
		return out, true
	}
	if len(s.results) > 0 {
		out := s.results[0]
		s.results[0] = zero
		s.results = s.results[1:]
		return out, true
	}
	return zero, false
}

// Records returns the number of live cancel records.
func (s *CancelStage[In, Out]) Records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// StartHandle implements [Stage].
func (s *CancelStage[In, Out]) StartHandle(context.Context) error { return nil }

// EndHandle implements [Stage].
func (s *CancelStage[In, Out]) EndHandle() {}

// Work implements [Stage]: it pulls one input and handles it.
func (s *CancelStage[In, Out]) Work(ctx context.Context) Flag {
	in, err := s.src.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("cancel stage source failed", "stage", s.name, "err", err)
		}
		return Failed
	}
	return s.Handle(ctx, in)
}

// Close closes the upstream source and the stage output, dropping buffered
// results and waking blocked pollers. It is safe to call more than once.
func (s *CancelStage[In, Out]) Close() {
	s.src.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.records = nil
	s.cancels = nil
	s.results = nil
	s.signal()
}
