// Package pipeline provides a staged execution engine: an ordered chain of
// stages, partitioned into worker groups that each run on a dedicated
// goroutine and drive their stages in a poll/handle loop.
//
// Stages communicate only through the queues they pull from and push to. A
// stage's output queue is the next stage's [Source], so chains compose
// without stages referencing each other. The [Pipeline] owns every stage and
// closes all of them (and therefore all upstream sources) on [Pipeline.Close].
//
// After each unit of work a stage returns a [Flag] set that steers its
// worker: advance to the next stage, restart from the beginning of the
// worker's range, revisit the stage before restarting, keep the current
// input for another pass, or back off after a failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Flag is the set of control bits a stage returns after one unit of work.
// The zero value means: the input was fully handled, advance to the next
// stage.
type Flag uint8

const (
	// BreakLoop stops the current pass and restarts at the beginning of the
	// worker's range.
	BreakLoop Flag = 1 << iota

	// AsHead makes the worker revisit this stage after the downstream stages
	// of its range have run, before restarting from the beginning.
	AsHead

	// NotPollNext keeps the current input; the next visit handles it again
	// instead of pulling a new one.
	NotPollNext

	// Failed reports a closed source or a stage fault. The worker sleeps for
	// the retry delay and restarts from the beginning of its range.
	Failed
)

// Has reports whether all bits of g are set in f.
func (f Flag) Has(g Flag) bool { return f&g == g }

// String lists the set bits, e.g. "as_head|not_poll_next".
func (f Flag) String() string {
	if f == 0 {
		return "next"
	}
	var s string
	for _, b := range []struct {
		f    Flag
		name string
	}{{BreakLoop, "break_loop"}, {AsHead, "as_head"}, {NotPollNext, "not_poll_next"}, {Failed, "failed"}} {
		if f.Has(b.f) {
			if s != "" {
				s += "|"
			}
			s += b.name
		}
	}
	return s
}

// Source is the pull side of a stage output. Poll blocks until an item is
// available and returns an error once the source is closed or ctx is done.
type Source[T any] interface {
	Poll(ctx context.Context) (T, error)
	Close()
}

// Stage is one unit of pipeline work.
//
// StartHandle is called once on the worker goroutine before the first Work;
// EndHandle once after the last. Close must unblock a Work call that is
// waiting on input; it may be called from any goroutine.
type Stage interface {
	StartHandle(ctx context.Context) error
	Work(ctx context.Context) Flag
	EndHandle()
	Close()
}

// ErrRunning is returned when a pipeline is modified after Run, or started
// twice or after Close.
var ErrRunning = errors.New("pipeline: already running")

const defaultRetryDelay = 20 * time.Millisecond

type workerRange struct {
	begin, end int
}

// Pipeline drives a chain of stages with one goroutine per worker group.
type Pipeline struct {
	name       string
	retryDelay time.Duration

	mu      sync.Mutex
	stages  []Stage
	workers []workerRange
	running bool

	closed    atomic.Bool
	closeOnce sync.Once
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeErr  error
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithRetryDelay sets how long a worker sleeps after a [Failed] stage.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.retryDelay = d
		}
	}
}

// New returns an empty pipeline. name is used in log messages.
func New(name string, opts ...Option) *Pipeline {
	p := &Pipeline{name: name, retryDelay: defaultRetryDelay}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Add appends a stage and returns its index.
func (p *Pipeline) Add(s Stage) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return 0, ErrRunning
	}
	p.stages = append(p.stages, s)
	return len(p.stages) - 1, nil
}

// AddWorker assigns the next count stages that are not yet covered by a
// worker to a new worker group. count == 0 assigns all remaining stages.
func (p *Pipeline) AddWorker(count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}
	begin := 0
	if n := len(p.workers); n > 0 {
		begin = p.workers[n-1].end
	}
	end := len(p.stages)
	if count > 0 {
		end = begin + count
	}
	if count < 0 || end > len(p.stages) || begin >= end {
		return fmt.Errorf("pipeline: cannot assign %d stages from index %d of %d", count, begin, len(p.stages))
	}
	p.workers = append(p.workers, workerRange{begin: begin, end: end})
	return nil
}

// Run starts one goroutine per worker group and returns immediately. Stages
// not covered by [Pipeline.AddWorker] are assigned to one extra worker.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.closed.Load() {
		return ErrRunning
	}
	if len(p.stages) == 0 {
		return errors.New("pipeline: no stages")
	}
	covered := 0
	if n := len(p.workers); n > 0 {
		covered = p.workers[n-1].end
	}
	if covered < len(p.stages) {
		p.workers = append(p.workers, workerRange{begin: covered, end: len(p.stages)})
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	p.running = true
	for i, w := range p.workers {
		p.group.Go(func() error { return p.runWorker(ctx, i, w) })
	}
	slog.Debug("pipeline started", "pipeline", p.name, "stages", len(p.stages), "workers", len(p.workers))
	return nil
}

// Close closes every stage (and with it every upstream source), stops all
// workers and waits for them to return. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		p.mu.Lock()
		stages := p.stages
		cancel := p.cancel
		group := p.group
		p.mu.Unlock()

		for _, s := range stages {
			s.Close()
		}
		if cancel != nil {
			cancel()
		}
		if group != nil {
			p.closeErr = group.Wait()
		}
	})
	return p.closeErr
}

func (p *Pipeline) runWorker(ctx context.Context, idx int, w workerRange) error {
	stages := p.stages[w.begin:w.end]
	for i, s := range stages {
		if err := s.StartHandle(ctx); err != nil {
			for _, started := range stages[:i] {
				started.EndHandle()
			}
			return fmt.Errorf("pipeline %s: worker %d: start stage %d: %w", p.name, idx, w.begin+i, err)
		}
	}
	defer func() {
		for _, s := range stages {
			s.EndHandle()
		}
	}()

	// revisit holds stage indices that asked to be serviced again before
	// the worker restarts at w.begin.
	var revisit []int
	i := w.begin
	for {
		if p.closed.Load() || ctx.Err() != nil {
			return nil
		}

		f := p.stages[i].Work(ctx)
		switch {
		case f.Has(Failed):
			revisit = revisit[:0]
			i = w.begin
			if !p.sleep(ctx) {
				return nil
			}
			continue
		case f.Has(BreakLoop):
			revisit = revisit[:0]
			i = w.begin
			continue
		}

		if f.Has(AsHead) {
			revisit = append(revisit, i)
		}
		i++
		if i >= w.end {
			if n := len(revisit); n > 0 {
				i = revisit[n-1]
				revisit = revisit[:n-1]
			} else {
				i = w.begin
			}
		}
	}
}

func (p *Pipeline) sleep(ctx context.Context) bool {
	t := time.NewTimer(p.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return !p.closed.Load()
	}
}
