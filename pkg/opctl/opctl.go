// Package opctl tracks the lifecycle of logical operations for clients that
// service one request at a time.
//
// A [Controller] keeps a FIFO of outstanding operations and at most one
// current operation, the one being serviced by the sending goroutine. The
// receiving goroutine moves operations to a terminal status with
// [Controller.FinishOp] or [Controller.SetOpError]; callers abort them with
// [Controller.CancelOp]. A sender blocked in [Controller.WaitOpFinish]
// observes any of these transitions.
package opctl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrClosed is returned by blocking calls after [Controller.Close].
	ErrClosed = errors.New("opctl: controller closed")

	// ErrUnknownOp is returned for ids that are not outstanding.
	ErrUnknownOp = errors.New("opctl: unknown operation")

	// ErrDuplicateOp is returned by [Controller.NewOp] for an id that is
	// already outstanding.
	ErrDuplicateOp = errors.New("opctl: duplicate operation")
)

// Status is the lifecycle stage of an operation.
type Status int

const (
	StatusStart Status = iota
	StatusStreaming
	StatusEnd
	StatusCancelled
	StatusError
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusStart:
		return "start"
	case StatusStreaming:
		return "streaming"
	case StatusEnd:
		return "end"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether s ends an operation.
func (s Status) Terminal() bool {
	return s == StatusEnd || s == StatusCancelled || s == StatusError
}

// Operation is a snapshot of one tracked request.
type Operation[E any] struct {
	ID     int32
	Status Status

	// Err is set when Status is [StatusError].
	Err E
}

// Controller tracks outstanding operations. It is safe for concurrent use.
type Controller[E any] struct {
	mu      sync.Mutex
	ops     []*Operation[E]
	current *Operation[E]
	closed  bool
	wake    chan struct{}
}

// New returns an empty controller.
func New[E any]() *Controller[E] {
	return &Controller[E]{wake: make(chan struct{})}
}

func (c *Controller[E]) broadcast() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func (c *Controller[E]) find(id int32) *Operation[E] {
	i := slices.IndexFunc(c.ops, func(op *Operation[E]) bool { return op.ID == id })
	if i < 0 {
		return nil
	}
	return c.ops[i]
}

// NewOp registers operation id with the given initial status. An operation
// created with [StatusStart] becomes the current operation.
func (c *Controller[E]) NewOp(id int32, status Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.find(id) != nil {
		return fmt.Errorf("opctl: new op %d: %w", id, ErrDuplicateOp)
	}
	op := &Operation[E]{ID: id, Status: status}
	c.ops = append(c.ops, op)
	if status == StatusStart {
		c.current = op
	}
	c.broadcast()
	return nil
}

// SetStatus moves a non-terminal operation to status. Terminal statuses
// clear the current operation when it is id.
func (c *Controller[E]) SetStatus(id int32, status Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(id, status, nil)
}

// SetOpError fails operation id with err.
func (c *Controller[E]) SetOpError(id int32, err E) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(id, StatusError, &err)
}

// FinishOp completes operation id normally.
func (c *Controller[E]) FinishOp(id int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(id, StatusEnd, nil)
}

func (c *Controller[E]) transition(id int32, status Status, err *E) bool {
	op := c.find(id)
	if op == nil || op.Status.Terminal() {
		return false
	}
	op.Status = status
	if err != nil {
		op.Err = *err
	}
	if status.Terminal() && c.current == op {
		c.current = nil
	}
	c.broadcast()
	return true
}

// CancelOp cancels operation id, or every non-terminal operation when
// id <= 0, and returns how many operations were cancelled. A sender blocked
// in [Controller.WaitOpFinish] on a cancelled operation is woken.
func (c *Controller[E]) CancelOp(id int32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, op := range c.ops {
		if op.Status.Terminal() || (id > 0 && op.ID != id) {
			continue
		}
		op.Status = StatusCancelled
		if c.current == op {
			c.current = nil
		}
		n++
	}
	if n > 0 {
		c.broadcast()
	}
	return n
}

// Current returns the operation being serviced, if any.
func (c *Controller[E]) Current() (Operation[E], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Operation[E]{}, false
	}
	return *c.current, true
}

// Lookup returns a snapshot of outstanding operation id.
func (c *Controller[E]) Lookup(id int32) (Operation[E], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.find(id)
	if op == nil {
		return Operation[E]{}, false
	}
	return *op, true
}

// WaitOpFinish blocks until operation id reaches a terminal status and
// returns its snapshot. The operation stays outstanding until consumed.
func (c *Controller[E]) WaitOpFinish(ctx context.Context, id int32) (Operation[E], error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Operation[E]{}, ErrClosed
		}
		op := c.find(id)
		if op == nil {
			c.mu.Unlock()
			return Operation[E]{}, fmt.Errorf("opctl: wait op %d: %w", id, ErrUnknownOp)
		}
		if op.Status.Terminal() {
			snap := *op
			c.mu.Unlock()
			return snap, nil
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Operation[E]{}, ctx.Err()
		}
	}
}

// Poll blocks until the oldest outstanding operation is terminal, then
// removes and returns it. Operations are reported in creation order.
func (c *Controller[E]) Poll(ctx context.Context) (Operation[E], error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Operation[E]{}, ErrClosed
		}
		if len(c.ops) > 0 && c.ops[0].Status.Terminal() {
			op := *c.ops[0]
			c.ops[0] = nil
			c.ops = c.ops[1:]
			c.mu.Unlock()
			return op, nil
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Operation[E]{}, ctx.Err()
		}
	}
}

// Consume removes terminal operation id from the outstanding FIFO.
func (c *Controller[E]) Consume(id int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.ops, func(op *Operation[E]) bool { return op.ID == id })
	if i < 0 || !c.ops[i].Status.Terminal() {
		return false
	}
	c.ops = slices.Delete(c.ops, i, i+1)
	return true
}

// Len returns the number of outstanding operations.
func (c *Controller[E]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ops)
}

// Close wakes every blocked caller and drops all operations. It is safe to
// call more than once.
func (c *Controller[E]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ops = nil
	c.current = nil
	c.broadcast()
}
