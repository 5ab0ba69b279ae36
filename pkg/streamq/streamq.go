// Package streamq multiplexes many concurrent request streams into one
// strictly ordered output.
//
// A [StreamQueue] tracks one stream per request id. Producers call
// [StreamQueue.Start], [StreamQueue.Stream], [StreamQueue.End] and
// [StreamQueue.Erase]; a single consumer drains progress with
// [StreamQueue.Pop]. Streams are serviced head-of-line: the stream that was
// started first is fully drained before any later stream can yield data or a
// terminal event. Only the [Start] notification of a later stream may be
// delivered early, once per id.
//
// [StreamQueue] is not safe for concurrent use. [Pending] wraps it with a
// lock and a blocking [Pending.Poll]; [Queue] is the equivalent blocking FIFO
// for non-streaming requests.
package streamq

// PopType classifies one unit of progress returned by [StreamQueue.Pop].
type PopType int

const (
	// Empty means the head stream cannot make progress until a producer acts.
	Empty PopType = iota

	// Data carries one buffered item of the head stream.
	Data

	// Start announces a newly tracked stream. Delivered once per id.
	Start

	// End marks normal completion of the head stream.
	End

	// Removed marks a stream cancelled by the caller.
	Removed

	// Error marks a stream terminated abnormally; the event carries the code.
	Error
)

// String returns the lower-case name of the pop type.
func (p PopType) String() string {
	switch p {
	case Empty:
		return "empty"
	case Data:
		return "data"
	case Start:
		return "start"
	case End:
		return "end"
	case Removed:
		return "removed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether p ends a stream.
func (p PopType) Terminal() bool {
	return p == End || p == Removed || p == Error
}

// Event is the result of a single [StreamQueue.Pop].
type Event[T any] struct {
	Type PopType
	ID   int32

	// Item is set only for [Data] events.
	Item T

	// Code is set only for [Error] events.
	Code int32
}

// tagState is the lifecycle of one tracked stream.
type tagState int

const (
	tagUncompleted tagState = iota
	tagCompleted
	tagDeleted
	tagError
)

type stream[T any] struct {
	id       int32
	state    tagState
	code     int32
	notified bool
	data     []T

	// count is the number of items accepted minus the items dropped by an
	// erase, i.e. what was or still will be delivered.
	count int
}

// StreamQueue multiplexes tracked streams into one ordered output. The zero
// value is not usable; create instances with [New].
type StreamQueue[T any] struct {
	order    []*stream[T]
	index    map[int32]*stream[T]
	buffered int
}

// New returns an empty [StreamQueue].
func New[T any]() *StreamQueue[T] {
	return &StreamQueue[T]{index: make(map[int32]*stream[T])}
}

// Start begins tracking id. It returns false without mutating the queue when
// id is already tracked.
func (q *StreamQueue[T]) Start(id int32) bool {
	if _, ok := q.index[id]; ok {
		return false
	}
	s := &stream[T]{id: id}
	q.order = append(q.order, s)
	q.index[id] = s
	return true
}

// Stream appends item to the stream of id. It fails when id is not tracked or
// the stream has already been ended, erased or failed.
func (q *StreamQueue[T]) Stream(id int32, item T) bool {
	s, ok := q.index[id]
	if !ok || s.state != tagUncompleted {
		return false
	}
	s.data = append(s.data, item)
	s.count++
	q.buffered++
	return true
}

// End marks the stream of id as completed. Items already buffered are still
// delivered before [End] is popped.
func (q *StreamQueue[T]) End(id int32) bool {
	s, ok := q.index[id]
	if !ok || s.state != tagUncompleted {
		return false
	}
	s.state = tagCompleted
	return true
}

// Erase marks the stream of id as deleted (code == 0) or failed (code != 0)
// and drops every item that was buffered but not yet popped. A stream that
// was already erased or failed is left untouched.
func (q *StreamQueue[T]) Erase(id int32, code int32) bool {
	s, ok := q.index[id]
	if !ok || s.state == tagDeleted || s.state == tagError {
		return false
	}
	q.drop(s)
	if code == 0 {
		s.state = tagDeleted
	} else {
		s.state = tagError
		s.code = code
	}
	return true
}

// Clear marks every tracked stream as deleted, failed ones included, drops
// all buffered items and reports the lowest and highest tracked id (both 0 when nothing is tracked).
func (q *StreamQueue[T]) Clear() (minID, maxID int32) {
	for i, s := range q.order {
		if i == 0 || s.id < minID {
			minID = s.id
		}
		if i == 0 || s.id > maxID {
			maxID = s.id
		}
		q.drop(s)
		s.state = tagDeleted
	}
	return minID, maxID
}

func (q *StreamQueue[T]) drop(s *stream[T]) {
	n := len(s.data)
	clear(s.data)
	s.data = nil
	s.count -= n
	q.buffered -= n
}

// Available reports whether [StreamQueue.Pop] would return something other
// than [Empty].
func (q *StreamQueue[T]) Available() bool {
	if len(q.order) == 0 {
		return false
	}
	head := q.order[0]
	if !head.notified || head.state != tagUncompleted || len(head.data) > 0 {
		return true
	}
	return q.earlyStart() != nil
}

// earlyStart returns the first stream behind the head that has not announced
// itself yet and can still deliver a start notification.
func (q *StreamQueue[T]) earlyStart() *stream[T] {
	for _, s := range q.order[1:] {
		if !s.notified && (s.state == tagUncompleted || s.state == tagCompleted) {
			return s
		}
	}
	return nil
}

// Pop drains one unit of progress. Data and terminal events are produced
// only for the head stream; a later stream can only announce its [Start].
// A stream erased before it was announced yields its terminal event without
// a preceding [Start].
func (q *StreamQueue[T]) Pop() Event[T] {
	if len(q.order) == 0 {
		return Event[T]{Type: Empty}
	}
	head := q.order[0]

	if !head.notified {
		head.notified = true
		if head.state == tagUncompleted || head.state == tagCompleted {
			return Event[T]{Type: Start, ID: head.id}
		}
	}

	switch head.state {
	case tagUncompleted, tagCompleted:
		if len(head.data) > 0 {
			item := head.data[0]
			var zero T
			head.data[0] = zero
			head.data = head.data[1:]
			q.buffered--
			return Event[T]{Type: Data, ID: head.id, Item: item}
		}
		if head.state == tagCompleted {
			q.pop()
			return Event[T]{Type: End, ID: head.id}
		}
		if s := q.earlyStart(); s != nil {
			s.notified = true
			return Event[T]{Type: Start, ID: s.id}
		}
		return Event[T]{Type: Empty}
	case tagDeleted:
		q.pop()
		return Event[T]{Type: Removed, ID: head.id}
	default:
		q.pop()
		return Event[T]{Type: Error, ID: head.id, Code: head.code}
	}
}

func (q *StreamQueue[T]) pop() {
	head := q.order[0]
	q.order[0] = nil
	q.order = q.order[1:]
	delete(q.index, head.id)
}

// Len returns the number of tracked streams.
func (q *StreamQueue[T]) Len() int { return len(q.order) }

// Buffered returns the number of items buffered across all streams.
func (q *StreamQueue[T]) Buffered() int { return q.buffered }

// Tracked reports whether id is currently tracked.
func (q *StreamQueue[T]) Tracked(id int32) bool {
	_, ok := q.index[id]
	return ok
}

// Count returns the pending-data counter of id: items accepted for the
// stream minus items dropped by [StreamQueue.Erase] or [StreamQueue.Clear].
func (q *StreamQueue[T]) Count(id int32) (int, bool) {
	s, ok := q.index[id]
	if !ok {
		return 0, false
	}
	return s.count, true
}
