package engine

import (
	"sync"

	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/transport"
)

// eventType distinguishes event kinds.
type eventType int

const (
	// eventAttach starts a session for a new connection.
	eventAttach eventType = iota + 1
	// eventMessage carries one received wire message.
	eventMessage
	// eventLocal carries operations applied locally.
	eventLocal
	// eventDetach ends the session of a closed connection.
	eventDetach
	// eventResync asks every peer for its state again.
	eventResync
)

func (t eventType) String() string {
	switch t {
	case eventAttach:
		return "attach"
	case eventMessage:
		return "message"
	case eventLocal:
		return "local"
	case eventDetach:
		return "detach"
	case eventResync:
		return "resync"
	default:
		return "unknown"
	}
}

// event is one unit of work for the Run loop.
type event struct {
	typ     eventType
	conn    *transport.Conn
	payload []byte
	ops     []crdt.Operation
}

// eventQueue is a thread-safe unbounded FIFO queue.
//
// Connection readers enqueue from their own goroutines while Run dequeues.
// The buffered signal channel lets Run wait with a context.
type eventQueue struct {
	mu     sync.Mutex
	events []event
	closed bool
	signal chan struct{} // buffered, size 1
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue. Returns false if the
// queue is closed.
func (q *eventQueue) Enqueue(e event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.events = append(q.events, e)

	// Non-blocking: the size-1 buffer coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front event without blocking.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event{}, false
	}
	e := q.events[0]

	// Clear the slot so the payload can be collected.
	q.events[0] = event{}
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}
	return e, true
}

// Wait returns a channel that signals when events may be available. It is
// closed when the queue closes.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events and wakes waiters.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *eventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
