package p2p

import (
	"sync"

	"github.com/p2plookup/synack/pkg/events"
)

// eventQueue is an unbounded FIFO of events with thread-safe operations.
// Add never blocks.
type eventQueue struct {
	queue    []events.Event
	mu       sync.Mutex
	notifyCh chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		notifyCh: make(chan struct{}, 1),
	}
}

// Add appends ev and wakes the reader.
func (q *eventQueue) Add(ev events.Event) {
	q.mu.Lock()
	q.queue = append(q.queue, ev)
	q.mu.Unlock()
	select {
	case q.notifyCh <- struct{}{}:
	default:
		// a notification is already pending
	}
}

// Drain removes and returns all queued events, oldest first.
func (q *eventQueue) Drain() []events.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queue
	q.queue = nil
	return out
}

// NotifyCh is signalled after Add.
func (q *eventQueue) NotifyCh() <-chan struct{} {
	return q.notifyCh
}

// Len returns the number of queued events.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
