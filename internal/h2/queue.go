package h2

import "sync"

// eventQueue is an unbounded FIFO feeding one stream worker. The connection
// reader must never block on a slow stream, so per-stream delivery cannot use
// a bounded channel; a mutex+cond queue keeps cross-stream progress
// independent.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []streamEvent
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an event. Pushing to a closed queue is a no-op; the worker is
// already unwinding.
func (q *eventQueue) push(ev streamEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.events = append(q.events, ev)
	q.cond.Signal()
}

// pop blocks until an event is available or the queue is closed.
func (q *eventQueue) pop() (streamEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.events) == 0 {
		return streamEvent{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
