package gateway

import (
	"sync"
)

// eventQueue is an unbounded fifo between the protocol loop and whoever consumes the
// shard's events, so a slow consumer never stalls heartbeating
type eventQueue struct {
	mu     sync.Mutex
	items  []*DispatchedEvent
	closed bool
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		notify: make(chan struct{}, 1),
	}
}

func (q *eventQueue) push(evt *DispatchedEvent) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	q.wake()
}

// close marks the end of the stream, queued items are still delivered
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) take() (items []*DispatchedEvent, closed bool) {
	q.mu.Lock()
	items = q.items
	q.items = nil
	closed = q.closed
	q.mu.Unlock()
	return
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// run delivers queued events to out in order and closes out once the queue is closed and
// drained, or immediately when abort fires
func (q *eventQueue) run(out chan<- *DispatchedEvent, abort <-chan struct{}) {
	defer close(out)

	for {
		items, closed := q.take()
		for _, evt := range items {
			select {
			case out <- evt:
			case <-abort:
				return
			}
		}

		if len(items) > 0 {
			continue
		}

		if closed {
			return
		}

		select {
		case <-q.notify:
		case <-abort:
			return
		}
	}
}
