package registry

import (
	"sync"

	"github.com/gammazero/deque"
)

// outbound is one queued frame, pre-marshaled at enqueue time so the
// message reflects the worker's state at the moment it was produced.
type outbound struct {
	kind MessageType
	data []byte
}

// sendQueue is the ordered buffer between message producers and the
// single writer goroutine. Handlers and status reporters only ever push
// here; nothing outside the writer touches the socket.
type sendQueue struct {
	mu      sync.Mutex
	items   *deque.Deque[outbound]
	closing bool

	wake    chan struct{}
	drained chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{
		items:   deque.New[outbound](),
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
	}
}

// push appends a frame. It reports false once the queue is closing.
func (q *sendQueue) push(msg outbound) bool {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return false
	}
	q.items.PushBack(msg)
	q.mu.Unlock()
	q.signal()
	return true
}

// pushFront requeues a frame whose send failed so it goes out first after
// reconnecting. Requeues are accepted even while closing.
func (q *sendQueue) pushFront(msg outbound) {
	q.mu.Lock()
	q.items.PushFront(msg)
	q.mu.Unlock()
	q.signal()
}

// pop removes the oldest frame. Once the queue is closing and empty it
// closes the drained channel and keeps reporting false.
func (q *sendQueue) pop() (outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		if q.closing {
			q.closeDrainedLocked()
		}
		return outbound{}, false
	}
	return q.items.PopFront(), true
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// close stops accepting new frames. Frames already queued remain for the
// writer to drain; drainedCh closes once it has.
func (q *sendQueue) close() {
	q.mu.Lock()
	q.closing = true
	if q.items.Len() == 0 {
		q.closeDrainedLocked()
	}
	q.mu.Unlock()
	q.signal()
}

func (q *sendQueue) isClosing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closing
}

func (q *sendQueue) wakeCh() <-chan struct{}    { return q.wake }
func (q *sendQueue) drainedCh() <-chan struct{} { return q.drained }

func (q *sendQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *sendQueue) closeDrainedLocked() {
	select {
	case <-q.drained:
	default:
		close(q.drained)
	}
}
