package session

import "sync"

// inboxKind distinguishes loop messages.
type inboxKind int

const (
	// msgLifecycle carries a platform lifecycle signal.
	msgLifecycle inboxKind = iota + 1
	// msgStateChanged asks the loop to re-evaluate its ticker.
	msgStateChanged
)

type message struct {
	kind      inboxKind
	lifecycle Lifecycle
}

// inbox is a thread-safe unbounded FIFO feeding the Loop.
//
// Observers enqueue from inside Machine calls made by the loop itself, so the
// inbox must never block a sender.
//
// The signal channel enables context-aware waiting in Run.
type inbox struct {
	mu       sync.Mutex
	messages []message
	closed   bool
	signal   chan struct{} // buffered, size 1
}

func newInbox() *inbox {
	return &inbox{
		messages: make([]message, 0, 16),
		signal:   make(chan struct{}, 1),
	}
}

// Push appends m. Returns false once the inbox is closed.
func (q *inbox) Push(m message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.messages = append(q.messages, m)

	// Non-blocking: a buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryPop removes the front message without blocking.
func (q *inbox) TryPop() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return message{}, false
	}
	m := q.messages[0]
	if len(q.messages) == 1 {
		q.messages = q.messages[:0]
	} else {
		q.messages = q.messages[1:]
	}
	return m, true
}

// Wait returns a channel that fires when messages may be available, and is
// closed by Close.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued messages.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Close rejects further pushes and wakes the waiter.
func (q *inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
