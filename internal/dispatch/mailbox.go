package dispatch

import (
	"context"
	"sync"
)

// mailbox is the unbounded inbound queue of one session worker.
//
// Push never blocks: the dispatcher must not stall on a slow worker, so a
// backlog accumulates here instead. Pop blocks until a datagram arrives, the
// mailbox is closed, or the context is cancelled.
type mailbox struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool

	// signal carries at most one wakeup; Pop drains the queue regardless.
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// Push enqueues one datagram. Datagrams pushed after Close are dropped.
func (m *mailbox) Push(data []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, data)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Pop dequeues the next datagram, blocking until one is available. Returns
// false once the mailbox is closed and drained, or the context is cancelled.
func (m *mailbox) Pop(ctx context.Context) ([]byte, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			data := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return data, true
		}
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-m.signal:
		}
	}
}

// Len returns the current backlog size.
func (m *mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Close wakes any blocked Pop. Already-queued datagrams are still delivered.
func (m *mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}
