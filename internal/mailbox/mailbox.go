// Package mailbox implements the unbounded MPSC queue feeding each
// worker. Producers are any worker or the main goroutine; the single
// consumer is the owning worker's loop.
package mailbox

import (
	"sync"

	"github.com/arborlabs/arbor/internal/message"
)

// Mailbox is an unbounded multi-producer single-consumer queue with a
// level-triggered wake channel. Producers never block on the consumer.
type Mailbox struct {
	mu     sync.Mutex
	queue  []*message.Message
	wake   chan struct{}
	closed bool
}

// New returns an empty mailbox.
func New() *Mailbox {
	return &Mailbox{
		wake: make(chan struct{}, 1),
	}
}

// Push enqueues m. It reports false once the mailbox is closed.
func (mb *Mailbox) Push(m *message.Message) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.queue = append(mb.queue, m)
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
	return true
}

// Wake returns the channel signalled whenever the queue becomes
// non-empty. A single token coalesces any number of pushes.
func (mb *Mailbox) Wake() <-chan struct{} {
	return mb.wake
}

// Drain moves up to max queued messages into out and returns the batch.
// A max of zero or less snapshots the whole queue. The consumer passes
// its scratch slice back in to avoid reallocation.
func (mb *Mailbox) Drain(max int, out []*message.Message) []*message.Message {
	out = out[:0]
	mb.mu.Lock()
	n := len(mb.queue)
	if max > 0 && n > max {
		n = max
	}
	out = append(out, mb.queue[:n]...)
	rest := copy(mb.queue, mb.queue[n:])
	for i := rest; i < len(mb.queue); i++ {
		mb.queue[i] = nil
	}
	mb.queue = mb.queue[:rest]
	pending := rest > 0
	mb.mu.Unlock()

	if pending {
		select {
		case mb.wake <- struct{}{}:
		default:
		}
	}
	return out
}

// Len reports the queued message count.
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

// Close rejects further pushes and releases any queued messages.
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.closed = true
	for i, m := range mb.queue {
		m.Release()
		mb.queue[i] = nil
	}
	mb.queue = nil
}
