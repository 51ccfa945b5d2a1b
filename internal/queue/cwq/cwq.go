// Package cwq implements the Closed-Window Queue: the FIFO of whole PDUs
// that the sender cannot transmit right now because the window or rate
// budget is exhausted. The draining decision itself (can this PDU go out
// yet) belongs to the caller (internal/dtp), which holds the state vector
// and the policy set; this package only owns the FIFO container and its
// length-based QueueFull/write-enable bookkeeping: a mutex-guarded slice
// with a capacity check before push.
package cwq

import (
	"fmt"
	"sync"

	"github.com/rinastack/dtp/internal/pci"
)

// Queue is a FIFO of PDUs blocked by window or rate control.
type Queue struct {
	mu     sync.Mutex
	items  []*pci.PDU
	maxLen int
}

// New returns an empty queue bounded at maxLen entries (0 means
// unbounded).
func New(maxLen int) *Queue {
	return &Queue{maxLen: maxLen}
}

// Push appends pdu, failing with pci.ErrQueueFull once the queue is at
// maxLen.
func (q *Queue) Push(pdu *pci.PDU) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxLen > 0 && len(q.items) >= q.maxLen {
		return fmt.Errorf("%w: closed-window queue at capacity %d", pci.ErrQueueFull, q.maxLen)
	}
	q.items = append(q.items, pdu)
	return nil
}

// ForcePush appends pdu unconditionally, even past maxLen. It backs the
// overrun path: once flow control has closed the window and the queue is
// already at capacity, the PDU is still retained (never dropped) while
// upper-layer write stays disabled, so the queue can legitimately exceed
// its configured bound.
func (q *Queue) ForcePush(pdu *pci.PDU) {
	q.mu.Lock()
	q.items = append(q.items, pdu)
	q.mu.Unlock()
}

// Pop removes and returns the head PDU, or (nil, false) if empty.
func (q *Queue) Pop() (*pci.PDU, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	pdu := q.items[0]
	q.items = q.items[1:]
	return pdu, true
}

// Peek returns the head PDU without removing it.
func (q *Queue) Peek() (*pci.PDU, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Flush discards every queued PDU.
func (q *Queue) Flush() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Size returns the number of queued PDUs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue holds no PDUs.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// BelowCapacity reports whether the queue has room below maxLen, the
// signal used to decide when upper-layer write should be re-enabled.
func (q *Queue) BelowCapacity() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxLen == 0 || len(q.items) < q.maxLen
}
