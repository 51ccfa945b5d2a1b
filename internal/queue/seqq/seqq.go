// Package seqq implements the Sequencing Queue: the receiver-side holding
// area for out-of-order PDUs awaiting in-order delivery, plus the A-timer
// drain logic that periodically walks it forward.
package seqq

import (
	"sync"
	"time"

	"github.com/rinastack/dtp/internal/pci"
	"github.com/rinastack/dtp/internal/rtimer"
)

type entry struct {
	pdu      *pci.PDU
	enqueued time.Time
}

// Queue is the strictly-ascending-by-sequence-number reorder buffer.
type Queue struct {
	mu    sync.Mutex
	items []*entry
	timer *rtimer.Handle
}

// New returns an empty sequencing queue.
func New() *Queue {
	return &Queue{timer: rtimer.New()}
}

// Push inserts pdu in ascending sequence order with the current time as
// its enqueue timestamp. Pushing an already-resident sequence number is a
// no-op (the duplicate check happens one layer up, in the receiver path).
func (q *Queue) Push(pdu *pci.PDU, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seq := pdu.PCI.SeqNum
	idx := q.searchLocked(seq)
	if idx < len(q.items) && q.items[idx].pdu.PCI.SeqNum == seq {
		return
	}
	e := &entry{pdu: pdu, enqueued: now}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = e
}

func (q *Queue) searchLocked(seq uint32) int {
	lo, hi := 0, len(q.items)
	for lo < hi {
		mid := (lo + hi) / 2
		if q.items[mid].pdu.PCI.SeqNum < seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Size returns the number of resident entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue holds no entries.
func (q *Queue) IsEmpty() bool { return q.Size() == 0 }

// Flush discards every entry.
func (q *Queue) Flush() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Arm starts (or restarts) the A-timer to fire onFire after d.
func (q *Queue) Arm(d time.Duration, onFire func()) {
	q.timer.Start(d, onFire)
}

// Stop cancels the A-timer.
func (q *Queue) Stop() bool {
	return q.timer.Stop()
}

// DrainResult is the outcome of one A-timer walk.
type DrainResult struct {
	NewLWE  uint32
	ToPost  []*pci.PDU
	Dropped []uint32
}

// Drain walks the queue from head per the A-timer rule: an entry whose
// enqueue_ts+A has elapsed, or whose sequence is within lwe+1+maxSDUGap, is
// removed; if its A-timer budget has expired and rtxCtrlOn is true it is
// dropped (a retransmission will resupply it), otherwise LWE advances to
// its sequence number and it is queued for posting upward. The walk stops
// at the first entry that doesn't qualify, since later entries are
// necessarily less due.
func (q *Queue) Drain(lwe uint32, a time.Duration, maxSDUGap int, rtxCtrlOn bool, now time.Time) DrainResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result DrainResult
	result.NewLWE = lwe
	i := 0
	for ; i < len(q.items); i++ {
		e := q.items[i]
		aExpired := a > 0 && now.Sub(e.enqueued) >= a
		withinGap := e.pdu.PCI.SeqNum <= result.NewLWE+1+uint32(maxSDUGap)
		if !aExpired && !withinGap {
			break
		}
		if aExpired && rtxCtrlOn {
			result.Dropped = append(result.Dropped, e.pdu.PCI.SeqNum)
			continue
		}
		result.NewLWE = e.pdu.PCI.SeqNum
		result.ToPost = append(result.ToPost, e.pdu)
	}
	q.items = q.items[i:]
	return result
}
