// Package rtxq implements the Retransmission Queue: a seq-ordered list of
// sent, unacknowledged PDUs carrying first-send timestamps and retry
// counts, with its own exponential-backoff retransmit timer: a slice of
// unacked packets plus a single timer.AfterFunc that walks the slice
// head-to-tail, backing off per entry as backoff(r, tr) = min(60s,
// (1+r²)·tr). Split into its own package since DTP and DTCP share it.
package rtxq

import (
	"fmt"
	"sync"
	"time"

	"github.com/rinastack/dtp/internal/pci"
	"github.com/rinastack/dtp/internal/rtimer"
)

// MaxBackoff is the cap on the exponential retransmission backoff.
const MaxBackoff = 60 * time.Second

// Backoff returns min(MaxBackoff, (1+r²)·tr), the retransmission timeout
// after r prior retries of the same entry.
func Backoff(retries int, tr time.Duration) time.Duration {
	factor := 1 + retries*retries
	d := time.Duration(factor) * tr
	if d > MaxBackoff || d < 0 {
		return MaxBackoff
	}
	return d
}

type entry struct {
	pdu       *pci.PDU
	firstSent time.Time
	retries   int
	retried   bool
}

// RetransmitFunc resends pdu downstream (normally straight to the RMT).
type RetransmitFunc func(pdu *pci.PDU) error

// Queue is the strictly-ascending-by-sequence-number retransmission list.
type Queue struct {
	mu                sync.Mutex
	items             []*entry
	dataRetransmitMax int
	retransmit        RetransmitFunc
	timer             *rtimer.Handle
	tr                time.Duration

	// OnDrop is invoked (outside the lock), once per dropped sequence
	// number, for drop-counter bookkeeping.
	OnDrop func(seq uint32)
	// OnDrainedEmpty is invoked (outside the lock) when a retransmit run
	// drops entries and leaves the queue empty, the sender-rendezvous
	// trigger point.
	OnDrainedEmpty func()
}

// New returns an empty retransmission queue. retransmit is called, holding
// no internal lock, to actually resend a duplicated PDU.
func New(dataRetransmitMax int, retransmit RetransmitFunc) *Queue {
	return &Queue{
		dataRetransmitMax: dataRetransmitMax,
		retransmit:        retransmit,
		timer:             rtimer.New(),
	}
}

// Push inserts pdu's duplicate in ascending sequence order and arms the
// retransmission timer with tr if it is not already pending. Pushing a
// sequence number already resident is a hard error.
func (q *Queue) Push(pdu *pci.PDU, tr time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq := pdu.PCI.SeqNum
	idx := q.searchLocked(seq)
	if idx < len(q.items) && q.items[idx].pdu.PCI.SeqNum == seq {
		return fmt.Errorf("%w: %d already in retransmission queue", pci.ErrDuplicateSeq, seq)
	}
	e := &entry{pdu: pdu, firstSent: time.Now()}
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = e

	q.tr = tr
	if !q.timer.Pending() {
		q.armLocked(tr)
	}
	return nil
}

// searchLocked returns the insertion index for seq (caller holds mu).
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

// Ack removes every entry with sequence number <= seq and restarts the
// retransmission timer with tr.
func (q *Queue) Ack(seq uint32, tr time.Duration) int {
	q.mu.Lock()
	i := 0
	for i < len(q.items) && q.items[i].pdu.PCI.SeqNum <= seq {
		i++
	}
	removed := i
	q.items = q.items[i:]
	q.tr = tr
	empty := len(q.items) == 0
	if empty {
		q.timer.Stop()
	} else {
		q.armLocked(tr)
	}
	onDrained := q.OnDrainedEmpty
	q.mu.Unlock()

	if empty && removed > 0 && onDrained != nil {
		onDrained()
	}
	return removed
}

// Nack walks the queue from tail toward head while seq' >= seq,
// incrementing retries, dropping entries that have exhausted
// dataRetransmitMax, and otherwise retransmitting the rest. The
// retransmission timer is restarted with tr afterward.
func (q *Queue) Nack(seq uint32, tr time.Duration) error {
	q.mu.Lock()
	start := len(q.items)
	for start > 0 && q.items[start-1].pdu.PCI.SeqNum >= seq {
		start--
	}
	victims := append([]*entry(nil), q.items[start:]...)
	q.mu.Unlock()

	return q.retransmitEntries(victims, start, tr)
}

// onTimerFire walks the queue from head, collecting every entry whose
// deadline first_sent+backoff(retries,tr) has elapsed, then treats that
// run as a single NACK-triggered retransmit and re-arms for whatever
// remains.
func (q *Queue) onTimerFire() {
	q.mu.Lock()
	tr := q.tr
	now := time.Now()
	var due []*entry
	for _, e := range q.items {
		if e.firstSent.Add(Backoff(e.retries, tr)).After(now) {
			break
		}
		due = append(due, e)
	}
	q.mu.Unlock()

	if len(due) > 0 {
		_ = q.retransmitEntries(due, -1, tr)
	}

	q.mu.Lock()
	if len(q.items) > 0 {
		q.armLocked(tr)
	}
	q.mu.Unlock()
}

// retransmitEntries applies the retry/drop/retransmit step to victims (in
// ascending order), removes from q.items only the ones that exhausted
// dataRetransmitMax (the rest stay resident with their retries counter
// bumped), and re-arms the timer, or stops it once the queue is empty. start is the index victims began at if known (-1 to search by
// identity, used when victims came from a timer scan rather than a
// contiguous tail).
func (q *Queue) retransmitEntries(victims []*entry, start int, tr time.Duration) error {
	var dropped []uint32
	for i := len(victims) - 1; i >= 0; i-- {
		e := victims[i]
		e.retries++
		e.retried = true
		if e.retries >= q.dataRetransmitMax {
			dropped = append(dropped, e.pdu.PCI.SeqNum)
			continue
		}
		if q.retransmit != nil {
			if err := q.retransmit(e.pdu.Dup()); err != nil {
				return fmt.Errorf("%w: retransmitting %d: %v", pci.ErrDownstream, e.pdu.PCI.SeqNum, err)
			}
		}
	}

	q.mu.Lock()
	if len(dropped) > 0 {
		dropSet := make(map[uint32]bool, len(dropped))
		for _, s := range dropped {
			dropSet[s] = true
		}
		kept := q.items[:0:0]
		for _, e := range q.items {
			if !dropSet[e.pdu.PCI.SeqNum] {
				kept = append(kept, e)
			}
		}
		q.items = kept
	}
	q.tr = tr
	empty := len(q.items) == 0
	if empty {
		q.timer.Stop()
	} else {
		q.armLocked(tr)
	}
	onDrop := q.OnDrop
	onDrained := q.OnDrainedEmpty
	q.mu.Unlock()

	for _, seq := range dropped {
		if onDrop != nil {
			onDrop(seq)
		}
	}
	if empty && len(dropped) > 0 && onDrained != nil {
		onDrained()
	}
	return nil
}

// Timestamp returns the first-send timestamp for seq: (ts, true, false) if
// resident and never retransmitted, (zero, true, true) if resident but
// retransmitted (excluded from RTT sampling), or (zero, false, false) if
// not resident.
func (q *Queue) Timestamp(seq uint32) (ts time.Time, found bool, retried bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.searchLocked(seq)
	if idx >= len(q.items) || q.items[idx].pdu.PCI.SeqNum != seq {
		return time.Time{}, false, false
	}
	e := q.items[idx]
	if e.retried {
		return time.Time{}, true, true
	}
	return e.firstSent, true, false
}

// Flush stops the timer and discards every entry.
func (q *Queue) Flush() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	q.timer.Stop()
}

// Size returns the number of resident entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// armLocked (re)arms the retransmission timer for the due time of the head
// entry: firstSent + backoff(retries, tr). Caller holds mu.
func (q *Queue) armLocked(tr time.Duration) {
	if len(q.items) == 0 {
		return
	}
	head := q.items[0]
	due := head.firstSent.Add(Backoff(head.retries, tr))
	wait := time.Until(due)
	if wait < 0 {
		wait = 0
	}
	q.timer.Start(wait, q.onTimerFire)
}
