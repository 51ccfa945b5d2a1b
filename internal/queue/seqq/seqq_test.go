package seqq

import (
	"testing"
	"time"

	"github.com/rinastack/dtp/internal/pci"
	"github.com/stretchr/testify/assert"
)

func pdu(seq uint32) *pci.PDU {
	return &pci.PDU{PCI: pci.PCI{Type: pci.TypeDT, SeqNum: seq}}
}

func TestQueue_PushKeepsAscendingOrder(t *testing.T) {
	q := New()
	now := time.Now()
	q.Push(pdu(13), now)
	q.Push(pdu(12), now)
	q.Push(pdu(11), now)

	assert.Equal(t, 3, q.Size())
	assert.EqualValues(t, 11, q.items[0].pdu.PCI.SeqNum)
	assert.EqualValues(t, 12, q.items[1].pdu.PCI.SeqNum)
	assert.EqualValues(t, 13, q.items[2].pdu.PCI.SeqNum)
}

func TestQueue_Drain_ContiguousRun(t *testing.T) {
	q := New()
	now := time.Now()
	q.Push(pdu(12), now)
	q.Push(pdu(13), now)
	q.Push(pdu(11), now)

	res := q.Drain(10, 50*time.Millisecond, 0, false, now)
	assert.EqualValues(t, 13, res.NewLWE)
	if assert.Len(t, res.ToPost, 3) {
		assert.EqualValues(t, 11, res.ToPost[0].PCI.SeqNum)
		assert.EqualValues(t, 12, res.ToPost[1].PCI.SeqNum)
		assert.EqualValues(t, 13, res.ToPost[2].PCI.SeqNum)
	}
	assert.True(t, q.IsEmpty())
}

func TestQueue_Drain_StopsAtGap(t *testing.T) {
	q := New()
	now := time.Now()
	q.Push(pdu(12), now)

	res := q.Drain(10, 50*time.Millisecond, 0, false, now)
	assert.EqualValues(t, 10, res.NewLWE)
	assert.Empty(t, res.ToPost)
	assert.Equal(t, 1, q.Size())
}

func TestQueue_Drain_ExpiredEntryDroppedWhenRTXOn(t *testing.T) {
	q := New()
	past := time.Now().Add(-time.Second)
	q.Push(pdu(12), past)

	res := q.Drain(10, 50*time.Millisecond, 5, true, time.Now())
	assert.Empty(t, res.ToPost)
	assert.Equal(t, []uint32{12}, res.Dropped)
	assert.True(t, q.IsEmpty())
}

func TestQueue_Flush(t *testing.T) {
	q := New()
	q.Push(pdu(1), time.Now())
	q.Flush()
	assert.True(t, q.IsEmpty())
}
