package cwq

import (
	"testing"

	"github.com/rinastack/dtp/internal/pci"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PushPopFIFO(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Push(&pci.PDU{PCI: pci.PCI{SeqNum: 1}}))
	require.NoError(t, q.Push(&pci.PDU{PCI: pci.PCI{SeqNum: 2}}))

	err := q.Push(&pci.PDU{PCI: pci.PCI{SeqNum: 3}})
	require.Error(t, err)
	assert.ErrorIs(t, err, pci.ErrQueueFull)

	p, ok := q.Pop()
	require.True(t, ok)
	assert.EqualValues(t, 1, p.PCI.SeqNum)

	p, ok = q.Pop()
	require.True(t, ok)
	assert.EqualValues(t, 2, p.PCI.SeqNum)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueue_Flush(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Push(&pci.PDU{}))
	require.NoError(t, q.Push(&pci.PDU{}))
	q.Flush()
	assert.True(t, q.IsEmpty())
	assert.Equal(t, 0, q.Size())
}

func TestQueue_BelowCapacity(t *testing.T) {
	q := New(1)
	assert.True(t, q.BelowCapacity())
	require.NoError(t, q.Push(&pci.PDU{}))
	assert.False(t, q.BelowCapacity())
}

func TestQueue_Unbounded(t *testing.T) {
	q := New(0)
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Push(&pci.PDU{}))
	}
	assert.True(t, q.BelowCapacity())
}
