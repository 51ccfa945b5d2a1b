package rmt

import (
	"context"
	"testing"
	"time"

	"github.com/rinastack/dtp/internal/pci"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopback_SendDeliversToRegisteredDispatcher(t *testing.T) {
	a, err := NewLoopback("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := NewLoopback("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	received := make(chan *pci.PDU, 1)
	b.RegisterDispatcher(2, func(pdu *pci.PDU) error {
		received <- pdu
		return nil
	})
	a.RegisterPeer(2, b.LocalAddr())

	pdu := &pci.PDU{
		PCI:     pci.PCI{Type: pci.TypeDT, Source: 1, Destination: 2, SeqNum: 7},
		Payload: []byte("hello"),
	}
	require.NoError(t, a.Send(context.Background(), 2, 0, pdu))

	select {
	case got := <-received:
		assert.EqualValues(t, 7, got.PCI.SeqNum)
		assert.Equal(t, []byte("hello"), got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("pdu never delivered")
	}
}

func TestLoopback_SendUnknownPeerErrors(t *testing.T) {
	a, err := NewLoopback("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	err = a.Send(context.Background(), 99, 0, &pci.PDU{PCI: pci.PCI{Type: pci.TypeDT}})
	require.Error(t, err)
	assert.ErrorIs(t, err, pci.ErrDownstream)
}
