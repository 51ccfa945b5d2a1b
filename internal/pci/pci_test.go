package pci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPCI_RoundTrip checks decode(encode(p)) == p for every field.
func TestPCI_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pci  PCI
	}{
		{
			name: "data PDU has no control fields",
			pci: PCI{
				Type: TypeDT, Flags: FlagDataRun, Source: 1, Destination: 2,
				SourceCepID: 3, DestCepID: 4, QosID: 5, SeqNum: 101, Length: 9, TTL: 60,
			},
		},
		{
			name: "ack+fc PDU carries every control field",
			pci: PCI{
				Type: TypeACKAndFC, Flags: FlagExplicitCongestion, Source: 10, Destination: 20,
				SourceCepID: 30, DestCepID: 40, QosID: 1, SeqNum: 7, Length: 0, TTL: 1,
				AckNackSeqNum: 55, NewRtWindEdge: 106, NewLfWindEdge: 50, MyRtWindEdge: 200,
				MyLfWindEdge: 150, LastCtrlSeqNumRcvd: 3, SndrRate: 1000, TimeFrame: 100,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.pci.Serialize()
			var decoded PCI
			require.NoError(t, decoded.Deserialize(encoded))
			assert.Equal(t, tt.pci, decoded)
		})
	}
}

func TestPCI_Deserialize_TooShort(t *testing.T) {
	var p PCI
	err := p.Deserialize([]byte{1, 2, 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncodingError)
}

func TestPCI_Deserialize_ControlFieldsTruncated(t *testing.T) {
	p := PCI{Type: TypeACK, Source: 1, Destination: 2}
	encoded := p.Serialize()
	var decoded PCI
	err := decoded.Deserialize(encoded[:headerSize+4])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncodingError)
}

func TestPDU_RoundTrip(t *testing.T) {
	pdu := &PDU{
		PCI:     PCI{Type: TypeDT, Source: 1, Destination: 2, SeqNum: 5, Length: 3},
		Payload: []byte("abc"),
	}
	encoded := pdu.Serialize()

	var decoded PDU
	require.NoError(t, decoded.Deserialize(encoded))
	assert.Equal(t, pdu.PCI, decoded.PCI)
	assert.Equal(t, pdu.Payload, decoded.Payload)
}

func TestPDU_Dup_SharesNoMutableState(t *testing.T) {
	pdu := &PDU{PCI: PCI{Type: TypeDT, SeqNum: 1}, Payload: []byte{1, 2, 3}}
	dup := pdu.Dup()

	dup.Payload[0] = 99
	assert.Equal(t, byte(1), pdu.Payload[0], "mutating the duplicate must not affect the original")
	assert.NotSame(t, &pdu.PCI, &dup.PCI)
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "DT", TypeDT.String())
	assert.Equal(t, "RENDEZVOUS", TypeRendezvous.String())
	assert.False(t, TypeDT.IsControl())
	assert.True(t, TypeACK.IsControl())
}
