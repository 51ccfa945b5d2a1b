package conn

import (
	"context"
	"testing"

	"github.com/rinastack/dtp/internal/config"
	"github.com/rinastack/dtp/internal/pci"
	"github.com/rinastack/dtp/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRMT struct {
	sent []*pci.PDU
}

func (f *fakeRMT) Send(ctx context.Context, portOrAddress uint32, qosID uint16, pdu *pci.PDU) error {
	f.sent = append(f.sent, pdu)
	return nil
}

type fakeEFCP struct {
	delivered    []*pci.PDU
	writeEnabled bool
}

func (f *fakeEFCP) Receive(cepID uint32, pdu *pci.PDU) error {
	f.delivered = append(f.delivered, pdu)
	return nil
}

func (f *fakeEFCP) EnableWrite()  { f.writeEnabled = true }
func (f *fakeEFCP) DisableWrite() { f.writeEnabled = false }

func testID() ID {
	return ID{SourceAddress: 1, DestinationAddress: 2, SourceCepID: 10, DestCepID: 20, QosID: 0}
}

func TestNew_WithoutDTCP_WriteSendsImmediately(t *testing.T) {
	cfg := config.Default()
	r := &fakeRMT{}
	e := &fakeEFCP{}
	registry := policy.NewRegistry(nil)

	c, err := New(testID(), cfg.Constants, config.DTPConfig{DTCPPresent: false}, nil, registry, r, e, func([]byte) {})
	require.NoError(t, err)

	require.NoError(t, c.Write(context.Background(), []byte("hi")))
	require.Len(t, r.sent, 1)
	assert.EqualValues(t, 1, c.Stats().TxPDUs)
}

func TestNew_WithDTCP_ClosedWindowQueuesWrite(t *testing.T) {
	cfg := config.Default()
	r := &fakeRMT{}
	e := &fakeEFCP{}
	registry := policy.NewRegistry(nil)

	dtcpCfg := cfg.DTCP
	c, err := New(testID(), cfg.Constants, cfg.DTP, &dtcpCfg, registry, r, e, func([]byte) {})
	require.NoError(t, err)

	require.NoError(t, c.Write(context.Background(), []byte("hi")))
	for _, pdu := range r.sent {
		assert.NotEqual(t, pci.TypeDT, pdu.PCI.Type, "data must stay queued while the window is closed")
	}
	assert.Equal(t, 1, c.Stats().ClosedWinQLength)
}

func TestReceive_DeliversReassembledSDU(t *testing.T) {
	cfg := config.Default()
	r := &fakeRMT{}
	e := &fakeEFCP{}
	registry := policy.NewRegistry(nil)

	var delivered [][]byte
	c, err := New(testID(), cfg.Constants, config.DTPConfig{DTCPPresent: false}, nil, registry, r, e, func(sdu []byte) {
		delivered = append(delivered, sdu)
	})
	require.NoError(t, err)

	pdu := &pci.PDU{PCI: pci.PCI{Type: pci.TypeDT, SeqNum: 1, Flags: pci.FlagDataRun}, Payload: []byte("payload")}
	require.NoError(t, c.Receive(context.Background(), pdu))
	require.Len(t, delivered, 1)
	assert.Equal(t, "payload", string(delivered[0]))
}

func TestStats_ReportsActivePolicySetName(t *testing.T) {
	cfg := config.Default()
	r := &fakeRMT{}
	e := &fakeEFCP{}
	registry := policy.NewRegistry(nil)

	c, err := New(testID(), cfg.Constants, config.DTPConfig{DTCPPresent: false}, nil, registry, r, e, func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, "default", c.Stats().PolicySetName)
}

func TestDestroy_IsIdempotentAndRejectsFurtherWrites(t *testing.T) {
	cfg := config.Default()
	r := &fakeRMT{}
	e := &fakeEFCP{}
	registry := policy.NewRegistry(nil)

	c, err := New(testID(), cfg.Constants, config.DTPConfig{DTCPPresent: false}, nil, registry, r, e, func([]byte) {})
	require.NoError(t, err)

	c.Destroy()
	c.Destroy() // must not panic or block

	err = c.Write(context.Background(), []byte("too late"))
	assert.Error(t, err)
}
