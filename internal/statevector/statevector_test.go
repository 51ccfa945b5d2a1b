package statevector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_DrawsNonzeroInitialSeq(t *testing.T) {
	sv := New(time.Second, time.Second, 10*time.Millisecond, 100*time.Millisecond)
	first := sv.NextSeqNrToSend()
	assert.NotZero(t, first)
	assert.Equal(t, first+1, sv.NextSeqNrToSend())
}

func TestSenderInactivityTimeout_Multiplier(t *testing.T) {
	sv := New(10*time.Millisecond, 20*time.Millisecond, 5*time.Millisecond, 100*time.Millisecond)
	assert.Equal(t, 3*(10+20+5)*time.Millisecond, sv.SenderInactivityTimeout())
	assert.Equal(t, 2*(10+20+5)*time.Millisecond, sv.ReceiverInactivityTimeout())
}

// TestUpdateRtWindEdge_NeverShrinks checks that across a sequence of
// UpdateCreditAndRtWindEdge calls, the right window edge never decreases.
func TestUpdateRtWindEdge_NeverShrinks(t *testing.T) {
	sv := New(time.Second, time.Second, 0, 100*time.Millisecond)
	sv.SetLWE(0)

	sv.UpdateCreditAndRtWindEdge(10)
	assert.EqualValues(t, 10, sv.RcvrRtWindEdge())

	sv.UpdateCreditAndRtWindEdge(3)
	assert.EqualValues(t, 10, sv.RcvrRtWindEdge(), "edge must not shrink when credit drops")

	sv.SetLWE(8)
	sv.UpdateCreditAndRtWindEdge(10)
	assert.EqualValues(t, 18, sv.RcvrRtWindEdge())
}

func TestReinitialize_SetsDRFAndClearsWindowState(t *testing.T) {
	sv := New(time.Second, time.Second, 0, 100*time.Millisecond)
	sv.SetWindowClosed(true)
	sv.SetRendezvousSndr(true)
	before := sv.SeqNrToSend()

	sv.Reinitialize()

	assert.True(t, sv.DRFFlag())
	assert.False(t, sv.WindowClosed())
	assert.False(t, sv.RendezvousSndr())
	assert.NotEqual(t, before, sv.SeqNrToSend())
}

func TestStats_Counters(t *testing.T) {
	sv := New(time.Second, time.Second, 0, 100*time.Millisecond)
	sv.IncTx(100)
	sv.IncTx(50)
	sv.IncRx(20)
	sv.IncDrop()
	sv.IncErr()

	snap := sv.StatsSnapshot()
	assert.EqualValues(t, 2, snap.TxPDUs)
	assert.EqualValues(t, 150, snap.TxBytes)
	assert.EqualValues(t, 1, snap.RxPDUs)
	assert.EqualValues(t, 20, snap.RxBytes)
	assert.EqualValues(t, 1, snap.DropPDUs)
	assert.EqualValues(t, 1, snap.ErrPDUs)
}
