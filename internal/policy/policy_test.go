package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_ReconcileFlowConflictPermits(t *testing.T) {
	s := Default()
	assert.True(t, s.ReconcileFlowConflict())
}

func TestDefault_ClosedWindowRespectsCapacity(t *testing.T) {
	s := Default()
	assert.True(t, s.ClosedWindow(1, 3))
	assert.False(t, s.ClosedWindow(3, 3))
	assert.True(t, s.ClosedWindow(1000, 0), "unbounded queue never overruns")
}

func TestDefault_ControlPDUTypeNeverNack(t *testing.T) {
	s := Default()
	assert.Equal(t, ControlPDUAck, s.ControlPDUType(false))
	assert.Equal(t, ControlPDUAckAndFC, s.ControlPDUType(true))
}

func TestDefault_RTTEstimator_FirstSampleSeedsRTT(t *testing.T) {
	s := Default()
	next := s.RTTEstimator(RTTState{}, 50*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, next.RTT)
	assert.Equal(t, 50*time.Millisecond, next.SRTT)
	assert.Equal(t, 25*time.Millisecond, next.RTTVar)
	assert.GreaterOrEqual(t, next.TR, 100*time.Millisecond)
}

func TestDefault_RTTEstimator_FloorsAtG(t *testing.T) {
	s := Default()
	prev := RTTState{RTT: time.Millisecond, SRTT: time.Millisecond, RTTVar: 0}
	next := s.RTTEstimator(prev, time.Millisecond, 0)
	assert.Equal(t, 100*time.Millisecond, next.TR)
}

func TestRegistry_BuildUnknownReturnsNotFound(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Build("nonexistent")
	require.Error(t, err)
}

func TestRegistry_DefaultAlwaysPresent(t *testing.T) {
	r := NewRegistry(nil)
	s, err := r.Build("default")
	require.NoError(t, err)
	assert.Equal(t, "default", s.Name)
}

func TestHandle_SwapIsVisibleToSubsequentLoad(t *testing.T) {
	h := NewHandle(Default())
	custom := Default()
	custom.Name = "lossy"
	h.Swap(custom)
	assert.Equal(t, "lossy", h.Load().Name)
}
