// Package policy abstracts the pluggable decision points a connection can
// swap at runtime: closed-window admission, flow conflict reconciliation, lost-control-PDU handling, RTT estimation,
// rate reduction and control-PDU type selection.
//
// Rather than exposing those as a single capability-set interface that
// would force internal/dtp and internal/dtcp to import each other's state,
// each hook here is a narrow function over plain values; internal/conn
// wires the result back into the state vector and queues it owns.
package policy

import (
	"time"

	"github.com/rinastack/dtp/internal/logging"
)

// ControlPDUKind is the control-PDU type the receiver-side ACK policy
// chooses to emit.
type ControlPDUKind int

const (
	ControlPDUAck ControlPDUKind = iota
	ControlPDUAckAndFC
	ControlPDUNack
	ControlPDUNackAndFC
)

// RTTState is the mutable RTT estimator state threaded through
// RTTEstimator calls.
type RTTState struct {
	RTT    time.Duration
	SRTT   time.Duration
	RTTVar time.Duration
	TR     time.Duration
}

// Set is a named collection of policy hooks. Call sites skip a nil hook
// and take their own fallback, which is not always the Default()
// behavior (a nil ReconcileFlowConflict, for one, leaves a conflict
// closed).
type Set struct {
	Name string

	// ReconcileFlowConflict resolves a disagreement between the
	// window-based and rate-based "can send more" checks. Default: true
	// (permit).
	ReconcileFlowConflict func() bool

	// ClosedWindow decides whether a PDU blocked by flow control should
	// be queued to the CWQ (true) or treated as an overrun that disables
	// upper-layer write (false). Default: maxLen == 0 (unbounded) or
	// cwqLen < maxLen.
	ClosedWindow func(cwqLen, maxLen int) bool

	// LostControlPDU is invoked when a control PDU sequence gap is
	// detected. Default: log-only.
	LostControlPDU func(expected, got uint32)

	// RTTEstimator folds a fresh RTT sample into prev per the RFC
	// 6298-style update, returning the new state including tr. Default:
	// the standard EWMA update.
	RTTEstimator func(prev RTTState, sample time.Duration, a time.Duration) RTTState

	// RateReduction computes this side's view of the peer's advertised
	// sending rate after a rate-control update. Default: copy the peer's
	// values verbatim.
	RateReduction func(peerRate uint32, peerTimeFrame time.Duration) (rate uint32, timeUnit time.Duration)

	// ControlPDUType selects which control PDU family the receiver-side
	// ack policy should emit. Default: ACK or ACK+FC, never NACK (the
	// NACK branch is disabled pending selective-ACK support).
	ControlPDUType func(fcOn bool) ControlPDUKind
}

// Default returns the policy set matching the behaviors described for the
// default policy set.
func Default() Set {
	return Set{
		Name:                  "default",
		ReconcileFlowConflict: func() bool { return true },
		ClosedWindow: func(cwqLen, maxLen int) bool {
			return maxLen == 0 || cwqLen < maxLen
		},
		LostControlPDU: func(expected, got uint32) {
			logging.Warn("dtcp: lost control pdu, expected seq %d got %d", expected, got)
		},
		RTTEstimator: func(prev RTTState, sample time.Duration, a time.Duration) RTTState {
			const gMin = 100 * time.Millisecond
			next := prev
			if prev.RTT == 0 {
				next.RTT = sample
				next.SRTT = sample
				next.RTTVar = sample / 2
			} else {
				next.RTT = (prev.RTT*112 + sample<<4) >> 7
				diff := prev.SRTT - sample
				if diff < 0 {
					diff = -diff
				}
				next.RTTVar = (3*prev.RTTVar)>>2 + diff>>2
				next.SRTT = next.RTT
			}
			tr := (next.RTTVar << 2) + next.SRTT + a
			if tr < gMin {
				tr = gMin
			}
			next.TR = tr
			return next
		},
		RateReduction: func(peerRate uint32, peerTimeFrame time.Duration) (uint32, time.Duration) {
			return peerRate, peerTimeFrame
		},
		ControlPDUType: func(fcOn bool) ControlPDUKind {
			if fcOn {
				return ControlPDUAckAndFC
			}
			return ControlPDUAck
		},
	}
}
