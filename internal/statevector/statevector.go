// Package statevector implements the per-connection State Vector: every
// field DTP and DTCP read or write under one lock.
//
// Sequence numbers, window edges, RTT estimate and stats counters all sit
// behind one sync.Mutex with get/set accessor methods, rather than one
// lock per field.
package statevector

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"
)

// SV is the per-connection State Vector. All fields are accessed only
// through the methods below, each of which takes sv_lock for the duration
// of the access.
type SV struct {
	mu sync.Mutex

	// Sender
	seqNrToSend   uint32
	maxSeqNrSent  uint32
	drfFlag       bool
	windowClosed  bool
	rateFulfiled  bool
	rexmsnCtrl    bool
	windowBased   bool
	rateBased     bool
	drfRequired   bool

	// Receiver
	rcvLeftWindowEdge uint32
	maxSeqNrRcv       uint32

	// Timeouts
	mpl time.Duration
	r   time.Duration
	a   time.Duration
	tr  time.Duration

	// DTCP sender
	nextSndCtlSeq       uint32
	lastSndDataAck      uint32
	sndLftWin           uint32
	sndRtWindEdge       uint32
	sndrCredit          uint32
	sndrRate            uint32
	pdusSentInTimeUnit  uint32
	rendezvousSndr      bool

	// DTCP receiver
	lastRcvCtlSeq      uint32
	lastRcvDataAck     uint32
	rcvrCredit         uint32
	rcvrRtWindEdge     uint32
	rcvrRate           uint32
	pdusRcvdInTimeUnit uint32
	rendezvousRcvr     bool
	lastTime           time.Time
	timeUnit           time.Duration

	// RTT
	rtt    time.Duration
	srtt   time.Duration
	rttvar time.Duration

	// Stats
	stats Stats
}

// Stats is the {drop,err,tx,rx} counter family.
type Stats struct {
	DropPDUs uint64
	ErrPDUs  uint64
	TxPDUs   uint64
	RxPDUs   uint64
	TxBytes  uint64
	RxBytes  uint64
}

// New builds a fresh SV with a random nonzero initial sequence number.
func New(mpl, r, a, initialTR time.Duration) *SV {
	sv := &SV{mpl: mpl, r: r, a: a, tr: initialTR, drfFlag: true, drfRequired: true}
	initial := randomNonzeroUint32()
	sv.seqNrToSend = initial - 1 // write() pre-increments to produce `initial`
	sv.maxSeqNrSent = initial - 1
	sv.sndLftWin = initial - 1
	sv.rcvLeftWindowEdge = 0
	return sv
}

func randomNonzeroUint32() uint32 {
	max := new(big.Int).Lsh(big.NewInt(1), 32)
	for {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return uint32(time.Now().UnixNano()) | 1
		}
		v := uint32(n.Uint64())
		if v != 0 {
			return v
		}
	}
}

// --- Sender ---

func (sv *SV) NextSeqNrToSend() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.seqNrToSend++
	return sv.seqNrToSend
}

func (sv *SV) SeqNrToSend() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.seqNrToSend
}

func (sv *SV) MaxSeqNrSent() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.maxSeqNrSent
}

func (sv *SV) SetMaxSeqNrSent(v uint32) {
	sv.mu.Lock()
	sv.maxSeqNrSent = v
	sv.mu.Unlock()
}

func (sv *SV) DRFFlag() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.drfFlag
}

func (sv *SV) SetDRFFlag(v bool) {
	sv.mu.Lock()
	sv.drfFlag = v
	sv.mu.Unlock()
}

func (sv *SV) WindowClosed() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.windowClosed
}

func (sv *SV) SetWindowClosed(v bool) {
	sv.mu.Lock()
	sv.windowClosed = v
	sv.mu.Unlock()
}

func (sv *SV) RateFulfiled() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.rateFulfiled
}

func (sv *SV) SetRateFulfiled(v bool) {
	sv.mu.Lock()
	sv.rateFulfiled = v
	sv.mu.Unlock()
}

func (sv *SV) RexmsnCtrl() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.rexmsnCtrl
}

func (sv *SV) SetRexmsnCtrl(v bool) {
	sv.mu.Lock()
	sv.rexmsnCtrl = v
	sv.mu.Unlock()
}

func (sv *SV) WindowBased() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.windowBased
}

func (sv *SV) SetWindowBased(v bool) {
	sv.mu.Lock()
	sv.windowBased = v
	sv.mu.Unlock()
}

func (sv *SV) RateBased() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.rateBased
}

func (sv *SV) SetRateBased(v bool) {
	sv.mu.Lock()
	sv.rateBased = v
	sv.mu.Unlock()
}

func (sv *SV) DRFRequired() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.drfRequired
}

func (sv *SV) SetDRFRequired(v bool) {
	sv.mu.Lock()
	sv.drfRequired = v
	sv.mu.Unlock()
}

// --- Receiver ---

func (sv *SV) LWE() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.rcvLeftWindowEdge
}

func (sv *SV) SetLWE(v uint32) {
	sv.mu.Lock()
	sv.rcvLeftWindowEdge = v
	sv.mu.Unlock()
}

func (sv *SV) MaxSeqNrRcv() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.maxSeqNrRcv
}

func (sv *SV) SetMaxSeqNrRcv(v uint32) {
	sv.mu.Lock()
	sv.maxSeqNrRcv = v
	sv.mu.Unlock()
}

// --- Timeouts ---

func (sv *SV) MPL() time.Duration {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.mpl
}

func (sv *SV) R() time.Duration {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.r
}

func (sv *SV) A() time.Duration {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.a
}

func (sv *SV) TR() time.Duration {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.tr
}

func (sv *SV) SetTR(v time.Duration) {
	sv.mu.Lock()
	sv.tr = v
	sv.mu.Unlock()
}

// SenderInactivityMultiplier and ReceiverInactivityMultiplier scale
// MPL+R+A into the sender and receiver inactivity timeouts. Named
// constants so a future config extension can override them.
const (
	SenderInactivityMultiplier   = 3
	ReceiverInactivityMultiplier = 2
)

// SenderInactivityTimeout returns 3*(MPL+R+A).
func (sv *SV) SenderInactivityTimeout() time.Duration {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return SenderInactivityMultiplier * (sv.mpl + sv.r + sv.a)
}

// ReceiverInactivityTimeout returns 2*(MPL+R+A).
func (sv *SV) ReceiverInactivityTimeout() time.Duration {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return ReceiverInactivityMultiplier * (sv.mpl + sv.r + sv.a)
}

// --- DTCP sender ---

func (sv *SV) NextSndCtlSeq() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.nextSndCtlSeq++
	return sv.nextSndCtlSeq
}

func (sv *SV) LastSndDataAck() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.lastSndDataAck
}

func (sv *SV) SetLastSndDataAck(v uint32) {
	sv.mu.Lock()
	sv.lastSndDataAck = v
	sv.mu.Unlock()
}

func (sv *SV) SndLftWin() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.sndLftWin
}

func (sv *SV) SetSndLftWin(v uint32) {
	sv.mu.Lock()
	sv.sndLftWin = v
	sv.mu.Unlock()
}

func (sv *SV) SndRtWindEdge() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.sndRtWindEdge
}

func (sv *SV) SetSndRtWindEdge(v uint32) {
	sv.mu.Lock()
	sv.sndRtWindEdge = v
	sv.mu.Unlock()
}

func (sv *SV) SndrCredit() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.sndrCredit
}

func (sv *SV) SetSndrCredit(v uint32) {
	sv.mu.Lock()
	sv.sndrCredit = v
	sv.mu.Unlock()
}

func (sv *SV) SndrRate() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.sndrRate
}

func (sv *SV) SetSndrRate(v uint32) {
	sv.mu.Lock()
	sv.sndrRate = v
	sv.mu.Unlock()
}

// PDUsSentInTimeUnit returns the running byte count sent in the current
// rate window.
func (sv *SV) PDUsSentInTimeUnit() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.pdusSentInTimeUnit
}

func (sv *SV) SetPDUsSentInTimeUnit(v uint32) {
	sv.mu.Lock()
	sv.pdusSentInTimeUnit = v
	sv.mu.Unlock()
}

func (sv *SV) RendezvousSndr() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.rendezvousSndr
}

func (sv *SV) SetRendezvousSndr(v bool) {
	sv.mu.Lock()
	sv.rendezvousSndr = v
	sv.mu.Unlock()
}

// --- DTCP receiver ---

func (sv *SV) LastRcvCtlSeq() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.lastRcvCtlSeq
}

func (sv *SV) SetLastRcvCtlSeq(v uint32) {
	sv.mu.Lock()
	sv.lastRcvCtlSeq = v
	sv.mu.Unlock()
}

func (sv *SV) LastRcvDataAck() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.lastRcvDataAck
}

func (sv *SV) SetLastRcvDataAck(v uint32) {
	sv.mu.Lock()
	sv.lastRcvDataAck = v
	sv.mu.Unlock()
}

func (sv *SV) RcvrCredit() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.rcvrCredit
}

func (sv *SV) SetRcvrCredit(v uint32) {
	sv.mu.Lock()
	sv.rcvrCredit = v
	sv.mu.Unlock()
}

func (sv *SV) RcvrRtWindEdge() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.rcvrRtWindEdge
}

// UpdateRtWindEdge sets rcvr_rt_wind_edge := LWE + rcvr_credit but never
// shrinks it: the right window edge never moves backward.
func (sv *SV) UpdateRtWindEdge() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	candidate := sv.rcvLeftWindowEdge + sv.rcvrCredit
	if candidate > sv.rcvrRtWindEdge {
		sv.rcvrRtWindEdge = candidate
	}
}

// UpdateCreditAndRtWindEdge atomically sets rcvr_credit and bumps
// rcvr_rt_wind_edge if the new edge would be larger.
func (sv *SV) UpdateCreditAndRtWindEdge(credit uint32) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.rcvrCredit = credit
	candidate := sv.rcvLeftWindowEdge + credit
	if candidate > sv.rcvrRtWindEdge {
		sv.rcvrRtWindEdge = candidate
	}
}

func (sv *SV) RcvrRate() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.rcvrRate
}

func (sv *SV) SetRcvrRate(v uint32) {
	sv.mu.Lock()
	sv.rcvrRate = v
	sv.mu.Unlock()
}

func (sv *SV) PDUsRcvdInTimeUnit() uint32 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.pdusRcvdInTimeUnit
}

func (sv *SV) SetPDUsRcvdInTimeUnit(v uint32) {
	sv.mu.Lock()
	sv.pdusRcvdInTimeUnit = v
	sv.mu.Unlock()
}

func (sv *SV) RendezvousRcvr() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.rendezvousRcvr
}

func (sv *SV) SetRendezvousRcvr(v bool) {
	sv.mu.Lock()
	sv.rendezvousRcvr = v
	sv.mu.Unlock()
}

func (sv *SV) LastTime() time.Time {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.lastTime
}

func (sv *SV) SetLastTime(v time.Time) {
	sv.mu.Lock()
	sv.lastTime = v
	sv.mu.Unlock()
}

func (sv *SV) TimeUnit() time.Duration {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.timeUnit
}

func (sv *SV) SetTimeUnit(v time.Duration) {
	sv.mu.Lock()
	sv.timeUnit = v
	sv.mu.Unlock()
}

// --- RTT ---

func (sv *SV) RTTValues() (rtt, srtt, rttvar time.Duration) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.rtt, sv.srtt, sv.rttvar
}

func (sv *SV) SetRTTValues(rtt, srtt, rttvar time.Duration) {
	sv.mu.Lock()
	sv.rtt, sv.srtt, sv.rttvar = rtt, srtt, rttvar
	sv.mu.Unlock()
}

// --- Stats ---

func (sv *SV) IncDrop() {
	sv.mu.Lock()
	sv.stats.DropPDUs++
	sv.mu.Unlock()
}

func (sv *SV) IncErr() {
	sv.mu.Lock()
	sv.stats.ErrPDUs++
	sv.mu.Unlock()
}

func (sv *SV) IncTx(bytes int) {
	sv.mu.Lock()
	sv.stats.TxPDUs++
	sv.stats.TxBytes += uint64(bytes)
	sv.mu.Unlock()
}

func (sv *SV) IncRx(bytes int) {
	sv.mu.Lock()
	sv.stats.RxPDUs++
	sv.stats.RxBytes += uint64(bytes)
	sv.mu.Unlock()
}

func (sv *SV) StatsSnapshot() Stats {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.stats
}

// Reinitialize resets sequencing state to the semantics required after a
// sender-inactivity expiration: a fresh random initial
// sequence number and drf_flag set.
func (sv *SV) Reinitialize() {
	initial := randomNonzeroUint32()
	sv.mu.Lock()
	sv.seqNrToSend = initial - 1
	sv.maxSeqNrSent = initial - 1
	sv.sndLftWin = initial - 1
	sv.drfFlag = true
	sv.windowClosed = false
	sv.rendezvousSndr = false
	sv.mu.Unlock()
}
