package dtp

import (
	"context"
	"time"

	"github.com/rinastack/dtp/internal/pci"
	"github.com/rinastack/dtp/internal/queue/seqq"
	"github.com/rinastack/dtp/internal/rtimer"
	"github.com/rinastack/dtp/internal/statevector"
)

// Deliverer hands a reassembled SDU to the user of the flow.
type Deliverer func(sdu []byte)

// ReceiverConfig carries the subset of DTPConfig/DTCPConfig that shapes
// receive().
type ReceiverConfig struct {
	DTCPPresent bool
	WindowBased bool
	RTXOn       bool
	MaxSDUGap   int
}

// Receiver is the DTP receive() path plus the A-timer-driven SeqQ drain.
type Receiver struct {
	ep              Endpoint
	cfg             ReceiverConfig
	sv              *statevector.SV
	seqq            *seqq.Queue
	deliver         Deliverer
	inactivityTimer *rtimer.Handle

	// SVUpdate notifies DTCP that LWE advanced, so it can run its
	// control-PDU generation policy. Wired by internal/conn to the DTCP
	// handler's SVUpdate method.
	SVUpdate func(ctx context.Context) error
}

// NewReceiver builds a receive()-path engine. deliver is called, with no
// internal lock held, to hand a reassembled SDU to the EFCP user.
func NewReceiver(ep Endpoint, cfg ReceiverConfig, sv *statevector.SV, sq *seqq.Queue, deliver Deliverer) *Receiver {
	return &Receiver{
		ep:              ep,
		cfg:             cfg,
		sv:              sv,
		seqq:            sq,
		deliver:         deliver,
		inactivityTimer: rtimer.New(),
	}
}

// Receive implements §4.7: validate, dedup/reorder and reassemble an
// inbound DT PDU, posting whatever contiguous run of SDUs it completes.
func (r *Receiver) Receive(ctx context.Context, p *pci.PDU) error {
	r.inactivityTimer.Stop()

	seq := p.PCI.SeqNum

	// DATA_RUN only means something while a fresh run is still awaited;
	// once drf_required has already been cleared, the flag is a no-op.
	if r.sv.DRFRequired() {
		if !p.PCI.Flags.Has(pci.FlagDataRun) {
			r.sv.IncDrop()
			r.armInactivityTimer()
			return nil
		}
		r.sv.SetLWE(seq - 1)
		r.sv.SetMaxSeqNrRcv(seq - 1)
		r.seqq.Flush()
		r.sv.SetDRFRequired(false)
		r.sv.SetRendezvousRcvr(false)
	}

	if r.cfg.WindowBased && seq > r.sv.RcvrRtWindEdge() {
		r.sv.IncDrop() // flow-control overrun: past the advertised window
		r.armInactivityTimer()
		return nil
	}

	if seq > r.sv.MaxSeqNrRcv() {
		r.sv.SetMaxSeqNrRcv(seq)
	}

	if seq <= r.sv.LWE() {
		r.sv.IncDrop() // duplicate or already delivered
		r.armInactivityTimer()
		return nil
	}

	r.sv.IncRx(len(p.Payload))

	var advanced bool
	var err error
	if r.sv.A() <= 0 {
		advanced = r.postImmediateOrDrop(p)
	} else {
		r.seqq.Push(p, time.Now())
		advanced, err = r.drainSeqQ(ctx)
	}
	if err != nil {
		r.armInactivityTimer()
		return err
	}

	if advanced && r.cfg.DTCPPresent && r.SVUpdate != nil {
		if err := r.SVUpdate(ctx); err != nil {
			r.armInactivityTimer()
			return err
		}
	}

	r.armInactivityTimer()
	return nil
}

// postImmediateOrDrop implements the A==0 path: delivery never waits on
// the reorder buffer. A PDU that continues the run (or falls within the
// configured SDU gap) is posted immediately and LWE advances to its
// sequence number; one that opens too wide a gap while retransmission
// control is active is dropped outright, since a retransmit will
// eventually resupply it.
func (r *Receiver) postImmediateOrDrop(p *pci.PDU) bool {
	lwe := r.sv.LWE()
	withinGap := p.PCI.SeqNum <= lwe+1+uint32(r.cfg.MaxSDUGap)
	if !withinGap && r.cfg.RTXOn {
		r.sv.IncDrop()
		return false
	}
	r.sv.SetLWE(p.PCI.SeqNum)
	r.deliver(p.Payload)
	return true
}

// drainSeqQ walks the reorder buffer forward from the current LWE,
// posting every contiguous SDU it can and dropping any that missed their
// A-timer budget when retransmission control covers for them.
func (r *Receiver) drainSeqQ(ctx context.Context) (bool, error) {
	a := r.sv.A()
	result := r.seqq.Drain(r.sv.LWE(), a, r.cfg.MaxSDUGap, r.cfg.RTXOn, time.Now())
	if result.NewLWE == r.sv.LWE() && len(result.ToPost) == 0 && len(result.Dropped) == 0 {
		return false, nil
	}

	r.sv.SetLWE(result.NewLWE)
	for range result.Dropped {
		r.sv.IncDrop()
	}
	for _, pdu := range result.ToPost {
		r.deliver(pdu.Payload)
	}

	if a > 0 {
		r.seqq.Arm(a, func() { r.onATimerFire(ctx) })
	}

	return len(result.ToPost) > 0 || len(result.Dropped) > 0, nil
}

// onATimerFire re-runs the drain when the A-timer expires, the mechanism
// that bounds how long a gap can stall delivery of everything behind it.
func (r *Receiver) onATimerFire(ctx context.Context) {
	advanced, err := r.drainSeqQ(ctx)
	if err != nil {
		return
	}
	if advanced && r.cfg.DTCPPresent && r.SVUpdate != nil {
		_ = r.SVUpdate(ctx)
	}
}

func (r *Receiver) armInactivityTimer() {
	r.inactivityTimer.Start(r.sv.ReceiverInactivityTimeout(), r.onReceiverInactivity)
}

// onReceiverInactivity implements the default receiver_inactivity_timer
// policy: require a fresh DRF before accepting more data and drop
// whatever the reorder buffer still holds.
func (r *Receiver) onReceiverInactivity() {
	r.sv.SetDRFRequired(true)
	r.seqq.Flush()
}
