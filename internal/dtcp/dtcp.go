// Package dtcp implements the Data Transfer Control Protocol plane:
// building and parsing ACK/NACK/FC/ACK_AND_FC/CONTROL_ACK/RENDEZVOUS
// control PDUs, routing inbound ones through common_rcv_control, and RTT
// estimation. It shares the connection's state vector and RTXQ/RTTQ with
// internal/dtp rather than owning a private copy, so there is one source
// of truth per connection; internal/conn wires the two sides together
// with plain callback fields instead of a cyclic pointer between them.
package dtcp

import (
	"context"
	"fmt"
	"time"

	"github.com/rinastack/dtp/internal/pci"
	"github.com/rinastack/dtp/internal/policy"
	"github.com/rinastack/dtp/internal/queue/rtxq"
	"github.com/rinastack/dtp/internal/queue/rttq"
	"github.com/rinastack/dtp/internal/rmt"
	"github.com/rinastack/dtp/internal/rtimer"
	"github.com/rinastack/dtp/internal/statevector"
)

// Endpoint identifies the addressing fields a control PDU must carry.
type Endpoint struct {
	SourceAddress      uint32
	DestinationAddress uint32
	SourceCepID        uint32
	DestCepID          uint32
	QosID              uint16
}

// Config carries the subset of DTCPConfig that affects control-PDU
// construction and dispatch.
type Config struct {
	WindowBased bool
	RateBased   bool
	RTXOn       bool
}

// Handler is the per-connection DTCP control-plane engine.
type Handler struct {
	ep     Endpoint
	cfg    Config
	sv     *statevector.SV
	rtxq   *rtxq.Queue
	rttq   *rttq.Queue
	policy *policy.Handle
	rmt    rmt.RMT

	rendezvousTimer *rtimer.Handle

	// DrainCWQ is invoked after an FC update widens the window or
	// refreshes the rate, the signal that blocked PDUs may now go out.
	// Wired by internal/conn to the sender's CWQ-drain method.
	DrainCWQ func() error
}

// New builds a DTCP handler bound to the given state vector and queues.
func New(ep Endpoint, cfg Config, sv *statevector.SV, rtxQ *rtxq.Queue, rttQ *rttq.Queue, ps *policy.Handle, r rmt.RMT) *Handler {
	return &Handler{
		ep:              ep,
		cfg:             cfg,
		sv:              sv,
		rtxq:            rtxQ,
		rttq:            rttQ,
		policy:          ps,
		rmt:             r,
		rendezvousTimer: rtimer.New(),
	}
}

// CommonRcvControl routes an inbound control PDU, implementing the
// duplicate/gap checks shared by every control-PDU type before
// dispatching by type.
func (h *Handler) CommonRcvControl(p *pci.PDU) error {
	if !p.PCI.Type.IsControl() {
		h.sv.IncErr()
		return fmt.Errorf("%w: common_rcv_control given non-control pdu type %s", pci.ErrInvalidArgument, p.PCI.Type)
	}

	sn := p.PCI.SeqNum
	last := h.sv.LastRcvCtlSeq()
	if sn <= last {
		return nil // duplicate control pdu: dropped; no counter records it
	}
	if sn > last+1 {
		ps := h.policy.Load()
		if ps.LostControlPDU != nil {
			ps.LostControlPDU(last+1, sn)
		}
	}
	h.sv.SetLastRcvCtlSeq(sn)

	switch p.PCI.Type {
	case pci.TypeACK:
		return h.senderAck(p)
	case pci.TypeNACK:
		return h.nack(p)
	case pci.TypeFC:
		h.applyFC(p)
		return h.drainCWQ()
	case pci.TypeACKAndFC:
		if err := h.senderAck(p); err != nil {
			return err
		}
		h.applyFC(p)
		return h.drainCWQ()
	case pci.TypeControlACK:
		h.sv.SetRendezvousSndr(false)
		return nil
	case pci.TypeRendezvous:
		h.sv.SetRendezvousRcvr(true)
		return nil
	default:
		h.sv.IncErr()
		return fmt.Errorf("%w: unhandled control pdu type %s", pci.ErrInvalidArgument, p.PCI.Type)
	}
}

// senderAck implements ACK handling: drop acknowledged RTXQ entries,
// advance snd_lft_win and sample RTT.
func (h *Handler) senderAck(p *pci.PDU) error {
	seq := p.PCI.AckNackSeqNum
	tr := h.sv.TR()
	h.rtxq.Ack(seq, tr)
	h.rttq.Drop(seq)
	h.sv.SetSndLftWin(seq + 1)
	h.sampleRTT(seq)
	return nil
}

// nack retransmits the queue's tail run at or above the nacked sequence.
func (h *Handler) nack(p *pci.PDU) error {
	seq := p.PCI.AckNackSeqNum
	tr := h.sv.TR()
	if err := h.rtxq.Nack(seq, tr); err != nil {
		return err
	}
	h.sampleRTT(seq)
	return nil
}

// sampleRTT feeds a fresh sample into the RTT estimator policy hook if
// the RTXQ (or RTTQ, when RTX is off) still has an un-retransmitted
// timestamp for seq.
func (h *Handler) sampleRTT(seq uint32) {
	var ts time.Time
	var found, retried bool
	if h.cfg.RTXOn {
		ts, found, retried = h.rtxq.Timestamp(seq)
	} else {
		var ok bool
		ts, ok = h.rttq.Timestamp(seq)
		found = ok
	}
	if !found || retried {
		return
	}
	sample := time.Since(ts)
	ps := h.policy.Load()
	if ps.RTTEstimator == nil {
		return
	}
	rtt, srtt, rttvar := h.sv.RTTValues()
	next := ps.RTTEstimator(policy.RTTState{RTT: rtt, SRTT: srtt, RTTVar: rttvar, TR: h.sv.TR()}, sample, h.sv.A())
	h.sv.SetRTTValues(next.RTT, next.SRTT, next.RTTVar)
	h.sv.SetTR(next.TR)
}

// applyFC absorbs a peer's flow-control advertisement into the sender
// side of the state vector.
func (h *Handler) applyFC(p *pci.PDU) {
	if h.cfg.WindowBased {
		h.sv.SetSndRtWindEdge(p.PCI.NewRtWindEdge)
	}
	if h.cfg.RateBased {
		ps := h.policy.Load()
		rate, timeFrame := p.PCI.SndrRate, time.Duration(p.PCI.TimeFrame)*time.Millisecond
		if ps.RateReduction != nil {
			rate32, tf := ps.RateReduction(p.PCI.SndrRate, time.Duration(p.PCI.TimeFrame)*time.Millisecond)
			rate, timeFrame = rate32, tf
		}
		h.sv.SetSndrRate(rate)
		h.sv.SetTimeUnit(timeFrame)
	}
}

func (h *Handler) drainCWQ() error {
	if h.DrainCWQ == nil {
		return nil
	}
	return h.DrainCWQ()
}

// SVUpdate runs the receiver-side control PDU generation policy after a
// DT PDU has advanced LWE: window-based flow control recomputes the
// right window edge, and (when RTX control is off) an FC PDU is sent;
// when RTX is on an ACK-family PDU is sent instead, chosen by the
// ControlPDUType policy hook. Rate-based flow control updates no rate
// field of the state vector here.
func (h *Handler) SVUpdate(ctx context.Context) error {
	if h.cfg.WindowBased {
		h.sv.UpdateRtWindEdge()
	}

	if h.cfg.RTXOn {
		ps := h.policy.Load()
		kind := policy.ControlPDUAck
		if ps.ControlPDUType != nil {
			kind = ps.ControlPDUType(h.cfg.WindowBased || h.cfg.RateBased)
		}
		return h.sendControl(ctx, kind)
	}

	return h.sendControl(ctx, controlPDUFC)
}

// EmitRendezvous builds and sends a RENDEZVOUS control PDU and arms the
// rendezvous timer with tr, re-emitting while the sender stays stuck.
func (h *Handler) EmitRendezvous(ctx context.Context) error {
	if err := h.sendControl(ctx, -1); err != nil {
		return err
	}
	tr := h.sv.TR()
	h.rendezvousTimer.Start(tr, func() {
		if h.sv.RendezvousSndr() {
			_ = h.EmitRendezvous(context.Background())
		}
	})
	return nil
}

// StopRendezvousTimer cancels any pending rendezvous retransmit.
func (h *Handler) StopRendezvousTimer() {
	h.rendezvousTimer.Stop()
}

// controlPDUFC selects a plain FC PDU in sendControl. Like the -1 that
// EmitRendezvous passes, it lies outside the policy.ControlPDUKind values.
const controlPDUFC policy.ControlPDUKind = -2

func (h *Handler) sendControl(ctx context.Context, kind policy.ControlPDUKind) error {
	var t pci.Type
	switch kind {
	case controlPDUFC:
		t = pci.TypeFC
	case policy.ControlPDUAck:
		t = pci.TypeACK
	case policy.ControlPDUAckAndFC:
		t = pci.TypeACKAndFC
	case policy.ControlPDUNack:
		t = pci.TypeNACK
	case policy.ControlPDUNackAndFC:
		t = pci.TypeNACKAndFC
	default:
		t = pci.TypeRendezvous
	}

	p := &pci.PDU{PCI: pci.PCI{
		Type:               t,
		Source:             h.ep.SourceAddress,
		Destination:        h.ep.DestinationAddress,
		SourceCepID:        h.ep.SourceCepID,
		DestCepID:          h.ep.DestCepID,
		QosID:              h.ep.QosID,
		SeqNum:             h.sv.NextSndCtlSeq(),
		AckNackSeqNum:      h.sv.MaxSeqNrRcv(),
		NewRtWindEdge:      h.sv.RcvrRtWindEdge(),
		NewLfWindEdge:      h.sv.LWE(),
		MyRtWindEdge:       h.sv.SndRtWindEdge(),
		MyLfWindEdge:       h.sv.SndLftWin(),
		LastCtrlSeqNumRcvd: h.sv.LastRcvCtlSeq(),
		SndrRate:           h.sv.SndrRate(),
		TimeFrame:          uint32(h.sv.TimeUnit() / time.Millisecond),
	}}

	if err := h.rmt.Send(ctx, h.ep.DestinationAddress, h.ep.QosID, p); err != nil {
		return fmt.Errorf("%w: sending control pdu: %v", pci.ErrDownstream, err)
	}
	return nil
}
