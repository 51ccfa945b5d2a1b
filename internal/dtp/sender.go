// Package dtp implements the Data Transfer Protocol data path: the sender
// (write) and receiver (receive) sides described in §4.6/§4.7, including
// the Closed-Window Queue drain logic that the sender owns.
//
// Sequence numbers are drawn under the state vector's lock and the PDU is
// then sent with no lock held; queued-but-blocked writes are replayed
// once a flow-control update from the peer (FC or ACK_AND_FC) reopens the
// window, or when the rate window expires.
package dtp

import (
	"context"
	"fmt"
	"time"

	"github.com/rinastack/dtp/internal/pci"
	"github.com/rinastack/dtp/internal/policy"
	"github.com/rinastack/dtp/internal/queue/cwq"
	"github.com/rinastack/dtp/internal/queue/rtxq"
	"github.com/rinastack/dtp/internal/queue/rttq"
	"github.com/rinastack/dtp/internal/rmt"
	"github.com/rinastack/dtp/internal/rtimer"
	"github.com/rinastack/dtp/internal/statevector"
)

// Endpoint identifies the addressing fields a data PDU must carry.
type Endpoint struct {
	SourceAddress      uint32
	DestinationAddress uint32
	SourceCepID        uint32
	DestCepID          uint32
	QosID              uint16
}

// SenderConfig carries the subset of DTPConfig/DTCPConfig that shapes
// write().
type SenderConfig struct {
	DTCPPresent         bool
	WindowBased         bool
	RateBased           bool
	RTXOn               bool
	MaxClosedWinQLength int
	SendingRate         uint32
}

// Sender is the DTP write() path plus the CWQ drain it owns.
type Sender struct {
	ep     Endpoint
	cfg    SenderConfig
	sv     *statevector.SV
	cwq    *cwq.Queue
	rtxq   *rtxq.Queue
	rttq   *rttq.Queue
	policy *policy.Handle
	rmt    rmt.RMT
	efcp   rmt.EFCP

	inactivityTimer *rtimer.Handle
	rateTimer       *rtimer.Handle

	// EmitRendezvous and StopRendezvousTimer are wired by internal/conn
	// to the DTCP handler's control-PDU construction, since rendezvous
	// PDUs are built and sequenced by DTCP.
	EmitRendezvous      func(ctx context.Context) error
	StopRendezvousTimer func()
}

// NewSender builds a write()-path engine bound to the given state,
// queues, policy handle and downstream collaborators.
func NewSender(ep Endpoint, cfg SenderConfig, sv *statevector.SV, cwQ *cwq.Queue, rtxQ *rtxq.Queue, rttQ *rttq.Queue, ps *policy.Handle, r rmt.RMT, efcp rmt.EFCP) *Sender {
	return &Sender{
		ep:              ep,
		cfg:             cfg,
		sv:              sv,
		cwq:             cwQ,
		rtxq:            rtxQ,
		rttq:            rttQ,
		policy:          ps,
		rmt:             r,
		efcp:            efcp,
		inactivityTimer: rtimer.New(),
		rateTimer:       rtimer.New(),
	}
}

// Write implements §4.6: encapsulate sdu into a DT PDU, assign the next
// sequence number, and either send it immediately or defer it to the CWQ
// under flow/rate control.
func (s *Sender) Write(ctx context.Context, sdu []byte) error {
	s.inactivityTimer.Stop()

	csn := s.sv.NextSeqNrToSend()
	p := &pci.PDU{PCI: pci.PCI{
		Type:        pci.TypeDT,
		Source:      s.ep.SourceAddress,
		Destination: s.ep.DestinationAddress,
		SourceCepID: s.ep.SourceCepID,
		DestCepID:   s.ep.DestCepID,
		QosID:       s.ep.QosID,
		SeqNum:      csn,
		Length:      uint16(len(sdu)),
	}, Payload: sdu}

	if s.sv.DRFFlag() || (s.sv.SndLftWin() == csn-1 && s.cfg.RTXOn) {
		p.PCI.Flags |= pci.FlagDataRun
		s.sv.SetDRFFlag(false)
	}

	if !s.cfg.DTCPPresent {
		if err := s.rmt.Send(ctx, s.ep.DestinationAddress, s.ep.QosID, p); err != nil {
			s.sv.IncErr()
			return fmt.Errorf("%w: %v", pci.ErrDownstream, err)
		}
		s.sv.IncTx(len(sdu))
		s.armInactivityTimer()
		return nil
	}

	if s.cfg.WindowBased || s.cfg.RateBased {
		if closed := s.windowIsClosed(csn, len(sdu)); closed {
			if err := s.deferClosed(p); err != nil {
				return err
			}
			return nil
		}
	}

	if s.cfg.RateBased {
		s.accountRate(len(sdu))
	}

	s.enqueueForRTXOrRTT(p)

	if err := s.transmissionControl(ctx, p); err != nil {
		s.sv.IncErr()
		return err
	}

	s.sv.IncTx(len(sdu))
	s.armInactivityTimer()
	return nil
}

// windowIsClosed implements window_is_closed: it sets window_closed when
// csn exceeds the right window edge, sets rate_fulfiled when the rate
// budget is exceeded, arming the rate-window timer in that case, and asks
// the reconcile_flow_conflict policy hook to settle disagreements between
// the two controls.
func (s *Sender) windowIsClosed(csn uint32, bytes int) bool {
	windowClosed := s.cfg.WindowBased && csn > s.sv.SndRtWindEdge()
	rateClosed := false
	if s.cfg.RateBased {
		rateClosed = s.rateExceeded(bytes)
		if rateClosed {
			s.sv.SetRateFulfiled(true)
			s.armRateTimer()
		}
	}

	if s.cfg.WindowBased {
		s.sv.SetWindowClosed(windowClosed)
	}

	switch {
	case s.cfg.WindowBased && s.cfg.RateBased && windowClosed != rateClosed:
		ps := s.policy.Load()
		if ps.ReconcileFlowConflict != nil && ps.ReconcileFlowConflict() {
			return false
		}
		return true
	case s.cfg.WindowBased:
		return windowClosed
	case s.cfg.RateBased:
		return rateClosed
	default:
		return false
	}
}

// rateExceeded reports whether sending an additional `bytes` would meet or
// exceed sndr_rate within the current time unit.
func (s *Sender) rateExceeded(bytes int) bool {
	if s.cfg.SendingRate == 0 {
		return false
	}
	return s.sv.PDUsSentInTimeUnit()+uint32(bytes) >= s.cfg.SendingRate
}

func (s *Sender) accountRate(bytes int) {
	next := s.sv.PDUsSentInTimeUnit() + uint32(bytes)
	if s.cfg.SendingRate > 0 && next > s.cfg.SendingRate {
		next = s.cfg.SendingRate
	}
	s.sv.SetPDUsSentInTimeUnit(next)
}

// deferClosed implements the closed-window policy: push to CWQ while
// under capacity, otherwise treat it as an overrun (push anyway and
// disable upper-layer write), and handle the rendezvous trigger.
func (s *Sender) deferClosed(p *pci.PDU) error {
	ps := s.policy.Load()
	maxLen := s.cfg.MaxClosedWinQLength
	push := true
	if ps.ClosedWindow != nil {
		push = ps.ClosedWindow(s.cwq.Size(), maxLen)
	}

	if push {
		if err := s.cwq.Push(p); err != nil {
			// Capacity ran out between the policy's decision and this push;
			// treat it the same as an explicit overrun rather than drop p.
			s.cwq.ForcePush(p)
			s.efcp.DisableWrite()
		} else if !s.cwq.BelowCapacity() {
			s.efcp.DisableWrite()
		}
	} else {
		// snd_flow_control_overrun: the policy refused ordinary admission,
		// but the PDU must still be retained for a later drain, so push
		// past the configured bound and disable upper-layer write.
		s.cwq.ForcePush(p)
		s.efcp.DisableWrite()
	}

	if s.cfg.RTXOn && s.rtxq.Size() > 0 {
		return nil // rely on retransmissions instead of rendezvous
	}
	if !s.sv.RendezvousSndr() {
		s.sv.SetRendezvousSndr(true)
		if s.EmitRendezvous != nil {
			return s.EmitRendezvous(context.Background())
		}
	}
	return nil
}

func (s *Sender) enqueueForRTXOrRTT(p *pci.PDU) {
	if s.cfg.RTXOn {
		_ = s.rtxq.Push(p.Dup(), s.sv.TR())
	} else if s.cfg.WindowBased || s.cfg.RateBased {
		s.rttq.Push(p.PCI.SeqNum, time.Now())
	}
}

// transmissionControl implements the default transmission_control policy:
// advance max_seq_nr_sent/snd_lft_win and hand the PDU to the RMT.
func (s *Sender) transmissionControl(ctx context.Context, p *pci.PDU) error {
	s.sv.SetMaxSeqNrSent(p.PCI.SeqNum)
	s.sv.SetSndLftWin(p.PCI.SeqNum)
	if err := s.rmt.Send(ctx, s.ep.DestinationAddress, s.ep.QosID, p); err != nil {
		return fmt.Errorf("%w: %v", pci.ErrDownstream, err)
	}
	return nil
}

func (s *Sender) armInactivityTimer() {
	s.inactivityTimer.Start(s.sv.SenderInactivityTimeout(), s.onSenderInactivity)
}

// onSenderInactivity implements the default sender_inactivity_timer
// policy: reset the sequence number, set drf_flag, clear window_closed
// and rendezvous_sndr, and flush RTXQ/RTTQ/CWQ.
func (s *Sender) onSenderInactivity() {
	s.sv.Reinitialize()
	s.rtxq.Flush()
	s.rttq.Flush()
	s.cwq.Flush()
	if s.StopRendezvousTimer != nil {
		s.StopRendezvousTimer()
	}
}

func (s *Sender) armRateTimer() {
	if s.rateTimer.Pending() {
		return
	}
	remaining := s.sv.TimeUnit() - time.Since(s.sv.LastTime())
	if remaining < 0 {
		remaining = 0
	}
	s.rateTimer.Start(remaining, s.onRateWindowExpired)
}

// onRateWindowExpired implements the rate-window timer: zero the rate
// counters, update last_time, clear rate_fulfiled, re-enable EFCP write
// and drain the CWQ.
func (s *Sender) onRateWindowExpired() {
	s.sv.SetPDUsSentInTimeUnit(0)
	s.sv.SetLastTime(time.Now())
	s.sv.SetRateFulfiled(false)
	s.efcp.EnableWrite()
	_ = s.DrainCWQ(context.Background())
}

// DrainCWQ implements CWQ.deliver (§4.2): drain as many PDUs as the
// sender may still send, handing each to the RMT, stopping when either
// the queue empties or sending is blocked again.
func (s *Sender) DrainCWQ(ctx context.Context) error {
	for {
		p, ok := s.cwq.Peek()
		if !ok {
			s.efcp.EnableWrite()
			return nil
		}

		csn := p.PCI.SeqNum
		if s.cfg.WindowBased || s.cfg.RateBased {
			if s.windowIsClosed(csn, len(p.Payload)) {
				return nil
			}
		}

		s.cwq.Pop()
		if s.cfg.RateBased {
			s.accountRate(len(p.Payload))
		}
		s.enqueueForRTXOrRTT(p)

		if err := s.transmissionControl(ctx, p); err != nil {
			s.sv.IncErr()
			return err
		}
		s.sv.IncTx(len(p.Payload))

		if s.cwq.BelowCapacity() {
			s.efcp.EnableWrite()
		}
	}
}
