// Package conn assembles a single DTP/DTCP flow: the state vector, the
// four queues, the DTP sender/receiver and the DTCP control handler,
// wired together with the callback fields each of those packages exposes
// instead of a direct dtp<->dtcp back-pointer.
//
// Connection is the single place that owns a flow's send/receive state
// and its timers, the way one struct owns a socket's state elsewhere in
// this codebase.
package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rinastack/dtp/internal/config"
	"github.com/rinastack/dtp/internal/dtcp"
	"github.com/rinastack/dtp/internal/dtp"
	"github.com/rinastack/dtp/internal/logging"
	"github.com/rinastack/dtp/internal/metrics"
	"github.com/rinastack/dtp/internal/pci"
	"github.com/rinastack/dtp/internal/policy"
	"github.com/rinastack/dtp/internal/queue/cwq"
	"github.com/rinastack/dtp/internal/queue/rtxq"
	"github.com/rinastack/dtp/internal/queue/rttq"
	"github.com/rinastack/dtp/internal/queue/seqq"
	"github.com/rinastack/dtp/internal/rmt"
	"github.com/rinastack/dtp/internal/statevector"
)

// ID identifies a flow by its source and destination addresses, its two
// connection endpoint identifiers and its QoS id.
type ID struct {
	SourceAddress      uint32
	DestinationAddress uint32
	SourceCepID        uint32
	DestCepID          uint32
	QosID              uint16
}

// StatsSnapshot is the read-only observability surface for a Connection.
type StatsSnapshot struct {
	statevector.Stats
	RTT, SRTT, RTTVar time.Duration // 0 if never sampled
	ClosedWinQLength  int
	RTXQLength        int
	PolicySetName     string
}

// Connection is one live DTP/DTCP flow.
type Connection struct {
	id     ID
	sv     *statevector.SV
	policy *policy.Handle

	cwq  *cwq.Queue
	rtxq *rtxq.Queue
	rttq *rttq.Queue
	seqq *seqq.Queue

	sender   *dtp.Sender
	receiver *dtp.Receiver
	ctrl     *dtcp.Handler // nil when DTCP is not present

	log *logging.ConnLogger

	mu        sync.Mutex
	destroyed bool
}

// New builds a Connection for id, using constants for the DIF-wide
// timers, dtpCfg/dtcpCfg for the per-connection document (dtcpCfg nil
// means DTCP is absent regardless of dtpCfg.DTCPPresent), registry to
// resolve the named policy set, r to hand PDUs downstream, efcp for
// flow-control signaling, and deliver to hand reassembled SDUs upward.
func New(id ID, constants config.DataTransferConstants, dtpCfg config.DTPConfig, dtcpCfg *config.DTCPConfig, registry *policy.Registry, r rmt.RMT, efcp rmt.EFCP, deliver dtp.Deliverer) (*Connection, error) {
	dtcpPresent := dtpCfg.DTCPPresent && dtcpCfg != nil

	windowBased, rateBased, rtxOn := false, false, false
	maxCWQLen, dataRetransmitMax := 0, 1
	sendingRate := uint32(0)
	initialTR := config.Default().DTCP.RTXControl.InitialTR
	maxTimeRetry := constants.MaxPDULifetime

	policySetName := "default"
	if dtcpCfg != nil {
		policySetName = dtcpCfg.DTCPPolicySet
		if fc := dtcpCfg.FlowControl; fc != nil {
			windowBased = fc.WindowBased
			rateBased = fc.RateBased
			maxCWQLen = fc.Window.MaxClosedWinQLength
			sendingRate = uint32(fc.Rate.SendingRate)
		}
		if rtx := dtcpCfg.RTXControl; rtx != nil {
			rtxOn = true
			dataRetransmitMax = rtx.DataRetransmitMax
			initialTR = rtx.InitialTR
			maxTimeRetry = rtx.MaxTimeRetry
		}
	}

	ps, err := registry.Build(policySetName)
	if err != nil {
		return nil, fmt.Errorf("conn: resolving policy set %q: %w", policySetName, err)
	}
	psHandle := policy.NewHandle(ps)

	sv := statevector.New(constants.MaxPDULifetime, maxTimeRetry, dtpCfg.InitialATimer, initialTR)
	sv.SetWindowBased(windowBased)
	sv.SetRateBased(rateBased)
	sv.SetRexmsnCtrl(rtxOn)
	sv.SetSndrRate(sendingRate)

	cwQ := cwq.New(maxCWQLen)
	rttQ := rttq.New()

	sEp := dtp.Endpoint{SourceAddress: id.SourceAddress, DestinationAddress: id.DestinationAddress, SourceCepID: id.SourceCepID, DestCepID: id.DestCepID, QosID: id.QosID}
	rtxQ := rtxq.New(dataRetransmitMax, func(p *pci.PDU) error {
		return r.Send(context.Background(), id.DestinationAddress, id.QosID, p)
	})

	sender := dtp.NewSender(sEp, dtp.SenderConfig{
		DTCPPresent:         dtcpPresent,
		WindowBased:         windowBased,
		RateBased:           rateBased,
		RTXOn:               rtxOn,
		MaxClosedWinQLength: maxCWQLen,
		SendingRate:         sendingRate,
	}, sv, cwQ, rtxQ, rttQ, psHandle, r, efcp)

	sq := seqq.New()
	rEp := dtp.Endpoint{SourceAddress: id.DestinationAddress, DestinationAddress: id.SourceAddress, SourceCepID: id.DestCepID, DestCepID: id.SourceCepID, QosID: id.QosID}
	receiver := dtp.NewReceiver(rEp, dtp.ReceiverConfig{
		DTCPPresent: dtcpPresent,
		WindowBased: windowBased,
		RTXOn:       rtxOn,
		MaxSDUGap:   dtpCfg.MaxSDUGap,
	}, sv, sq, deliver)

	connLog := logging.WithConn(logging.ConnID{
		SourceAddress:      id.SourceAddress,
		DestinationAddress: id.DestinationAddress,
		SourceCepID:        id.SourceCepID,
		DestCepID:          id.DestCepID,
	})

	c := &Connection{id: id, sv: sv, policy: psHandle, cwq: cwQ, rtxq: rtxQ, rttq: rttQ, seqq: sq, sender: sender, receiver: receiver, log: connLog}

	if dtcpPresent {
		dEp := dtcp.Endpoint{SourceAddress: id.SourceAddress, DestinationAddress: id.DestinationAddress, SourceCepID: id.SourceCepID, DestCepID: id.DestCepID, QosID: id.QosID}
		ctrl := dtcp.New(dEp, dtcp.Config{WindowBased: windowBased, RateBased: rateBased, RTXOn: rtxOn}, sv, rtxQ, rttQ, psHandle, r)
		ctrl.DrainCWQ = func() error { return sender.DrainCWQ(context.Background()) }
		sender.EmitRendezvous = ctrl.EmitRendezvous
		sender.StopRendezvousTimer = ctrl.StopRendezvousTimer
		receiver.SVUpdate = ctrl.SVUpdate
		c.ctrl = ctrl
	}

	connLog.Debug("connection constructed, policy set %q, dtcp present %v", policySetName, dtcpPresent)
	return c, nil
}

// Write submits sdu to the flow's sender.
func (c *Connection) Write(ctx context.Context, sdu []byte) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection destroyed", pci.ErrInvalidArgument)
	}
	c.mu.Unlock()
	if err := c.sender.Write(ctx, sdu); err != nil {
		c.log.Warn("write failed: %v", err)
		return err
	}
	return nil
}

// Receive hands an inbound DT PDU to the flow's receiver.
func (c *Connection) Receive(ctx context.Context, pdu *pci.PDU) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection destroyed", pci.ErrInvalidArgument)
	}
	c.mu.Unlock()
	return c.receiver.Receive(ctx, pdu)
}

// CommonRcvControl hands an inbound control PDU to the flow's DTCP
// handler. It is a no-op if DTCP is not present on this connection.
func (c *Connection) CommonRcvControl(pdu *pci.PDU) error {
	if c.ctrl == nil {
		return nil
	}
	return c.ctrl.CommonRcvControl(pdu)
}

// SelectPolicySet swaps the active policy set by name, resolved through
// the same registry the connection was built with.
func (c *Connection) SelectPolicySet(registry *policy.Registry, name string) error {
	ps, err := registry.Build(name)
	if err != nil {
		return fmt.Errorf("conn: selecting policy set %q: %w", name, err)
	}
	c.policy.Swap(ps)
	return nil
}

// Stats returns a point-in-time snapshot of the flow's observability
// surface.
func (c *Connection) Stats() StatsSnapshot {
	rtt, srtt, rttvar := c.sv.RTTValues()
	return StatsSnapshot{
		Stats:            c.sv.StatsSnapshot(),
		RTT:              rtt,
		SRTT:             srtt,
		RTTVar:           rttvar,
		ClosedWinQLength: c.cwq.Size(),
		RTXQLength:       c.rtxq.Size(),
		PolicySetName:    c.policy.Load().Name,
	}
}

// RecordMetrics pushes a fresh Stats() snapshot to rec.
func (c *Connection) RecordMetrics(rec *metrics.Recorder) {
	s := c.Stats()
	rec.Observe(metrics.Snapshot{
		RTT:              s.RTT.Seconds(),
		SRTT:             s.SRTT.Seconds(),
		RTTVar:           s.RTTVar.Seconds(),
		SndRtWindEdge:    c.sv.SndRtWindEdge(),
		SndLftWin:        c.sv.SndLftWin(),
		RcvrRtWindEdge:   c.sv.RcvrRtWindEdge(),
		SndrRate:         c.sv.SndrRate(),
		RcvrRate:         c.sv.RcvrRate(),
		ClosedWinQLength: s.ClosedWinQLength,
		RTXQLength:       s.RTXQLength,
		PolicySetName:    s.PolicySetName,
		DropPDUs:         s.DropPDUs,
		ErrPDUs:          s.ErrPDUs,
		TxPDUs:           s.TxPDUs,
		RxPDUs:           s.RxPDUs,
		TxBytes:          s.TxBytes,
		RxBytes:          s.RxBytes,
	})
}

// Destroy stops the DTCP rendezvous timer, flushes the CWQ, RTXQ, RTTQ
// and SeqQ (the RTXQ flush also stops the retransmission timer) and
// discards queued state. The sender and receiver inactivity timers, the
// rate-window timer and the A-timer are not stopped. It is safe to call
// more than once.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.log.Debug("connection destroyed")

	if c.ctrl != nil {
		c.ctrl.StopRendezvousTimer()
	}
	c.cwq.Flush()
	c.rtxq.Flush()
	c.rttq.Flush()
	c.seqq.Flush()
}
