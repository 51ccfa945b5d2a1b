// Package rmt defines the external collaborator interfaces the DTP/DTCP
// engine calls through — the Relaying and Multiplexing Task send path and
// the EFCP container's receive/flow-control surface — plus Loopback, a
// UDP-socket-backed stand-in used by tests and the demo binary so the
// engine is exercisable end to end without a real RMT/routing stack.
// Loopback reads and writes PDUs over a *net.UDPConn in its own goroutine
// loop, dispatching each inbound PDU to the Dispatcher registered for its
// destination address instead of an application Read/Write pair.
package rmt

import (
	"context"

	"github.com/rinastack/dtp/internal/pci"
)

// RMT is the send-path interface DTP/DTCP call through to physically
// transmit a PDU on an N-1 port. Implementations take ownership of pdu on
// success.
type RMT interface {
	Send(ctx context.Context, portOrAddress uint32, qosID uint16, pdu *pci.PDU) error
}

// EFCP is the upward container interface used for the loopback case
// (pci.Source == pci.Destination) and for flow-control signaling to the
// upper layer.
type EFCP interface {
	Receive(cepID uint32, pdu *pci.PDU) error
	EnableWrite()
	DisableWrite()
}
