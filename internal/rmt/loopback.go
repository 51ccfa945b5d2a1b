package rmt

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rinastack/dtp/internal/logging"
	"github.com/rinastack/dtp/internal/pci"
)

// Dispatcher is invoked for every PDU a Loopback receives on its socket,
// analogous to dtp_receive/dtcp_common_rcv_control being called by a real
// RMT on the upward path.
type Dispatcher func(pdu *pci.PDU) error

// Loopback is a UDP-socket-backed simulated RMT: Send writes the PDU to
// whatever peer address is registered for the destination, and a
// background goroutine reads the socket and routes inbound PDUs by
// destination address to a registered Dispatcher. It exists purely so
// internal/conn.Connection pairs can be driven against each other in
// tests and in cmd/dtpdemo — the real RMT's routing/forwarding
// responsibilities stay out of scope.
type Loopback struct {
	conn *net.UDPConn

	mu       sync.RWMutex
	peers    map[uint32]*net.UDPAddr
	dispatch map[uint32]Dispatcher

	closeOnce sync.Once
	done      chan struct{}
}

// NewLoopback opens a UDP socket at laddr (use "127.0.0.1:0" for an
// ephemeral port) and starts its receive loop.
func NewLoopback(laddr string) (*Loopback, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("rmt: resolve %q: %w", laddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rmt: listen %q: %w", laddr, err)
	}
	l := &Loopback{
		conn:     conn,
		peers:    make(map[uint32]*net.UDPAddr),
		dispatch: make(map[uint32]Dispatcher),
		done:     make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// LocalAddr returns the socket's bound address.
func (l *Loopback) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// RegisterPeer associates a logical address (the PCI "destination" value
// used as Send's portOrAddress) with a UDP endpoint to deliver to.
func (l *Loopback) RegisterPeer(address uint32, addr *net.UDPAddr) {
	l.mu.Lock()
	l.peers[address] = addr
	l.mu.Unlock()
}

// RegisterDispatcher routes every PDU whose PCI.Destination equals address
// to fn when it arrives on the socket.
func (l *Loopback) RegisterDispatcher(address uint32, fn Dispatcher) {
	l.mu.Lock()
	l.dispatch[address] = fn
	l.mu.Unlock()
}

// Send implements rmt.RMT by writing the serialized PDU to the peer
// registered for portOrAddress.
func (l *Loopback) Send(ctx context.Context, portOrAddress uint32, qosID uint16, pdu *pci.PDU) error {
	l.mu.RLock()
	addr, ok := l.peers[portOrAddress]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no peer registered for address %d", pci.ErrDownstream, portOrAddress)
	}
	if deadline, has := ctx.Deadline(); has {
		_ = l.conn.SetWriteDeadline(deadline)
	}
	_, err := l.conn.WriteToUDP(pdu.Serialize(), addr)
	if err != nil {
		return fmt.Errorf("%w: %v", pci.ErrDownstream, err)
	}
	return nil
}

func (l *Loopback) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				logging.Debug("rmt: loopback read error: %v", err)
				return
			}
		}
		var pdu pci.PDU
		if err := pdu.Deserialize(buf[:n]); err != nil {
			logging.Warn("rmt: loopback dropped malformed pdu: %v", err)
			continue
		}
		l.mu.RLock()
		fn, ok := l.dispatch[pdu.PCI.Destination]
		l.mu.RUnlock()
		if !ok {
			logging.Debug("rmt: loopback no dispatcher for destination %d", pdu.PCI.Destination)
			continue
		}
		if err := fn(&pdu); err != nil {
			logging.Warn("rmt: dispatcher error: %v", err)
		}
	}
}

// Close shuts down the socket and receive loop.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return l.conn.Close()
}
