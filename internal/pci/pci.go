// Package pci implements the DTP/DTCP Protocol Control Information: the
// fixed PDU header plus the control-PDU-only fields, and its wire encoding.
package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies the kind of PDU carried by a PCI.
type Type uint8

const (
	TypeDT Type = iota + 1
	TypeFC
	TypeACK
	TypeNACK
	TypeACKAndFC
	TypeNACKAndFC
	TypeControlACK
	TypeRendezvous
	TypeSelACK
	TypeMGMT
)

func (t Type) String() string {
	switch t {
	case TypeDT:
		return "DT"
	case TypeFC:
		return "FC"
	case TypeACK:
		return "ACK"
	case TypeNACK:
		return "NACK"
	case TypeACKAndFC:
		return "ACK_AND_FC"
	case TypeNACKAndFC:
		return "NACK_AND_FC"
	case TypeControlACK:
		return "CONTROL_ACK"
	case TypeRendezvous:
		return "RENDEZVOUS"
	case TypeSelACK:
		return "SEL_ACK"
	case TypeMGMT:
		return "MGMT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// IsControl reports whether t is anything other than DT.
func (t Type) IsControl() bool { return t != TypeDT }

// Flags is the PCI flags bitset.
type Flags uint8

const (
	// FlagDataRun (DRF) marks the first PDU of a new transmission run.
	FlagDataRun Flags = 1 << iota
	// FlagExplicitCongestion is the ECN bit.
	FlagExplicitCongestion
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ErrKind enumerates the PCI/PDU error kinds. These are kinds, not
// distinct error types: construct with fmt.Errorf("%w: …", kind).
type ErrKind error

var (
	ErrInvalidArgument  ErrKind = errors.New("pci: invalid argument")
	ErrQueueFull        ErrKind = errors.New("pci: queue full")
	ErrDuplicateSeq     ErrKind = errors.New("pci: duplicate sequence number")
	ErrNotFound         ErrKind = errors.New("pci: not found")
	ErrEncodingError    ErrKind = errors.New("pci: encoding error")
	ErrDownstream       ErrKind = errors.New("pci: downstream send failed")
	ErrRetriesExhausted ErrKind = errors.New("pci: retries exhausted")
)

// headerSize is the fixed portion of every PCI: type(1) + flags(1) +
// source(4) + destination(4) + sourceCepID(4) + destinationCepID(4) +
// qosID(2) + sequenceNumber(4) + length(2) + ttl(1).
const headerSize = 1 + 1 + 4 + 4 + 4 + 4 + 2 + 4 + 2 + 1

// controlFieldsSize is the size of the eight uint32 control-PDU-only
// fields, present only on control PDU types.
const controlFieldsSize = 8 * 4

// PCI is the fixed PDU header.
type PCI struct {
	Type        Type
	Flags       Flags
	Source      uint32
	Destination uint32
	SourceCepID uint32
	DestCepID   uint32
	QosID       uint16
	SeqNum      uint32
	Length      uint16
	TTL         uint8

	// Control-PDU-only fields, valid iff Type.IsControl().
	AckNackSeqNum      uint32
	NewRtWindEdge      uint32
	NewLfWindEdge      uint32
	MyRtWindEdge       uint32
	MyLfWindEdge       uint32
	LastCtrlSeqNumRcvd uint32
	SndrRate           uint32
	TimeFrame          uint32
}

// Size returns the serialized size of the PCI header (excluding payload).
func (p *PCI) Size() int {
	if p.Type.IsControl() {
		return headerSize + controlFieldsSize
	}
	return headerSize
}

// Serialize encodes the PCI to its little-endian wire form.
func (p *PCI) Serialize() []byte {
	buf := make([]byte, p.Size())
	buf[0] = byte(p.Type)
	buf[1] = byte(p.Flags)
	binary.LittleEndian.PutUint32(buf[2:6], p.Source)
	binary.LittleEndian.PutUint32(buf[6:10], p.Destination)
	binary.LittleEndian.PutUint32(buf[10:14], p.SourceCepID)
	binary.LittleEndian.PutUint32(buf[14:18], p.DestCepID)
	binary.LittleEndian.PutUint16(buf[18:20], p.QosID)
	binary.LittleEndian.PutUint32(buf[20:24], p.SeqNum)
	binary.LittleEndian.PutUint16(buf[24:26], p.Length)
	buf[26] = p.TTL

	if p.Type.IsControl() {
		o := headerSize
		binary.LittleEndian.PutUint32(buf[o:o+4], p.AckNackSeqNum)
		binary.LittleEndian.PutUint32(buf[o+4:o+8], p.NewRtWindEdge)
		binary.LittleEndian.PutUint32(buf[o+8:o+12], p.NewLfWindEdge)
		binary.LittleEndian.PutUint32(buf[o+12:o+16], p.MyRtWindEdge)
		binary.LittleEndian.PutUint32(buf[o+16:o+20], p.MyLfWindEdge)
		binary.LittleEndian.PutUint32(buf[o+20:o+24], p.LastCtrlSeqNumRcvd)
		binary.LittleEndian.PutUint32(buf[o+24:o+28], p.SndrRate)
		binary.LittleEndian.PutUint32(buf[o+28:o+32], p.TimeFrame)
	}
	return buf
}

// Deserialize parses a PCI from its little-endian wire form.
func (p *PCI) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("%w: pci header too short", ErrEncodingError)
	}
	p.Type = Type(data[0])
	p.Flags = Flags(data[1])
	p.Source = binary.LittleEndian.Uint32(data[2:6])
	p.Destination = binary.LittleEndian.Uint32(data[6:10])
	p.SourceCepID = binary.LittleEndian.Uint32(data[10:14])
	p.DestCepID = binary.LittleEndian.Uint32(data[14:18])
	p.QosID = binary.LittleEndian.Uint16(data[18:20])
	p.SeqNum = binary.LittleEndian.Uint32(data[20:24])
	p.Length = binary.LittleEndian.Uint16(data[24:26])
	p.TTL = data[26]

	if p.Type.IsControl() {
		if len(data) < headerSize+controlFieldsSize {
			return fmt.Errorf("%w: control pci fields truncated", ErrEncodingError)
		}
		o := headerSize
		p.AckNackSeqNum = binary.LittleEndian.Uint32(data[o : o+4])
		p.NewRtWindEdge = binary.LittleEndian.Uint32(data[o+4 : o+8])
		p.NewLfWindEdge = binary.LittleEndian.Uint32(data[o+8 : o+12])
		p.MyRtWindEdge = binary.LittleEndian.Uint32(data[o+12 : o+16])
		p.MyLfWindEdge = binary.LittleEndian.Uint32(data[o+16 : o+20])
		p.LastCtrlSeqNumRcvd = binary.LittleEndian.Uint32(data[o+20 : o+24])
		p.SndrRate = binary.LittleEndian.Uint32(data[o+24 : o+28])
		p.TimeFrame = binary.LittleEndian.Uint32(data[o+28 : o+32])
	}
	return nil
}

// PDU pairs a PCI with its payload (empty for control PDUs) and is the
// unit owned/transferred between queues and the RMT.
type PDU struct {
	PCI     PCI
	Payload []byte
}

// Serialize encodes the full PDU (header + payload).
func (p *PDU) Serialize() []byte {
	hdr := p.PCI.Serialize()
	if len(p.Payload) == 0 {
		return hdr
	}
	buf := make([]byte, len(hdr)+len(p.Payload))
	copy(buf, hdr)
	copy(buf[len(hdr):], p.Payload)
	return buf
}

// Deserialize parses a full PDU (header + payload) from wire bytes.
func (p *PDU) Deserialize(data []byte) error {
	if err := p.PCI.Deserialize(data); err != nil {
		return err
	}
	off := p.PCI.Size()
	if off < len(data) {
		p.Payload = append([]byte(nil), data[off:]...)
	} else {
		p.Payload = nil
	}
	return nil
}

// Dup returns a new PDU that shares no mutable state with p, safe to hand
// to a second owner (e.g. a retransmission queue) while the original is
// still in flight.
func (p *PDU) Dup() *PDU {
	dup := &PDU{PCI: p.PCI}
	if p.Payload != nil {
		dup.Payload = append([]byte(nil), p.Payload...)
	}
	return dup
}
