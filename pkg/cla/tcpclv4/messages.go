// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcpclv4

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message type codes of RFC 9174, section 4.1.
const (
	opXferSegment byte = 0x01
	opXferAck     byte = 0x02
	opXferRefuse  byte = 0x03
	opKeepalive   byte = 0x04
	opSessTerm    byte = 0x05
	opMsgReject   byte = 0x06
	opSessInit    byte = 0x07
)

// maxSegmentLength is a hard upper bound for a decoded segment, protecting
// against nonsensical length fields. The session's segment MRU is the real,
// negotiated bound.
const maxSegmentLength = 1 << 30

// message is one TCPCLv4 message. encode yields the whole frame including
// the message header octet; decode parses the body, the header octet was
// already consumed by readMessage.
type message interface {
	encode() []byte
	decode(r io.Reader) error
}

// unknownOpcodeError is reported by readMessage for an unknown message type
// code. As the body length is unknown too, no resynchronization within the
// stream is possible; the receiver should reject the message and terminate.
type unknownOpcodeError struct {
	opcode byte
}

func (err *unknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown TCPCLv4 message type code %#x", err.opcode)
}

// readMessage parses the next message from the stream.
func readMessage(r io.Reader) (message, error) {
	opcode, err := readU8(r)
	if err != nil {
		return nil, err
	}

	var msg message
	switch opcode {
	case opXferSegment:
		msg = &xferSegment{}
	case opXferAck:
		msg = &xferAck{}
	case opXferRefuse:
		msg = &xferRefuse{}
	case opKeepalive:
		msg = &keepalive{}
	case opSessTerm:
		msg = &sessTerm{}
	case opMsgReject:
		msg = &msgReject{}
	case opSessInit:
		msg = &sessInit{}
	default:
		return nil, &unknownOpcodeError{opcode: opcode}
	}

	return msg, msg.decode(r)
}

// Wire helpers; all integers are big-endian.

func readU8(r io.Reader) (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	return b[0], err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	_, err := io.ReadFull(r, b[:])
	return binary.BigEndian.Uint16(b[:]), err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	_, err := io.ReadFull(r, b[:])
	return binary.BigEndian.Uint32(b[:]), err
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	_, err := io.ReadFull(r, b[:])
	return binary.BigEndian.Uint64(b[:]), err
}

// skipExtensionItems reads over a session or transfer extension item list:
// a u32 length followed by as many bytes. Extension items are not supported
// and their content is discarded.
func skipExtensionItems(r io.Reader) error {
	length, err := readU32(r)
	if err != nil {
		return err
	}
	if length > 0 {
		_, err = io.CopyN(io.Discard, r, int64(length))
	}
	return err
}

// sessInit negotiates the session parameters, RFC 9174, section 4.7.
type sessInit struct {
	keepalive   uint16
	segmentMRU  uint64
	transferMRU uint64
	nodeID      string
}

func (si *sessInit) String() string {
	return fmt.Sprintf("SESS_INIT(keepalive=%d, segment mru=%d, transfer mru=%d, node=%s)",
		si.keepalive, si.segmentMRU, si.transferMRU, si.nodeID)
}

func (si *sessInit) encode() []byte {
	b := []byte{opSessInit}
	b = binary.BigEndian.AppendUint16(b, si.keepalive)
	b = binary.BigEndian.AppendUint64(b, si.segmentMRU)
	b = binary.BigEndian.AppendUint64(b, si.transferMRU)
	b = binary.BigEndian.AppendUint16(b, uint16(len(si.nodeID)))
	b = append(b, si.nodeID...)
	// Empty session extension items.
	b = binary.BigEndian.AppendUint32(b, 0)
	return b
}

func (si *sessInit) decode(r io.Reader) (err error) {
	if si.keepalive, err = readU16(r); err != nil {
		return
	}
	if si.segmentMRU, err = readU64(r); err != nil {
		return
	}
	if si.transferMRU, err = readU64(r); err != nil {
		return
	}

	nodeIDLen, err := readU16(r)
	if err != nil {
		return
	}
	nodeID := make([]byte, nodeIDLen)
	if _, err = io.ReadFull(r, nodeID); err != nil {
		return
	}
	si.nodeID = string(nodeID)

	return skipExtensionItems(r)
}

// Flags of a xferSegment.
const (
	segEnd   byte = 0x01
	segStart byte = 0x02
)

// xferSegment carries one part of a bundle transfer, RFC 9174, section 5.2.2.
type xferSegment struct {
	flags byte
	id    uint64
	data  []byte
}

func (xs *xferSegment) String() string {
	return fmt.Sprintf("XFER_SEGMENT(flags=%#x, id=%d, %d bytes)", xs.flags, xs.id, len(xs.data))
}

func (xs *xferSegment) encode() []byte {
	b := []byte{opXferSegment, xs.flags}
	b = binary.BigEndian.AppendUint64(b, xs.id)
	if xs.flags&segStart != 0 {
		// Empty transfer extension items, only present on a START segment.
		b = binary.BigEndian.AppendUint32(b, 0)
	}
	b = binary.BigEndian.AppendUint64(b, uint64(len(xs.data)))
	return append(b, xs.data...)
}

func (xs *xferSegment) decode(r io.Reader) (err error) {
	if xs.flags, err = readU8(r); err != nil {
		return
	}
	if xs.id, err = readU64(r); err != nil {
		return
	}

	if xs.flags&segStart != 0 {
		if err = skipExtensionItems(r); err != nil {
			return
		}
	}

	length, err := readU64(r)
	if err != nil {
		return
	}
	if length > maxSegmentLength {
		return fmt.Errorf("segment length %d passes the hard limit", length)
	}
	if length > 0 {
		xs.data = make([]byte, length)
		_, err = io.ReadFull(r, xs.data)
	}
	return
}

// xferAck confirms a received segment with the cumulative length from the
// transfer's start, RFC 9174, section 5.2.3.
type xferAck struct {
	flags byte
	id    uint64
	acked uint64
}

func (xa *xferAck) String() string {
	return fmt.Sprintf("XFER_ACK(flags=%#x, id=%d, acked=%d)", xa.flags, xa.id, xa.acked)
}

func (xa *xferAck) encode() []byte {
	b := []byte{opXferAck, xa.flags}
	b = binary.BigEndian.AppendUint64(b, xa.id)
	return binary.BigEndian.AppendUint64(b, xa.acked)
}

func (xa *xferAck) decode(r io.Reader) (err error) {
	if xa.flags, err = readU8(r); err != nil {
		return
	}
	if xa.id, err = readU64(r); err != nil {
		return
	}
	xa.acked, err = readU64(r)
	return
}

// refusalCode is the reason of a xferRefuse, RFC 9174, section 5.2.1.
type refusalCode byte

const (
	refusalUnknown          refusalCode = 0x00
	refusalCompleted        refusalCode = 0x01
	refusalNoResources      refusalCode = 0x02
	refusalRetransmit       refusalCode = 0x03
	refusalNotAcceptable    refusalCode = 0x04
	refusalExtensionFailure refusalCode = 0x05
)

func (rc refusalCode) String() string {
	switch rc {
	case refusalUnknown:
		return "unknown"
	case refusalCompleted:
		return "completed"
	case refusalNoResources:
		return "no resources"
	case refusalRetransmit:
		return "retransmit"
	case refusalNotAcceptable:
		return "not acceptable"
	case refusalExtensionFailure:
		return "extension failure"
	default:
		return "invalid"
	}
}

// xferRefuse cancels an incoming transfer.
type xferRefuse struct {
	reason refusalCode
	id     uint64
}

func (xr *xferRefuse) String() string {
	return fmt.Sprintf("XFER_REFUSE(reason=%v, id=%d)", xr.reason, xr.id)
}

func (xr *xferRefuse) encode() []byte {
	b := []byte{opXferRefuse, byte(xr.reason)}
	return binary.BigEndian.AppendUint64(b, xr.id)
}

func (xr *xferRefuse) decode(r io.Reader) (err error) {
	reason, err := readU8(r)
	if err != nil {
		return
	}
	xr.reason = refusalCode(reason)
	if xr.reason.String() == "invalid" {
		return fmt.Errorf("invalid refusal code %#x", reason)
	}

	xr.id, err = readU64(r)
	return
}

// keepalive is an empty message for session upkeep, RFC 9174, section 5.1.1.
type keepalive struct{}

func (k *keepalive) String() string {
	return "KEEPALIVE"
}

func (k *keepalive) encode() []byte {
	return []byte{opKeepalive}
}

func (k *keepalive) decode(_ io.Reader) error {
	return nil
}

// termReply flags a sessTerm answering a received one.
const termReply byte = 0x01

// termCode is the reason of a sessTerm, RFC 9174, section 6.1.
type termCode byte

const (
	termUnknown            termCode = 0x00
	termIdleTimeout        termCode = 0x01
	termVersionMismatch    termCode = 0x02
	termBusy               termCode = 0x03
	termContactFailure     termCode = 0x04
	termResourceExhaustion termCode = 0x05
)

func (tc termCode) String() string {
	switch tc {
	case termUnknown:
		return "unknown"
	case termIdleTimeout:
		return "idle timeout"
	case termVersionMismatch:
		return "version mismatch"
	case termBusy:
		return "busy"
	case termContactFailure:
		return "contact failure"
	case termResourceExhaustion:
		return "resource exhaustion"
	default:
		return "invalid"
	}
}

// sessTerm announces the end of a session.
type sessTerm struct {
	flags  byte
	reason termCode
}

func (st *sessTerm) String() string {
	return fmt.Sprintf("SESS_TERM(flags=%#x, reason=%v)", st.flags, st.reason)
}

func (st *sessTerm) encode() []byte {
	return []byte{opSessTerm, st.flags, byte(st.reason)}
}

func (st *sessTerm) decode(r io.Reader) (err error) {
	if st.flags, err = readU8(r); err != nil {
		return
	}

	reason, err := readU8(r)
	if err != nil {
		return
	}
	st.reason = termCode(reason)
	if st.reason.String() == "invalid" {
		return fmt.Errorf("invalid termination code %#x", reason)
	}
	return
}

// rejectCode is the reason of a msgReject, RFC 9174, section 5.1.2.
type rejectCode byte

const (
	rejectUnknownType rejectCode = 0x01
	rejectUnsupported rejectCode = 0x02
	rejectUnexpected  rejectCode = 0x03
)

func (rc rejectCode) String() string {
	switch rc {
	case rejectUnknownType:
		return "message type unknown"
	case rejectUnsupported:
		return "message unsupported"
	case rejectUnexpected:
		return "message unexpected"
	default:
		return "invalid"
	}
}

// msgReject answers a message which cannot be handled.
type msgReject struct {
	reason rejectCode
	opcode byte
}

func (mr *msgReject) String() string {
	return fmt.Sprintf("MSG_REJECT(reason=%v, opcode=%#x)", mr.reason, mr.opcode)
}

func (mr *msgReject) encode() []byte {
	return []byte{opMsgReject, byte(mr.reason), mr.opcode}
}

func (mr *msgReject) decode(r io.Reader) (err error) {
	reason, err := readU8(r)
	if err != nil {
		return
	}
	mr.reason = rejectCode(reason)
	if mr.reason.String() == "invalid" {
		return fmt.Errorf("invalid rejection code %#x", reason)
	}

	mr.opcode, err = readU8(r)
	return
}

// contactHeader opens every TCPCLv4 connection: the magic "DTNA", the
// protocol version 4 and a flag octet, RFC 9174, section 4.2. It is not a
// message and not handled by readMessage.
type contactHeader struct {
	canTLS bool
}

func (ch *contactHeader) String() string {
	return fmt.Sprintf("ContactHeader(version=4, can tls=%t)", ch.canTLS)
}

func (ch *contactHeader) encode() []byte {
	b := []byte{'D', 'T', 'N', 'A', 0x04, 0x00}
	if ch.canTLS {
		b[5] |= 0x01
	}
	return b
}

func (ch *contactHeader) decode(r io.Reader) error {
	var b [6]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}

	if string(b[:4]) != "DTNA" {
		return fmt.Errorf("contact header magic %x is not \"DTNA\"", b[:4])
	}
	if b[4] != 0x04 {
		return fmt.Errorf("contact header version is %d instead of 4", b[4])
	}

	ch.canTLS = b[5]&0x01 != 0
	return nil
}
