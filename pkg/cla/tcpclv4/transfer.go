// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcpclv4

// outboundTransfer hands out one serialized bundle as a series of segments
// and tracks the peer's cumulative acknowledgements. The session's event
// loop drives it; there is at most one outbound transfer in flight.
type outboundTransfer struct {
	id   uint64
	data []byte

	// offset counts the bytes already handed out as segments.
	offset int

	// acked is the cumulative length confirmed by the peer.
	acked uint64

	// result receives the transfer's outcome exactly once.
	result chan error
}

func newOutboundTransfer(data []byte) *outboundTransfer {
	return &outboundTransfer{
		data:   data,
		result: make(chan error, 1),
	}
}

// nextSegment hands out the next segment, bounded by the peer's segment MTU,
// or nil if all data left already.
func (t *outboundTransfer) nextSegment(mtu uint64) *xferSegment {
	remaining := len(t.data) - t.offset
	if remaining == 0 {
		return nil
	}

	chunk := remaining
	if uint64(chunk) > mtu {
		chunk = int(mtu)
	}

	var flags byte
	if t.offset == 0 {
		flags |= segStart
	}
	if t.offset+chunk == len(t.data) {
		flags |= segEnd
	}

	seg := &xferSegment{
		flags: flags,
		id:    t.id,
		data:  t.data[t.offset : t.offset+chunk],
	}
	t.offset += chunk

	return seg
}

// confirmed is true once the peer acknowledged every byte.
func (t *outboundTransfer) confirmed() bool {
	return t.acked == uint64(len(t.data))
}

// finish reports the outcome to the waiting sender.
func (t *outboundTransfer) finish(err error) {
	select {
	case t.result <- err:
	default:
	}
}

// inboundTransfer collects the segments of one incoming transfer.
type inboundTransfer struct {
	id       uint64
	data     []byte
	finished bool
}

// absorb appends a segment's data and builds the acknowledgement, carrying
// the cumulative received length.
func (t *inboundTransfer) absorb(seg *xferSegment) *xferAck {
	t.data = append(t.data, seg.data...)
	if seg.flags&segEnd != 0 {
		t.finished = true
	}

	return &xferAck{
		flags: seg.flags,
		id:    t.id,
		acked: uint64(len(t.data)),
	}
}
