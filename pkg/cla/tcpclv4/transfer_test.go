// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcpclv4

import (
	"bytes"
	"testing"
)

func TestOutboundTransferSegmentation(t *testing.T) {
	data := make([]byte, 10)
	for i := range data {
		data[i] = byte(i)
	}

	tr := newOutboundTransfer(data)
	tr.id = 23

	var segments []*xferSegment
	for {
		seg := tr.nextSegment(4)
		if seg == nil {
			break
		}
		segments = append(segments, seg)
	}

	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}

	if segments[0].flags&segStart == 0 {
		t.Fatal("first segment misses the START flag")
	}
	if segments[0].flags&segEnd != 0 {
		t.Fatal("first segment carries the END flag")
	}
	if segments[2].flags&segEnd == 0 {
		t.Fatal("last segment misses the END flag")
	}

	var merged []byte
	for _, seg := range segments {
		if seg.id != 23 {
			t.Fatalf("segment carries transfer ID %d", seg.id)
		}
		merged = append(merged, seg.data...)
	}
	if !bytes.Equal(merged, data) {
		t.Fatalf("merged segments differ: %x", merged)
	}

	tr.acked = uint64(len(data))
	if !tr.confirmed() {
		t.Fatal("fully acked transfer is not confirmed")
	}
}

func TestInboundTransferAbsorb(t *testing.T) {
	tr := &inboundTransfer{id: 42}

	ack := tr.absorb(&xferSegment{flags: segStart, id: 42, data: []byte("hello ")})
	if ack.acked != 6 || tr.finished {
		t.Fatalf("unexpected state after first segment: ack %d, finished %t", ack.acked, tr.finished)
	}

	ack = tr.absorb(&xferSegment{flags: segEnd, id: 42, data: []byte("world")})
	if ack.acked != 11 {
		t.Fatalf("cumulative ack is %d", ack.acked)
	}
	if !tr.finished {
		t.Fatal("transfer with an END segment is not finished")
	}

	if !bytes.Equal(tr.data, []byte("hello world")) {
		t.Fatalf("collected data differs: %q", tr.data)
	}
}
