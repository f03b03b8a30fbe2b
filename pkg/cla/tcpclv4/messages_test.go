// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcpclv4

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestMessageRoundtrip(t *testing.T) {
	tests := []message{
		&sessInit{keepalive: 30, segmentMRU: 1048576, transferMRU: 1073741824, nodeID: "dtn://foo/"},
		&sessTerm{reason: termIdleTimeout},
		&sessTerm{flags: termReply, reason: termUnknown},
		&keepalive{},
		&xferSegment{flags: segStart, id: 0, data: []byte("hello")},
		&xferSegment{flags: segStart | segEnd, id: 1, data: []byte("world")},
		&xferSegment{flags: segEnd, id: 2},
		&xferAck{flags: segEnd, id: 2, acked: 1024},
		&xferRefuse{reason: refusalNoResources, id: 23},
		&msgReject{reason: rejectUnknownType, opcode: 0xFF},
	}

	for _, test := range tests {
		buff := bytes.NewBuffer(test.encode())

		msg, err := readMessage(buff)
		if err != nil {
			t.Fatalf("%v: %v", test, err)
		}

		if !reflect.DeepEqual(test, msg) {
			t.Fatalf("messages differ: %v != %v", test, msg)
		}

		if buff.Len() != 0 {
			t.Fatalf("%v: %d bytes are left", test, buff.Len())
		}
	}
}

func TestReadMessageUnknownOpcode(t *testing.T) {
	buff := bytes.NewBuffer([]byte{0xF0, 0x00, 0x00})

	_, err := readMessage(buff)

	var opErr *unknownOpcodeError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected unknownOpcodeError, got %v", err)
	}
	if opErr.opcode != 0xF0 {
		t.Fatalf("expected opcode 0xF0, got %#x", opErr.opcode)
	}
}

func TestContactHeader(t *testing.T) {
	ch := &contactHeader{canTLS: true}

	data := ch.encode()
	if !bytes.Equal(data, []byte{0x44, 0x54, 0x4E, 0x41, 0x04, 0x01}) {
		t.Fatalf("unexpected serialization: %x", data)
	}

	var ch2 contactHeader
	if err := ch2.decode(bytes.NewBuffer(data)); err != nil {
		t.Fatal(err)
	}
	if !ch2.canTLS {
		t.Fatal("CAN_TLS flag was lost")
	}

	// Wrong magic, the old draft's "dtn!".
	var ch3 contactHeader
	if err := ch3.decode(bytes.NewBuffer([]byte{0x64, 0x74, 0x6E, 0x21, 0x04, 0x00})); err == nil {
		t.Fatal("wrong magic did not error")
	}

	// Wrong version.
	var ch4 contactHeader
	if err := ch4.decode(bytes.NewBuffer([]byte{0x44, 0x54, 0x4E, 0x41, 0x03, 0x00})); err == nil {
		t.Fatal("version 3 did not error")
	}
}

func TestSessTermInvalidReason(t *testing.T) {
	var st sessTerm
	if err := st.decode(bytes.NewBuffer([]byte{0x00, 0x23})); err == nil {
		t.Fatal("invalid termination code did not error")
	}
}
