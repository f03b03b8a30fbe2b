// SPDX-FileCopyrightText: 2023 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"reflect"
	"testing"
)

func TestPrimaryBlockCborRoundtrip(t *testing.T) {
	tests := []PrimaryBlock{
		{
			Version:     7,
			CRCType:     CRC32,
			Destination: MustNewEndpointID("dtn://dest/"),
			Source:      MustNewEndpointID("dtn://src/"),
			ReportTo:    MustNewEndpointID("dtn://src/"),
			Timestamp:   NewCreationTimestamp(DtnTimeNow(), 23),
			Lifetime:    1000 * 60 * 10,
		},
		{
			Version:         7,
			Flags:           IsFragment,
			CRCType:         CRC16,
			Destination:     MustNewEndpointID("dtn://dest/"),
			Source:          MustNewEndpointID("dtn://src/"),
			ReportTo:        DtnNone(),
			Timestamp:       NewCreationTimestamp(DtnTimeNow(), 0),
			Lifetime:        1000 * 60,
			FragmentOffset:  23,
			TotalDataLength: 42,
		},
		{
			Version:     7,
			Flags:       NoFragmentation,
			CRCType:     CRCNo,
			Destination: MustNewEndpointID("dtn://dest/"),
			Source:      DtnNone(),
			ReportTo:    DtnNone(),
			Timestamp:   NewCreationTimestamp(DtnTimeNow(), 0),
			Lifetime:    1000 * 60,
		},
	}

	for _, pb := range tests {
		buff := new(bytes.Buffer)
		if err := pb.MarshalCbor(buff); err != nil {
			t.Fatal(err)
		}

		var pb2 PrimaryBlock
		if err := pb2.UnmarshalCbor(buff); err != nil {
			t.Fatal(err)
		}

		if !reflect.DeepEqual(pb, pb2) {
			t.Fatalf("primary blocks differ:\n%v\n%v", pb, pb2)
		}
	}
}

func TestPrimaryBlockWrongVersion(t *testing.T) {
	pb := PrimaryBlock{
		Version:     7,
		CRCType:     CRC32,
		Destination: MustNewEndpointID("dtn://dest/"),
		Source:      MustNewEndpointID("dtn://src/"),
		ReportTo:    MustNewEndpointID("dtn://src/"),
		Timestamp:   NewCreationTimestamp(DtnTimeNow(), 0),
		Lifetime:    1000 * 60,
	}

	buff := new(bytes.Buffer)
	if err := pb.MarshalCbor(buff); err != nil {
		t.Fatal(err)
	}

	// Patch the version field, the element after the array header.
	data := buff.Bytes()
	if data[1] != 0x07 {
		t.Fatalf("unexpected serialization: %x", data[:4])
	}
	data[1] = 0x06

	var pb2 PrimaryBlock
	if err := pb2.UnmarshalCbor(bytes.NewBuffer(data)); err == nil {
		t.Fatal("parsing a version 6 primary block did not error")
	}
}

func TestPrimaryBlockChecksumMismatch(t *testing.T) {
	pb := PrimaryBlock{
		Version:     7,
		CRCType:     CRC16,
		Destination: MustNewEndpointID("dtn://dest/"),
		Source:      MustNewEndpointID("dtn://src/"),
		ReportTo:    MustNewEndpointID("dtn://src/"),
		Timestamp:   NewCreationTimestamp(DtnTimeNow(), 0),
		Lifetime:    1000 * 60,
	}

	buff := new(bytes.Buffer)
	if err := pb.MarshalCbor(buff); err != nil {
		t.Fatal(err)
	}

	data := buff.Bytes()
	data[len(data)-1] ^= 0xFF

	var pb2 PrimaryBlock
	if err := pb2.UnmarshalCbor(bytes.NewBuffer(data)); err == nil {
		t.Fatal("checksum mismatch was not detected")
	}
}
