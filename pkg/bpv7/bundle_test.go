// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"reflect"
	"testing"
	"time"
)

func testBundle(t *testing.T) Bundle {
	bndl, err := Builder().
		Source("dtn://src/").
		Destination("dtn://dest/sink").
		CreationTimestampNow().
		Lifetime(time.Hour).
		HopCountBlock(64).
		PayloadBlock([]byte("hello world")).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	return bndl
}

func TestBundleCborRoundtrip(t *testing.T) {
	bndl := testBundle(t)

	buff := new(bytes.Buffer)
	if err := bndl.WriteBundle(buff); err != nil {
		t.Fatal(err)
	}

	bndl2, err := ParseBundle(buff)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(bndl, bndl2) {
		t.Fatalf("bundles differ:\n%v\n%v", bndl, bndl2)
	}
}

func TestBundleCborRoundtripCrcTypes(t *testing.T) {
	for _, crcType := range []CRCType{CRCNo, CRC16, CRC32} {
		bndl := testBundle(t)
		bndl.SetCRCType(crcType)

		buff := new(bytes.Buffer)
		if err := bndl.WriteBundle(buff); err != nil {
			t.Fatal(err)
		}

		bndl2, err := ParseBundle(buff)
		if err != nil {
			t.Fatal(err)
		}

		if bndl.ID() != bndl2.ID() {
			t.Fatalf("Bundle IDs differ: %v != %v", bndl.ID(), bndl2.ID())
		}

		if !bytes.Equal(bndl2.Payload(), []byte("hello world")) {
			t.Fatalf("wrong payload: %x", bndl2.Payload())
		}
	}
}

func TestBundleCrcMismatch(t *testing.T) {
	bndl := testBundle(t)

	buff := new(bytes.Buffer)
	if err := bndl.WriteBundle(buff); err != nil {
		t.Fatal(err)
	}

	// Flip the bits of a payload byte, invalidating the payload block's CRC.
	data := buff.Bytes()
	data[len(data)-8] ^= 0xFF

	if _, err := ParseBundle(bytes.NewBuffer(data)); err == nil {
		t.Fatal("CRC mismatch was not detected")
	}
}

func TestBundleParseGarbage(t *testing.T) {
	tests := [][]byte{
		{},
		{0x00},
		{0xFF, 0xFF, 0xFF, 0xFF},
		{0x9F},
		{0x9F, 0xFF},
	}

	for _, test := range tests {
		if _, err := ParseBundle(bytes.NewBuffer(test)); err == nil {
			t.Fatalf("parsing %x did not error", test)
		}
	}
}

func TestBundleUnknownBlockType(t *testing.T) {
	bndl := testBundle(t)
	if err := bndl.AddExtensionBlock(NewCanonicalBlock(0, 0, &UnknownBlock{
		TypeCode: 192,
		Data:     []byte{0x23},
	})); err != nil {
		t.Fatal(err)
	}
	bndl.SetCRCType(CRC32)

	buff := new(bytes.Buffer)
	if err := bndl.WriteBundle(buff); err != nil {
		t.Fatal(err)
	}

	bndl2, err := ParseBundle(buff)
	if err != nil {
		t.Fatal(err)
	}

	cb, err := bndl2.ExtensionBlock(192)
	if err != nil {
		t.Fatal(err)
	}

	ub := cb.Value.(*UnknownBlock)
	if !bytes.Equal(ub.Data, []byte{0x23}) {
		t.Fatalf("wrong unknown block data: %x", ub.Data)
	}
}

func TestBundleAddExtensionBlockTwice(t *testing.T) {
	bndl := testBundle(t)

	if err := bndl.AddExtensionBlock(NewCanonicalBlock(0, 0, NewBundleAgeBlock(0))); err != nil {
		t.Fatal(err)
	}
	if err := bndl.AddExtensionBlock(NewCanonicalBlock(0, 0, NewBundleAgeBlock(0))); err == nil {
		t.Fatal("adding a second Bundle Age Block did not error")
	}
}

func TestBundleRemoveExtensionBlock(t *testing.T) {
	bndl := testBundle(t)

	if !bndl.HasExtensionBlock(BlockTypeHopCount) {
		t.Fatal("hop count block is missing")
	}

	bndl.RemoveExtensionBlock(BlockTypeHopCount)
	if bndl.HasExtensionBlock(BlockTypeHopCount) {
		t.Fatal("hop count block was not removed")
	}
}

func TestBundleLifetimeExceeded(t *testing.T) {
	bndl := testBundle(t)
	if bndl.IsLifetimeExceeded() {
		t.Fatal("fresh bundle's lifetime is exceeded")
	}

	bndl.PrimaryBlock.Timestamp = NewCreationTimestamp(DtnTimeFromTime(time.Now().Add(-2*time.Hour)), 0)
	if !bndl.IsLifetimeExceeded() {
		t.Fatal("stale bundle's lifetime is not exceeded")
	}
}

func TestBundleIDWhole(t *testing.T) {
	bid := BundleID{
		Source:          MustNewEndpointID("dtn://foo/"),
		Timestamp:       NewCreationTimestamp(23, 42),
		IsFragment:      true,
		FragmentOffset:  1,
		TotalDataLength: 2,
	}

	if s := bid.String(); s != "dtn://foo/-23-42-1-2" {
		t.Fatalf("unexpected fragment ID string: %s", s)
	}

	whole := bid.Whole()
	if whole.IsFragment || whole.FragmentOffset != 0 || whole.TotalDataLength != 0 {
		t.Fatalf("whole BundleID carries fragmentation: %v", whole)
	}
	if s := whole.String(); s != "dtn://foo/-23-42" {
		t.Fatalf("unexpected whole ID string: %s", s)
	}
}

func TestBundleBuilderChecks(t *testing.T) {
	if _, err := Builder().
		Source("dtn://src/").
		Destination("dtn://dest/").
		CreationTimestampNow().
		Lifetime(0).
		PayloadBlock([]byte("nope")).
		Build(); err == nil {
		t.Fatal("zero lifetime did not error")
	}

	if _, err := Builder().
		Source("uff:uff").
		Destination("dtn://dest/").
		CreationTimestampNow().
		Lifetime(time.Minute).
		PayloadBlock([]byte("nope")).
		Build(); err == nil {
		t.Fatal("invalid source did not error")
	}
}
