// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func TestBundleFragmentReassemble(t *testing.T) {
	payload := make([]byte, 1024)
	rand.New(rand.NewSource(23)).Read(payload)

	bndl, err := Builder().
		Source("dtn://src/").
		Destination("dtn://dest/sink").
		CreationTimestampNow().
		Lifetime(time.Hour).
		HopCountBlock(64).
		PayloadBlock(payload).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	for _, mtu := range []int{256, 512, 1024} {
		frags, err := bndl.Fragment(mtu)
		if err != nil {
			t.Fatal(err)
		}

		for i := range frags {
			buff := new(bytes.Buffer)
			if err := frags[i].WriteBundle(buff); err != nil {
				t.Fatal(err)
			}

			if buff.Len() > mtu {
				t.Fatalf("mtu %d: fragment %d has serialized length %d", mtu, i, buff.Len())
			}
		}

		if len(frags) > 1 {
			// The union of the fragments' payload must equal the original payload.
			var merged []byte
			for i := range frags {
				merged = append(merged, frags[i].Payload()...)
			}
			if !bytes.Equal(merged, payload) {
				t.Fatalf("mtu %d: merged payload differs", mtu)
			}

			if frags[0].PrimaryBlock.FragmentOffset != 0 {
				t.Fatalf("mtu %d: first fragment has offset %d", mtu, frags[0].PrimaryBlock.FragmentOffset)
			}

			// Only the first fragment carries the non-replicated extension blocks.
			if !frags[0].HasExtensionBlock(BlockTypeHopCount) {
				t.Fatalf("mtu %d: first fragment misses hop count block", mtu)
			}
			for i := 1; i < len(frags); i++ {
				if frags[i].HasExtensionBlock(BlockTypeHopCount) {
					t.Fatalf("mtu %d: fragment %d carries hop count block", mtu, i)
				}
			}
		}

		reassembled, err := ReassembleFragments(frags)
		if err != nil {
			t.Fatal(err)
		}

		if reassembled.ID().Whole() != bndl.ID().Whole() {
			t.Fatalf("mtu %d: Bundle ID %v != %v", mtu, reassembled.ID(), bndl.ID())
		}
		if !bytes.Equal(reassembled.Payload(), payload) {
			t.Fatalf("mtu %d: reassembled payload differs", mtu)
		}
	}
}

func TestBundleFragmentForbidden(t *testing.T) {
	bndl, err := Builder().
		Source("dtn://src/").
		Destination("dtn://dest/sink").
		BundleCtrlFlags(NoFragmentation).
		CreationTimestampNow().
		Lifetime(time.Hour).
		PayloadBlock(make([]byte, 1024)).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := bndl.Fragment(128); err == nil {
		t.Fatal("fragmenting a no-fragmentation bundle did not error")
	}
}

func TestReassembleIncomplete(t *testing.T) {
	bndl, err := Builder().
		Source("dtn://src/").
		Destination("dtn://dest/sink").
		CreationTimestampNow().
		Lifetime(time.Hour).
		PayloadBlock(make([]byte, 1024)).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	frags, err := bndl.Fragment(256)
	if err != nil {
		t.Fatal(err)
	}
	if len(frags) < 3 {
		t.Fatalf("expected at least three fragments, got %d", len(frags))
	}

	if IsBundleReassemblable(frags[:len(frags)-1]) {
		t.Fatal("incomplete fragments are reported as reassemblable")
	}
	if _, err := ReassembleFragments(frags[:len(frags)-1]); err == nil {
		t.Fatal("reassembling incomplete fragments did not error")
	}
}

func TestFragmentTinyMtu(t *testing.T) {
	bndl := testBundle(t)

	if _, err := bndl.Fragment(16); err == nil {
		t.Fatal("a 16 byte MTU did not error")
	}
}
