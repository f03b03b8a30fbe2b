// SPDX-FileCopyrightText: 2023 Alvar Penning
// SPDX-FileCopyrightText: 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package routing

import (
	"testing"

	"github.com/dtn7/dtrd/pkg/bpv7"
)

func TestEidPrefixMatches(t *testing.T) {
	tests := []struct {
		target      string
		destination string
		matches     bool
	}{
		{"dtn://b/", "dtn://b/", true},
		{"dtn://b/", "dtn://b/echo", true},
		{"dtn://b/", "dtn://b/echo/deep", true},
		{"dtn://b/echo", "dtn://b/echo", true},
		{"dtn://b/echo", "dtn://b/echo/deep", true},
		{"dtn://b/echo", "dtn://b/echoes", false},
		{"dtn://b/echo", "dtn://b/", false},
		{"dtn://b/", "dtn://c/", false},
	}

	for _, test := range tests {
		target := bpv7.MustNewEndpointID(test.target)
		destination := bpv7.MustNewEndpointID(test.destination)

		if matches := eidPrefixMatches(target, destination); matches != test.matches {
			t.Fatalf("%s against %s: expected %t, got %t",
				test.target, test.destination, test.matches, matches)
		}
	}
}

func TestRouteTableCandidates(t *testing.T) {
	rt := NewRouteTable()

	peerB := bpv7.MustNewEndpointID("dtn://b/")
	peerC := bpv7.MustNewEndpointID("dtn://c/")

	// A static route to b via c; c's session is not established yet.
	if err := rt.AddStaticRoute(peerB, peerC); err != nil {
		t.Fatal(err)
	}

	if candidates := rt.Candidates(bpv7.MustNewEndpointID("dtn://b/x")); len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %v", candidates)
	}

	// With c established, the static route becomes available.
	rt.SetPeerEstablished(peerC, true)

	candidates := rt.Candidates(bpv7.MustNewEndpointID("dtn://b/x"))
	if len(candidates) != 1 {
		t.Fatalf("expected one candidate, got %v", candidates)
	}
	if candidates[0].NextHop != peerC || candidates[0].Kind != RouteStatic {
		t.Fatalf("unexpected candidate: %v", candidates[0])
	}

	// With b established, the connected route wins over the static one.
	rt.SetPeerEstablished(peerB, true)

	candidates = rt.Candidates(bpv7.MustNewEndpointID("dtn://b/x"))
	if len(candidates) != 2 {
		t.Fatalf("expected two candidates, got %v", candidates)
	}
	if candidates[0].NextHop != peerB || candidates[0].Kind != RouteConnected {
		t.Fatalf("connected route should win: %v", candidates)
	}

	// After b's session is withdrawn, only the static route remains.
	rt.SetPeerEstablished(peerB, false)

	candidates = rt.Candidates(bpv7.MustNewEndpointID("dtn://b/x"))
	if len(candidates) != 1 || candidates[0].NextHop != peerC {
		t.Fatalf("expected the static route, got %v", candidates)
	}

	if err := rt.RemoveStaticRoute(peerB, peerC); err != nil {
		t.Fatal(err)
	}
	if candidates := rt.Candidates(bpv7.MustNewEndpointID("dtn://b/x")); len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %v", candidates)
	}

	if err := rt.RemoveStaticRoute(peerB, peerC); err == nil {
		t.Fatal("removing a removed route did not error")
	}
}

func TestRouteTableDeterministicOrder(t *testing.T) {
	rt := NewRouteTable()

	target := bpv7.MustNewEndpointID("dtn://far/")
	hops := []string{"dtn://c/", "dtn://a/", "dtn://b/"}

	for _, hop := range hops {
		eid := bpv7.MustNewEndpointID(hop)
		rt.SetPeerEstablished(eid, true)
		if err := rt.AddStaticRoute(target, eid); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 10; i++ {
		candidates := rt.Candidates(bpv7.MustNewEndpointID("dtn://far/x"))
		if len(candidates) != 3 {
			t.Fatalf("expected three candidates, got %v", candidates)
		}

		for j, expected := range []string{"dtn://a/", "dtn://b/", "dtn://c/"} {
			if candidates[j].NextHop.String() != expected {
				t.Fatalf("round %d: expected %s at %d, got %v", i, expected, j, candidates)
			}
		}
	}
}
